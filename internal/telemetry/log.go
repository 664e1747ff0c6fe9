// Package telemetry implements the append-only TelemetryLog of spec
// §4.3 (component C3): a line-oriented text stream with a
// caller-supplied separator and comment leader, an enabled flag that
// flips without closing the underlying file, and single-write-call
// entries. The module provides no cross-call atomicity — concurrent
// callers must serialise, exactly as spec §4.3 requires.
package telemetry

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/foam-ao/core/internal/obs"
)

// Mode selects the open mode passed to Init. "r" is forbidden: the log
// is write-only from the core's perspective (spec §4.3).
type Mode string

const (
	ModeWrite        Mode = "w"
	ModeWriteCreate  Mode = "w+"
	ModeAppend       Mode = "a"
	ModeAppendCreate Mode = "a+"
	ModeReadWrite    Mode = "r+"
)

// Snapshot is the small state struct TelemetryLog depends on instead
// of the orchestrator directly, breaking the module<->log<->PTC
// cyclic reference the original C sources had (spec §9).
type Snapshot struct {
	Mode       string
	CalMode    string
	Frames     uint64
	FPS        float64
	WFSLines   []string
	WFCLines   []string
	FilterWheelLines []string
}

// Log is a single-writer, append-only telemetry stream.
type Log struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	sep       string
	comment   string
	enabled   bool
}

// New constructs a Log with the given separator and comment leader.
// It is not usable until Init is called.
func New(sep, comment string) *Log {
	if sep == "" {
		sep = " "
	}
	if comment == "" {
		comment = "#"
	}
	return &Log{sep: sep, comment: comment, enabled: true}
}

// Init opens path in the given mode. "r" is rejected.
func (l *Log) Init(path string, mode Mode) error {
	if mode == "r" {
		return fmt.Errorf("telemetry: mode %q forbidden", mode)
	}
	var flag int
	switch mode {
	case ModeWrite:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case ModeWriteCreate:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ModeAppend:
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case ModeAppendCreate:
		flag = os.O_RDWR | os.O_CREATE | os.O_APPEND
	case ModeReadWrite:
		flag = os.O_RDWR
	default:
		return fmt.Errorf("telemetry: unknown mode %q", mode)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	l.mu.Lock()
	l.f = f
	l.w = bufio.NewWriter(f)
	l.enabled = true
	l.mu.Unlock()
	return nil
}

// Enabled reports whether the log currently accepts writes.
func (l *Log) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled flips the enabled flag without closing the file, per
// the "log on/off/reset" control verb (spec §6).
func (l *Log) SetEnabled(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = v
}

// Reset truncates the log file in place, keeping it open.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("telemetry: not initialised")
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("telemetry: truncate: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("telemetry: seek: %w", err)
	}
	l.w = bufio.NewWriter(l.f)
	return nil
}

func (l *Log) writeLineLocked(line string) error {
	if !l.enabled {
		return nil
	}
	if l.w == nil {
		return fmt.Errorf("telemetry: not initialised")
	}
	if _, err := l.w.WriteString(line); err != nil {
		l.enabled = false
		obs.Errorf("telemetry: disabling log after write failure: %v", err)
		return fmt.Errorf("telemetry: write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		l.enabled = false
		obs.Errorf("telemetry: disabling log after flush failure: %v", err)
		return fmt.Errorf("telemetry: flush: %w", err)
	}
	return nil
}

// Message appends a single free-text line.
func (l *Log) Message(tag, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLineLocked(fmt.Sprintf("%s%s%s\n", tag, l.sep, msg))
}

// Comment appends a comment line using the configured leader.
func (l *Log) Comment(msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLineLocked(fmt.Sprintf("%s %s\n", l.comment, msg))
}

// PTC appends a full process-table-snapshot line: mode, calmode,
// frame counter, fps, counts, then one line per WFS/WFC/filter wheel.
func (l *Log) PTC(s Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "PTC%s%s%s%s%s%d%s%.3f%s%d%s%d%s%d\n",
		l.sep, s.Mode, l.sep, s.CalMode, l.sep, s.Frames, l.sep, s.FPS,
		l.sep, len(s.WFSLines), l.sep, len(s.WFCLines), l.sep, len(s.FilterWheelLines))
	for _, line := range s.WFSLines {
		fmt.Fprintf(&b, "WFS%s%s\n", l.sep, line)
	}
	for _, line := range s.WFCLines {
		fmt.Fprintf(&b, "WFC%s%s\n", l.sep, line)
	}
	for _, line := range s.FilterWheelLines {
		fmt.Fprintf(&b, "FW%s%s\n", l.sep, line)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLineLocked(b.String())
}

// Vector appends a float vector in raw form: the tag, then each value,
// joined by the configured separator.
func (l *Log) Vector(tag string, v []float64) error {
	var b strings.Builder
	b.WriteString(tag)
	for _, x := range v {
		b.WriteString(l.sep)
		fmt.Fprintf(&b, "%.10f", x)
	}
	b.WriteString("\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLineLocked(b.String())
}

// GSLVector appends a float vector in GSL-style format: a header line
// with the vector length, followed by one value per line — the
// format gonum-based readers and the original GSL-linked FOAM tooling
// both understand.
func (l *Log) GSLVector(tag string, v []float64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s%d\n", tag, l.sep, len(v))
	for _, x := range v {
		fmt.Fprintf(&b, "%.10f\n", x)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLineLocked(b.String())
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	if l.w != nil {
		l.w.Flush()
	}
	err := l.f.Close()
	l.f = nil
	l.w = nil
	return err
}
