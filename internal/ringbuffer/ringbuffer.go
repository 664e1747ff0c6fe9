// Package ringbuffer implements the fixed-capacity raw-frame buffer of
// spec §4.2 (component C2): push raw frames during OPEN/CLOSED on
// operator request, and dump them to disk (PGM) as individually
// numbered files. Grounded on the teacher's
// internal/lidar/visualiser/recorder binary-index/chunk-file design:
// a monotonic counter plus per-item metadata (resolution), not a
// single flat byte blob, so differing frame resolutions are rejected
// rather than silently corrupting the buffer.
package ringbuffer

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/obs"
)

// RingBuffer holds up to capacity raw frames of identical resolution.
// Growth on near-full push is attempted in increments; if growth
// fails the buffer disables itself and drops the frame rather than
// halting the loop (spec §3 Lifecycle).
type RingBuffer struct {
	mu        sync.Mutex
	capacity  int
	increment int
	frames    []*frame.Frame
	w, h      int
	enabled   bool
	imgused   int
	used      int64 // bytes
	dumpSeq   int
}

func New(capacity, increment int) *RingBuffer {
	return &RingBuffer{capacity: capacity, increment: increment, enabled: true}
}

// Enabled reports whether the buffer currently accepts pushes.
func (r *RingBuffer) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Push appends f to the buffer. If there is no remaining capacity it
// attempts to grow by the configured increment; on growth failure it
// disables buffering, drops the frame, and returns a warning error
// (non-fatal: the caller must not halt the loop on it).
func (r *RingBuffer) Push(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}
	if len(r.frames) > 0 && (f.W != r.w || f.H != r.h) {
		return fmt.Errorf("ringbuffer: resolution mismatch: have %dx%d, got %dx%d", r.w, r.h, f.W, f.H)
	}
	if len(r.frames) >= r.capacity {
		if err := r.growLocked(); err != nil {
			r.enabled = false
			obs.Warnf("ringbuffer: disabling after growth failure: %v", err)
			return fmt.Errorf("ringbuffer: growth failed, buffering disabled: %w", err)
		}
	}
	if len(r.frames) == 0 {
		r.w, r.h = f.W, f.H
	}
	r.frames = append(r.frames, f)
	r.imgused++
	r.used += int64(len(f.Pix)) * 2
	return nil
}

func (r *RingBuffer) growLocked() error {
	if r.increment <= 0 {
		return fmt.Errorf("ringbuffer: increment must be positive")
	}
	r.capacity += r.increment
	return nil
}

// Stats returns the frame count and byte count the buffer currently
// holds. The two are tracked independently so differing resolutions
// across the buffer's lifetime are detectable (spec §4.2).
func (r *RingBuffer) Stats() (imgused int, used int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imgused, r.used
}

// Dump writes every buffered frame to pathPrefix-bufdump-NNNNN.pgm, resets the
// used counters, and returns the number of files written.
func (r *RingBuffer) Dump(pathPrefix string) (int, error) {
	r.mu.Lock()
	frames := r.frames
	r.frames = nil
	r.imgused = 0
	r.used = 0
	r.mu.Unlock()

	n := 0
	for _, f := range frames {
		name := fmt.Sprintf("%s-bufdump-%05d.pgm", pathPrefix, r.nextDumpSeq())
		if err := writePGM(name, f); err != nil {
			return n, fmt.Errorf("ringbuffer: dump %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

func (r *RingBuffer) nextDumpSeq() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumpSeq++
	return r.dumpSeq
}

// writePGM writes an 8-bit grayscale PGM (P2 ASCII) file. This is the
// core's minimal fallback encoder for RingBuffer dumps; a richer
// PGM/PNG writer is an external collaborator per spec §1.
func writePGM(path string, f *frame.Frame) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	w := bufio.NewWriter(fh)
	fmt.Fprintf(w, "P2\n%d %d\n255\n", f.W, f.H)
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			v := f.Pix[y*f.W+x]
			if v > 255 {
				v = 255
			}
			fmt.Fprintf(w, "%d ", v)
		}
		fmt.Fprint(w, "\n")
	}
	return w.Flush()
}
