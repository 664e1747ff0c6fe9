// Package obs provides the process-wide diagnostic logger used by every
// other package. It is intentionally decoupled from TelemetryLog: this
// logger is for operator-facing diagnostics, TelemetryLog is an
// append-only measurement stream consumed by offline analysis.
package obs

import "log"

// Level gates which diagnostic lines are emitted. The hot loop logs at
// LevelTrace so per-frame lines compile in but stay silent by default.
type Level int

const (
	LevelTrace Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// but may be replaced by SetLogger, e.g. to redirect into a test buffer
// or mute output entirely.
var Logf func(format string, v ...interface{}) = log.Printf

var current Level = LevelInfo

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLevel controls the minimum level that Tracef/Infof/Warnf/Errorf emit.
func SetLevel(l Level) { current = l }

func emit(l Level, prefix, format string, v ...interface{}) {
	if l < current {
		return
	}
	Logf(prefix+format, v...)
}

// Tracef logs high-frequency, per-frame diagnostics. Silent unless the
// level is lowered to LevelTrace.
func Tracef(format string, v ...interface{}) { emit(LevelTrace, "[trace] ", format, v...) }

// Infof logs a routine, operator-relevant event.
func Infof(format string, v ...interface{}) { emit(LevelInfo, "[info] ", format, v...) }

// Warnf logs a recoverable problem.
func Warnf(format string, v ...interface{}) { emit(LevelWarn, "[warn] ", format, v...) }

// Errorf logs a component failure.
func Errorf(format string, v ...interface{}) { emit(LevelError, "[error] ", format, v...) }
