// Package stats implements Clock/Stats (spec §4.11, component C11):
// the frame counter, an EWMA-smoothed FPS estimate, and the
// log_fraction gate that decides whether a given frame tick is
// "periodic" and should emit a log line.
package stats

import (
	"sync"
	"time"
)

// Clock tracks per-frame timing for one worker loop.
type Clock struct {
	mu sync.Mutex

	frames      uint64
	last        time.Time
	fps         float64
	logFraction uint32

	// ewmaAlpha weights the most recent interval against the running
	// FPS estimate; 0.2 tracks the teacher's smoothing constant for
	// its own rolling counters in internal/lidar/pipeline/stages.go.
	ewmaAlpha float64
}

// New constructs a Clock with the given log_fraction (spec §3,
// LoopState.log_fraction; 0 is treated as "never periodic").
func New(logFraction uint32) *Clock {
	return &Clock{logFraction: logFraction, ewmaAlpha: 0.2}
}

// Tick increments the frame counter and updates the FPS EWMA from the
// wall-clock interval since the previous Tick.
func (c *Clock) Tick() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	if !c.last.IsZero() {
		dt := now.Sub(c.last).Seconds()
		if dt > 0 {
			inst := 1 / dt
			if c.fps == 0 {
				c.fps = inst
			} else {
				c.fps = c.ewmaAlpha*inst + (1-c.ewmaAlpha)*c.fps
			}
		}
	}
	c.last = now
}

// Frames returns the total frame count.
func (c *Clock) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// FPS returns the current EWMA frames-per-second estimate.
func (c *Clock) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// SetLogFraction updates the periodic-log gate (the `set lf` control
// verb, spec §6).
func (c *Clock) SetLogFraction(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logFraction = v
}

// Periodic reports whether the current frame count should emit a
// periodic log line: (frames mod log_fraction) == 0 (spec §4.11).
// log_fraction == 0 never fires.
func (c *Clock) Periodic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFraction == 0 {
		return false
	}
	return c.frames%uint64(c.logFraction) == 0
}
