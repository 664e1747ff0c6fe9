// Package frame defines the Frame type and the FrameSource contract
// (spec §4.1, component C1): an abstract source of raw sensor frames
// that the SHPipeline consumes. Concrete camera/framegrabber drivers
// are out of scope (spec §1); this package only defines the contract
// and ships two in-tree adapters useful without real hardware: a
// synthetic generator and a pcap-replay source for simulation.
package frame

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Acquire when no frame arrived within the
// caller's timeout. It is not an error condition for the orchestrator:
// the worker simply re-checks its mode and loops (spec §5).
var ErrTimeout = errors.New("frame: acquire timeout")

// Frame is a 2-D image of width W and height H at depth D bits per
// pixel (spec §3). Pixel layout is row-major. Pix holds W*H samples;
// for D<=8 each sample occupies one byte represented as uint16 for a
// uniform API, for D<=16 two bytes' worth of value.
type Frame struct {
	W, H int
	D    int // bits per pixel
	Pix  []uint16
	Seq  uint64
	At   time.Time
}

// Pixel returns the sample at (x, y). Callers must not mutate the
// returned frame; ownership transfers from the FrameSource to the
// caller only for the duration of that frame's processing span
// (spec §4.1).
func (f *Frame) Pixel(x, y int) uint16 { return f.Pix[y*f.W+x] }

// Source is the FrameSource contract (spec §4.1). Start and Stop are
// idempotent; between them any number of Acquire calls may occur.
// There are no concurrent Acquire calls — the worker owns the source
// exclusively while it is started.
type Source interface {
	// Start opens the underlying device/feed. Idempotent.
	Start(ctx context.Context) error
	// Stop closes the underlying device/feed. Idempotent.
	Stop() error
	// Acquire blocks for up to timeout for the next frame. A timeout
	// returns (nil, ErrTimeout), not an error, so the worker can
	// re-check its mode (spec §5, "Cancellation & timeouts").
	Acquire(ctx context.Context, timeout time.Duration) (*Frame, error)
}
