// Package loop implements LoopOrchestrator (spec §4.8, component C8):
// the worker-thread state machine that multiplexes OPEN, CLOSED, and
// CAL bodies against the persistent ControlServer. One mutex guards
// mode/calmode; a condition variable, signalled by the network side,
// wakes the worker out of LISTEN (spec §5, "Mutual exclusion").
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/foam-ao/core/internal/aoerr"
	"github.com/foam-ao/core/internal/calib/engine"
	"github.com/foam-ao/core/internal/calib/store"
	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/reconstruct"
	"github.com/foam-ao/core/internal/ringbuffer"
	"github.com/foam-ao/core/internal/sh"
	"github.com/foam-ao/core/internal/stats"
	"github.com/foam-ao/core/internal/telemetry"
	"github.com/foam-ao/core/internal/wfs"
)

// Mode is the LoopState.mode enum of spec §3.
type Mode int

const (
	Listen Mode = iota
	Open
	Closed
	Cal
	Shutdown
)

func (m Mode) String() string {
	switch m {
	case Listen:
		return "listen"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Cal:
		return "cal"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CalMode is the calibration sub-mode active while Mode == Cal.
type CalMode string

// HardwareApplier drives WFC actuator commands (spec §4.10); the
// orchestrator depends only on this narrow capability, not the
// concrete hardware package, matching the "small capability set"
// design note of spec §9.
type HardwareApplier interface {
	Apply(w *wfs.WFC) error
}

// Orchestrator is the LoopOrchestrator of spec §4.8.
type Orchestrator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	mode    Mode
	calMode CalMode

	Source  frame.Source
	SH      *wfs.SHConfig
	WFCs    []*wfs.WFC
	Recon   *reconstruct.Reconstructor
	Hw      HardwareApplier
	Ring    *ringbuffer.RingBuffer
	Store   *store.Store
	Telem   *telemetry.Log
	Engine  *engine.Engine
	Stats   *stats.Clock

	AcquireTimeout time.Duration
	SaveImg        int32 // countdown of frames to capture (spec §3)

	calErr  error
	calDone chan struct{}
}

// New constructs an Orchestrator in LISTEN.
func New() *Orchestrator {
	o := &Orchestrator{mode: Listen}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Mode returns the current mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetMode requests a mode transition and wakes the worker if it is
// waiting in LISTEN (spec §5: "signalled by the network thread").
// mode open/closed is rejected with ConfigInvalid unless currently in
// LISTEN; mode listen is accepted from OPEN and CLOSED (and LISTEN);
// SHUTDOWN is accepted from any mode.
func (o *Orchestrator) SetMode(m Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m == Shutdown {
		o.mode = Shutdown
		o.cond.Broadcast()
		return nil
	}
	if m == Listen && (o.mode == Open || o.mode == Closed) {
		o.mode = Listen
		o.cond.Broadcast()
		return nil
	}
	if o.mode != Listen {
		return aoerr.ConfigInvalidf("loop", "cannot enter %s from %s", m, o.mode)
	}
	o.mode = m
	o.cond.Broadcast()
	return nil
}

// RequireCalibrated rejects mode=closed when no influence/SVD
// artefact is on disk (spec §8, "mode CLOSED without CalibrationStore
// present ⇒ returns 403 and remains in LISTEN").
func (o *Orchestrator) RequireCalibrated() error {
	a, err := o.Store.Load()
	if err != nil {
		return aoerr.HardwareFailuref("loop", "load calibration store: %w", err)
	}
	if !a.HasSVD {
		return aoerr.CalibrationMissingf("loop", "no influence/SVD artefact present")
	}
	return nil
}

// StartCalibration enters CAL with the given calibration sub-mode and
// runs fn exactly once before returning to LISTEN (spec §4.8: "CAL
// runs exactly one body invocation then returns to LISTEN").
func (o *Orchestrator) StartCalibration(cm CalMode, fn func(ctx context.Context) error) error {
	o.mu.Lock()
	if o.mode != Listen {
		o.mu.Unlock()
		return aoerr.ConfigInvalidf("loop", "cannot calibrate from %s", o.mode)
	}
	o.mode = Cal
	o.calMode = cm
	o.calDone = make(chan struct{})
	o.mu.Unlock()
	o.cond.Broadcast()

	go func() {
		err := fn(context.Background())
		o.mu.Lock()
		o.calErr = err
		o.mode = Listen
		o.calMode = ""
		close(o.calDone)
		o.mu.Unlock()
		o.cond.Broadcast()
	}()
	return nil
}

// Run is the worker loop of spec §4.8/§5: it waits on the mode
// condition variable in LISTEN, and otherwise runs the matching body
// in a tight loop while mode is unchanged.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		o.mu.Lock()
		for o.mode == Listen {
			o.cond.Wait()
		}
		mode := o.mode
		o.mu.Unlock()

		switch mode {
		case Shutdown:
			return
		case Open:
			o.runOpen(ctx)
		case Closed:
			o.runClosed(ctx)
		case Cal:
			// The CAL body runs asynchronously via StartCalibration's
			// goroutine; the worker merely waits for mode to change
			// back out of CAL so it never double-runs the calibration
			// function.
			o.mu.Lock()
			for o.mode == Cal {
				o.cond.Wait()
			}
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) sameMode(m Mode) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode == m
}

// runOpen implements the OPEN per-frame body (spec §4.8): acquire,
// full-frame correction, CoG, displacement log "O", optional
// RingBuffer push, frame counter tick.
func (o *Orchestrator) runOpen(ctx context.Context) {
	if err := o.Source.Start(ctx); err != nil {
		obs.Errorf("loop: OPEN start source: %v", err)
		o.backToListen()
		return
	}
	defer o.Source.Stop()

	for o.sameMode(Open) {
		f, err := o.Source.Acquire(ctx, o.timeout())
		if err == frame.ErrTimeout {
			continue
		}
		if err != nil {
			obs.Errorf("loop: OPEN acquire failed, returning to LISTEN: %v", err)
			o.backToListen()
			return
		}
		corrected := sh.CorrectFullFrame(f.Pix, nil, nil)
		sh.TrackCentroids(f.W, f.H, corrected, o.SH)
		dev := sh.ApplyReference(o.SH)
		if o.Telem != nil {
			o.Telem.Vector("O", dev)
		}
		o.maybeBuffer(f)
		o.Stats.Tick()
	}
}

// runClosed implements the CLOSED per-frame body (spec §4.8): acquire,
// per-subap correction, CoG, Reconstructor, HardwareFacade.apply per
// WFC, displacement log "C" and one control log "C-WFC-<id>" per WFC, optional
// RingBuffer push.
func (o *Orchestrator) runClosed(ctx context.Context) {
	if err := o.Source.Start(ctx); err != nil {
		obs.Errorf("loop: CLOSED start source: %v", err)
		o.backToListen()
		return
	}
	defer o.Source.Stop()

	a, err := o.Store.Load()
	if err != nil || !a.HasGain {
		obs.Errorf("loop: CLOSED requires gain calibration: %v", err)
		o.backToListen()
		return
	}

	for o.sameMode(Closed) {
		f, err := o.Source.Acquire(ctx, o.timeout())
		if err == frame.ErrTimeout {
			continue
		}
		if err != nil {
			obs.Errorf("loop: CLOSED acquire failed, returning to LISTEN: %v", err)
			o.backToListen()
			return
		}
		corrected := sh.CorrectFrameSubapertures(f.W, f.H, f.Pix, o.SH, a.Dark16, a.Gain)
		sh.TrackCentroids(f.W, f.H, corrected, o.SH)
		dev := sh.ApplyReference(o.SH)

		if o.Recon != nil {
			if err := o.Recon.Apply(dev); err != nil {
				obs.Errorf("loop: reconstruct: %v", err)
			} else {
				for _, w := range o.WFCs {
					if err := o.Hw.Apply(w); err != nil {
						obs.Errorf("loop: hardware apply %s failed: %v", w.ID, err)
					}
					if o.Telem != nil {
						o.Telem.Vector("C-WFC-"+w.ID, w.Ctrl)
					}
				}
			}
		}
		if o.Telem != nil {
			o.Telem.Vector("C", dev)
		}
		o.maybeBuffer(f)
		o.Stats.Tick()
	}
}

func (o *Orchestrator) maybeBuffer(f *frame.Frame) {
	if o.SaveImg <= 0 || o.Ring == nil {
		return
	}
	if err := o.Ring.Push(f); err != nil {
		obs.Warnf("loop: ringbuffer push failed: %v", err)
	}
	o.SaveImg--
}

func (o *Orchestrator) backToListen() {
	o.mu.Lock()
	o.mode = Listen
	o.mu.Unlock()
	o.cond.Broadcast()
}

func (o *Orchestrator) timeout() time.Duration {
	if o.AcquireTimeout <= 0 {
		return 200 * time.Millisecond
	}
	return o.AcquireTimeout
}
