// Package supervisor implements the Supervisor (spec §4.12, component
// C12): wiring startup, spawning the worker, running the ControlServer,
// and tearing everything down in reverse order on SIGINT. Grounded on
// the teacher's signal.NotifyContext + sync.WaitGroup shutdown pattern
// used in cmd/radar/radar.go.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"gonum.org/v1/gonum/mat"

	"github.com/foam-ao/core/internal/calib/engine"
	"github.com/foam-ao/core/internal/calib/history"
	"github.com/foam-ao/core/internal/calib/store"
	"github.com/foam-ao/core/internal/config"
	"github.com/foam-ao/core/internal/control"
	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/hardware"
	"github.com/foam-ao/core/internal/loop"
	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/reconstruct"
	"github.com/foam-ao/core/internal/ringbuffer"
	"github.com/foam-ao/core/internal/stats"
	"github.com/foam-ao/core/internal/telemetry"
	"github.com/foam-ao/core/internal/wfs"
)

// Options bundles the static configuration a Supervisor needs to wire
// the core (spec §4.12, "Startup").
type Options struct {
	Config        *config.Config
	Source        frame.Source
	SH            *wfs.SHConfig
	WFCs          []*wfs.WFC
	StoreDir      string
	StorePrefix   string
	HistoryDBPath string
	TelemetryPath string
	Facade        *hardware.Facade

	// DebugAddr, if non-empty, serves the admin/debug routes (state
	// dump and a live tailsql browser over the run-history db) the
	// way the teacher's cmd/radar mounts them via db.AttachAdminRoutes.
	DebugAddr string
}

// Supervisor owns every long-lived component and drives startup/teardown.
type Supervisor struct {
	opts Options

	Telem   *telemetry.Log
	Store   *store.Store
	History *history.Store
	Engine  *engine.Engine
	Loop    *loop.Orchestrator
	Server  *control.Server
	Ring    *ringbuffer.RingBuffer
	Stats   *stats.Clock
}

// New wires every component (spec §4.12: "wire components") but does
// not yet start anything.
func New(opts Options) (*Supervisor, error) {
	s := &Supervisor{opts: opts}

	s.Telem = telemetry.New(" ", "#")
	if opts.TelemetryPath != "" {
		if err := s.Telem.Init(opts.TelemetryPath, telemetry.ModeAppendCreate); err != nil {
			return nil, fmt.Errorf("supervisor: init telemetry: %w", err)
		}
	}

	s.Store = store.New(opts.StoreDir, opts.StorePrefix)

	if opts.HistoryDBPath != "" {
		h, err := history.Open(opts.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: open history: %w", err)
		}
		s.History = h
	}

	s.Stats = stats.New(opts.Config.GetLogFraction())
	s.Ring = ringbuffer.New(opts.Config.GetRingCapacity(), opts.Config.GetRingIncrement())

	s.Engine = &engine.Engine{
		Store:          s.Store,
		History:        s.History,
		Source:         opts.Source,
		SH:             opts.SH,
		WFCs:           opts.WFCs,
		FieldFrames:    opts.Config.GetFieldFrames(),
		MeasureCount:   opts.Config.GetMeasureCount(),
		SkipFrames:     opts.Config.GetSkipFrames(),
	}

	s.Loop = loop.New()
	s.Loop.Source = opts.Source
	s.Loop.SH = opts.SH
	s.Loop.WFCs = opts.WFCs
	s.Loop.Hw = opts.Facade
	s.Loop.Ring = s.Ring
	s.Loop.Store = s.Store
	s.Loop.Telem = s.Telem
	s.Loop.Engine = s.Engine
	s.Loop.Stats = s.Stats

	// Load any SVD artefact already on disk so CLOSED can be entered
	// without a fresh INFLUENCE run (spec §3, "Lifecycle": "loaded at
	// startup if present").
	if a, err := s.Store.Load(); err == nil && a.HasSVD {
		nmodes := opts.Config.GetNModes()
		u := mat.NewDense(a.U.H, a.U.W, a.U.Data)
		vt := mat.NewDense(a.Vt.H, a.Vt.W, a.Vt.Data)
		s.Loop.Recon = reconstruct.New(u, a.S, vt, nmodes, opts.WFCs, string(opts.Config.GetGainField()))
	} else if err != nil {
		obs.Warnf("supervisor: load calibration store at startup: %v", err)
	}

	s.Server = control.New(control.Deps{
		Loop:    s.Loop,
		SH:      opts.SH,
		WFCs:    opts.WFCs,
		Telem:   s.Telem,
		Stats:   s.Stats,
		History: s.History,
		Calibrate: func(mode string) error {
			return s.runCalibration(mode)
		},
		SaveImg: func(n int) {
			s.Loop.SaveImg = int32(n)
		},
		MaxClients: opts.Config.GetMaxClients(),
	})

	return s, nil
}

func (s *Supervisor) runCalibration(mode string) error {
	var cm engine.Mode
	var fn func(ctx context.Context) error
	switch mode {
	case "dark":
		cm, fn = engine.ModeDark, s.Engine.RunDark
	case "flat":
		cm, fn = engine.ModeFlat, s.Engine.RunFlat
	case "gain":
		cm, fn = engine.ModeGain, func(context.Context) error { return s.Engine.RunGain() }
	case "subap":
		cm, fn = engine.ModeSubapSel, func(ctx context.Context) error { _, err := s.Engine.RunSubapSel(ctx); return err }
	case "pinhole":
		cm, fn = engine.ModePinhole, s.Engine.RunPinhole
	case "influence":
		lo, hi := s.opts.Config.GetCalRange()
		cm = engine.ModeInfluence
		fn = func(ctx context.Context) error { return s.Engine.RunInfluence(ctx, s.opts.Facade, lo, hi) }
	default:
		return fmt.Errorf("supervisor: unknown calibration mode %q", mode)
	}
	return s.Loop.StartCalibration(loop.CalMode(cm), fn)
}

// Run starts the worker and ControlServer, blocking until SIGINT or
// ctx cancellation. Teardown then broadcasts a shutdown notice to the
// clients (their connections are not closed here; cancelling ctx only
// closes the listener), sets SHUTDOWN, stops the debug server, joins
// the worker, stops the frame source, closes the DM and then the
// tip-tilt port (reverse of their open order), and closes the
// telemetry log and the history database.
func (s *Supervisor) Run(ctx context.Context, listenAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Loop.Run(ctx)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- s.Server.Serve(ctx, listenAddr)
	}()

	var debugSrv *http.Server
	if s.opts.DebugAddr != "" {
		mux := http.NewServeMux()
		s.Server.AttachAdminRoutes(mux)
		if s.History != nil {
			if err := s.History.AttachAdminRoutes(mux); err != nil {
				obs.Warnf("supervisor: attach history admin routes: %v", err)
			}
		}
		debugSrv = &http.Server{Addr: s.opts.DebugAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				obs.Warnf("supervisor: debug server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	obs.Infof("supervisor: shutdown requested")
	s.Server.Broadcast("201 shutdown")
	s.Loop.SetMode(loop.Shutdown)
	if debugSrv != nil {
		if err := debugSrv.Shutdown(context.Background()); err != nil {
			obs.Warnf("supervisor: shutdown debug server: %v", err)
		}
	}
	wg.Wait()

	if s.opts.Source != nil {
		s.opts.Source.Stop()
	}
	if f := s.opts.Facade; f != nil {
		if f.DM != nil && f.DM.Port != nil {
			if err := f.DM.Port.Close(); err != nil {
				obs.Warnf("supervisor: close dm port: %v", err)
			}
		}
		if f.TipTilt != nil && f.TipTilt.Port != nil {
			if err := f.TipTilt.Port.Close(); err != nil {
				obs.Warnf("supervisor: close tiptilt port: %v", err)
			}
		}
	}
	if err := s.Telem.Close(); err != nil {
		obs.Warnf("supervisor: close telemetry: %v", err)
	}
	if s.History != nil {
		if err := s.History.Close(); err != nil {
			obs.Warnf("supervisor: close history: %v", err)
		}
	}
	select {
	case err := <-serverErrCh:
		if err != nil {
			obs.Warnf("supervisor: server stopped: %v", err)
		}
	default:
	}
	return nil
}
