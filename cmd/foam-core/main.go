// Command foam-core is the Supervisor entrypoint (spec §4.12): it
// loads tuning configuration, wires the WFS/WFC geometry and a frame
// source, and runs the control core until SIGINT/SIGTERM. Grounded on
// cmd/radar/radar.go's flag-driven startup and config.DefaultConfigPath.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/foam-ao/core/internal/config"
	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/hardware"
	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/supervisor"
	"github.com/foam-ao/core/internal/wfs"
)

var (
	configFile   = flag.String("config", config.DefaultConfigPath, "path to JSON tuning configuration file")
	listenAddr   = flag.String("listen", "", "ControlServer listen address (overrides config)")
	storeDir     = flag.String("store-dir", ".", "directory for calibration artefacts")
	storePrefix  = flag.String("store-prefix", "foam", "filename prefix for calibration artefacts")
	historyDB    = flag.String("history-db", "foam-calib-history.db", "path to the calibration run-history sqlite database")
	telemetryLog = flag.String("telemetry-log", "foam-telemetry.log", "path to the append-only telemetry log")
	simulate     = flag.Bool("simulate", true, "use the synthetic frame source instead of a real camera")
	pcapPath     = flag.String("pcap", "", "replay a captured frame stream from this pcap file instead of the synthetic source")
	ttPort       = flag.String("tiptilt-port", "", "serial port for the tip-tilt DAC (empty disables hardware writes)")
	dmPort       = flag.String("dm-port", "", "serial port for the deformable mirror driver (empty disables hardware writes)")
	debugAddr    = flag.String("debug-addr", "", "HTTP address for admin/debug routes (state dump, calib-history tailsql browser); empty disables it")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "foam-core:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cellsW, cellsH := cfg.GetCells()
	trackW, trackH := cfg.GetTrack()
	sh := &wfs.SHConfig{
		CellsW: cellsW, CellsH: cellsH,
		TrackW: trackW, TrackH: trackH,
		Samini: cfg.GetSamini(),
		Samxr:  cfg.GetSamxr(),
	}

	lo, hi := cfg.GetCalRange()
	wfcs := []*wfs.WFC{
		wfs.NewWFC("tt0", wfs.TipTilt, 2, wfs.Gain{D: 0.3}, wfs.CalRange{Lo: lo, Hi: hi}),
		wfs.NewWFC("dm0", wfs.DeformableMirror, 37, wfs.Gain{D: 0.3}, wfs.CalRange{Lo: lo, Hi: hi}),
	}

	var source frame.Source
	switch {
	case *pcapPath != "":
		source = &frame.PCAPSource{Path: *pcapPath, Loop: true}
	case *simulate:
		source = frame.NewSynthetic(256, 256, cellsW, cellsH)
	default:
		return fmt.Errorf("no frame source configured: pass -simulate or -pcap")
	}

	facade := &hardware.Facade{}
	if *ttPort != "" {
		p, err := hardware.OpenSerial(*ttPort, hardware.PortOptions{})
		if err != nil {
			return fmt.Errorf("open tiptilt port: %w", err)
		}
		facade.TipTilt = &hardware.TipTiltDriver{Port: p}
	}
	if *dmPort != "" {
		p, err := hardware.OpenSerial(*dmPort, hardware.PortOptions{})
		if err != nil {
			return fmt.Errorf("open dm port: %w", err)
		}
		facade.DM = &hardware.DMDriver{Port: p}
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:        cfg,
		Source:        source,
		SH:            sh,
		WFCs:          wfcs,
		StoreDir:      *storeDir,
		StorePrefix:   *storePrefix,
		HistoryDBPath: *historyDB,
		TelemetryPath: *telemetryLog,
		Facade:        facade,
		DebugAddr:     *debugAddr,
	})
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}

	addr := *listenAddr
	if addr == "" {
		addr = cfg.GetListenAddr()
	}
	obs.Infof("foam-core: listening on %s, store prefix %q in %s", addr, *storePrefix, *storeDir)
	return sup.Run(context.Background(), addr)
}
