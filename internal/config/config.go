// Package config loads and serves the JSON tuning configuration for the
// control core. Its shape mirrors the teacher's internal/config/tuning.go:
// a struct of optional-pointer fields so that "unset" (use the built-in
// default) and "explicitly zero" are distinguishable, plus typed
// accessors that apply defaults at read time. The SetX accessors update
// this struct under its mutex; the ControlServer's `set …` protocol
// verbs (spec §6) do not call them and write to the live wfs.SHConfig
// and stats.Clock instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// WFCGainField names which PID-like gain field the Reconstructor treats
// as the active step gain. Spec §9 leaves this an open question; we make
// it configurable rather than silently hardcoding a choice.
type WFCGainField string

const (
	GainFieldP WFCGainField = "p"
	GainFieldI WFCGainField = "i"
	GainFieldD WFCGainField = "d"
)

// Config is the root tuning configuration. All fields are optional
// pointers; GetX accessors apply the documented default when nil.
type Config struct {
	// WFS / SH geometry
	CellsW   *int     `json:"cells_w,omitempty"`
	CellsH   *int     `json:"cells_h,omitempty"`
	TrackW   *int     `json:"track_w,omitempty"`
	TrackH   *int     `json:"track_h,omitempty"`
	Samini   *float64 `json:"samini,omitempty"`
	Samxr    *int     `json:"samxr,omitempty"`
	FieldFrames *int  `json:"field_frames,omitempty"`

	// Loop timing
	LogFraction     *uint32 `json:"log_fraction,omitempty"`
	AcquireTimeoutMS *int   `json:"acquire_timeout_ms,omitempty"`

	// Reconstructor
	GainField *string `json:"gain_field,omitempty"`
	NModes    *int    `json:"nmodes,omitempty"`

	// Calibration
	CalRangeLo      *float64 `json:"calrange_lo,omitempty"`
	CalRangeHi      *float64 `json:"calrange_hi,omitempty"`
	MeasureCount    *int     `json:"measurecount,omitempty"`
	SkipFrames      *int     `json:"skipframes,omitempty"`

	// ControlServer
	ListenAddr *string `json:"listen_addr,omitempty"`
	MaxClients *int    `json:"max_clients,omitempty"`

	// RingBuffer
	RingCapacity  *int `json:"ring_capacity,omitempty"`
	RingIncrement *int `json:"ring_increment,omitempty"`

	mu sync.RWMutex
}

func ptr[T any](v T) *T { return &v }

// Default returns a Config populated entirely with built-in defaults.
func Default() *Config {
	return &Config{
		CellsW:           ptr(8),
		CellsH:           ptr(8),
		TrackW:           ptr(16),
		TrackH:           ptr(16),
		Samini:           ptr(20.0),
		Samxr:            ptr(0),
		FieldFrames:      ptr(20),
		LogFraction:      ptr(uint32(100)),
		AcquireTimeoutMS: ptr(200),
		GainField:        ptr(string(GainFieldD)),
		NModes:           ptr(0), // 0 means "all modes"
		CalRangeLo:       ptr(-1.0),
		CalRangeHi:       ptr(1.0),
		MeasureCount:     ptr(5),
		SkipFrames:       ptr(2),
		ListenAddr:       ptr(":6660"),
		MaxClients:       ptr(16),
		RingCapacity:     ptr(64),
		RingIncrement:    ptr(16),
	}
}

// Load reads a JSON tuning file and merges it onto the built-in defaults.
// A missing file is not an error: Load returns the defaults unchanged,
// the same tolerant behavior the Supervisor uses for missing calibration
// artefacts at startup.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the current configuration to path as JSON.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) GetCells() (w, h int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.CellsW, 8), intOr(c.CellsH, 8)
}

func (c *Config) GetTrack() (w, h int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.TrackW, 16), intOr(c.TrackH, 16)
}

func (c *Config) GetSamini() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return floatOr(c.Samini, 20.0)
}

func (c *Config) SetSamini(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Samini = ptr(v)
}

func (c *Config) GetSamxr() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.Samxr, 0)
}

func (c *Config) SetSamxr(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Samxr = ptr(v)
}

func (c *Config) GetFieldFrames() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.FieldFrames, 20)
}

func (c *Config) SetFieldFrames(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FieldFrames = ptr(v)
}

func (c *Config) GetLogFraction() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LogFraction == nil || *c.LogFraction == 0 {
		return 100
	}
	return *c.LogFraction
}

func (c *Config) SetLogFraction(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogFraction = ptr(v)
}

func (c *Config) GetGainField() WFCGainField {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.GainField == nil {
		return GainFieldD
	}
	switch WFCGainField(*c.GainField) {
	case GainFieldP, GainFieldI, GainFieldD:
		return WFCGainField(*c.GainField)
	default:
		return GainFieldD
	}
}

func (c *Config) GetNModes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.NModes, 0)
}

func (c *Config) GetCalRange() (lo, hi float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return floatOr(c.CalRangeLo, -1.0), floatOr(c.CalRangeHi, 1.0)
}

func (c *Config) GetMeasureCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.MeasureCount, 5)
}

func (c *Config) GetSkipFrames() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.SkipFrames, 2)
}

func (c *Config) GetListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":6660"
	}
	return *c.ListenAddr
}

func (c *Config) GetMaxClients() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.MaxClients, 16)
}

func (c *Config) GetRingCapacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.RingCapacity, 64)
}

func (c *Config) GetRingIncrement() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.RingIncrement, 16)
}

func (c *Config) GetAcquireTimeoutMS() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return intOr(c.AcquireTimeoutMS, 200)
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
