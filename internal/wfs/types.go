// Package wfs holds the shared descriptor types for wavefront sensors,
// wavefront correctors, and the lenslet/tracking geometry that the
// Shack–Hartmann pipeline and reconstructor operate on (spec §3).
package wfs

// ScanDirection constrains which axis a subaperture's displacement
// tracking reports (spec §4.5, "Track-axis policy").
type ScanDirection int

const (
	ScanXY ScanDirection = iota
	ScanX
	ScanY
)

// Descriptor identifies a wavefront sensor and its static geometry.
type Descriptor struct {
	ID     string
	Width  int
	Height int
	BPP    int // bits per pixel, typically 8 or 16

	DarkPath    string
	FlatPath    string
	SkyPath     string
	Scan        ScanDirection
	FieldFrames int // frames averaged for a dark/flat capture
}

// SHConfig is the Shack–Hartmann lenslet/tracking geometry (spec §3).
type SHConfig struct {
	CellsW, CellsH int // Wc, Hc: lenslet grid
	ShW, ShH       int // shsize: pixels per lenslet (derived: W/Wc, H/Hc)
	TrackW, TrackH int // track: tracking-window size, <= shsize

	Samini float64 // per-pixel intensity threshold for usefulness
	Samxr  int      // max subaperture radius (>0) or erosion steps (<0)

	TrackAxis ScanDirection // which axes tracking reports (spec §4.5, "Track-axis policy")

	NSubap int // count of usable subapertures, <= CellsW*CellsH

	// SubC is the lower-left pixel coordinate of each tracker window in
	// the raw frame; GridC is the lower-left of each lenslet cell.
	SubC  [][2]int
	GridC [][2]int

	RefC []float64 // reference displacements, length 2*NSubap
	Disp []float64 // current displacements, length 2*NSubap
}

// Scan returns the configured track-axis policy.
func (c *SHConfig) Scan() ScanDirection {
	return c.TrackAxis
}

// DerivedShSize computes shsize = (W/Wc, H/Hc) from a Descriptor and
// cell count and stores it on the config.
func (c *SHConfig) DerivedShSize(d *Descriptor) {
	if c.CellsW <= 0 || c.CellsH <= 0 {
		return
	}
	c.ShW = d.Width / c.CellsW
	c.ShH = d.Height / c.CellsH
}

// WFCKind distinguishes the two corrector types the spec names.
type WFCKind int

const (
	TipTilt WFCKind = iota
	DeformableMirror
)

func (k WFCKind) String() string {
	if k == TipTilt {
		return "tiptilt"
	}
	return "dm"
}

// Gain is the PID-like gain record attached to each WFC.
type Gain struct {
	P, I, D float64
}

// CalRange is the normalised calibration range [Lo, Hi] a WFC's control
// vector is clamped to.
type CalRange struct {
	Lo, Hi float64
}

// WFC describes one wavefront corrector and its live control vector.
type WFC struct {
	ID   string
	Kind WFCKind
	Nact int
	Gain Gain
	Cal  CalRange

	Ctrl []float64 // control vector, length Nact, each in [-1, 1]
}

// NewWFC allocates a WFC with a zeroed control vector.
func NewWFC(id string, kind WFCKind, nact int, gain Gain, cal CalRange) *WFC {
	return &WFC{ID: id, Kind: kind, Nact: nact, Gain: gain, Cal: cal, Ctrl: make([]float64, nact)}
}

// Zero resets the control vector to zero, as required at calibration
// entry (spec §3 Lifecycle).
func (w *WFC) Zero() {
	for i := range w.Ctrl {
		w.Ctrl[i] = 0
	}
}

// Clamp clips v into the WFC's calibration range.
func (w *WFC) Clamp(v float64) float64 {
	if v < w.Cal.Lo {
		return w.Cal.Lo
	}
	if v > w.Cal.Hi {
		return w.Cal.Hi
	}
	return v
}

// GainStep returns the configured gain field value used as the
// Reconstructor's per-actuator step gain (spec §9 open question).
func (w *WFC) GainStep(field string) float64 {
	switch field {
	case "p":
		return w.Gain.P
	case "i":
		return w.Gain.I
	default:
		return w.Gain.D
	}
}
