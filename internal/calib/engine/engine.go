// Package engine implements CalibEngine (spec §4.7, component C7):
// the dark/flat/gain/pinhole/influence/subaperture-selection
// calibration modes that populate a CalibrationStore. Grounded on the
// original foam_modules-calib.c flow (average-N-frames, then-divide)
// and on gonum/mat's SVD for the influence-matrix pseudo-inverse,
// matching the teacher's own gonum usage in internal/db/db.go.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/foam-ao/core/internal/aoerr"
	"github.com/foam-ao/core/internal/calib/history"
	"github.com/foam-ao/core/internal/calib/store"
	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/sh"
	"github.com/foam-ao/core/internal/wfs"
)

// Mode is a calibration mode (spec §3, LoopState.calmode).
type Mode string

const (
	ModeDark      Mode = "DARK"
	ModeFlat      Mode = "FLAT"
	ModeGain      Mode = "GAIN"
	ModePinhole   Mode = "PINHOLE"
	ModeInfluence Mode = "INFLUENCE"
	ModeSubapSel  Mode = "SUBAPSEL"
)

// Engine drives the calibration modes against one WFS/SH geometry,
// persisting artefacts through a store.Store and indexing run
// start/end/success through a history.Store (domain-stack
// enrichment: spec.md keeps artefacts flat-file-only; the run ledger
// is additive).
type Engine struct {
	Store   *store.Store
	History *history.Store
	Source  frame.Source
	SH      *wfs.SHConfig
	WFCs    []*wfs.WFC

	FieldFrames  int
	MeasureCount int
	SkipFrames   int
	AcquireTimeout time.Duration
}

// SubapSelResult reports the geometry produced by SUBAPSEL, matching
// the original's modStrehl-adjacent debug print (SPEC_FULL §4): not
// just a count but the reference subaperture's own origin.
type SubapSelResult struct {
	NSubap     int
	RefIndex   int
	RefOrigin  [2]int
}

// RunDark averages FieldFrames frames into a float matrix and
// persists it as the dark artefact. Spec §4.7, §7: on any IO error
// existing artefacts are left untouched.
func (e *Engine) RunDark(ctx context.Context) error {
	return e.runFieldAverage(ctx, "dark", e.Store.SaveDark)
}

// RunFlat averages FieldFrames frames into a float matrix and
// persists it as the flat artefact.
func (e *Engine) RunFlat(ctx context.Context) error {
	return e.runFieldAverage(ctx, "flat", e.Store.SaveFlat)
}

func (e *Engine) runFieldAverage(ctx context.Context, label string, save func(*store.Matrix) error) error {
	runID := e.beginRun(Mode(label))
	m, err := e.averageFrames(ctx)
	if err != nil {
		e.finishRun(runID, false, err.Error())
		return err
	}
	if err := save(m); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "save %s: %w", label, err)
	}
	lo, hi := minMax(m.Data)
	avg, variance := stat.MeanVariance(m.Data, nil)
	obs.Infof("engine: %s field average done: min=%.2f max=%.2f mean=%.2f var=%.2f",
		label, lo, hi, avg, variance)
	e.finishRun(runID, true, fmt.Sprintf("min=%.2f max=%.2f mean=%.2f var=%.2f", lo, hi, avg, variance))
	return nil
}

func (e *Engine) averageFrames(ctx context.Context) (*store.Matrix, error) {
	n := e.FieldFrames
	if n <= 0 {
		n = 1
	}
	if err := e.Source.Start(ctx); err != nil {
		return nil, aoerr.HardwareFailuref("engine", "start source: %w", err)
	}
	defer e.Source.Stop()

	var acc []float64
	var w, h int
	for i := 0; i < n; i++ {
		f, err := e.Source.Acquire(ctx, e.timeout())
		if err == frame.ErrTimeout {
			i--
			continue
		}
		if err != nil {
			return nil, aoerr.Transientf("engine", "acquire: %w", err)
		}
		if acc == nil {
			w, h = f.W, f.H
			acc = make([]float64, w*h)
		}
		for i, v := range f.Pix {
			acc[i] += float64(v)
		}
	}
	m := store.NewMatrix(w, h)
	for i := range acc {
		m.Data[i] = acc[i] / float64(n)
	}
	return m, nil
}

func (e *Engine) timeout() time.Duration {
	if e.AcquireTimeout <= 0 {
		return 200 * time.Millisecond
	}
	return e.AcquireTimeout
}

// RunGain requires a prior dark and flat, computes per-subaperture
// fixed-point dark16/gain arrays, and persists them (spec §4.7,
// "GAIN"). pix = flat-dark per pixel; dark16 = floor(256*dark);
// gain = min(floor(256*avg(pix)/pix), 2^16-1) if pix>0 else 0.
func (e *Engine) RunGain() error {
	runID := e.beginRun(ModeGain)
	a, err := e.Store.Load()
	if err != nil {
		e.finishRun(runID, false, err.Error())
		return err
	}
	if !a.HasDark || !a.HasFlat {
		err := aoerr.CalibrationMissingf("engine", "gain requires dark+flat")
		e.finishRun(runID, false, err.Error())
		return err
	}
	if e.SH.NSubap == 0 {
		err := aoerr.ConfigInvalidf("engine", "gain requires subaperture selection")
		e.finishRun(runID, false, err.Error())
		return err
	}

	tw, th := e.SH.TrackW, e.SH.TrackH
	n := e.SH.NSubap * tw * th
	dark16 := make([]uint16, n)
	gain := make([]uint16, n)

	var spanSum float64
	var spanN int
	spans := make([]float64, n)
	for sn := 0; sn < e.SH.NSubap; sn++ {
		ox, oy := e.SH.SubC[sn][0], e.SH.SubC[sn][1]
		for j := 0; j < th; j++ {
			for i := 0; i < tw; i++ {
				px, py := ox+i, oy+j
				idx := sn*tw*th + j*tw + i
				if px < 0 || px >= a.Dark.W || py < 0 || py >= a.Dark.H {
					continue
				}
				span := a.Flat.At(px, py) - a.Dark.At(px, py)
				spans[idx] = span
				dark16[idx] = uint16(clampUint16(a.Dark.At(px, py) * 256))
				if span > 0 {
					spanSum += span
					spanN++
				}
			}
		}
	}
	avgSpan := 0.0
	if spanN > 0 {
		avgSpan = spanSum / float64(spanN)
	}
	for i, span := range spans {
		if span > 0 {
			gain[i] = uint16(clampUint16(256 * avgSpan / span))
		}
	}

	if err := e.Store.SaveGain(dark16, gain); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "save gain: %w", err)
	}
	obs.Infof("engine: gain computed for %d subapertures, avg span=%.2f", e.SH.NSubap, avgSpan)
	e.finishRun(runID, true, fmt.Sprintf("nsubap=%d avgspan=%.2f", e.SH.NSubap, avgSpan))
	return nil
}

func clampUint16(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return v
}

// RunPinhole zeroes every WFC, runs one acquire+track cycle, and
// stores the resulting displacement as the reference geometry refc
// (spec §4.7, "PINHOLE").
func (e *Engine) RunPinhole(ctx context.Context) error {
	runID := e.beginRun(ModePinhole)
	for _, w := range e.WFCs {
		w.Zero()
	}
	if err := e.Source.Start(ctx); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "start source: %w", err)
	}
	defer e.Source.Stop()

	f, err := e.Source.Acquire(ctx, e.timeout())
	if err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.Transientf("engine", "acquire: %w", err)
	}
	corrected := sh.CorrectFullFrame(f.Pix, nil, nil)
	sh.TrackCentroids(f.W, f.H, corrected, e.SH)

	refc := make([]float64, len(e.SH.Disp))
	copy(refc, e.SH.Disp)
	if err := e.Store.SavePinhole(refc); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "save pinhole: %w", err)
	}
	e.SH.RefC = refc
	e.finishRun(runID, true, fmt.Sprintf("nsubap=%d", e.SH.NSubap))
	return nil
}

// WFCApplier abstracts the apply side of HardwareFacade (spec §4.10)
// so the influence-matrix poke sequence does not depend on the
// concrete hardware package.
type WFCApplier interface {
	Apply(w *wfs.WFC) error
}

// RunInfluence pokes every actuator of every WFC to calrange.hi then
// .lo, accumulating +/-disp over MeasureCount repeats, divides by
// (hi-lo)*MeasureCount, assembles the influence matrix M, computes
// its SVD, self-checks the reconstruction against a fixed
// deterministic probe vector (see selfCheck), and persists the triple
// (spec §4.7, §8 round-trip law).
func (e *Engine) RunInfluence(ctx context.Context, hw WFCApplier, calLo, calHi float64) error {
	runID := e.beginRun(ModeInfluence)
	if e.SH.NSubap == 0 {
		err := aoerr.ConfigInvalidf("engine", "influence requires subaperture selection")
		e.finishRun(runID, false, err.Error())
		return err
	}
	if err := e.Source.Start(ctx); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "start source: %w", err)
	}
	defer e.Source.Stop()

	nact := reconstructNact(e.WFCs)
	nsubap2 := 2 * e.SH.NSubap
	m := store.NewMatrix(nact, nsubap2)

	col := 0
	for _, w := range e.WFCs {
		for a := 0; a < w.Nact; a++ {
			plus, err := e.pokeAndMeasure(ctx, hw, w, a, calHi)
			if err != nil {
				e.finishRun(runID, false, err.Error())
				return err
			}
			minus, err := e.pokeAndMeasure(ctx, hw, w, a, calLo)
			if err != nil {
				e.finishRun(runID, false, err.Error())
				return err
			}
			denom := (calHi - calLo) * float64(e.MeasureCount)
			for r := 0; r < nsubap2; r++ {
				m.Set(col, r, (plus[r]-minus[r])/denom)
			}
			w.Ctrl[a] = 0
			col++
		}
	}

	u, sigma, vt, err := svdInfluence(m)
	if err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.Fatalf("engine", "svd: %w", err)
	}
	if err := selfCheck(m, u, sigma, vt); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.Fatalf("engine", "svd self-check: %w", err)
	}

	if err := e.Store.SaveInfluence(m, e.SH.NSubap); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "save influence: %w", err)
	}
	toMatrix := func(d *mat.Dense) *store.Matrix {
		r, c := d.Dims()
		out := store.NewMatrix(c, r)
		for y := 0; y < r; y++ {
			for x := 0; x < c; x++ {
				out.Set(x, y, d.At(y, x))
			}
		}
		return out
	}
	if err := e.Store.SaveSVD(toMatrix(u), sigma, toMatrix(vt)); err != nil {
		e.finishRun(runID, false, err.Error())
		return aoerr.HardwareFailuref("engine", "save svd: %w", err)
	}
	obs.Infof("engine: influence matrix %dx%d computed and SVD persisted", nact, nsubap2)
	e.finishRun(runID, true, fmt.Sprintf("nact=%d nsubap=%d", nact, e.SH.NSubap))
	return nil
}

func (e *Engine) pokeAndMeasure(ctx context.Context, hw WFCApplier, w *wfs.WFC, actuator int, level float64) ([]float64, error) {
	w.Ctrl[actuator] = level
	if err := hw.Apply(w); err != nil {
		return nil, aoerr.HardwareFailuref("engine", "apply %s: %w", w.ID, err)
	}
	acc := make([]float64, 2*e.SH.NSubap)
	for k := 0; k < e.MeasureCount; k++ {
		for s := 0; s < e.SkipFrames; s++ {
			if _, err := e.Source.Acquire(ctx, e.timeout()); err != nil && err != frame.ErrTimeout {
				return nil, aoerr.Transientf("engine", "skip-frame acquire: %w", err)
			}
		}
		f, err := e.Source.Acquire(ctx, e.timeout())
		if err != nil {
			return nil, aoerr.Transientf("engine", "acquire: %w", err)
		}
		corrected := sh.CorrectFullFrame(f.Pix, nil, nil)
		sh.TrackCentroids(f.W, f.H, corrected, e.SH)
		for i, v := range e.SH.Disp {
			acc[i] += v
		}
	}
	return acc, nil
}

func reconstructNact(wfcs []*wfs.WFC) int {
	n := 0
	for _, w := range wfcs {
		n += w.Nact
	}
	return n
}

// svdInfluence factorises M (2*NSubap x Nact) into U, Σ, Vᵀ via
// gonum/mat's SVD, matching spec §4.7's INFLUENCE mode.
func svdInfluence(m *store.Matrix) (*mat.Dense, []float64, *mat.Dense, error) {
	dm := mat.NewDense(m.H, m.W, m.Data)
	var svd mat.SVD
	if !svd.Factorize(dm, mat.SVDThin) {
		return nil, nil, nil, fmt.Errorf("svd factorization failed")
	}
	sigma := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vt := new(mat.Dense)
	vt.CloneFrom(v.T())
	return &u, sigma, vt, nil
}

// selfCheck verifies ‖M·x − U·diag(Σ)·Vᵀ·x‖/‖M·x‖ < 1e-4 for a fixed
// deterministic test vector (spec §8's round-trip law; randomness is
// avoided here since the harness never re-runs this to average out
// variance — a stable probe vector is used instead).
func selfCheck(m *store.Matrix, u *mat.Dense, sigma []float64, vt *mat.Dense) error {
	nact := m.W
	x := make([]float64, nact)
	for i := range x {
		x[i] = math.Sin(float64(i) + 1)
	}
	xv := mat.NewVecDense(nact, x)

	dm := mat.NewDense(m.H, m.W, m.Data)
	mx := mat.NewVecDense(m.H, nil)
	mx.MulVec(dm, xv)

	work := mat.NewVecDense(len(sigma), nil)
	vtx := mat.NewVecDense(vt.RawMatrix().Rows, nil)
	vtx.MulVec(vt, xv)
	for i := range sigma {
		work.SetVec(i, sigma[i]*vtx.AtVec(i))
	}
	recon := mat.NewVecDense(m.H, nil)
	recon.MulVec(u, work)

	var diffNorm, mxNorm float64
	for i := 0; i < m.H; i++ {
		d := mx.AtVec(i) - recon.AtVec(i)
		diffNorm += d * d
		mxNorm += mx.AtVec(i) * mx.AtVec(i)
	}
	diffNorm = math.Sqrt(diffNorm)
	mxNorm = math.Sqrt(mxNorm)
	if mxNorm == 0 {
		return nil
	}
	if diffNorm/mxNorm >= 1e-4 {
		return fmt.Errorf("svd reconstruction error %.3e exceeds tolerance", diffNorm/mxNorm)
	}
	return nil
}

// RunSubapSel acquires one frame and runs subaperture selection,
// reporting geometry (spec §4.7 "SUBAPSEL"; SPEC_FULL §4 supplements
// the reply with the reference subaperture's own origin, not just a
// count).
func (e *Engine) RunSubapSel(ctx context.Context) (*SubapSelResult, error) {
	runID := e.beginRun(ModeSubapSel)
	if err := e.Source.Start(ctx); err != nil {
		e.finishRun(runID, false, err.Error())
		return nil, aoerr.HardwareFailuref("engine", "start source: %w", err)
	}
	defer e.Source.Stop()

	f, err := e.Source.Acquire(ctx, e.timeout())
	if err != nil {
		e.finishRun(runID, false, err.Error())
		return nil, aoerr.Transientf("engine", "acquire: %w", err)
	}
	if err := sh.SelectSubapertures(f, e.SH); err != nil {
		e.finishRun(runID, false, err.Error())
		return nil, err
	}
	res := &SubapSelResult{NSubap: e.SH.NSubap}
	if e.SH.NSubap > 0 {
		res.RefIndex = 0
		res.RefOrigin = [2]int{e.SH.SubC[0][0], e.SH.SubC[0][1]}
	}
	e.finishRun(runID, true, fmt.Sprintf("nsubap=%d", res.NSubap))
	return res, nil
}

func (e *Engine) beginRun(mode Mode) string {
	if e.History == nil {
		return ""
	}
	id, err := e.History.Begin(string(mode))
	if err != nil {
		obs.Warnf("engine: history.Begin failed: %v", err)
		return ""
	}
	return id
}

func (e *Engine) finishRun(id string, success bool, detail string) {
	if e.History == nil || id == "" {
		return
	}
	if err := e.History.Finish(id, success, detail); err != nil {
		obs.Warnf("engine: history.Finish failed: %v", err)
	}
}

func minMax(v []float64) (lo, hi float64) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
