// Package reconstruct implements the Reconstructor (spec §4.6,
// component C6): applying the SVD pseudo-inverse of the influence
// matrix to a measured displacement vector, truncating to a mode
// count, and splitting the result across wavefront correctors with a
// configurable per-WFC gain step. Grounded on gonum/mat's SVD/Dense
// types, the way the teacher uses gonum in internal/db/db.go for
// statistics.
package reconstruct

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/wfs"
)

// Reconstructor holds the SVD triple (U, Σ, Vᵀ) of a calibrated
// influence matrix and the WFCs it drives, in declaration order.
type Reconstructor struct {
	U  *mat.Dense // 2*NSubap x Nact
	S  []float64  // Nact singular values
	Vt *mat.Dense // Nact x Nact

	NModes int // <= Nact; truncates the reconstruction

	WFCs []*wfs.WFC

	// GainField names which PID field of each WFC supplies the
	// per-actuator step gain (spec §9 open question); default "d".
	GainField string
}

// New builds a Reconstructor from a calibrated SVD triple and the set
// of WFCs it drives, in declaration order. gainField selects the
// active gain component ("p", "i", or "d"); an empty string defaults
// to "d" per spec §9's resolved open question.
func New(u *mat.Dense, s []float64, vt *mat.Dense, nmodes int, wfcs []*wfs.WFC, gainField string) *Reconstructor {
	if gainField == "" {
		gainField = "d"
	}
	obs.Infof("reconstruct: active gain field = %q", gainField)
	return &Reconstructor{U: u, S: s, Vt: vt, NModes: nmodes, WFCs: wfcs, GainField: gainField}
}

// Apply computes work = Uᵀ·disp, scales by Σ (truncated to NModes,
// zero-guarded), total = V·work, then splits total across the WFCs in
// declaration order, subtracting total[j]*gain_w from each actuator's
// control value and clamping to the WFC's calibration range (spec
// §4.6). disp must have length 2*NSubap matching U's row count.
func (r *Reconstructor) Apply(disp []float64) error {
	rows, cols := r.U.Dims()
	if len(disp) != rows {
		return fmt.Errorf("reconstruct: disp length %d != U rows %d", len(disp), rows)
	}
	nmodes := r.NModes
	if nmodes <= 0 || nmodes > cols {
		nmodes = cols
	}

	d := mat.NewVecDense(rows, disp)
	work := mat.NewVecDense(cols, nil)
	work.MulVec(r.U.T(), d)

	for i := 0; i < cols; i++ {
		if i >= nmodes || i >= len(r.S) || r.S[i] == 0 {
			work.SetVec(i, 0)
			continue
		}
		work.SetVec(i, work.AtVec(i)/r.S[i])
	}

	total := mat.NewVecDense(cols, nil)
	total.MulVec(r.Vt.T(), work)

	j := 0
	for _, w := range r.WFCs {
		step := w.GainStep(r.GainField)
		for a := 0; a < w.Nact; a++ {
			if j >= cols {
				break
			}
			w.Ctrl[a] = w.Clamp(w.Ctrl[a] - total.AtVec(j)*step)
			j++
		}
	}
	return nil
}

// Nact returns the total actuator count implied by the WFC set.
func Nact(wfcs []*wfs.WFC) int {
	n := 0
	for _, w := range wfcs {
		n += w.Nact
	}
	return n
}
