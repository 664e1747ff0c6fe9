package frame

import (
	"context"
	"math"
	"sync"
	"time"
)

// Synthetic is a FrameSource that generates Gaussian spot grids, for
// unit tests and the "dedicated simulation collaborator" spec §1
// allows for. Acquire returns a new frame immediately and ignores its
// timeout; it returns ErrTimeout only when the source is not started.
// Interval is not used to pace frames.
type Synthetic struct {
	W, H     int
	CellsW   int
	CellsH   int
	Sigma    float64
	Peak     float64
	Bg       float64
	Interval time.Duration

	mu      sync.Mutex
	started bool
	seq     uint64
}

func NewSynthetic(w, h, cellsW, cellsH int) *Synthetic {
	return &Synthetic{
		W: w, H: h, CellsW: cellsW, CellsH: cellsH,
		Sigma: 3, Peak: 200, Bg: 5, Interval: 10 * time.Millisecond,
	}
}

func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Synthetic) Acquire(ctx context.Context, timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrTimeout
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	shW := s.W / s.CellsW
	shH := s.H / s.CellsH
	pix := make([]uint16, s.W*s.H)
	for y := 0; y < s.H; y++ {
		for x := 0; x < s.W; x++ {
			pix[y*s.W+x] = uint16(s.Bg)
		}
	}
	for isy := 0; isy < s.CellsH; isy++ {
		for isx := 0; isx < s.CellsW; isx++ {
			cx := float64(isx*shW + shW/2)
			cy := float64(isy*shH + shH/2)
			addGaussian(pix, s.W, s.H, cx, cy, s.Sigma, s.Peak, s.Bg)
		}
	}
	return &Frame{W: s.W, H: s.H, D: 8, Pix: pix, Seq: seq, At: time.Now()}, nil
}

func addGaussian(pix []uint16, w, h int, cx, cy, sigma, peak, bg float64) {
	r := int(4 * sigma)
	x0, x1 := maxInt(0, int(cx)-r), minInt(w-1, int(cx)+r)
	y0, y1 := maxInt(0, int(cy)-r), minInt(h-1, int(cy)+r)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := bg + peak*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			clamped := math.Max(0, math.Min(255, v))
			pix[y*w+x] = uint16(clamped)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
