package sh

import "github.com/foam-ao/core/internal/wfs"

// TrackMethod selects the displacement-estimation algorithm (spec §4.5).
type TrackMethod int

const (
	TrackCoG TrackMethod = iota
	TrackCorrelation
)

// TrackCentroids computes, for every selected subaperture, a
// centre-of-gravity displacement over its tracker window: disp =
// (csx/csum - trackW/2, csy/csum - trackH/2). If csum<=0 the
// subaperture reports (0,0) (spec §4.5). corrected must be the same
// resolution as the raw frame the subapertures were selected against.
func TrackCentroids(rawW, rawH int, corrected []byte, cfg *wfs.SHConfig) {
	tw, th := cfg.TrackW, cfg.TrackH
	for sn := 0; sn < cfg.NSubap; sn++ {
		ox, oy := cfg.SubC[sn][0], cfg.SubC[sn][1]
		csx, csy, csum := 0.0, 0.0, 0.0
		for j := 0; j < th; j++ {
			for i := 0; i < tw; i++ {
				px, py := ox+i, oy+j
				if px < 0 || px >= rawW || py < 0 || py >= rawH {
					continue
				}
				v := float64(corrected[py*rawW+px])
				csum += v
				csx += v * float64(i)
				csy += v * float64(j)
			}
		}
		if csum <= 0 {
			cfg.Disp[2*sn+0] = 0
			cfg.Disp[2*sn+1] = 0
			continue
		}
		switch cfg.Scan() {
		case wfs.ScanX:
			cfg.Disp[2*sn+0] = csx/csum - float64(tw)/2
			cfg.Disp[2*sn+1] = 0
		case wfs.ScanY:
			cfg.Disp[2*sn+0] = 0
			cfg.Disp[2*sn+1] = csy/csum - float64(th)/2
		default:
			cfg.Disp[2*sn+0] = csx/csum - float64(tw)/2
			cfg.Disp[2*sn+1] = csy/csum - float64(th)/2
		}
	}
}

// ApplyReference subtracts the pinhole reference geometry from the
// observed displacement to obtain the deviation fed to the
// Reconstructor (spec §4.5, "Reference geometry").
func ApplyReference(cfg *wfs.SHConfig) []float64 {
	out := make([]float64, len(cfg.Disp))
	for i := range out {
		out[i] = cfg.Disp[i] - cfg.RefC[i]
	}
	return out
}

// sadWindow is the half-width of the 5x5 correlation search grid.
const sadWindow = 2

// fixed second/fourth moments of the 5x5 SAD grid, precomputed once
// rather than per-frame, matching the original's approach to the
// parabola fit (spec §9, "Heavy integer maths" + supplemented feature
// "correlation tracking parabola fit constants").
var (
	sadOffsets = func() []int {
		o := make([]int, 0, 2*sadWindow+1)
		for d := -sadWindow; d <= sadWindow; d++ {
			o = append(o, d)
		}
		return o
	}()
	sadSxx   = sumSquares(sadOffsets)
	sadSxxxx = sumFourth(sadOffsets)
)

func sumSquares(offsets []int) float64 {
	s := 0.0
	for _, d := range offsets {
		s += float64(d * d)
	}
	return s
}

func sumFourth(offsets []int) float64 {
	s := 0.0
	for _, d := range offsets {
		s += float64(d * d * d * d)
	}
	return s
}

// TrackCorrelation computes displacement via a 5x5 sum-of-absolute-
// differences grid against a per-subaperture reference image, with
// independent parabolic sub-pixel fits in x and y (spec §4.5,
// "Correlation tracking is an alternative").
func TrackCorrelation(rawW, rawH int, corrected []byte, refs [][]byte, cfg *wfs.SHConfig) {
	tw, th := cfg.TrackW, cfg.TrackH
	for sn := 0; sn < cfg.NSubap; sn++ {
		if sn >= len(refs) || refs[sn] == nil {
			cfg.Disp[2*sn+0], cfg.Disp[2*sn+1] = 0, 0
			continue
		}
		ox, oy := cfg.SubC[sn][0], cfg.SubC[sn][1]
		ref := refs[sn]

		sadX := make([]float64, len(sadOffsets))
		sadY := make([]float64, len(sadOffsets))
		for k, d := range sadOffsets {
			sadX[k] = sadAt(rawW, rawH, corrected, ref, ox+d, oy, tw, th)
			sadY[k] = sadAt(rawW, rawH, corrected, ref, ox, oy+d, tw, th)
		}

		dx := parabolicMinimum(sadOffsets, sadX, sadSxx, sadSxxxx)
		dy := parabolicMinimum(sadOffsets, sadY, sadSxx, sadSxxxx)

		switch cfg.Scan() {
		case wfs.ScanX:
			cfg.Disp[2*sn+0], cfg.Disp[2*sn+1] = dx, 0
		case wfs.ScanY:
			cfg.Disp[2*sn+0], cfg.Disp[2*sn+1] = 0, dy
		default:
			cfg.Disp[2*sn+0], cfg.Disp[2*sn+1] = dx, dy
		}
	}
}

func sadAt(rawW, rawH int, img, ref []byte, ox, oy, tw, th int) float64 {
	sad := 0.0
	for j := 0; j < th; j++ {
		for i := 0; i < tw; i++ {
			px, py := ox+i, oy+j
			var v byte
			if px >= 0 && px < rawW && py >= 0 && py < rawH {
				v = img[py*rawW+px]
			}
			r := ref[j*tw+i]
			diff := int(v) - int(r)
			if diff < 0 {
				diff = -diff
			}
			sad += float64(diff)
		}
	}
	return sad
}

// parabolicMinimum fits a parabola y = a*x^2 + b*x + c to (offsets,
// values) using the precomputed fixed moments sxx/sxxxx (valid
// because offsets are a fixed, symmetric, zero-mean grid every call),
// and returns the sub-pixel location of its minimum, -b/(2a).
func parabolicMinimum(offsets []int, values []float64, sxx, sxxxx float64) float64 {
	// Symmetric zero-mean offsets make sum(x)=0 and sum(x^3)=0, so the
	// normal equations decouple: b from sum(x*y)/sxx, a from
	// (sum(x^2*y) - c*sxx)/sxxxx style reduction. We solve the 2x2
	// system for (a, b) directly using the standard weighted
	// least-squares closed form for an even grid.
	var sxy, sx2y float64
	for i, d := range offsets {
		sxy += float64(d) * values[i]
		sx2y += float64(d*d) * values[i]
	}
	n := float64(len(offsets))
	meanY := sum(values) / n
	b := sxy / sxx
	a := (sx2y/sxx - meanY) / (sxxxx/sxx - sxx/n)
	if a == 0 {
		return 0
	}
	return -b / (2 * a)
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}
