package sh

import (
	"gonum.org/v1/gonum/stat"

	"github.com/foam-ao/core/internal/calib/store"
	"github.com/foam-ao/core/internal/wfs"
)

// CorrectFullFrame applies the open-loop/display correction path
// (spec §4.5, "Full frame"): out = (raw-dark)*avg(flat-dark)/max(flat-dark,0),
// clamped to [0,255]; where flat-dark <= 0 the output is 0. If dark
// or flat is nil, the raw pixel passes through unmodified.
func CorrectFullFrame(raw []uint16, dark, flat *store.Matrix) []byte {
	out := make([]byte, len(raw))
	if dark == nil || flat == nil {
		for i, v := range raw {
			out[i] = clampByte(float64(v))
		}
		return out
	}
	avgSpan := avgPositiveSpan(dark, flat)
	for i, v := range raw {
		span := flat.Data[i] - dark.Data[i]
		if span <= 0 {
			out[i] = 0
			continue
		}
		corr := (float64(v) - dark.Data[i]) * avgSpan / span
		out[i] = clampByte(corr)
	}
	return out
}

func avgPositiveSpan(dark, flat *store.Matrix) float64 {
	spans := make([]float64, 0, len(dark.Data))
	for i := range dark.Data {
		span := flat.Data[i] - dark.Data[i]
		if span > 0 {
			spans = append(spans, span)
		}
	}
	if len(spans) == 0 {
		return 0
	}
	return stat.Mean(spans, nil)
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// CorrectSubaperture applies the per-subaperture fast path (spec
// §4.5): a saturating-integer-only inner loop so the hot CLOSED-loop
// correction never touches floating point. dark16 and gain hold
// precomputed integer fixed-point values, one entry per (subaperture,
// pixel) pair laid out row-major within each subaperture's tracker
// window.
//
//	t = (raw<<8) - dark16[sn,i,j]; t = max(t, 0)
//	out = (t * gain[sn,i,j]) >> 16; out = min(out, 255)
func CorrectSubaperture(raw uint16, dark16, gain uint16) byte {
	t := (int64(raw) << 8) - int64(dark16)
	if t < 0 {
		t = 0
	}
	out := (t * int64(gain)) >> 16
	if out > 255 {
		out = 255
	}
	return byte(out)
}

// CorrectFrameSubapertures runs CorrectSubaperture over every pixel in
// every selected subaperture's tracker window, returning a byte image
// the same size as the raw frame (pixels outside any tracker window
// are zero — the fast path only touches subaperture ROIs).
func CorrectFrameSubapertures(rawW, rawH int, raw []uint16, cfg *wfs.SHConfig, dark16, gain []uint16) []byte {
	out := make([]byte, rawW*rawH)
	tw, th := cfg.TrackW, cfg.TrackH
	for sn := 0; sn < cfg.NSubap; sn++ {
		ox, oy := cfg.SubC[sn][0], cfg.SubC[sn][1]
		base := sn * tw * th
		for j := 0; j < th; j++ {
			for i := 0; i < tw; i++ {
				px, py := ox+i, oy+j
				if px < 0 || px >= rawW || py < 0 || py >= rawH {
					continue
				}
				idx := base + j*tw + i
				out[py*rawW+px] = CorrectSubaperture(raw[py*rawW+px], dark16[idx], gain[idx])
			}
		}
	}
	return out
}
