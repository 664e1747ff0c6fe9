package sh

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foam-ao/core/internal/calib/store"
	"github.com/foam-ao/core/internal/wfs"
)

func TestCorrectFullFrame_NoArtefactsPassesThrough(t *testing.T) {
	raw := []uint16{0, 100, 300, 255}
	out := CorrectFullFrame(raw, nil, nil)
	assert.Equal(t, []byte{0, 100, 255, 255}, out)
}

func TestCorrectFullFrame_FlatFieldsOutIllumination(t *testing.T) {
	dark := store.NewMatrix(2, 1)
	dark.Data = []float64{10, 10}
	flat := store.NewMatrix(2, 1)
	flat.Data = []float64{60, 110} // spans: 50, 100 -> avg 75

	raw := []uint16{35, 60} // (35-10)=25 over span 50 -> 25*75/50=37.5; (60-10)=50 over span 100 -> 50*75/100=37.5
	out := CorrectFullFrame(raw, dark, flat)
	assert.Equal(t, byte(37), out[0])
	assert.Equal(t, byte(37), out[1])
}

func TestCorrectFullFrame_NonPositiveSpanIsZero(t *testing.T) {
	dark := store.NewMatrix(1, 1)
	dark.Data = []float64{50}
	flat := store.NewMatrix(1, 1)
	flat.Data = []float64{50} // span 0

	out := CorrectFullFrame([]uint16{80}, dark, flat)
	assert.Equal(t, byte(0), out[0])
}

func TestCorrectSubaperture_SaturatesAtZeroAndMax(t *testing.T) {
	// raw<<8 - dark16 goes negative -> clamp to 0.
	assert.Equal(t, byte(0), CorrectSubaperture(0, 1000, 65535))
	// large gain pushes the result above 255 -> clamp to 255.
	assert.Equal(t, byte(255), CorrectSubaperture(255, 0, 65535))
}

func TestCorrectSubaperture_UnityGainIsIdentity(t *testing.T) {
	// dark16=0 and gain=256 (unity in the fixed-point scale RunGain
	// produces) reproduce the raw byte: (raw<<8)*256>>16 == raw.
	got := CorrectSubaperture(100, 0, 256)
	assert.Equal(t, byte(100), got)
}

func TestCorrectFrameSubapertures_OnlyTouchesTrackerWindows(t *testing.T) {
	cfg := &wfs.SHConfig{
		NSubap: 1,
		TrackW: 2, TrackH: 2,
		SubC: [][2]int{{1, 1}},
	}
	rawW, rawH := 4, 4
	raw := make([]uint16, rawW*rawH)
	for i := range raw {
		raw[i] = 100
	}
	dark16 := make([]uint16, 4)
	gain := []uint16{256, 256, 256, 256}

	out := CorrectFrameSubapertures(rawW, rawH, raw, cfg, dark16, gain)
	for y := 0; y < rawH; y++ {
		for x := 0; x < rawW; x++ {
			inWindow := x >= 1 && x < 3 && y >= 1 && y < 3
			if !inWindow {
				assert.Equal(t, byte(0), out[y*rawW+x], "pixel (%d,%d) outside tracker window should be untouched", x, y)
			}
		}
	}
}
