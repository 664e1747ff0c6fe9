// Package sh implements the Shack–Hartmann image-processing pipeline
// (spec §4.5, component C5): subaperture selection, dark/flat
// correction (full-frame and per-subaperture fast-path), and CoG /
// correlation displacement tracking. Algorithms are grounded directly
// on the original FOAM C sources (_examples/original_source/src/
// foam_modules-sh.c): modSelSubapts for selection, modCogTrack for
// centroid tracking.
package sh

import (
	"math"

	"github.com/foam-ao/core/internal/frame"
	"github.com/foam-ao/core/internal/wfs"
)

// SelectSubapertures performs the one-shot subaperture selection of
// spec §4.5: for each lenslet cell, compute a threshold-gated CoG; if
// positive, record the tracker-window origin. The subaperture closest
// to the selected-set centroid is promoted to index 0 (the
// reference) and recentred with a second CoG pass. samxr>0 drops
// subapertures beyond a radius; samxr<0 iteratively erodes the edge.
func SelectSubapertures(img *frame.Frame, cfg *wfs.SHConfig) error {
	cellsW, cellsH := cfg.CellsW, cfg.CellsH
	shW, shH := img.W/cellsW, img.H/cellsH
	cfg.ShW, cfg.ShH = shW, shH

	apmap := make([][]bool, cellsW)
	for i := range apmap {
		apmap[i] = make([]bool, cellsH)
	}

	var cells []cell
	var sumX, sumY float64

	for isy := 0; isy < cellsH; isy++ {
		for isx := 0; isx < cellsW; isx++ {
			cs0, cs1, csum := 0.0, 0.0, 0.0
			for iy := 0; iy < shH; iy++ {
				for ix := 0; ix < shW; ix++ {
					px := isx*shW + ix
					py := isy*shH + iy
					v := float64(img.Pixel(px, py)) - cfg.Samini
					if v < 0 {
						v = 0
					}
					csum += v
					cs0 += v * float64(ix)
					cs1 += v * float64(iy)
				}
			}
			if csum <= 0 {
				continue
			}
			// CoG in cell-local pixels, rounded; lower-left anchors a
			// tracker window centred on that CoG (spec §4.5).
			cogX := int(cs0/csum + 0.5)
			cogY := int(cs1/csum + 0.5)
			originX := isx*shW + cogX - cfg.TrackW/2
			originY := isy*shH + cogY - cfg.TrackH/2
			apmap[isx][isy] = true
			cells = append(cells, cell{isx: isx, isy: isy, cx: originX, cy: originY})
			sumX += float64(isx * shW)
			sumY += float64(isy * shH)
		}
	}

	n := len(cells)
	if n == 0 {
		cfg.NSubap = 0
		cfg.SubC = nil
		cfg.GridC = nil
		return nil
	}
	centroidX := sumX / float64(n)
	centroidY := sumY / float64(n)

	// Find the subaperture closest to the centroid; promote it to index 0.
	best := 0
	bestDist := math.Hypot(float64(cells[0].cx)-centroidX, float64(cells[0].cy)-centroidY)
	for i := 1; i < n; i++ {
		d := math.Hypot(float64(cells[i].cx)-centroidX, float64(cells[i].cy)-centroidY)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	cells[0], cells[best] = cells[best], cells[0]

	// Recentre the reference subaperture with a second CoG pass within
	// its own lenslet cell (spec §4.5).
	recentreReference(img, cfg, &cells[0], shW, shH)

	if cfg.Samxr > 0 {
		cells = dropByRadius(cells, centroidX, centroidY, float64(cfg.Samxr))
	} else if cfg.Samxr < 0 {
		cells = erodeEdges(cells, apmap, cellsW, cellsH, -cfg.Samxr)
	}

	subC := make([][2]int, len(cells))
	gridC := make([][2]int, len(cells))
	for i, c := range cells {
		subC[i] = [2]int{c.cx, c.cy}
		gridC[i] = [2]int{c.isx * shW, c.isy * shH}
	}
	cfg.NSubap = len(cells)
	cfg.SubC = subC
	cfg.GridC = gridC
	cfg.RefC = make([]float64, 2*len(cells))
	cfg.Disp = make([]float64, 2*len(cells))
	return nil
}

// cell tracks one selected lenslet's grid position and tracker-window
// origin while selection is being refined.
type cell struct{ isx, isy, cx, cy int }

func recentreReference(img *frame.Frame, cfg *wfs.SHConfig, c *cell, shW, shH int) {
	cs0, cs1, csum := 0.0, 0.0, 0.0
	isx, isy := c.isx, c.isy
	for iy := 0; iy < shH; iy++ {
		for ix := 0; ix < shW; ix++ {
			px := isx*shW + ix
			py := isy*shH + iy
			v := float64(img.Pixel(px, py)) - cfg.Samini
			if v < 0 {
				v = 0
			}
			csum += v
			cs0 += v * float64(ix)
			cs1 += v * float64(iy)
		}
	}
	if csum <= 0 {
		return
	}
	c.cx = isx*shW + int(cs0/csum+0.5) - cfg.TrackW/2
	c.cy = isy*shH + int(cs1/csum+0.5) - cfg.TrackH/2
}

func dropByRadius(cells []cell, cx, cy, samxr float64) []cell {
	out := cells[:1] // always keep the reference
	for _, c := range cells[1:] {
		if math.Hypot(float64(c.cx)-cx, float64(c.cy)-cy) <= samxr {
			out = append(out, c)
		}
	}
	return out
}

// erodeEdges repeatedly drops every non-reference subaperture with at
// least one missing 4-neighbour in the selection map, `iters` times,
// matching the original's modSelSubapts edge-erosion loop (only axis
// neighbours are consulted, never diagonals).
func erodeEdges(cells []cell, apmap [][]bool, cellsW, cellsH, iters int) []cell {
	for iter := 0; iter < iters; iter++ {
		next := make([][]bool, cellsW)
		for i := range next {
			next[i] = make([]bool, cellsH)
		}
		next[cells[0].isx][cells[0].isy] = true

		kept := cells[:1]
		for _, c := range cells[1:] {
			isx, isy := c.isx, c.isy
			onEdge := isx == 0 || isx >= cellsW-1 || isy == 0 || isy >= cellsH-1
			missing := onEdge ||
				!apmap[isx-1][isy] || !apmap[isx+1][isy] ||
				!apmap[isx][isy-1] || !apmap[isx][isy+1]
			if missing {
				continue
			}
			next[isx][isy] = true
			kept = append(kept, c)
		}
		cells = kept
		apmap = next
	}
	return cells
}
