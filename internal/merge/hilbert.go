package merge

import (
	"sort"

	"github.com/paulmach/orb"
)

// hilbertOrder is the curve order; 16 bits per axis gives a 32-bit combined
// index, matching spec.md §4.8 step 4 ("32-bit Hilbert index").
const hilbertOrder = 16

// sortByHilbert computes each record's centroid, normalizes it against the
// overall output bounding box, maps it to a 32-bit Hilbert curve index, and
// sorts records by that index (spec.md §4.8 step 4). No pack example
// implements a space-filling curve, so this follows the standard public xy2d
// construction (Wikipedia, "Hilbert curve" / Hacker's Delight ch. 14) rather
// than importing an external geohashing library for one numeric transform.
func sortByHilbert(records []featureRecord) {
	if len(records) == 0 {
		return
	}

	var bound orb.Bound
	for i, rec := range records {
		b := rec.geometry.Bound()
		if i == 0 {
			bound = b
		} else {
			bound = bound.Union(b)
		}
	}

	keys := make([]uint32, len(records))
	width := bound.Max[0] - bound.Min[0]
	height := bound.Max[1] - bound.Min[1]
	for i, rec := range records {
		c, _ := centroid(rec.geometry)
		x := normalize(c[0], bound.Min[0], width)
		y := normalize(c[1], bound.Min[1], height)
		keys[i] = xy2d(hilbertOrder, x, y)
	}

	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })

	sorted := make([]featureRecord, len(records))
	for i, j := range idx {
		sorted[i] = records[j]
	}
	copy(records, sorted)
}

func normalize(v, min, span float64) uint32 {
	if span <= 0 {
		return 0
	}
	frac := (v - min) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return uint32(frac * float64((uint32(1)<<hilbertOrder)-1))
}

// centroid returns a representative point for the geometry: its bound's
// center, which is sufficient for spatial clustering purposes (exact area
// centroid is not required by spec.md, only "the geometry centroid").
func centroid(geom orb.Geometry) (orb.Point, bool) {
	b := geom.Bound()
	return orb.Point{(b.Min[0] + b.Max[0]) / 2, (b.Min[1] + b.Max[1]) / 2}, true
}

// xy2d converts (x, y) on a 2^order grid to its distance along the Hilbert
// curve.
func xy2d(order uint, x, y uint32) uint32 {
	n := uint32(1) << order
	var rx, ry uint32
	var d uint32
	for s := n / 2; s > 0; s /= 2 {
		if (x & s) > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if (y & s) > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = rot(n, x, y, rx, ry)
	}
	return d
}

func rot(n uint32, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		x, y = y, x
	}
	return x, y
}
