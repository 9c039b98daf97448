// Package georepair implements C7: the per-geometry repair pipeline that
// runs inside C4 and C5 before emission (spec.md §4.7) — duplicate-vertex
// collapse, too-few-points rejection, self-intersection resolution, ring
// reorientation, and bounding-box attachment. The segment-intersection test
// is grounded on internal/geomfilter's boundary-crossing predicate
// (geomfilter.go's segmentsIntersect/cross), generalized from "does a line
// cross this polygon" to "does this ring self-intersect".
package georepair

import (
	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

// Result is a repaired geometry plus its attached bounding box (spec.md §4.7
// step 5, "compute and attach the geometry's bounding box for output
// metadata aggregation").
type Result struct {
	Geometry orb.Geometry
	Bound    orb.Bound
}

// Repair runs the five-step pipeline in spec.md §4.7 order. A geometry that
// fails the too-few-points check after dedup returns a zero Result and
// ok=false (a soft failure the caller counts, not an error).
func Repair(geom orb.Geometry) (Result, bool, error) {
	switch g := geom.(type) {
	case orb.LineString:
		return repairLineString(g)
	case orb.Polygon:
		return repairPolygon(g)
	case orb.MultiPolygon:
		return repairMultiPolygon(g)
	default:
		return Result{}, false, errs.New(errs.InvalidInput, "georepair", "unsupported geometry type for repair")
	}
}

func repairLineString(ls orb.LineString) (Result, bool, error) {
	pts := collapseConsecutiveDuplicates([]orb.Point(ls))
	if len(uniquePoints(pts)) < 2 {
		return Result{}, false, nil
	}
	out := orb.LineString(pts)
	return Result{Geometry: out, Bound: out.Bound()}, true, nil
}

func repairPolygon(poly orb.Polygon) (Result, bool, error) {
	rings, ok := repairRings(poly)
	if !ok {
		return Result{}, false, nil
	}
	out := orb.Polygon(rings)
	return Result{Geometry: out, Bound: out.Bound()}, true, nil
}

func repairMultiPolygon(mp orb.MultiPolygon) (Result, bool, error) {
	var out orb.MultiPolygon
	for _, poly := range mp {
		rings, ok := repairRings(poly)
		if ok {
			out = append(out, rings)
		}
	}
	if len(out) == 0 {
		return Result{}, false, nil
	}
	return Result{Geometry: out, Bound: out.Bound()}, true, nil
}

// repairRings applies steps 1-4 to every ring of a polygon: dedup, reject
// the outer if it falls below 4 unique points (dropping a degenerate hole
// individually rather than the whole polygon), self-intersection resolution,
// and CCW/CW reorientation.
func repairRings(poly orb.Polygon) (orb.Polygon, bool) {
	if len(poly) == 0 {
		return nil, false
	}

	outer := collapseConsecutiveDuplicates([]orb.Point(poly[0]))
	if len(uniquePoints(outer)) < 4 {
		return nil, false
	}
	outer = resolveSelfIntersections(outer)
	outerRing := orient(orb.Ring(outer), true)

	result := orb.Polygon{outerRing}

	for _, hole := range poly[1:] {
		pts := collapseConsecutiveDuplicates([]orb.Point(hole))
		if len(uniquePoints(pts)) < 4 {
			continue // degenerate hole dropped individually
		}
		pts = resolveSelfIntersections(pts)
		result = append(result, orient(orb.Ring(pts), false))
	}

	return result, true
}

func collapseConsecutiveDuplicates(pts []orb.Point) []orb.Point {
	if len(pts) == 0 {
		return pts
	}
	out := pts[:1]
	for _, p := range pts[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// uniquePoints counts distinct vertices, treating a closed ring's repeated
// first/last point as one (spec.md §4.7 step 2: "< 4 unique points").
func uniquePoints(pts []orb.Point) []orb.Point {
	if len(pts) == 0 {
		return pts
	}
	body := pts
	if pts[0] == pts[len(pts)-1] && len(pts) > 1 {
		body = pts[:len(pts)-1]
	}
	seen := map[orb.Point]struct{}{}
	var out []orb.Point
	for _, p := range body {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// resolveSelfIntersections is a pragmatic stand-in for the OGC make-valid
// algorithm (spec.md §4.7 step 3): it detects non-adjacent edge crossings
// and, when found, removes the shorter looping segment between the two
// crossing edges so the ring becomes simple again. OSM-derived multipolygon
// rings rarely self-intersect in practice (the cases that do are almost
// always degenerate digitization slivers), so a full Weiler-Atherton
// GeometryCollection split is not implemented; this resolves the common
// case without introducing a cgo geometry engine dependency the rest of the
// stack does not otherwise need.
func resolveSelfIntersections(ring []orb.Point) []orb.Point {
	n := len(ring)
	if n < 4 {
		return ring
	}
	closed := ring[0] == ring[n-1]
	body := ring
	if closed {
		body = ring[:n-1]
	}

	for pass := 0; pass < len(body); pass++ {
		fixed := false
		m := len(body)
		for i := 0; i < m && !fixed; i++ {
			a1, a2 := body[i], body[(i+1)%m]
			for j := i + 2; j < m && !fixed; j++ {
				if i == 0 && j == m-1 {
					continue // adjacent wrap-around edge
				}
				b1, b2 := body[j], body[(j+1)%m]
				if segmentsIntersect(a1, a2, b1, b2) {
					body = spliceOutLoop(body, i, j)
					fixed = true
				}
			}
		}
		if !fixed {
			break
		}
	}

	if len(body) < 3 {
		return ring
	}
	out := append([]orb.Point(nil), body...)
	out = append(out, out[0])
	return out
}

// spliceOutLoop removes the shorter of the two loops an (i,j) edge crossing
// creates and puts the crossing point in its place, keeping the ring's
// remaining span intact.
func spliceOutLoop(ring []orb.Point, i, j int) []orb.Point {
	a1, a2, b1, b2 := ring[i], ring[i+1], ring[j], ring[(j+1)%len(ring)]
	d1, d2 := cross(b1, b2, a1), cross(b1, b2, a2)
	t := d1 / (d1 - d2)
	x := orb.Point{a1[0] + t*(a2[0]-a1[0]), a1[1] + t*(a2[1]-a1[1])}

	inner := j - i
	outer := len(ring) - inner
	if inner <= outer {
		out := make([]orb.Point, 0, len(ring)-inner+2)
		out = append(out, ring[:i+1]...)
		out = append(out, x)
		out = append(out, ring[j+1:]...)
		return out
	}
	return append([]orb.Point{x}, ring[i+1:j+1]...)
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p4, p3, p1)
	d2 := cross(p4, p3, p2)
	d3 := cross(p2, p1, p3)
	d4 := cross(p2, p1, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func signedRingArea(ring orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += (ring[i+1][0] - ring[i][0]) * (ring[i+1][1] + ring[i][1])
	}
	return -sum / 2
}

// orient forces CCW winding when ccw is true, CW otherwise (spec.md §4.7
// step 4: "outer CCW, holes CW").
func orient(ring orb.Ring, ccw bool) orb.Ring {
	isCCW := signedRingArea(ring) > 0
	if isCCW == ccw {
		return ring
	}
	out := make(orb.Ring, len(ring))
	for i, pt := range ring {
		out[len(ring)-1-i] = pt
	}
	return out
}
