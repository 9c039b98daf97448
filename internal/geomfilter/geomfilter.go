// Package geomfilter implements C2: compiling a clip polygon/multipolygon
// into a prepared spatial predicate plus a stable fingerprint (spec.md §4.2).
package geomfilter

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"

	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

// Predicate is the compiled, read-only clip filter. Zero value is not usable;
// construct with Compile.
type Predicate struct {
	mp          orb.MultiPolygon
	index       *quadtree.Quadtree
	ringBoxes   []orb.Bound // parallel to a flattened (polygon,ring) list
	ringOwner   []int       // polygon index owning ringBoxes[i]
	fingerprint string
}

// Compile normalizes geom (a Polygon or MultiPolygon in WGS84) to CCW outer
// rings, builds a prepared bounding-box index over its rings, and computes
// the orientation-stable fingerprint (spec.md §4.2). Returns an InvalidInput
// error whose message starts with "EmptyFilter" if any polygonal component
// has zero area.
func Compile(geom orb.Geometry) (*Predicate, error) {
	mp, err := toMultiPolygon(geom)
	if err != nil {
		return nil, err
	}

	for i, poly := range mp {
		mp[i] = normalizeOrientation(poly)
	}

	for _, poly := range mp {
		if len(poly) == 0 || ringArea(poly[0]) == 0 {
			return nil, errs.New(errs.InvalidInput, "geomfilter", "EmptyFilter: polygonal component has zero area")
		}
	}

	idx := quadtree.New(mp.Bound())
	var boxes []orb.Bound
	var owners []int
	for pi, poly := range mp {
		for _, ring := range poly {
			b := ring.Bound()
			boxes = append(boxes, b)
			owners = append(owners, pi)
			_ = idx.Add(boundCentroid{b: b, owner: pi})
		}
	}

	return &Predicate{
		mp:          mp,
		index:       idx,
		ringBoxes:   boxes,
		ringOwner:   owners,
		fingerprint: fingerprint(mp),
	}, nil
}

// boundCentroid adapts a ring's bounding box to orb.Pointer so the quadtree
// can shortlist candidate rings by their bbox centroid before the exact
// point-in-polygon test runs.
type boundCentroid struct {
	b     orb.Bound
	owner int // index into Predicate.mp
}

func (bc boundCentroid) Point() orb.Point { return bc.b.Center() }

// Contains reports whether pt lies within the compiled clip geometry,
// shortlisting candidate rings via the bbox index before an exact
// point-in-polygon test (spec.md §4.3, "point-in-polygon on shortlisted
// rings").
func (p *Predicate) Contains(pt orb.Point) bool {
	for _, poly := range p.shortlist(pt) {
		if polygonContains(poly, pt) {
			return true
		}
	}
	return false
}

// shortlist returns the polygons whose bbox contains pt, found via a range
// query on the prepared quadtree widened to the clip's overall bound (the
// index holds ring-bbox centroids, which generally lie away from pt, so a
// query around pt alone would miss the rings that contain it; the per-ring
// bbox check below narrows the candidates).
func (p *Predicate) shortlist(pt orb.Point) []orb.Polygon {
	candidates := p.index.InBound(nil, p.mp.Bound())

	seen := map[int]struct{}{}
	var out []orb.Polygon
	for _, c := range candidates {
		bc, ok := c.(boundCentroid)
		if !ok {
			continue
		}
		if !bc.b.Contains(pt) {
			continue
		}
		if _, done := seen[bc.owner]; done {
			continue
		}
		seen[bc.owner] = struct{}{}
		out = append(out, p.mp[bc.owner])
	}
	return out
}

func polygonContains(poly orb.Polygon, pt orb.Point) bool {
	if len(poly) == 0 || !planar.RingContains(poly[0], pt) {
		return false
	}
	for _, hole := range poly[1:] {
		if planar.RingContains(hole, pt) {
			return false
		}
	}
	return true
}

// Intersects reports whether g (a LineString or Polygon/MultiPolygon)
// intersects the compiled clip geometry (spec.md §4.4 step 5, "intersection
// test on WKB"). Uses a coarse bbox reject followed by vertex-in-clip and
// clip-vertex-in-geometry sampling, sufficient for the clip-then-drop
// semantics this stage needs (no partial clipping is performed, only a
// boolean test).
func (p *Predicate) Intersects(g orb.Geometry) bool {
	gb := g.Bound()
	if !gb.Intersects(p.mp.Bound()) {
		return false
	}

	switch v := g.(type) {
	case orb.LineString:
		for _, pt := range v {
			if p.Contains(pt) {
				return true
			}
		}
		return p.boundaryCrossesLine(v)
	case orb.Polygon:
		return p.intersectsPolygon(v)
	case orb.MultiPolygon:
		for _, poly := range v {
			if p.intersectsPolygon(poly) {
				return true
			}
		}
		return false
	default:
		return gb.Intersects(p.mp.Bound())
	}
}

func (p *Predicate) intersectsPolygon(poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	for _, pt := range poly[0] {
		if p.Contains(pt) {
			return true
		}
	}
	for _, clipPoly := range p.mp {
		if len(clipPoly) == 0 {
			continue
		}
		if planar.RingContains(poly[0], clipPoly[0][0]) {
			return true
		}
	}
	return false
}

// boundaryCrossesLine is a coarse segment/ring edge-crossing check, used only
// when every vertex of the line happens to fall outside the clip polygon but
// the segment between two vertices still crosses its boundary.
func (p *Predicate) boundaryCrossesLine(ls orb.LineString) bool {
	for _, poly := range p.mp {
		for _, ring := range poly {
			for i := 0; i < len(ring)-1; i++ {
				for j := 0; j < len(ls)-1; j++ {
					if segmentsIntersect(ring[i], ring[i+1], ls[j], ls[j+1]) {
						return true
					}
				}
			}
		}
	}
	return false
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

// Fingerprint returns the orientation-normalized SHA-256 hex digest
// identifying this clip geometry (spec.md §4.2).
func (p *Predicate) Fingerprint() string { return p.fingerprint }

func toMultiPolygon(geom orb.Geometry) (orb.MultiPolygon, error) {
	switch v := geom.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	default:
		return nil, errs.New(errs.InvalidInput, "geomfilter", "clip geometry must be Polygon or MultiPolygon")
	}
}

// normalizeOrientation forces the outer ring CCW and holes CW, matching the
// output polygon convention used throughout the core (spec.md §4.4, §4.5:
// "orient CCW").
func normalizeOrientation(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		signedArea := signedRingArea(ring)
		wantCCW := i == 0
		isCCW := signedArea > 0
		if isCCW != wantCCW {
			out[i] = reverseRing(ring)
		} else {
			out[i] = ring
		}
	}
	return out
}

func signedRingArea(ring orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += (ring[i+1][0] - ring[i][0]) * (ring[i+1][1] + ring[i][1])
	}
	return -sum / 2
}

func ringArea(ring orb.Ring) float64 {
	a := signedRingArea(ring)
	if a < 0 {
		a = -a
	}
	return a
}

func reverseRing(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring))
	for i, pt := range ring {
		out[len(ring)-1-i] = pt
	}
	return out
}

// fingerprint implements spec.md §4.2's stability rule: rotate each ring to
// start at its lexicographically smallest vertex, order rings within a
// polygon and polygons within the multipolygon lexicographically by first
// vertex, then SHA-256 the resulting canonical coordinate stream. This is
// deliberately independent of any WKB encoder's byte layout so the digest
// only depends on geometric content.
func fingerprint(mp orb.MultiPolygon) string {
	type normPoly struct {
		rings [][]orb.Point
	}
	polys := make([]normPoly, len(mp))
	for pi, poly := range mp {
		rings := make([][]orb.Point, len(poly))
		for ri, ring := range poly {
			rings[ri] = rotateToMin(ring)
		}
		sort.Slice(rings, func(a, b int) bool { return lessPoint(rings[a][0], rings[b][0]) })
		polys[pi] = normPoly{rings: rings}
	}
	sort.Slice(polys, func(a, b int) bool {
		if len(polys[a].rings) == 0 || len(polys[b].rings) == 0 {
			return len(polys[a].rings) < len(polys[b].rings)
		}
		return lessPoint(polys[a].rings[0][0], polys[b].rings[0][0])
	})

	h := sha256.New()
	buf := make([]byte, 16)
	for _, poly := range polys {
		for _, ring := range poly.rings {
			for _, pt := range ring {
				binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(pt[0]))
				binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(pt[1]))
				h.Write(buf)
			}
			h.Write([]byte{0xFF}) // ring separator
		}
		h.Write([]byte{0xFE}) // polygon separator
	}
	return hex.EncodeToString(h.Sum(nil))
}

func rotateToMin(ring orb.Ring) []orb.Point {
	if len(ring) == 0 {
		return nil
	}
	// Closed rings repeat the first vertex as the last; drop the duplicate
	// before rotating so the fingerprint doesn't depend on which vertex the
	// original encoder chose to duplicate.
	pts := []orb.Point(ring)
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}

	minIdx := 0
	for i := 1; i < len(pts); i++ {
		if lessPoint(pts[i], pts[minIdx]) {
			minIdx = i
		}
	}

	out := make([]orb.Point, len(pts))
	for i := range pts {
		out[i] = pts[(minIdx+i)%len(pts)]
	}
	return out
}

func lessPoint(a, b orb.Point) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
