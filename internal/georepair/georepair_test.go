package georepair

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestRepair_LineString_CollapsesDuplicatesAndRejectsTooFew(t *testing.T) {
	ls := orb.LineString{{0, 0}, {0, 0}, {1, 1}, {1, 1}}
	res, ok, err := Repair(ls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected repair to succeed")
	}
	out := res.Geometry.(orb.LineString)
	if len(out) != 2 {
		t.Fatalf("expected 2 points after dedup, got %d: %v", len(out), out)
	}

	degenerate := orb.LineString{{5, 5}, {5, 5}}
	if _, ok, _ := Repair(degenerate); ok {
		t.Fatalf("expected single-point-after-dedup linestring to be rejected")
	}
}

func TestRepair_Polygon_ReorientsCCWAndComputesBound(t *testing.T) {
	// Clockwise square.
	cw := orb.Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}
	poly := orb.Polygon{cw}

	res, ok, err := Repair(poly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected repair to succeed")
	}
	out := res.Geometry.(orb.Polygon)
	if signedRingArea(out[0]) <= 0 {
		t.Fatalf("expected outer ring to be reoriented CCW")
	}
	if res.Bound.Min != (orb.Point{0, 0}) || res.Bound.Max != (orb.Point{10, 10}) {
		t.Fatalf("unexpected bound: %v", res.Bound)
	}
}

func TestRepair_Polygon_DropsDegenerateHoleButKeepsOuter(t *testing.T) {
	outer := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	degenerateHole := orb.Ring{{1, 1}, {1, 1}, {1, 1}}
	poly := orb.Polygon{outer, degenerateHole}

	res, ok, err := Repair(poly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected outer ring alone to keep the polygon valid")
	}
	out := res.Geometry.(orb.Polygon)
	if len(out) != 1 {
		t.Fatalf("expected the degenerate hole to be dropped, got %d rings", len(out))
	}
}

func TestRepair_Polygon_TooFewOuterPointsRejectsWholePolygon(t *testing.T) {
	poly := orb.Polygon{{{0, 0}, {1, 1}, {0, 0}}}
	if _, ok, _ := Repair(poly); ok {
		t.Fatalf("expected a degenerate outer ring to reject the whole polygon")
	}
}

func TestResolveSelfIntersections_FiguresEightBecomesSimple(t *testing.T) {
	// A self-intersecting bowtie: (0,0)->(10,10)->(10,0)->(0,10)->(0,0).
	bowtie := []orb.Point{{0, 0}, {10, 10}, {10, 0}, {0, 10}, {0, 0}}
	fixed := resolveSelfIntersections(bowtie)

	n := len(fixed)
	body := fixed
	if n > 1 && fixed[0] == fixed[n-1] {
		body = fixed[:n-1]
	}
	for i := 0; i < len(body); i++ {
		a1, a2 := body[i], body[(i+1)%len(body)]
		for j := i + 2; j < len(body); j++ {
			if i == 0 && j == len(body)-1 {
				continue
			}
			b1, b2 := body[j], body[(j+1)%len(body)]
			if segmentsIntersect(a1, a2, b1, b2) {
				t.Fatalf("expected no remaining self-intersections, still found one at edges %d,%d", i, j)
			}
		}
	}
}

func TestUniquePoints_TreatsClosingVertexAsOneCopy(t *testing.T) {
	ring := []orb.Point{{0, 0}, {1, 0}, {1, 1}, {0, 0}}
	u := uniquePoints(ring)
	if len(u) != 3 {
		t.Fatalf("expected 3 unique points, got %d: %v", len(u), u)
	}
}
