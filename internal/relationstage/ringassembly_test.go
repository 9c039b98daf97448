package relationstage

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestAssembleRings_JoinsTwoHalvesIntoClosedRing(t *testing.T) {
	// Two way halves of a square, split at (0,0)-(1,0) and (1,0)-(1,1)-(0,1)-(0,0).
	segs := []segment{
		{memberID: 2, coords: []orb.Point{{1, 0}, {1, 1}, {0, 1}, {0, 0}}},
		{memberID: 1, coords: []orb.Point{{0, 0}, {1, 0}}},
	}
	rings, dropped := assembleRings(segs)
	if dropped != 0 {
		t.Fatalf("expected 0 dropped fragments, got %d", dropped)
	}
	if len(rings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(rings))
	}
	ring := rings[0]
	if ring[0] != ring[len(ring)-1] {
		t.Fatalf("ring not closed: %v", ring)
	}
	if len(ring) < 4 {
		t.Fatalf("ring has too few vertices: %v", ring)
	}
}

func TestAssembleRings_TieBreaksBySmallestMemberID(t *testing.T) {
	// Two candidate continuations from (1,0): member 5 goes one way, member 3
	// another. The walk must prefer member 3 (smallest id).
	segs := []segment{
		{memberID: 1, coords: []orb.Point{{0, 0}, {1, 0}}},
		{memberID: 5, coords: []orb.Point{{1, 0}, {2, 0}, {2, 1}, {0, 1}, {0, 0}}},
		{memberID: 3, coords: []orb.Point{{1, 0}, {1, 1}, {0, 1}, {0, 0}}},
	}
	rings, dropped := assembleRings(segs)
	if dropped != 1 {
		t.Fatalf("expected member 5 to be left unused (dropped fragment), got dropped=%d", dropped)
	}
	if len(rings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(rings))
	}
	// The chosen ring should have used member 3's path: (1,0)->(1,1)->(0,1)->(0,0).
	ring := rings[0]
	found := false
	for _, p := range ring {
		if p == (orb.Point{1, 1}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ring to follow member 3's path through (1,1), got %v", ring)
	}
}

func TestAssembleRings_DropsUnclosableFragment(t *testing.T) {
	segs := []segment{
		{memberID: 1, coords: []orb.Point{{0, 0}, {1, 0}, {2, 0}}},
	}
	rings, dropped := assembleRings(segs)
	if len(rings) != 0 {
		t.Fatalf("expected no closed rings, got %d", len(rings))
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped fragment, got %d", dropped)
	}
}

func TestClassifyHoles(t *testing.T) {
	outer := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	hole := orb.Ring{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}}
	outsider := orb.Ring{{20, 20}, {22, 20}, {22, 22}, {20, 22}, {20, 20}}

	polys := classifyHoles([]orb.Ring{outer}, []orb.Ring{hole, outsider})
	if len(polys) != 1 {
		t.Fatalf("expected 1 polygon, got %d", len(polys))
	}
	if len(polys[0]) != 2 {
		t.Fatalf("expected outer+1 contained hole, got %d rings", len(polys[0]))
	}
}
