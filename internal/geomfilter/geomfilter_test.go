package geomfilter

import (
	"testing"

	"github.com/paulmach/orb"
)

func square(minX, minY, maxX, maxY float64) orb.Polygon {
	ring := orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}
	return orb.Polygon{ring}
}

func TestCompile_RejectsZeroArea(t *testing.T) {
	degenerate := orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}
	if _, err := Compile(degenerate); err == nil {
		t.Fatal("expected EmptyFilter error for zero-area ring")
	}
}

func TestContains(t *testing.T) {
	p, err := Compile(square(0, 0, 10, 10))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !p.Contains(orb.Point{5, 5}) {
		t.Fatal("expected center point to be contained")
	}
	if p.Contains(orb.Point{50, 50}) {
		t.Fatal("expected far point to be rejected")
	}
}

func TestContains_WithHole(t *testing.T) {
	outer := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	hole := orb.Ring{{4, 4}, {6, 4}, {6, 6}, {4, 6}, {4, 4}}
	p, err := Compile(orb.Polygon{outer, hole})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !p.Contains(orb.Point{1, 1}) {
		t.Fatal("expected point outside the hole to be contained")
	}
	if p.Contains(orb.Point{5, 5}) {
		t.Fatal("expected point inside the hole to be excluded")
	}
}

func TestFingerprint_StableAcrossRotationAndWinding(t *testing.T) {
	a := square(0, 0, 10, 10)
	// Same ring, rotated start vertex and reversed winding.
	rotated := orb.Polygon{orb.Ring{
		{10, 10}, {10, 0}, {0, 0}, {0, 10}, {10, 10},
	}}

	pa, err := Compile(a)
	if err != nil {
		t.Fatalf("Compile a: %v", err)
	}
	pb, err := Compile(rotated)
	if err != nil {
		t.Fatalf("Compile b: %v", err)
	}

	if pa.Fingerprint() != pb.Fingerprint() {
		t.Fatalf("expected stable fingerprint, got %q vs %q", pa.Fingerprint(), pb.Fingerprint())
	}
}

func TestFingerprint_DiffersForDifferentGeometry(t *testing.T) {
	pa, _ := Compile(square(0, 0, 10, 10))
	pb, _ := Compile(square(0, 0, 20, 20))
	if pa.Fingerprint() == pb.Fingerprint() {
		t.Fatal("expected different geometries to hash differently")
	}
}

func TestIntersects(t *testing.T) {
	p, err := Compile(square(0, 0, 10, 10))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	inside := orb.LineString{{1, 1}, {2, 2}}
	if !p.Intersects(inside) {
		t.Fatal("expected contained linestring to intersect")
	}

	crossing := orb.LineString{{-5, 5}, {15, 5}}
	if !p.Intersects(crossing) {
		t.Fatal("expected crossing linestring to intersect")
	}

	outside := orb.LineString{{100, 100}, {200, 200}}
	if p.Intersects(outside) {
		t.Fatal("expected far linestring to not intersect")
	}
}
