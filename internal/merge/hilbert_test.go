package merge

import "testing"

func TestXY2D_OriginIsZero(t *testing.T) {
	if got := xy2d(4, 0, 0); got != 0 {
		t.Fatalf("expected origin to map to curve index 0, got %d", got)
	}
}

func TestXY2D_IsDeterministicAndBijectiveOnSmallGrid(t *testing.T) {
	const order = 3
	n := uint32(1) << order
	seen := map[uint32]bool{}
	for x := uint32(0); x < n; x++ {
		for y := uint32(0); y < n; y++ {
			d := xy2d(order, x, y)
			if d != xy2d(order, x, y) {
				t.Fatalf("xy2d not deterministic for (%d,%d)", x, y)
			}
			if seen[d] {
				t.Fatalf("duplicate curve index %d for (%d,%d)", d, x, y)
			}
			seen[d] = true
		}
	}
	if len(seen) != int(n*n) {
		t.Fatalf("expected %d distinct indices, got %d", n*n, len(seen))
	}
}

func TestXY2D_AdjacentGridCellsHaveAdjacentIndices(t *testing.T) {
	// The defining property of a Hilbert curve: consecutive indices 0 and 1
	// must be adjacent grid cells (Manhattan distance 1).
	const order = 4
	n := uint32(1) << order
	pointAt := map[uint32][2]uint32{}
	for x := uint32(0); x < n; x++ {
		for y := uint32(0); y < n; y++ {
			pointAt[xy2d(order, x, y)] = [2]uint32{x, y}
		}
	}
	for d := uint32(0); d < n*n-1; d++ {
		a, b := pointAt[d], pointAt[d+1]
		dx := int(a[0]) - int(b[0])
		dy := int(a[1]) - int(b[1])
		if dx < 0 {
			dx = -dx
		}
		if dy < 0 {
			dy = -dy
		}
		if dx+dy != 1 {
			t.Fatalf("curve indices %d,%d are not adjacent cells: %v %v", d, d+1, a, b)
		}
	}
}

func TestNormalize_ClampsToRange(t *testing.T) {
	if got := normalize(-5, 0, 10); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	max := uint32(1)<<hilbertOrder - 1
	if got := normalize(15, 0, 10); got != max {
		t.Fatalf("expected clamp to max %d, got %d", max, got)
	}
	if got := normalize(5, 0, 10); got == 0 || got == max {
		t.Fatalf("expected midpoint to map away from the extremes, got %d", got)
	}
}
