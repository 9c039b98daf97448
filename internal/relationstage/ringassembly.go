// Package relationstage implements C5: resolving relation members against
// way_linestrings_kv, assembling outer/inner rings via a deterministic
// Eulerian walk, classifying holes by containment, and writing the
// feature_relations shard (spec.md §4.5). Ring assembly is grounded on the
// endpoint-matching relation walk other_examples/992f357e_tdewolff-geo
// (relationGeom.Process / sortRelationWays), generalized from that parser's
// single bounding-box close-up to the spec's discard-unclosable-fragments
// rule.
package relationstage

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// segment is one way's coordinate chain plus the id used to break assembly
// ties deterministically (spec.md §5: "break ties by smallest member-id").
type segment struct {
	memberID uint64
	coords   []orb.Point
}

// assembleRings runs the deterministic ring-closing walk over a set of
// candidate way segments (spec.md §4.5 step 3): repeatedly pick the
// smallest-id unused segment, then greedily extend the chain by matching
// endpoints (smallest id wins on ties) until it closes or no further match
// exists. Unclosable fragments are dropped (returned separately for the
// caller's soft-failure counter).
func assembleRings(segments []segment) (rings []orb.Ring, droppedFragments int) {
	used := make([]bool, len(segments))

	order := make([]int, len(segments))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return segments[order[a]].memberID < segments[order[b]].memberID })

	for _, startIdx := range order {
		if used[startIdx] {
			continue
		}
		chain := append([]orb.Point(nil), segments[startIdx].coords...)
		used[startIdx] = true

		for {
			if len(chain) > 1 && chain[0] == chain[len(chain)-1] {
				break // closed
			}
			next, reverse, found := findNextSegment(segments, used, chain[len(chain)-1])
			if !found {
				break
			}
			used[next] = true
			pts := segments[next].coords
			if reverse {
				pts = reversePoints(pts)
			}
			// Skip the duplicate shared endpoint.
			chain = append(chain, pts[1:]...)
		}

		chain = collapseConsecutiveDuplicates(chain)
		if len(chain) >= 4 && chain[0] == chain[len(chain)-1] {
			rings = append(rings, orb.Ring(chain))
		} else {
			droppedFragments++
		}
	}
	return rings, droppedFragments
}

// findNextSegment finds the lowest-id unused segment whose start (or end,
// walked in reverse) matches endpoint, breaking ties by id (spec.md §5).
func findNextSegment(segments []segment, used []bool, endpoint orb.Point) (idx int, reverse bool, found bool) {
	bestID := ^uint64(0)
	bestIdx := -1
	bestReverse := false

	for i, s := range segments {
		if used[i] || len(s.coords) == 0 {
			continue
		}
		if s.coords[0] == endpoint && s.memberID < bestID {
			bestID, bestIdx, bestReverse = s.memberID, i, false
		}
		if s.coords[len(s.coords)-1] == endpoint && s.memberID < bestID {
			bestID, bestIdx, bestReverse = s.memberID, i, true
		}
	}
	if bestIdx < 0 {
		return 0, false, false
	}
	return bestIdx, bestReverse, true
}

func reversePoints(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
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

// classifyHoles implements spec.md §4.5 step 4: for each outer ring, its
// holes are the inner rings strictly contained in it (point-in-polygon on a
// non-boundary vertex of the inner ring); an inner contained in no outer is
// dropped.
func classifyHoles(outers, inners []orb.Ring) [][]orb.Ring {
	polys := make([][]orb.Ring, len(outers))
	for i, outer := range outers {
		polys[i] = []orb.Ring{outer}
	}

	for _, inner := range inners {
		if len(inner) == 0 {
			continue
		}
		probe := nonBoundaryProbe(inner, outers)
		ownerIdx := -1
		for i, outer := range outers {
			if planar.RingContains(outer, probe) {
				ownerIdx = i
				break
			}
		}
		if ownerIdx >= 0 {
			polys[ownerIdx] = append(polys[ownerIdx], inner)
		}
	}
	return polys
}

// nonBoundaryProbe picks a vertex of ring that does not itself sit on any
// candidate outer ring's boundary (spec.md §4.5 step 4: "point-in-polygon on
// a non-boundary vertex of the inner ring"). A vertex exactly on an outer
// edge makes planar.RingContains's result ambiguous (it may report either
// inside or outside depending on winding), which can misclassify a hole
// whose first vertex happens to be collinear with an outer edge. Falls back
// to the first vertex if every vertex lies on some outer's boundary (a
// degenerate case where any choice is equally ambiguous).
func nonBoundaryProbe(ring orb.Ring, outers []orb.Ring) orb.Point {
	for _, p := range ring {
		onBoundary := false
		for _, outer := range outers {
			if pointOnRingBoundary(outer, p) {
				onBoundary = true
				break
			}
		}
		if !onBoundary {
			return p
		}
	}
	return ring[0]
}

func pointOnRingBoundary(ring orb.Ring, p orb.Point) bool {
	for i := 0; i < len(ring)-1; i++ {
		if pointOnSegment(ring[i], ring[i+1], p) {
			return true
		}
	}
	return false
}

// pointOnSegment reports whether p lies on the closed segment a-b, via a
// collinearity (cross product) check followed by a bounding-box containment
// check.
func pointOnSegment(a, b, p orb.Point) bool {
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	const epsilon = 1e-9
	if cross > epsilon || cross < -epsilon {
		return false
	}
	minX, maxX := a[0], b[0]
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := a[1], b[1]
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return p[0] >= minX && p[0] <= maxX && p[1] >= minY && p[1] <= maxY
}

