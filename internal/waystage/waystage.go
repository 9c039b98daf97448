// Package waystage implements C4: loading a group's way-refs, joining
// against all_nodes_kv, classifying closed ways as polygons or linestrings
// per PolygonPolicy, applying the geometry/tag predicates, and writing the
// feature_ways and way_linestrings_kv shards (spec.md §4.4).
package waystage

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
	"github.com/MeKo-Tech/osm2gpq/internal/geomfilter"
	"github.com/MeKo-Tech/osm2gpq/internal/georepair"
	"github.com/MeKo-Tech/osm2gpq/internal/groupsched"
	"github.com/MeKo-Tech/osm2gpq/internal/progress"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
	"github.com/MeKo-Tech/osm2gpq/internal/tagfilter"
)

// Options configures one run of the way stage.
type Options struct {
	GeomFilter  *geomfilter.Predicate
	TagFilter   *tagfilter.Predicate
	Policy      PolygonPolicy
	GroupSize   int64
	Concurrency int
	Reporter    progress.Reporter
}

// Summary reports per-stage soft-failure counters (spec.md §7).
type Summary struct {
	WaysProcessed       int64
	UnresolvedRefDrops  int64
	TooFewVerticesDrops int64
	FeaturesEmitted     int64
	LinestringsEmitted  int64
}

// Run assembles every way group [0, groupCount) in st, writing feature_ways
// and way_linestrings_kv. groupCount is derived from st's way_refs table by
// the caller (the pipeline orchestrator) at opts.GroupSize; after a C6
// down-scale the count is rescaled so the smaller groups cover the same id
// range.
func Run(ctx context.Context, st *store.Store, opts Options, groupCount int64) (Summary, error) {
	var sum Summary
	sched := groupsched.New(opts.Concurrency, opts.Reporter)

	err := sched.Run(ctx, "ways", opts.GroupSize,
		func(g int64) int64 {
			if g == opts.GroupSize {
				return groupCount
			}
			return (groupCount*opts.GroupSize + g - 1) / g
		},
		st.ClearWayOutputs,
		func(ctx context.Context, groupID int64, g int64) error {
			s, err := runGroup(st, opts, groupID, g)
			addSummary(&sum, s)
			return err
		})
	return sum, err
}

func addSummary(dst *Summary, src Summary) {
	dst.WaysProcessed += src.WaysProcessed
	dst.UnresolvedRefDrops += src.UnresolvedRefDrops
	dst.TooFewVerticesDrops += src.TooFewVerticesDrops
	dst.FeaturesEmitted += src.FeaturesEmitted
	dst.LinestringsEmitted += src.LinestringsEmitted
}

func runGroup(st *store.Store, opts Options, groupID, g int64) (Summary, error) {
	var sum Summary

	refs, err := st.WayRefsInGroup(groupID, g)
	if err != nil {
		return sum, err
	}
	if len(refs) == 0 {
		return sum, nil
	}

	tags, err := st.WayTagsInGroup(groupID, g)
	if err != nil {
		return sum, err
	}

	nodes, err := st.LookupNodesInGroup(groupID, g)
	if err != nil {
		return sum, err
	}
	// Way refs commonly point outside their own id's group range (a way's
	// node ids are independent of the way's own id), so also resolve any ref
	// not already in the group-scoped node map via point lookups.
	missing := collectMissingRefs(refs, nodes)
	if len(missing) > 0 {
		if err := resolveMissing(st, missing, nodes); err != nil {
			return sum, err
		}
	}

	lsWriter := st.NewWayLinestringWriter()
	featWriter := st.NewFeatureWayWriter()

	for wayID, refList := range refs {
		sum.WaysProcessed++

		pts := make([]orb.Point, 0, len(refList))
		unresolved := false
		for _, ref := range refList {
			xy, ok := nodes[ref]
			if !ok {
				unresolved = true
				break
			}
			pts = append(pts, orb.Point{xy[0], xy[1]})
		}
		if unresolved {
			sum.UnresolvedRefDrops++
			continue
		}

		pts = collapseConsecutiveDuplicates(pts)
		if len(pts) < 2 {
			sum.TooFewVerticesDrops++
			continue
		}

		wayTags, _ := entity.UnmarshalTags(tags[wayID])
		closed := len(pts) >= 4 && pts[0] == pts[len(pts)-1]
		isPolygon := closed && opts.Policy.Accepts(wayTags)

		var geom orb.Geometry
		if isPolygon {
			geom = orb.Polygon{orb.Ring(pts)}
		} else {
			geom = orb.LineString(pts)
		}

		repaired, ok, err := georepair.Repair(geom)
		if err != nil {
			return sum, errs.Wrap(errs.RuntimeFailure, "waystage", err, "repairing way geometry").WithEntity(wayID)
		}
		if !ok {
			sum.TooFewVerticesDrops++
			continue
		}
		geom = repaired.Geometry

		geomWKB, err := wkb.Marshal(geom)
		if err != nil {
			return sum, errs.Wrap(errs.RuntimeFailure, "waystage", err, "encoding way geometry").WithEntity(wayID)
		}

		if err := lsWriter.Write(store.WayLinestringRow{
			ID: wayID, WKB: geomWKB, IsPolygon: isPolygon, GroupID: groupID,
		}); err != nil {
			return sum, err
		}
		sum.LinestringsEmitted++

		if opts.GeomFilter != nil && !opts.GeomFilter.Intersects(geom) {
			continue
		}
		if opts.TagFilter != nil {
			pass, _ := opts.TagFilter.Matches(wayTags)
			if !pass {
				continue
			}
		}

		tagsBlob, err := wayTags.Marshal()
		if err != nil {
			return sum, errs.Wrap(errs.InvalidInput, "waystage", err, "marshaling way tags").WithEntity(wayID)
		}
		if err := featWriter.Write(store.FeatureRow{
			FeatureID: entity.FeatureID(entity.KindWay, wayID),
			ID:        wayID,
			WKB:       geomWKB,
			Tags:      tagsBlob,
			GroupID:   groupID,
		}); err != nil {
			return sum, err
		}
		sum.FeaturesEmitted++
	}

	if err := lsWriter.Close(); err != nil {
		return sum, err
	}
	if err := featWriter.Close(); err != nil {
		return sum, err
	}
	return sum, nil
}

func collectMissingRefs(refs map[uint64][]uint64, nodes map[uint64][2]float64) []uint64 {
	seen := map[uint64]struct{}{}
	var missing []uint64
	for _, refList := range refs {
		for _, ref := range refList {
			if _, ok := nodes[ref]; ok {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			missing = append(missing, ref)
		}
	}
	return missing
}

func resolveMissing(st *store.Store, missing []uint64, nodes map[uint64][2]float64) error {
	for _, ref := range missing {
		lon, lat, ok, err := st.LookupNode(ref)
		if err != nil {
			return err
		}
		if ok {
			nodes[ref] = [2]float64{lon, lat}
		}
	}
	return nil
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

