// Package relationstage implements C5: streaming type=multipolygon/boundary
// relations, resolving way-members against way_linestrings_kv, assembling
// rings, classifying holes, and writing the feature_relations shard
// (spec.md §4.5). Grounded on the group-scoped join style of
// internal/waystage and on the endpoint-matching relation walk in
// other_examples/992f357e_tdewolff-geo (relationGeom.Process), generalized
// to the spec's explicit Eulerian-walk-with-tie-breaking contract.
package relationstage

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

// Options configures one run of the relation stage.
type Options struct {
	GeomFilter  *geomfilter.Predicate
	TagFilter   *tagfilter.Predicate
	GroupSize   int64
	Concurrency int
	Reporter    progress.Reporter
}

// Summary reports per-stage soft-failure counters (spec.md §7).
type Summary struct {
	RelationsProcessed         int64
	SkippedNotMultipolygonLike int64
	UnresolvedMemberDrops      int64
	UnclosableFragmentDrops    int64
	FeaturesEmitted            int64
}

// Run assembles every relation group [0, groupCount) in st, writing
// feature_relations (spec.md §4.5). groupCount is taken at opts.GroupSize;
// after a C6 down-scale it is rescaled so the smaller groups cover the same
// id range.
func Run(ctx context.Context, st *store.Store, opts Options, groupCount int64) (Summary, error) {
	var sum Summary
	sched := groupsched.New(opts.Concurrency, opts.Reporter)

	err := sched.Run(ctx, "relations", opts.GroupSize,
		func(g int64) int64 {
			if g == opts.GroupSize {
				return groupCount
			}
			return (groupCount*opts.GroupSize + g - 1) / g
		},
		st.ClearRelationOutputs,
		func(ctx context.Context, groupID int64, g int64) error {
			s, err := runGroup(st, opts, groupID, g)
			addSummary(&sum, s)
			return err
		})
	return sum, err
}

func addSummary(dst *Summary, src Summary) {
	dst.RelationsProcessed += src.RelationsProcessed
	dst.SkippedNotMultipolygonLike += src.SkippedNotMultipolygonLike
	dst.UnresolvedMemberDrops += src.UnresolvedMemberDrops
	dst.UnclosableFragmentDrops += src.UnclosableFragmentDrops
	dst.FeaturesEmitted += src.FeaturesEmitted
}

func runGroup(st *store.Store, opts Options, groupID, g int64) (Summary, error) {
	var sum Summary

	members, err := st.RelationMembersInGroup(groupID, g)
	if err != nil {
		return sum, err
	}
	if len(members) == 0 {
		return sum, nil
	}

	tags, err := st.RelationTagsInGroup(groupID, g)
	if err != nil {
		return sum, err
	}

	featWriter := st.NewFeatureRelationWriter()

	for relID, memberList := range members {
		sum.RelationsProcessed++

		relTags, _ := entity.UnmarshalTags(tags[relID])
		rel := entity.Relation{ID: relID, Tags: relTags}
		if !rel.IsMultipolygonLike() {
			sum.SkippedNotMultipolygonLike++
			continue
		}

		wayIDs := wayMemberIDs(memberList)
		linestrings, err := st.LookupWayLinestrings(wayIDs)
		if err != nil {
			return sum, err
		}

		outerSegs, innerSegs, unresolved := partitionMembers(memberList, linestrings)
		if unresolved {
			sum.UnresolvedMemberDrops++
			continue
		}

		outerRings, droppedOuter := assembleRings(outerSegs)
		innerRings, droppedInner := assembleRings(innerSegs)
		sum.UnclosableFragmentDrops += int64(droppedOuter + droppedInner)

		if len(outerRings) == 0 {
			continue
		}

		polys := classifyHoles(outerRings, innerRings)

		var mp orb.MultiPolygon
		for _, rings := range polys {
			mp = append(mp, orb.Polygon(rings))
		}

		var rawGeom orb.Geometry = mp
		if len(mp) == 1 {
			rawGeom = mp[0]
		}

		repaired, ok, err := georepair.Repair(rawGeom)
		if err != nil {
			return sum, errs.Wrap(errs.RuntimeFailure, "relationstage", err, "repairing relation geometry").WithEntity(relID)
		}
		if !ok {
			continue
		}
		geom := repaired.Geometry

		if opts.GeomFilter != nil && !opts.GeomFilter.Intersects(geom) {
			continue
		}
		if opts.TagFilter != nil {
			pass, _ := opts.TagFilter.Matches(relTags)
			if !pass {
				continue
			}
		}

		geomWKB, err := wkb.Marshal(geom)
		if err != nil {
			return sum, errs.Wrap(errs.RuntimeFailure, "relationstage", err, "encoding relation geometry").WithEntity(relID)
		}

		tagsBlob, err := relTags.Marshal()
		if err != nil {
			return sum, errs.Wrap(errs.InvalidInput, "relationstage", err, "marshaling relation tags").WithEntity(relID)
		}

		if err := featWriter.Write(store.FeatureRow{
			FeatureID: entity.FeatureID(entity.KindRelation, relID),
			ID:        relID,
			WKB:       geomWKB,
			Tags:      tagsBlob,
			GroupID:   groupID,
		}); err != nil {
			return sum, err
		}
		sum.FeaturesEmitted++
	}

	if err := featWriter.Close(); err != nil {
		return sum, err
	}
	return sum, nil
}

func wayMemberIDs(members []store.RelationMemberRow) []uint64 {
	seen := map[uint64]struct{}{}
	var ids []uint64
	for _, m := range members {
		if m.MemberKind != int(entity.MemberWay) {
			continue
		}
		if _, dup := seen[m.MemberRef]; dup {
			continue
		}
		seen[m.MemberRef] = struct{}{}
		ids = append(ids, m.MemberRef)
	}
	return ids
}

// partitionMembers resolves each way-member against linestrings and splits
// them into outer/inner candidate segments (spec.md §4.5 steps 1-2).
// Non-outer/inner roles are ignored for geometry but do not by themselves
// cause an abort.
func partitionMembers(members []store.RelationMemberRow, linestrings map[uint64]store.WayLinestringRow) (outer, inner []segment, unresolved bool) {
	for _, m := range members {
		if m.MemberKind != int(entity.MemberWay) {
			continue
		}
		row, ok := linestrings[m.MemberRef]
		if !ok {
			return nil, nil, true
		}
		geom, err := wkb.Unmarshal(row.WKB)
		if err != nil {
			return nil, nil, true
		}
		pts := extractPoints(geom)
		if len(pts) == 0 {
			return nil, nil, true
		}
		seg := segment{memberID: m.MemberRef, coords: pts}
		switch m.Role {
		case "", "outer":
			outer = append(outer, seg)
		case "inner":
			inner = append(inner, seg)
		}
	}
	return outer, inner, false
}

func extractPoints(geom orb.Geometry) []orb.Point {
	switch g := geom.(type) {
	case orb.LineString:
		return []orb.Point(g)
	case orb.Polygon:
		if len(g) > 0 {
			return []orb.Point(g[0])
		}
	case orb.Ring:
		return []orb.Point(g)
	}
	return nil
}
