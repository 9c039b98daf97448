package relationstage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedWayLinestring(t *testing.T, st *store.Store, id uint64, ls orb.LineString) {
	t.Helper()
	blob, err := wkb.Marshal(ls)
	require.NoError(t, err)
	w := st.NewWayLinestringWriter()
	require.NoError(t, w.Write(store.WayLinestringRow{ID: id, WKB: blob, IsPolygon: false, GroupID: 0}))
	require.NoError(t, w.Close())
}

func seedRelation(t *testing.T, st *store.Store, id uint64, members []store.RelationMemberRow, tags entity.Tags) {
	t.Helper()
	mw := st.NewRelationMemberWriter()
	for i, m := range members {
		m.RelationID = id
		m.Ordinal = i
		m.GroupID = 0
		require.NoError(t, mw.Write(m))
	}
	require.NoError(t, mw.Close())

	blob, err := tags.Marshal()
	require.NoError(t, err)
	tw := st.NewRelationTagWriter()
	require.NoError(t, tw.Write(id, blob, 0))
	require.NoError(t, tw.Close())
}

func TestRun_AssemblesMultipolygonFromTwoOuterHalves(t *testing.T) {
	st := openTestStore(t)

	seedWayLinestring(t, st, 10, orb.LineString{{0, 0}, {10, 0}})
	seedWayLinestring(t, st, 11, orb.LineString{{10, 0}, {10, 10}, {0, 10}, {0, 0}})

	seedRelation(t, st, 1, []store.RelationMemberRow{
		{MemberKind: int(entity.MemberWay), MemberRef: 11, Role: "outer"},
		{MemberKind: int(entity.MemberWay), MemberRef: 10, Role: "outer"},
	}, entity.Tags{"type": "multipolygon", "landuse": "forest"})

	sum, err := Run(context.Background(), st, Options{GroupSize: 1_000_000, Concurrency: 1}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.RelationsProcessed)
	require.EqualValues(t, 1, sum.FeaturesEmitted)

	var found bool
	err = st.AllFeatures("feature_relations", func(r store.FeatureRow) error {
		if r.ID == 1 {
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)
}

func TestRun_SkipsRelationsNotMultipolygonLike(t *testing.T) {
	st := openTestStore(t)

	seedWayLinestring(t, st, 20, orb.LineString{{0, 0}, {1, 1}})
	seedRelation(t, st, 2, []store.RelationMemberRow{
		{MemberKind: int(entity.MemberWay), MemberRef: 20, Role: ""},
	}, entity.Tags{"type": "route"})

	sum, err := Run(context.Background(), st, Options{GroupSize: 1_000_000, Concurrency: 1}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.SkippedNotMultipolygonLike)
	require.EqualValues(t, 0, sum.FeaturesEmitted)
}

func TestRun_UnresolvedMemberDropsWithCounter(t *testing.T) {
	st := openTestStore(t)

	// Way 31 is never seeded into way_linestrings_kv.
	seedRelation(t, st, 3, []store.RelationMemberRow{
		{MemberKind: int(entity.MemberWay), MemberRef: 31, Role: "outer"},
	}, entity.Tags{"type": "multipolygon"})

	sum, err := Run(context.Background(), st, Options{GroupSize: 1_000_000, Concurrency: 1}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.UnresolvedMemberDrops)
	require.EqualValues(t, 0, sum.FeaturesEmitted)
}

func TestRun_RelationWithHoleClassifiesInnerRing(t *testing.T) {
	st := openTestStore(t)

	outer := orb.LineString{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	inner := orb.LineString{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}}
	seedWayLinestring(t, st, 40, outer)
	seedWayLinestring(t, st, 41, inner)

	seedRelation(t, st, 4, []store.RelationMemberRow{
		{MemberKind: int(entity.MemberWay), MemberRef: 40, Role: "outer"},
		{MemberKind: int(entity.MemberWay), MemberRef: 41, Role: "inner"},
	}, entity.Tags{"type": "multipolygon", "landuse": "residential"})

	sum, err := Run(context.Background(), st, Options{GroupSize: 1_000_000, Concurrency: 1}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.FeaturesEmitted)

	var wkbBlob []byte
	err = st.AllFeatures("feature_relations", func(r store.FeatureRow) error {
		if r.ID == 4 {
			wkbBlob = r.WKB
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, wkbBlob)

	geom, err := wkb.Unmarshal(wkbBlob)
	require.NoError(t, err)
	poly, ok := geom.(orb.Polygon)
	require.True(t, ok, "expected a single polygon with a hole, got %T", geom)
	require.Len(t, poly, 2, "expected outer ring plus one hole")
}
