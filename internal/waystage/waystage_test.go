package waystage

import (
	"context"
	"path/filepath"
	"testing"

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

func seedNode(t *testing.T, st *store.Store, id uint64, lon, lat float64) {
	t.Helper()
	w := st.NewNodeWriter(1_000_000)
	require.NoError(t, w.Write(entity.Node{ID: id, Lon: lon, Lat: lat}))
	require.NoError(t, w.Close())
}

func seedWay(t *testing.T, st *store.Store, id uint64, refs []uint64, tags entity.Tags) {
	t.Helper()
	rw := st.NewWayRefWriter()
	for i, ref := range refs {
		require.NoError(t, rw.Write(store.WayRefRow{WayID: id, Ordinal: i, NodeRef: ref, GroupID: 0}))
	}
	require.NoError(t, rw.Close())

	blob, err := tags.Marshal()
	require.NoError(t, err)
	tw := st.NewWayTagWriter()
	require.NoError(t, tw.Write(id, blob, 0))
	require.NoError(t, tw.Close())
}

func TestRun_ClassifiesClosedBuildingWayAsPolygon(t *testing.T) {
	st := openTestStore(t)

	seedNode(t, st, 1, 0, 0)
	seedNode(t, st, 2, 10, 0)
	seedNode(t, st, 3, 10, 10)
	seedNode(t, st, 4, 0, 10)
	seedWay(t, st, 100, []uint64{1, 2, 3, 4, 1}, entity.Tags{"building": "yes"})

	opts := Options{Policy: DefaultPolygonPolicy(), GroupSize: 1_000_000, Concurrency: 1}
	sum, err := Run(context.Background(), st, opts, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.WaysProcessed)
	require.EqualValues(t, 1, sum.FeaturesEmitted)
	require.EqualValues(t, 1, sum.LinestringsEmitted)

	rows, err := st.LookupWayLinestrings([]uint64{100})
	require.NoError(t, err)
	require.True(t, rows[100].IsPolygon)
}

func TestRun_OpenWayIsLineString(t *testing.T) {
	st := openTestStore(t)

	seedNode(t, st, 1, 0, 0)
	seedNode(t, st, 2, 1, 1)
	seedWay(t, st, 200, []uint64{1, 2}, entity.Tags{"highway": "residential"})

	opts := Options{Policy: DefaultPolygonPolicy(), GroupSize: 1_000_000, Concurrency: 1}
	sum, err := Run(context.Background(), st, opts, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.FeaturesEmitted)

	rows, err := st.LookupWayLinestrings([]uint64{200})
	require.NoError(t, err)
	require.False(t, rows[200].IsPolygon)
}

func TestRun_UnresolvedRefIsDroppedWithCounter(t *testing.T) {
	st := openTestStore(t)

	seedNode(t, st, 1, 0, 0)
	// Node 2 deliberately not seeded.
	seedWay(t, st, 300, []uint64{1, 2}, entity.Tags{"highway": "track"})

	opts := Options{Policy: DefaultPolygonPolicy(), GroupSize: 1_000_000, Concurrency: 1}
	sum, err := Run(context.Background(), st, opts, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.UnresolvedRefDrops)
	require.EqualValues(t, 0, sum.FeaturesEmitted)
}

func TestRun_AreaNoOverrideKeepsClosedWayAsLineString(t *testing.T) {
	st := openTestStore(t)

	seedNode(t, st, 1, 0, 0)
	seedNode(t, st, 2, 10, 0)
	seedNode(t, st, 3, 10, 10)
	seedNode(t, st, 4, 0, 10)
	seedWay(t, st, 400, []uint64{1, 2, 3, 4, 1}, entity.Tags{"building": "yes", "area": "no"})

	opts := Options{Policy: DefaultPolygonPolicy(), GroupSize: 1_000_000, Concurrency: 1}
	_, err := Run(context.Background(), st, opts, 1)
	require.NoError(t, err)

	rows, err := st.LookupWayLinestrings([]uint64{400})
	require.NoError(t, err)
	require.False(t, rows[400].IsPolygon)
}
