package merge

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
)

func seedFeatureNode(t *testing.T, st *store.Store, id uint64, lon, lat float64, tags entity.Tags) {
	t.Helper()
	blob, err := tags.Marshal()
	require.NoError(t, err)
	w := st.NewFeatureNodeWriter()
	require.NoError(t, w.Write(store.FeatureNodeRow{
		FeatureID: entity.FeatureID(entity.KindNode, id), ID: id, Lon: lon, Lat: lat, Tags: blob,
	}))
	require.NoError(t, w.Close())
}

func seedFeatureWay(t *testing.T, st *store.Store, id uint64, ls orb.LineString, tags entity.Tags) {
	t.Helper()
	geomBytes, err := wkb.Marshal(ls)
	require.NoError(t, err)
	blob, err := tags.Marshal()
	require.NoError(t, err)
	w := st.NewFeatureWayWriter()
	require.NoError(t, w.Write(store.FeatureRow{
		FeatureID: entity.FeatureID(entity.KindWay, id), ID: id, WKB: geomBytes, Tags: blob,
	}))
	require.NoError(t, w.Close())
}

func TestMerge_CompactModeWritesAllFeaturesDeduped(t *testing.T) {
	st1, err := store.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st1.Close() })

	seedFeatureNode(t, st1, 1, 7.42245, 43.73105, entity.Tags{"shop": "bakery"})
	seedFeatureWay(t, st1, 10, orb.LineString{{0, 0}, {1, 1}}, entity.Tags{"highway": "residential"})

	var buf bytes.Buffer
	opts := DefaultOptions()
	err = Merge([]*store.Store{st1}, &buf, opts)
	require.NoError(t, err)
	require.NotEmpty(t, buf.Bytes(), "expected non-empty parquet output")
}

func TestMerge_DedupKeepsFirstOccurrenceAcrossStores(t *testing.T) {
	st1, err := store.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st1.Close() })
	st2, err := store.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })

	// Same way id present in both stores (e.g. a border way shared across
	// extracts); the first store's row must win.
	seedFeatureWay(t, st1, 99, orb.LineString{{0, 0}, {1, 1}}, entity.Tags{"highway": "track"})
	seedFeatureWay(t, st2, 99, orb.LineString{{5, 5}, {6, 6}}, entity.Tags{"highway": "path"})

	records, err := collect([]*store.Store{st1, st2})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "track", records[0].tags["highway"])
}

func TestMerge_ExplodedModeDoesNotError(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	seedFeatureNode(t, st, 1, 0, 0, entity.Tags{"amenity": "cafe"})

	opts := DefaultOptions()
	opts.Explode = true

	var buf bytes.Buffer
	err = Merge([]*store.Store{st}, &buf, opts)
	require.NoError(t, err)
	require.NotEmpty(t, buf.Bytes())
}
