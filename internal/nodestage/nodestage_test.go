package nodestage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/entitysource"
	"github.com/MeKo-Tech/osm2gpq/internal/geomfilter"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
	"github.com/MeKo-Tech/osm2gpq/internal/tagfilter"
)

type fakeSource struct {
	nodes []entity.Node
}

func (f fakeSource) Nodes(ctx context.Context, yield func(entity.Node) error) error {
	for _, n := range f.nodes {
		if err := yield(n); err != nil {
			if err == entitysource.ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}
func (f fakeSource) Ways(ctx context.Context, yield func(entity.Way) error) error { return nil }
func (f fakeSource) Relations(ctx context.Context, yield func(entity.Relation) error) error {
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRun_RetainsAllNodesAndEmitsMatchingFeatures(t *testing.T) {
	st := openTestStore(t)
	src := fakeSource{nodes: []entity.Node{
		{ID: 1, Lon: 0, Lat: 0, Tags: entity.Tags{"amenity": "cafe"}},
		{ID: 2, Lon: 1, Lat: 1, Tags: nil},
	}}

	universe := tagfilter.NewUniverse()
	universe.Observe(entity.Tags{"amenity": "cafe"})
	pred, err := tagfilter.Compile(tagfilter.Filter{"amenity": tagfilter.IsPresent()}, universe)
	require.NoError(t, err)

	sum, err := Run(context.Background(), src, st, Options{TagFilter: pred, GroupSize: 1_000_000})
	require.NoError(t, err)
	require.EqualValues(t, 2, sum.NodesScanned)
	require.EqualValues(t, 2, sum.NodesKept)
	require.EqualValues(t, 1, sum.FeaturesEmitted)

	lon, lat, ok, err := st.LookupNode(2)
	require.NoError(t, err)
	require.True(t, ok, "node 2 must be retained in all_nodes_kv even though it has no matching tags")
	require.Equal(t, 1.0, lon)
	require.Equal(t, 1.0, lat)
}

func TestRun_GeomFilterGatesFeatureEmissionButNotRetention(t *testing.T) {
	st := openTestStore(t)
	square := orb.Polygon{{{0, 0}, {5, 0}, {5, 5}, {0, 5}, {0, 0}}}
	clip, err := geomfilter.Compile(square)
	require.NoError(t, err)

	src := fakeSource{nodes: []entity.Node{
		{ID: 1, Lon: 1, Lat: 1, Tags: entity.Tags{"amenity": "cafe"}}, // inside
		{ID: 2, Lon: 100, Lat: 100, Tags: entity.Tags{"amenity": "cafe"}}, // outside
	}}

	sum, err := Run(context.Background(), src, st, Options{GeomFilter: clip, GroupSize: 1_000_000})
	require.NoError(t, err)
	require.EqualValues(t, 2, sum.NodesKept, "all nodes retained regardless of clip")
	require.EqualValues(t, 1, sum.FeaturesEmitted, "only the in-clip node becomes a feature")

	_, _, ok, err := st.LookupNode(2)
	require.NoError(t, err)
	require.True(t, ok, "out-of-clip node must still be retained in all_nodes_kv for later way joins")
}
