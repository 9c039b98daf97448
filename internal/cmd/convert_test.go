package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/osm2gpq/internal/catalog"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
	"github.com/MeKo-Tech/osm2gpq/internal/progress"
	"github.com/MeKo-Tech/osm2gpq/internal/tagfilter"
)

func TestStem_StripsOsmPbfSuffix(t *testing.T) {
	require.Equal(t, "andorra-latest", stem("/data/extracts/andorra-latest.osm.pbf"))
	require.Equal(t, "andorra", stem("andorra.pbf"))
	require.Equal(t, "andorra", stem("andorra.osm"))
}

func TestIsGeohash_AcceptsValidAlphabet(t *testing.T) {
	require.True(t, isGeohash("u4pruydqqvj"))
	require.True(t, isGeohash("9q8"))
	require.False(t, isGeohash(""))
	require.False(t, isGeohash("this is not a geohash"))
	require.False(t, isGeohash("aeiouAEIOU")) // 'a','i','o' are excluded from the geohash alphabet
}

func TestGeohashBounds_DecodesToRectangleContainingOrigin(t *testing.T) {
	// "s00" roughly covers the equator/prime-meridian quadrant.
	poly := geohashBounds("s00")
	require.Len(t, poly, 1)
	b := poly.Bound()
	require.True(t, b.Min[0] >= 0 && b.Max[0] <= 45)
	require.True(t, b.Min[1] >= 0 && b.Max[1] <= 45)
}

func TestValueSpecFromJSON_BoolStringAndArray(t *testing.T) {
	present, err := valueSpecFromJSON("building", true)
	require.NoError(t, err)
	require.Equal(t, tagfilter.IsPresent(), present)

	absent, err := valueSpecFromJSON("building", false)
	require.NoError(t, err)
	require.Equal(t, tagfilter.IsAbsent(), absent)

	eq, err := valueSpecFromJSON("highway", "primary")
	require.NoError(t, err)
	require.Equal(t, tagfilter.Eq("primary"), eq)

	glob, err := valueSpecFromJSON("name", "Lake *")
	require.NoError(t, err)
	require.Equal(t, tagfilter.Glob("Lake *"), glob)

	in, err := valueSpecFromJSON("highway", []interface{}{"primary", "secondary"})
	require.NoError(t, err)
	require.Equal(t, tagfilter.In("primary", "secondary"), in)

	_, err = valueSpecFromJSON("bad", 3.14)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidInput))
}

func TestParseTagFilter_InlineJSON(t *testing.T) {
	f, err := parseTagFilter(`{"building": true, "highway": ["primary", "secondary"]}`)
	require.NoError(t, err)
	require.Len(t, f, 2)
	require.Equal(t, tagfilter.IsPresent(), f["building"])
	require.Equal(t, tagfilter.In("primary", "secondary"), f["highway"])
}

func TestParseTagFilter_RejectsInvalidJSON(t *testing.T) {
	_, err := parseTagFilter(`not json`)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidInput))
}

func TestExitCodeFor_MapsErrorKindsToSpecCodes(t *testing.T) {
	require.Equal(t, 1, exitCodeFor(errs.New(errs.InvalidInput, "cmd", "bad")))
	require.Equal(t, 1, exitCodeFor(errs.New(errs.FilterConflict, "cmd", "conflict")))
	require.Equal(t, 2, exitCodeFor(errs.New(errs.UncoveredGeometry, "cmd", "uncovered")))
	require.Equal(t, 2, exitCodeFor(errs.New(errs.ExtractAmbiguous, "cmd", "ambiguous")))
	require.Equal(t, 2, exitCodeFor(errs.New(errs.ExtractNotFound, "cmd", "missing")))
	require.Equal(t, 3, exitCodeFor(errs.New(errs.RuntimeFailure, "cmd", "boom")))
}

func TestReporterFor_SilentOnlyForSilentVerbosity(t *testing.T) {
	require.Equal(t, progress.Silent{}, reporterFor("silent"))
	require.IsType(t, &progress.Terminal{}, reporterFor("normal"))
	require.IsType(t, &progress.Terminal{}, reporterFor("transient"))
}

func TestGeocodeFallback_ResolvesByName(t *testing.T) {
	extracts := []catalog.Extract{
		{ID: "de", FullName: "Germany"},
		{ID: "fr", FullName: "France"},
	}
	geom, err := geocodeFallback(extracts, "France")
	require.NoError(t, err)
	require.Nil(t, geom) // fixture extracts carry no Geometry
}

func TestGeocodeFallback_AmbiguousReturnsSuggestions(t *testing.T) {
	extracts := []catalog.Extract{
		{ID: "de-bavaria", FullName: "Bavaria, Germany"},
		{ID: "de-berlin", FullName: "Berlin, Germany"},
	}
	_, err := geocodeFallback(extracts, "Germany")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ExtractAmbiguous))
}
