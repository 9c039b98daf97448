package store

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// encodePointWKB encodes a bare lon/lat pair as little-endian WKB, used when
// materializing feature_nodes rows (stored as raw floats, not WKB, to avoid
// re-encoding 2 billion-scale node tables) back into the generic FeatureRow
// shape C8 merges across all three kinds.
func encodePointWKB(lon, lat float64) []byte {
	b, err := wkb.Marshal(orb.Point{lon, lat})
	if err != nil {
		// A Point can never fail to encode; surfacing a panic here would be
		// reached only by a wkb package bug, not bad input.
		panic(err)
	}
	return b
}
