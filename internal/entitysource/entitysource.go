// Package entitysource defines the input PBF stream contract (spec.md §6,
// "Input PBF stream contract") and concrete Go adapters for it: a decoder
// reading a .osm.pbf file with github.com/paulmach/osm/osmpbf, and a live
// Overpass fetcher adapted from the teacher's OverpassDataSource
// (internal/datasource/overpass.go). The core never depends on either
// decoder package directly, only on the Source interface.
package entitysource

import (
	"context"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
)

// Source yields three typed, id-ascending entity streams (spec.md §6). The
// core requires no ordering between Nodes/Ways/Relations, but each stream
// must itself be id-ascending. yield returning an error stops the scan and
// propagates the error to the caller.
type Source interface {
	Nodes(ctx context.Context, yield func(entity.Node) error) error
	Ways(ctx context.Context, yield func(entity.Way) error) error
	Relations(ctx context.Context, yield func(entity.Relation) error) error
}

// ErrStop is returned by a yield callback (via errors.Is) to request an early,
// non-error stop of a scan; Source implementations must treat it as success.
type stopSignal struct{}

func (stopSignal) Error() string { return "entitysource: stop" }

// ErrStop can be used by callers to stop a scan early without surfacing an
// error to the pipeline (e.g. a bounded smoke test reading only N entities).
var ErrStop error = stopSignal{}
