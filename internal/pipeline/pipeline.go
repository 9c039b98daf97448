// Package pipeline orchestrates C1 through C8 end-to-end: compiling the tag
// and geometry filters, ingesting the three entity streams into the shard
// store, running the node/way/relation stages group-by-group, merging the
// result to GeoParquet, and enforcing the content-addressed cache and
// working-directory lock (spec.md §5, §6). Adapted from the teacher's
// Generator (internal/pipeline/generator.go in the pre-transform tree): the
// same "wire every stage into one Convert call, thread a progress reporter
// through it" shape, generalized from "render one tile"
// to "convert one PBF extract".
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/entitysource"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
	"github.com/MeKo-Tech/osm2gpq/internal/geomfilter"
	"github.com/MeKo-Tech/osm2gpq/internal/groupsched"
	"github.com/MeKo-Tech/osm2gpq/internal/merge"
	"github.com/MeKo-Tech/osm2gpq/internal/nodestage"
	"github.com/MeKo-Tech/osm2gpq/internal/progress"
	"github.com/MeKo-Tech/osm2gpq/internal/relationstage"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
	"github.com/MeKo-Tech/osm2gpq/internal/tagfilter"
	"github.com/MeKo-Tech/osm2gpq/internal/waystage"
)

// Request bundles every input a single Convert call needs (spec.md §6).
type Request struct {
	Source      entitysource.Source
	SourceLabel string // e.g. the PBF file stem, used in the cache filename

	GeomFilter       orb.Geometry // nil => no clip
	TagFilter        tagfilter.Filter
	GroupedTagFilter tagfilter.Grouped // mutually exclusive with TagFilter

	Explode     bool
	KeepAllTags bool
	WKT         bool
	SortResult  bool

	Compression      string
	CompressionLevel int
	RowGroupSize     int

	WorkDir     string // shard store + lock file location
	OutputDir   string // where the cache-keyed .parquet file is written
	IgnoreCache bool

	Reporter progress.Reporter
}

// ConversionSummary aggregates every stage's soft-failure counters plus the
// final output path (spec.md §7, "totals are exposed in the final summary").
type ConversionSummary struct {
	OutputPath string

	Nodes     nodestage.Summary
	Ways      waystage.Summary
	Relations relationstage.Summary

	CacheHit bool
}

// Convert runs the full C1->C8 pipeline for one request, honoring the
// content-addressed cache and the working-directory lock (spec.md §5, §6).
func Convert(ctx context.Context, req Request) (ConversionSummary, error) {
	var sum ConversionSummary

	cacheName, err := CacheFilename(req)
	if err != nil {
		return sum, err
	}
	outPath := filepath.Join(req.OutputDir, cacheName)
	sum.OutputPath = outPath

	if !req.IgnoreCache {
		if _, err := os.Stat(outPath); err == nil {
			sum.CacheHit = true
			return sum, nil
		}
	}

	unlock, err := acquireLock(req.WorkDir)
	if err != nil {
		return sum, err
	}
	defer unlock()

	reporter := req.Reporter
	if reporter == nil {
		reporter = progress.Silent{}
	}

	var geomPred *geomfilter.Predicate
	if req.GeomFilter != nil {
		geomPred, err = geomfilter.Compile(req.GeomFilter)
		if err != nil {
			return sum, err
		}
	}

	universe := tagfilter.NewUniverse()
	tagPred, err := compileTagFilter(ctx, req, universe)
	if err != nil {
		return sum, err
	}

	dbPath := filepath.Join(req.WorkDir, "shards.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return sum, err
	}
	defer st.Close()

	groupSize := groupsched.ChooseGroupSize(groupsched.FreeMemoryMB())

	sum.Nodes, err = nodestage.Run(ctx, req.Source, st, nodestage.Options{
		GeomFilter: geomPred, TagFilter: tagPred, GroupSize: groupSize,
	})
	if err != nil {
		cleanup(st)
		return sum, err
	}

	if err := ingestWaysAndRelations(ctx, req.Source, st, groupSize); err != nil {
		cleanup(st)
		return sum, err
	}

	if ctx.Err() != nil {
		cleanup(st)
		return sum, errs.Wrap(errs.Cancelled, "pipeline", ctx.Err(), "cancelled before stage processing")
	}

	wayGroupCount, err := groupCount(st, "way_refs", "way_id", groupSize)
	if err != nil {
		cleanup(st)
		return sum, err
	}
	sum.Ways, err = waystage.Run(ctx, st, waystage.Options{
		GeomFilter: geomPred, TagFilter: tagPred, Policy: waystage.DefaultPolygonPolicy(), GroupSize: groupSize,
		Concurrency: runtime.GOMAXPROCS(0), Reporter: reporter,
	}, wayGroupCount)
	if err != nil {
		cleanup(st)
		return sum, err
	}

	relGroupCount, err := groupCount(st, "relation_members", "relation_id", groupSize)
	if err != nil {
		cleanup(st)
		return sum, err
	}
	sum.Relations, err = relationstage.Run(ctx, st, relationstage.Options{
		GeomFilter: geomPred, TagFilter: tagPred, GroupSize: groupSize,
		Concurrency: runtime.GOMAXPROCS(0), Reporter: reporter,
	}, relGroupCount)
	if err != nil {
		cleanup(st)
		return sum, err
	}

	if ctx.Err() != nil {
		cleanup(st)
		return sum, errs.Wrap(errs.Cancelled, "pipeline", ctx.Err(), "cancelled before merge")
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		cleanup(st)
		return sum, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "creating output directory")
	}

	tmpPath := outPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		cleanup(st)
		return sum, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "creating output file")
	}

	mergeOpts := merge.DefaultOptions()
	mergeOpts.TagFilter = tagPred
	mergeOpts.Explode = req.Explode
	mergeOpts.KeepAllTags = req.KeepAllTags
	mergeOpts.WKT = req.WKT
	if req.Compression != "" {
		mergeOpts.Compression = req.Compression
	}
	if req.CompressionLevel != 0 {
		mergeOpts.CompressionLevel = req.CompressionLevel
	}
	if req.RowGroupSize != 0 {
		mergeOpts.RowGroupSize = req.RowGroupSize
	}
	mergeOpts.SortResult = req.SortResult && !req.WKT

	if err := merge.Merge([]*store.Store{st}, f, mergeOpts); err != nil {
		f.Close()
		os.Remove(tmpPath)
		cleanup(st)
		return sum, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		cleanup(st)
		return sum, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "closing output file")
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return sum, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "finalizing output file")
	}

	return sum, nil
}

// compileTagFilter builds C1's predicate. A non-nil filter requires a
// one-time scan of every entity's tags to populate the wildcard-expansion
// universe before compilation (spec.md §5, "captured before any worker
// starts"); an unset filter skips the scan entirely.
func compileTagFilter(ctx context.Context, req Request, universe *tagfilter.Universe) (*tagfilter.Predicate, error) {
	if req.TagFilter == nil && req.GroupedTagFilter == nil {
		return nil, nil
	}

	if err := observeUniverse(ctx, req.Source, universe); err != nil {
		return nil, err
	}

	if req.GroupedTagFilter != nil {
		return tagfilter.CompileGrouped(req.GroupedTagFilter, universe)
	}
	return tagfilter.Compile(req.TagFilter, universe)
}

func observeUniverse(ctx context.Context, src entitysource.Source, universe *tagfilter.Universe) error {
	if err := src.Nodes(ctx, func(n entity.Node) error { universe.Observe(n.Tags); return nil }); err != nil {
		return err
	}
	if err := src.Ways(ctx, func(w entity.Way) error { universe.Observe(w.Tags); return nil }); err != nil {
		return err
	}
	return src.Relations(ctx, func(r entity.Relation) error { universe.Observe(r.Tags); return nil })
}

// ingestWaysAndRelations populates way_refs/way_tags and
// relation_members/relation_tags from src, the inputs C4 and C5's
// group-scoped joins read back. Node ingestion is handled separately by
// nodestage.Run, which already scans the node stream once to produce both
// all_nodes_kv and feature_nodes in the same pass.
func ingestWaysAndRelations(ctx context.Context, src entitysource.Source, st *store.Store, groupSize int64) error {
	refWriter := st.NewWayRefWriter()
	tagWriter := st.NewWayTagWriter()
	err := src.Ways(ctx, func(w entity.Way) error {
		groupID := store.GroupOf(w.ID, groupSize)
		for i, ref := range w.Refs {
			if err := refWriter.Write(store.WayRefRow{WayID: w.ID, Ordinal: i, NodeRef: ref, GroupID: groupID}); err != nil {
				return err
			}
		}
		blob, err := w.Tags.Marshal()
		if err != nil {
			return errs.Wrap(errs.InvalidInput, "pipeline", err, "marshaling way tags").WithEntity(w.ID)
		}
		return tagWriter.Write(w.ID, blob, groupID)
	})
	if err != nil {
		return err
	}
	if err := refWriter.Close(); err != nil {
		return err
	}
	if err := tagWriter.Close(); err != nil {
		return err
	}

	memberWriter := st.NewRelationMemberWriter()
	relTagWriter := st.NewRelationTagWriter()
	err = src.Relations(ctx, func(r entity.Relation) error {
		groupID := store.GroupOf(r.ID, groupSize)
		for i, m := range r.Members {
			row := store.RelationMemberRow{
				RelationID: r.ID, Ordinal: i, MemberKind: int(m.Kind), MemberRef: m.Ref, Role: m.Role, GroupID: groupID,
			}
			if err := memberWriter.Write(row); err != nil {
				return err
			}
		}
		blob, err := r.Tags.Marshal()
		if err != nil {
			return errs.Wrap(errs.InvalidInput, "pipeline", err, "marshaling relation tags").WithEntity(r.ID)
		}
		return relTagWriter.Write(r.ID, blob, groupID)
	})
	if err != nil {
		return err
	}
	if err := memberWriter.Close(); err != nil {
		return err
	}
	return relTagWriter.Close()
}

func groupCount(st *store.Store, table, idCol string, g int64) (int64, error) {
	maxID, ok, err := st.MaxID(table, idCol)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return int64(maxID)/g + 1, nil
}

func cleanup(st *store.Store) {
	_ = st.Delete()
}

// CacheFilename computes the content-addressed output filename (spec.md §6):
//
//	{pbf_stem}_{tagfilter_hash|"nofilter"}[_alltags]_{geomfilter_hash|"noclip"}_{"compact"|"exploded"}[_sorted][_wkt].parquet
func CacheFilename(req Request) (string, error) {
	stem := req.SourceLabel
	if stem == "" {
		stem = "osm"
	}

	tagPart := "nofilter"
	if req.TagFilter != nil || req.GroupedTagFilter != nil {
		h, err := hashTagFilter(req.TagFilter, req.GroupedTagFilter)
		if err != nil {
			return "", err
		}
		tagPart = h
	}

	geomPart := "noclip"
	if req.GeomFilter != nil {
		pred, err := geomfilter.Compile(req.GeomFilter)
		if err != nil {
			return "", err
		}
		geomPart = truncatedHash(pred.Fingerprint())
	}

	mode := "compact"
	if req.Explode {
		mode = "exploded"
	}

	parts := []string{stem, tagPart}
	if req.KeepAllTags {
		parts = append(parts, "alltags")
	}
	parts = append(parts, geomPart, mode)
	if req.SortResult && !req.WKT {
		parts = append(parts, "sorted")
	}
	if req.WKT {
		parts = append(parts, "wkt")
	}

	return strings.Join(parts, "_") + ".parquet", nil
}

func hashTagFilter(f tagfilter.Filter, g tagfilter.Grouped) (string, error) {
	var blob []byte
	var err error
	if g != nil {
		blob, err = json.Marshal(canonicalGrouped(g))
	} else {
		blob, err = json.Marshal(canonicalFlat(f))
	}
	if err != nil {
		return "", errs.Wrap(errs.RuntimeFailure, "pipeline", err, "serializing tag filter for cache key")
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:8], nil
}

// canonicalFlat/canonicalGrouped sort keys so the same logical filter always
// serializes identically regardless of map iteration order (spec.md §6
// requires the cache key to be stable across equivalent inputs).
func canonicalFlat(f tagfilter.Filter) []kvSpec {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kvSpec, len(keys))
	for i, k := range keys {
		out[i] = kvSpec{Key: k, Spec: f[k]}
	}
	return out
}

func canonicalGrouped(g tagfilter.Grouped) []groupSpec {
	names := make([]string, 0, len(g))
	for n := range g {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]groupSpec, len(names))
	for i, n := range names {
		out[i] = groupSpec{Name: n, Filter: canonicalFlat(g[n])}
	}
	return out
}

type kvSpec struct {
	Key  string
	Spec tagfilter.ValueSpec
}

type groupSpec struct {
	Name   string
	Filter []kvSpec
}

func truncatedHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func acquireLock(workDir string) (func(), error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "creating working directory")
	}
	lockPath := filepath.Join(workDir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.New(errs.CacheBusy, "pipeline", fmt.Sprintf("working directory %s is locked by another process", workDir))
		}
		return nil, errs.Wrap(errs.RuntimeFailure, "pipeline", err, "acquiring working directory lock")
	}
	f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}
