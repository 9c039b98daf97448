// Package merge implements C8, the Output Merger: reading the C3/C4/C5
// feature shards back out of one or more stores, deduplicating by
// feature_id in (relation, way, node) priority order, pivoting tags to
// columns in exploded mode, optionally Hilbert-sorting by centroid, and
// writing the final GeoParquet file. Grounded directly on
// other_examples/8302c2c1_planetlabs-gpq's internal/geoparquet package: the
// same Metadata/GeometryColumn shape, the same GenericWriter-wraps-
// key/value-metadata pattern, and github.com/segmentio/parquet-go as the
// writer library (the only Parquet-writing dependency present in the
// example corpus).
package merge

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/segmentio/parquet-go"
	"github.com/segmentio/parquet-go/compress"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
	"github.com/MeKo-Tech/osm2gpq/internal/store"
	"github.com/MeKo-Tech/osm2gpq/internal/tagfilter"
)

// GeoParquet 1.0 metadata constants (spec.md §6, "Output format").
const (
	geoVersion     = "1.0.0"
	geoMetadataKey = "geo"
	encodingWKB    = "WKB"
	encodingWKT    = "WKT"
	primaryColumn  = "geometry"
)

// Metadata is the file-level "geo" key/value metadata block.
type Metadata struct {
	Version       string                     `json:"version"`
	PrimaryColumn string                     `json:"primary_column"`
	Columns       map[string]*GeometryColumn `json:"columns"`
}

// GeometryColumn describes one geometry column's encoding, CRS, bbox and
// observed geometry types (spec.md §6).
type GeometryColumn struct {
	Encoding      string    `json:"encoding"`
	GeometryTypes []string  `json:"geometry_types"`
	CRS           string    `json:"crs,omitempty"`
	Bounds        []float64 `json:"bbox,omitempty"`
}

// Options configures one merge run (spec.md §4.8, §6.6).
type Options struct {
	TagFilter       *tagfilter.Predicate // nil => compact mode's tags column carries full tags
	Explode         bool                 // pivot tags to columns; projection set from TagFilter
	KeepAllTags     bool                 // preserve full tags column alongside exploded columns
	SortResult       bool   // Hilbert sort by centroid; forced off for WKT output
	WKT              bool   // emit geometry as WKT text instead of WKB binary
	Compression      string // snappy|zstd|gzip|none
	CompressionLevel int    // not applied: codecFor uses each codec's default level
	RowGroupSize     int
}

// DefaultOptions mirrors spec.md §6.6's stated defaults.
func DefaultOptions() Options {
	return Options{
		SortResult:       true,
		Compression:      "zstd",
		CompressionLevel: 3,
		RowGroupSize:     100_000,
	}
}

// featureRecord is the merge's in-memory row shape, read back from the
// stores' feature_* shards before dedup/sort/write.
type featureRecord struct {
	featureID string
	kind      entity.Kind
	geometry  orb.Geometry
	tags      entity.Tags
}

// Merge reads feature_relations, feature_ways, feature_nodes from each store
// (normally just one, but multi-extract conversions pass several), dedups,
// optionally sorts, and writes a GeoParquet file to w (spec.md §4.8).
func Merge(stores []*store.Store, w io.Writer, opts Options) error {
	records, err := collect(stores)
	if err != nil {
		return err
	}

	if opts.SortResult && !opts.WKT {
		sortByHilbert(records)
	} else {
		sort.Slice(records, func(i, j int) bool { return records[i].featureID < records[j].featureID })
	}

	return write(records, w, opts)
}

// collect reads every store's three feature tables in (relation, way, node)
// priority order and dedups by feature_id, first occurrence wins (spec.md
// §4.8 step 2). feature_id already carries a kind prefix so collisions only
// arise from merging multiple stores that both produced a row for the same
// entity (e.g. a shared border way across extracts).
func collect(stores []*store.Store) ([]featureRecord, error) {
	seen := map[string]struct{}{}
	var out []featureRecord

	tables := []struct {
		name string
		kind entity.Kind
	}{
		{"feature_relations", entity.KindRelation},
		{"feature_ways", entity.KindWay},
		{"feature_nodes", entity.KindNode},
	}

	for _, tbl := range tables {
		for _, st := range stores {
			err := st.AllFeatures(tbl.name, func(r store.FeatureRow) error {
				if _, dup := seen[r.FeatureID]; dup {
					return nil
				}
				seen[r.FeatureID] = struct{}{}

				geom, err := wkb.Unmarshal(r.WKB)
				if err != nil {
					return errs.Wrap(errs.RuntimeFailure, "merge", err, "decoding shard geometry").WithEntity(r.ID)
				}
				tags, err := entity.UnmarshalTags(r.Tags)
				if err != nil {
					return errs.Wrap(errs.RuntimeFailure, "merge", err, "decoding shard tags").WithEntity(r.ID)
				}
				out = append(out, featureRecord{featureID: r.FeatureID, kind: tbl.kind, geometry: geom, tags: tags})
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func write(records []featureRecord, w io.Writer, opts Options) error {
	if opts.Explode {
		return writeExploded(records, w, opts)
	}
	return writeCompact(records, w, opts)
}

type compactRow struct {
	FeatureID string            `parquet:"feature_id"`
	Geometry  []byte            `parquet:"geometry"`
	Tags      map[string]string `parquet:"tags,optional"`
}

func writeCompact(records []featureRecord, w io.Writer, opts Options) error {
	codec, err := codecFor(opts.Compression)
	if err != nil {
		return err
	}

	writer := parquet.NewGenericWriter[compactRow](w,
		parquet.Compression(codec),
		parquet.MaxRowsPerRowGroup(int64(rowGroupSize(opts))))

	meta := &Metadata{
		Version:       geoVersion,
		PrimaryColumn: primaryColumn,
		Columns:       map[string]*GeometryColumn{primaryColumn: {Encoding: encodingForOpts(opts), CRS: "EPSG:4326"}},
	}
	var bound *orb.Bound
	types := map[string]bool{}

	rows := make([]compactRow, 0, len(records))
	for _, rec := range records {
		geomBytes, err := encodeGeometry(rec.geometry, opts)
		if err != nil {
			return err
		}
		rows = append(rows, compactRow{FeatureID: rec.featureID, Geometry: geomBytes, Tags: map[string]string(rec.tags)})
		accumulate(&bound, types, rec.geometry)
	}
	if _, err := writer.Write(rows); err != nil {
		return errs.Wrap(errs.RuntimeFailure, "merge", err, "writing parquet rows")
	}

	finalizeMetadata(meta, bound, types)
	return closeWithMetadata(writer, meta)
}

func writeExploded(records []featureRecord, w io.Writer, opts Options) error {
	codec, err := codecFor(opts.Compression)
	if err != nil {
		return err
	}

	keys := []string{}
	if opts.TagFilter != nil {
		keys = opts.TagFilter.ProjectionKeys()
	}

	schema := buildExplodedSchema(keys, opts.KeepAllTags)
	writer := parquet.NewWriter(w, schema,
		parquet.Compression(codec),
		parquet.MaxRowsPerRowGroup(int64(rowGroupSize(opts))))

	meta := &Metadata{
		Version:       geoVersion,
		PrimaryColumn: primaryColumn,
		Columns:       map[string]*GeometryColumn{primaryColumn: {Encoding: encodingForOpts(opts), CRS: "EPSG:4326"}},
	}
	var bound *orb.Bound
	types := map[string]bool{}

	for _, rec := range records {
		geomBytes, err := encodeGeometry(rec.geometry, opts)
		if err != nil {
			return err
		}
		row := buildExplodedRow(schema, rec, geomBytes, keys, opts.TagFilter, opts.KeepAllTags)
		if _, err := writer.WriteRows([]parquet.Row{row}); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "merge", err, "writing exploded parquet row")
		}
		accumulate(&bound, types, rec.geometry)
	}

	finalizeMetadata(meta, bound, types)
	return closeWithMetadata(writer, meta)
}

// buildExplodedSchema constructs feature_id, geometry, one nullable string
// column per projected key (spec.md §4.8 step 3), plus an optional
// JSON-encoded full tags string column when keep_all_tags is set.
func buildExplodedSchema(keys []string, keepAllTags bool) *parquet.Schema {
	group := parquet.Group{
		"feature_id": parquet.String(),
		"geometry":   parquet.Leaf(parquet.ByteArrayType, &parquet.Plain),
	}
	for _, k := range keys {
		group[k] = parquet.Optional(parquet.String())
	}
	if keepAllTags {
		// Kept as a JSON-encoded string rather than a nested MAP column so the
		// row builder below can stay a flat name->value lookup.
		group["tags"] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema("feature", group)
}

func buildExplodedRow(schema *parquet.Schema, rec featureRecord, geomBytes []byte, keys []string, pred *tagfilter.Predicate, keepAllTags bool) parquet.Row {
	values := map[string]any{
		"feature_id": rec.featureID,
		"geometry":   geomBytes,
	}
	for _, k := range keys {
		if pred != nil {
			if v, ok := pred.CellValue(k, rec.tags); ok {
				values[k] = v
			}
		}
	}
	if keepAllTags {
		if blob, err := rec.tags.Marshal(); err == nil && blob != nil {
			values["tags"] = string(blob)
		}
	}

	row := make(parquet.Row, 0, len(schema.Columns()))
	for _, col := range schema.Columns() {
		name := col[len(col)-1]
		row = append(row, parquet.ValueOf(values[name]))
	}
	return row
}

func encodeGeometry(geom orb.Geometry, opts Options) ([]byte, error) {
	if opts.WKT {
		return []byte(wkt.MarshalString(geom)), nil
	}
	b, err := wkb.Marshal(geom)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "merge", err, "encoding output geometry as wkb")
	}
	return b, nil
}

func encodingForOpts(opts Options) string {
	if opts.WKT {
		return encodingWKT
	}
	return encodingWKB
}

func accumulate(bound **orb.Bound, types map[string]bool, geom orb.Geometry) {
	b := geom.Bound()
	if *bound == nil {
		*bound = &b
	} else {
		union := (*bound).Union(b)
		*bound = &union
	}
	types[geom.GeoJSONType()] = true
}

func finalizeMetadata(meta *Metadata, bound *orb.Bound, types map[string]bool) {
	col := meta.Columns[primaryColumn]
	if bound != nil {
		col.Bounds = []float64{bound.Left(), bound.Bottom(), bound.Right(), bound.Top()}
	}
	for t := range types {
		col.GeometryTypes = append(col.GeometryTypes, t)
	}
	sort.Strings(col.GeometryTypes)
}

type metadataWriter interface {
	SetKeyValueMetadata(key, value string)
	Close() error
}

func closeWithMetadata(writer metadataWriter, meta *Metadata) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "merge", err, "marshaling geo metadata")
	}
	writer.SetKeyValueMetadata(geoMetadataKey, string(blob))
	if err := writer.Close(); err != nil {
		return errs.Wrap(errs.RuntimeFailure, "merge", err, "closing parquet writer")
	}
	return nil
}

func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, errs.New(errs.InvalidInput, "merge", "unknown compression codec "+name)
	}
}

func rowGroupSize(opts Options) int {
	if opts.RowGroupSize > 0 {
		return opts.RowGroupSize
	}
	return 100_000
}
