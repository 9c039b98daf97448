// Package store is the on-disk, SQLite-backed columnar shard store C3-C5
// join and stage through (spec.md §5, "All node/way lookup tables are on
// disk; no shared memory caches across tasks"). It is adapted from the
// teacher's batched-transaction MBTiles writer (internal/mbtiles/writer.go):
// same WAL pragmas, same buffer-then-flush-in-a-transaction shape, same
// INSERT OR REPLACE idempotency, generalized from "tile blob keyed by z/x/y"
// to "row keyed by entity id, partitioned by group_id = floor(id/G)".
package store

import (
	"database/sql"
	"os"

	_ "modernc.org/sqlite"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

// DefaultBatchSize follows the teacher's batched-insert pattern; shard rows
// are small (ids, floats, short tag blobs) so a larger batch amortizes
// transaction overhead better than the teacher's 100-tile image batches.
const DefaultBatchSize = 5000

// Store owns one SQLite database file backing a single conversion run's
// intermediate shards. Callers open one Store per working directory.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (or reopens) the shard database at path and ensures schema.
//
// Way and relation groups are flushed concurrently (groupsched fans out one
// goroutine per in-flight group), each opening its own write transaction
// against db. WAL allows concurrent readers but still serializes writers at
// the SQLite level, so db's connection pool is pinned to a single open
// connection: database/sql then queues concurrent callers on that one
// connection instead of handing a second writer to the driver, which would
// otherwise fail fast with "database is locked". PRAGMA busy_timeout is set
// as a second line of defense for any statement issued outside that pool
// (e.g. a future caller holding its own *sql.DB).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "opening shard database")
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 50000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "setting pragma "+p)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS all_nodes_kv (
			id INTEGER PRIMARY KEY,
			lon REAL NOT NULL,
			lat REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feature_nodes (
			feature_id TEXT PRIMARY KEY,
			id INTEGER NOT NULL,
			lon REAL NOT NULL,
			lat REAL NOT NULL,
			tags BLOB,
			group_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS feature_nodes_group ON feature_nodes(group_id);

		CREATE TABLE IF NOT EXISTS way_refs (
			way_id INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			node_ref INTEGER NOT NULL,
			group_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS way_refs_way ON way_refs(way_id, ordinal);
		CREATE INDEX IF NOT EXISTS way_refs_group ON way_refs(group_id);

		CREATE TABLE IF NOT EXISTS way_tags (
			way_id INTEGER PRIMARY KEY,
			tags BLOB,
			group_id INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS way_linestrings_kv (
			id INTEGER PRIMARY KEY,
			wkb BLOB NOT NULL,
			is_polygon INTEGER NOT NULL,
			group_id INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feature_ways (
			feature_id TEXT PRIMARY KEY,
			id INTEGER NOT NULL,
			wkb BLOB NOT NULL,
			tags BLOB,
			group_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS feature_ways_group ON feature_ways(group_id);

		CREATE TABLE IF NOT EXISTS relation_members (
			relation_id INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			member_kind INTEGER NOT NULL,
			member_ref INTEGER NOT NULL,
			role TEXT NOT NULL,
			group_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS relation_members_rel ON relation_members(relation_id, ordinal);
		CREATE INDEX IF NOT EXISTS relation_members_group ON relation_members(group_id);

		CREATE TABLE IF NOT EXISTS relation_tags (
			relation_id INTEGER PRIMARY KEY,
			tags BLOB,
			group_id INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feature_relations (
			feature_id TEXT PRIMARY KEY,
			id INTEGER NOT NULL,
			wkb BLOB NOT NULL,
			tags BLOB,
			group_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS feature_relations_group ON feature_relations(group_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "creating shard schema")
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the backing file path, for cache-busy lock diagnostics.
func (s *Store) Path() string { return s.path }

// Delete removes the backing database file and its WAL/SHM siblings; used on
// cancellation to drop partial shards (spec.md §5, "partial shards are
// deleted").
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = removeIfExists(s.path + suffix)
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearWayOutputs truncates the way stage's two output tables, used before
// an adaptive-down-scaling retry reprocesses every group from scratch
// (spec.md §4.6).
func (s *Store) ClearWayOutputs() error {
	if _, err := s.db.Exec("DELETE FROM way_linestrings_kv"); err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "clearing way_linestrings_kv")
	}
	if _, err := s.db.Exec("DELETE FROM feature_ways"); err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "clearing feature_ways")
	}
	return nil
}

// ClearRelationOutputs truncates the relation stage's output table, used
// before an adaptive-down-scaling retry.
func (s *Store) ClearRelationOutputs() error {
	_, err := s.db.Exec("DELETE FROM feature_relations")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "clearing relation stage outputs")
	}
	return nil
}

// GroupOf computes the partition id for an entity id under group size g
// (spec.md §4.6: "group_id = floor(entity_id / G)").
func GroupOf(id uint64, g int64) int64 {
	if g <= 0 {
		return 0
	}
	return int64(id) / g
}

// batch buffers rows of one table and flushes them in a single transaction
// once full, mirroring the teacher's Writer.flushLocked pattern.
type batch[T any] struct {
	rows  []T
	limit int
	flush func([]T) error
}

func newBatch[T any](limit int, flush func([]T) error) *batch[T] {
	return &batch[T]{rows: make([]T, 0, limit), limit: limit, flush: flush}
}

func (b *batch[T]) add(row T) error {
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.limit {
		return b.drain()
	}
	return nil
}

func (b *batch[T]) drain() error {
	if len(b.rows) == 0 {
		return nil
	}
	if err := b.flush(b.rows); err != nil {
		return err
	}
	b.rows = b.rows[:0]
	return nil
}

// NodeWriter batches writes into all_nodes_kv.
type NodeWriter struct {
	s *batch[entity.Node]
	g int64
	db *sql.DB
}

// NewNodeWriter opens a batched writer for the all_nodes_kv table.
func (st *Store) NewNodeWriter(groupSize int64) *NodeWriter {
	w := &NodeWriter{g: groupSize, db: st.db}
	w.s = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *NodeWriter) Write(n entity.Node) error { return w.s.add(n) }
func (w *NodeWriter) Close() error              { return w.s.drain() }

func (w *NodeWriter) flush(rows []entity.Node) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin all_nodes_kv tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO all_nodes_kv (id, lon, lat) VALUES (?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare all_nodes_kv insert")
	}
	defer stmt.Close()

	for _, n := range rows {
		if _, err := stmt.Exec(int64(n.ID), n.Lon, n.Lat); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert all_nodes_kv row")
		}
	}
	return tx.Commit()
}

// LookupNode resolves a single node id to (lon, lat).
func (s *Store) LookupNode(id uint64) (lon, lat float64, ok bool, err error) {
	row := s.db.QueryRow("SELECT lon, lat FROM all_nodes_kv WHERE id = ?", int64(id))
	err = row.Scan(&lon, &lat)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, errs.Wrap(errs.RuntimeFailure, "store", err, "lookup node")
	}
	return lon, lat, true, nil
}

// LookupNodesInGroup returns all node coordinates whose id falls in
// [groupID*g, (groupID+1)*g), for a group-scoped join (spec.md §4.4 step 2).
func (s *Store) LookupNodesInGroup(groupID, g int64) (map[uint64][2]float64, error) {
	lo := groupID * g
	hi := lo + g
	rows, err := s.db.Query("SELECT id, lon, lat FROM all_nodes_kv WHERE id >= ? AND id < ?", lo, hi)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query all_nodes_kv group")
	}
	defer rows.Close()

	out := map[uint64][2]float64{}
	for rows.Next() {
		var id int64
		var lon, lat float64
		if err := rows.Scan(&id, &lon, &lat); err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan all_nodes_kv row")
		}
		out[uint64(id)] = [2]float64{lon, lat}
	}
	return out, rows.Err()
}

func (s *Store) DB() *sql.DB { return s.db }
