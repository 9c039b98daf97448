package store

import (
	"database/sql"

	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

// WayRefRow is one (way_id, ordinal, node_ref) tuple, the flattened form C4
// step 1 loads per group (spec.md §4.4).
type WayRefRow struct {
	WayID   uint64
	Ordinal int
	NodeRef uint64
	GroupID int64
}

// WayRefWriter batches writes into way_refs.
type WayRefWriter struct {
	b  *batch[WayRefRow]
	db *sql.DB
}

func (st *Store) NewWayRefWriter() *WayRefWriter {
	w := &WayRefWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *WayRefWriter) Write(r WayRefRow) error { return w.b.add(r) }
func (w *WayRefWriter) Close() error            { return w.b.drain() }

func (w *WayRefWriter) flush(rows []WayRefRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin way_refs tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT INTO way_refs (way_id, ordinal, node_ref, group_id) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare way_refs insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(int64(r.WayID), r.Ordinal, int64(r.NodeRef), r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert way_refs row")
		}
	}
	return tx.Commit()
}

// WayRefsInGroup returns, for every way in [groupID*g, (groupID+1)*g), its
// ordered node-ref list (spec.md §4.4 steps 1-3).
func (s *Store) WayRefsInGroup(groupID, g int64) (map[uint64][]uint64, error) {
	lo, hi := groupID*g, groupID*g+g
	rows, err := s.db.Query(
		"SELECT way_id, ordinal, node_ref FROM way_refs WHERE way_id >= ? AND way_id < ? ORDER BY way_id, ordinal",
		lo, hi)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query way_refs group")
	}
	defer rows.Close()

	out := map[uint64][]uint64{}
	for rows.Next() {
		var wayID int64
		var ordinal int
		var nodeRef int64
		if err := rows.Scan(&wayID, &ordinal, &nodeRef); err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan way_refs row")
		}
		out[uint64(wayID)] = append(out[uint64(wayID)], uint64(nodeRef))
	}
	return out, rows.Err()
}

// WayTagWriter batches writes into way_tags (serialized tags, see
// entity.Tags.Marshal).
type WayTagWriter struct {
	b  *batch[wayTagRow]
	db *sql.DB
}

type wayTagRow struct {
	WayID   uint64
	Tags    []byte
	GroupID int64
}

func (st *Store) NewWayTagWriter() *WayTagWriter {
	w := &WayTagWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *WayTagWriter) Write(wayID uint64, tagsBlob []byte, groupID int64) error {
	return w.b.add(wayTagRow{WayID: wayID, Tags: tagsBlob, GroupID: groupID})
}
func (w *WayTagWriter) Close() error { return w.b.drain() }

func (w *WayTagWriter) flush(rows []wayTagRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin way_tags tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO way_tags (way_id, tags, group_id) VALUES (?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare way_tags insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(int64(r.WayID), r.Tags, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert way_tags row")
		}
	}
	return tx.Commit()
}

func (s *Store) WayTagsInGroup(groupID, g int64) (map[uint64][]byte, error) {
	lo, hi := groupID*g, groupID*g+g
	rows, err := s.db.Query("SELECT way_id, tags FROM way_tags WHERE way_id >= ? AND way_id < ?", lo, hi)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query way_tags group")
	}
	defer rows.Close()

	out := map[uint64][]byte{}
	for rows.Next() {
		var id int64
		var tags []byte
		if err := rows.Scan(&id, &tags); err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan way_tags row")
		}
		out[uint64(id)] = tags
	}
	return out, rows.Err()
}

// WayLinestringRow is a C4-produced geometry for C5 consumption.
type WayLinestringRow struct {
	ID        uint64
	WKB       []byte
	IsPolygon bool
	GroupID   int64
}

type WayLinestringWriter struct {
	b  *batch[WayLinestringRow]
	db *sql.DB
}

func (st *Store) NewWayLinestringWriter() *WayLinestringWriter {
	w := &WayLinestringWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *WayLinestringWriter) Write(r WayLinestringRow) error { return w.b.add(r) }
func (w *WayLinestringWriter) Close() error                   { return w.b.drain() }

func (w *WayLinestringWriter) flush(rows []WayLinestringRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin way_linestrings_kv tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO way_linestrings_kv (id, wkb, is_polygon, group_id) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare way_linestrings_kv insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		isPoly := 0
		if r.IsPolygon {
			isPoly = 1
		}
		if _, err := stmt.Exec(int64(r.ID), r.WKB, isPoly, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert way_linestrings_kv row")
		}
	}
	return tx.Commit()
}

// LookupWayLinestrings resolves a set of way ids (relation members) to their
// C4-built geometry (spec.md §4.5 step 1).
func (s *Store) LookupWayLinestrings(ids []uint64) (map[uint64]WayLinestringRow, error) {
	out := map[uint64]WayLinestringRow{}
	if len(ids) == 0 {
		return out, nil
	}
	// SQLite has a default parameter limit; chunk lookups defensively.
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		placeholders, args := inClause(ids[start:end])
		rows, err := s.db.Query(
			"SELECT id, wkb, is_polygon, group_id FROM way_linestrings_kv WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query way_linestrings_kv")
		}
		for rows.Next() {
			var id int64
			var wkb []byte
			var isPoly int
			var groupID int64
			if err := rows.Scan(&id, &wkb, &isPoly, &groupID); err != nil {
				rows.Close()
				return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan way_linestrings_kv row")
			}
			out[uint64(id)] = WayLinestringRow{ID: uint64(id), WKB: wkb, IsPolygon: isPoly != 0, GroupID: groupID}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func inClause(ids []uint64) (string, []any) {
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = int64(id)
	}
	return string(placeholders), args
}

// FeatureRow is a generic feature-shard row shared by feature_nodes,
// feature_ways and feature_relations.
type FeatureRow struct {
	FeatureID string
	ID        uint64
	WKB       []byte
	Tags      []byte
	GroupID   int64
}

// FeatureWriter batches writes into one of the three feature_* tables.
type FeatureWriter struct {
	table string
	b     *batch[FeatureRow]
	db    *sql.DB
}

func (st *Store) newFeatureWriter(table string) *FeatureWriter {
	w := &FeatureWriter{table: table, db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (st *Store) NewFeatureWayWriter() *FeatureWriter { return st.newFeatureWriter("feature_ways") }
func (st *Store) NewFeatureRelationWriter() *FeatureWriter {
	return st.newFeatureWriter("feature_relations")
}

func (w *FeatureWriter) Write(r FeatureRow) error { return w.b.add(r) }
func (w *FeatureWriter) Close() error             { return w.b.drain() }

func (w *FeatureWriter) flush(rows []FeatureRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin "+w.table+" tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO " + w.table + " (feature_id, id, wkb, tags, group_id) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare "+w.table+" insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.FeatureID, int64(r.ID), r.WKB, r.Tags, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert "+w.table+" row")
		}
	}
	return tx.Commit()
}

// AllFeatures streams every row from one of the feature_* tables plus
// feature_nodes's lon/lat-shaped table, in feature_id order, for C8 merge.
func (s *Store) AllFeatures(table string, yield func(FeatureRow) error) error {
	var rows *sql.Rows
	var err error
	if table == "feature_nodes" {
		rows, err = s.db.Query("SELECT feature_id, id, lon, lat, tags, group_id FROM feature_nodes ORDER BY feature_id")
	} else {
		rows, err = s.db.Query("SELECT feature_id, id, wkb, tags, group_id FROM " + table + " ORDER BY feature_id")
	}
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "query "+table)
	}
	defer rows.Close()

	for rows.Next() {
		var r FeatureRow
		var id int64
		if table == "feature_nodes" {
			var lon, lat float64
			if err := rows.Scan(&r.FeatureID, &id, &lon, &lat, &r.Tags, &r.GroupID); err != nil {
				return errs.Wrap(errs.RuntimeFailure, "store", err, "scan feature_nodes row")
			}
			r.WKB = encodePointWKB(lon, lat)
		} else {
			if err := rows.Scan(&r.FeatureID, &id, &r.WKB, &r.Tags, &r.GroupID); err != nil {
				return errs.Wrap(errs.RuntimeFailure, "store", err, "scan "+table+" row")
			}
		}
		r.ID = uint64(id)
		if err := yield(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FeatureNodeWriter batches writes into feature_nodes (point geometry is
// stored as raw lon/lat, not WKB, to avoid re-encoding on every row).
type FeatureNodeWriter struct {
	b  *batch[FeatureNodeRow]
	db *sql.DB
}

type FeatureNodeRow struct {
	FeatureID string
	ID        uint64
	Lon, Lat  float64
	Tags      []byte
	GroupID   int64
}

func (st *Store) NewFeatureNodeWriter() *FeatureNodeWriter {
	w := &FeatureNodeWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *FeatureNodeWriter) Write(r FeatureNodeRow) error { return w.b.add(r) }
func (w *FeatureNodeWriter) Close() error                 { return w.b.drain() }

func (w *FeatureNodeWriter) flush(rows []FeatureNodeRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin feature_nodes tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO feature_nodes (feature_id, id, lon, lat, tags, group_id) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare feature_nodes insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.FeatureID, int64(r.ID), r.Lon, r.Lat, r.Tags, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert feature_nodes row")
		}
	}
	return tx.Commit()
}

// RelationMemberRow is one flattened relation-member tuple for C5 step 1.
type RelationMemberRow struct {
	RelationID uint64
	Ordinal    int
	MemberKind int
	MemberRef  uint64
	Role       string
	GroupID    int64
}

type RelationMemberWriter struct {
	b  *batch[RelationMemberRow]
	db *sql.DB
}

func (st *Store) NewRelationMemberWriter() *RelationMemberWriter {
	w := &RelationMemberWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *RelationMemberWriter) Write(r RelationMemberRow) error { return w.b.add(r) }
func (w *RelationMemberWriter) Close() error                    { return w.b.drain() }

func (w *RelationMemberWriter) flush(rows []RelationMemberRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin relation_members tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT INTO relation_members (relation_id, ordinal, member_kind, member_ref, role, group_id) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare relation_members insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(int64(r.RelationID), r.Ordinal, r.MemberKind, int64(r.MemberRef), r.Role, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert relation_members row")
		}
	}
	return tx.Commit()
}

func (s *Store) RelationMembersInGroup(groupID, g int64) (map[uint64][]RelationMemberRow, error) {
	lo, hi := groupID*g, groupID*g+g
	rows, err := s.db.Query(
		"SELECT relation_id, ordinal, member_kind, member_ref, role FROM relation_members WHERE relation_id >= ? AND relation_id < ? ORDER BY relation_id, ordinal",
		lo, hi)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query relation_members group")
	}
	defer rows.Close()

	out := map[uint64][]RelationMemberRow{}
	for rows.Next() {
		var relID int64
		var m RelationMemberRow
		var memberRef int64
		if err := rows.Scan(&relID, &m.Ordinal, &m.MemberKind, &memberRef, &m.Role); err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan relation_members row")
		}
		m.RelationID = uint64(relID)
		m.MemberRef = uint64(memberRef)
		out[uint64(relID)] = append(out[uint64(relID)], m)
	}
	return out, rows.Err()
}

// RelationTagWriter batches writes into relation_tags.
type RelationTagWriter struct {
	b  *batch[relationTagRow]
	db *sql.DB
}

type relationTagRow struct {
	RelationID uint64
	Tags       []byte
	GroupID    int64
}

func (st *Store) NewRelationTagWriter() *RelationTagWriter {
	w := &RelationTagWriter{db: st.db}
	w.b = newBatch(DefaultBatchSize, w.flush)
	return w
}

func (w *RelationTagWriter) Write(relID uint64, tagsBlob []byte, groupID int64) error {
	return w.b.add(relationTagRow{RelationID: relID, Tags: tagsBlob, GroupID: groupID})
}
func (w *RelationTagWriter) Close() error { return w.b.drain() }

func (w *RelationTagWriter) flush(rows []relationTagRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "begin relation_tags tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO relation_tags (relation_id, tags, group_id) VALUES (?, ?, ?)")
	if err != nil {
		return errs.Wrap(errs.RuntimeFailure, "store", err, "prepare relation_tags insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(int64(r.RelationID), r.Tags, r.GroupID); err != nil {
			return errs.Wrap(errs.RuntimeFailure, "store", err, "insert relation_tags row")
		}
	}
	return tx.Commit()
}

func (s *Store) RelationTagsInGroup(groupID, g int64) (map[uint64][]byte, error) {
	lo, hi := groupID*g, groupID*g+g
	rows, err := s.db.Query("SELECT relation_id, tags FROM relation_tags WHERE relation_id >= ? AND relation_id < ?", lo, hi)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "query relation_tags group")
	}
	defer rows.Close()

	out := map[uint64][]byte{}
	for rows.Next() {
		var id int64
		var tags []byte
		if err := rows.Scan(&id, &tags); err != nil {
			return nil, errs.Wrap(errs.RuntimeFailure, "store", err, "scan relation_tags row")
		}
		out[uint64(id)] = tags
	}
	return out, rows.Err()
}

// MaxID scans a table's id column for the highest partitionable id, used
// by the pipeline orchestrator to enumerate groups for a stage.
func (s *Store) MaxID(table, idCol string) (uint64, bool, error) {
	row := s.db.QueryRow("SELECT MAX(" + idCol + ") FROM " + table)
	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return 0, false, errs.Wrap(errs.RuntimeFailure, "store", err, "max id query on "+table)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}
