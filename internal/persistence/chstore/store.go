package chstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/internal/persistence/schema"
	"marketsync/pkg/ingest"
)

// Store implements ingest.Store and ingest.Truncater. ClickHouse has no
// conflict clause, so an upsert reads the stored rows of the batch window,
// merges them with StoredRow.Coalesce and inserts the result; the table
// engine keeps the newest version per ts.
type Store struct {
	db *sql.DB
	// now stamps the version column.
	now func() time.Time

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewStore wraps db. Returns nil when db is nil.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, now: time.Now, ensured: make(map[string]struct{})}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func database(id ingest.StreamID) string {
	return strings.ToLower(id.Venue)
}

func qualified(id ingest.StreamID) string {
	return quoteIdent(database(id)) + "." + quoteIdent(id.Table())
}

func chType(c schema.Column) string {
	base := "Float64"
	switch c.Kind {
	case schema.KindInt:
		base = "Int64"
	case schema.KindText:
		base = "String"
	}
	if c.Authoritative {
		return base
	}
	return "Nullable(" + base + ")"
}

func createDatabaseSQL(id ingest.StreamID) string {
	return "CREATE DATABASE IF NOT EXISTS " + quoteIdent(database(id))
}

func createTableSQL(id ingest.StreamID) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(qualified(id))
	b.WriteString(" (\n")
	for _, c := range schema.Columns() {
		fmt.Fprintf(&b, "    %s %s,\n", c.Name, chType(c))
	}
	b.WriteString("    updated_at DateTime64(3)\n)\n")
	fmt.Fprintf(&b, "ENGINE = ReplacingMergeTree(updated_at)\nORDER BY %s", schema.KeyColumn)
	return b.String()
}

func insertSQL(id ingest.StreamID) string {
	names := append(schema.Names(), "updated_at")
	return fmt.Sprintf("INSERT INTO %s (%s)", qualified(id), strings.Join(names, ", "))
}

func selectWindowSQL(id ingest.StreamID) string {
	return fmt.Sprintf("SELECT %s FROM %s FINAL WHERE %s >= ? AND %s <= ?",
		strings.Join(schema.Names(), ", "), qualified(id), schema.KeyColumn, schema.KeyColumn)
}

func (s *Store) EnsureTable(ctx context.Context, id ingest.StreamID) error {
	key := qualified(id)
	s.mu.Lock()
	_, done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}
	for _, stmt := range []string{createDatabaseSQL(id), createTableSQL(id)} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema %s: %w", key, err)
		}
	}
	s.mu.Lock()
	s.ensured[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) MaxTimestamp(ctx context.Context, id ingest.StreamID) (*int64, error) {
	var (
		latest int64
		count  uint64
	)
	query := fmt.Sprintf("SELECT max(%s), count() FROM %s", schema.KeyColumn, qualified(id))
	if err := s.db.QueryRowContext(ctx, query).Scan(&latest, &count); err != nil {
		return nil, fmt.Errorf("max timestamp: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &latest, nil
}

func (s *Store) existing(ctx context.Context, id ingest.StreamID, from, to int64) (map[int64]ingest.StoredRow, error) {
	rows, err := s.db.QueryContext(ctx, selectWindowSQL(id), from, to)
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]ingest.StoredRow)
	for rows.Next() {
		var r ingest.StoredRow
		if err := rows.Scan(schema.Targets(&r)...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[r.Timestamp] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// UpsertBatch sends the merged batch as one insert block.
func (s *Store) UpsertBatch(ctx context.Context, id ingest.StreamID, rows []ingest.StoredRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	from, to := rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows {
		from, to = min(from, r.Timestamp), max(to, r.Timestamp)
	}
	stored, err := s.existing(ctx, id, from, to)
	if err != nil {
		return 0, err
	}
	merged := make([]ingest.StoredRow, 0, len(rows))
	index := make(map[int64]int, len(rows))
	for _, r := range rows {
		if prev, ok := stored[r.Timestamp]; ok {
			r = r.Coalesce(prev)
		}
		if i, ok := index[r.Timestamp]; ok {
			merged[i] = r.Coalesce(merged[i])
			continue
		}
		index[r.Timestamp] = len(merged)
		merged = append(merged, r)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(id))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	version := s.now().UTC()
	for _, r := range merged {
		args := append(schema.Values(r), version)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("append row ts=%d: %w", r.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		logx.WithContext(ctx).Errorf("chstore: upsert stream=%s rows=%d err=%v", id, len(merged), err)
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(merged), nil
}

func (s *Store) RowCount(ctx context.Context, id ingest.StreamID) (int64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT count() FROM "+qualified(id)+" FINAL").Scan(&n); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (s *Store) Truncate(ctx context.Context, id ingest.StreamID) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE IF EXISTS "+qualified(id))
	return err
}

var (
	_ ingest.Store     = (*Store)(nil)
	_ ingest.Truncater = (*Store)(nil)
)
