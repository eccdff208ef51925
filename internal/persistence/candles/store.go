// Package candles persists stream rows in Postgres: one schema per venue,
// one table per stream keyed by open time.
package candles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlc"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"marketsync/internal/persistence/schema"
	"marketsync/pkg/ingest"
)

// maxParams stays under the Postgres bind parameter limit of 65535.
const maxParams = 60000

// Store implements ingest.Store and ingest.Truncater on a go-zero SqlConn.
type Store struct {
	conn sqlx.SqlConn

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewStore wraps conn. Returns nil when conn is nil.
func NewStore(conn sqlx.SqlConn) *Store {
	if conn == nil {
		return nil
	}
	return &Store{conn: conn, ensured: make(map[string]struct{})}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func schemaName(id ingest.StreamID) string {
	return strings.ToLower(id.Venue)
}

func qualified(id ingest.StreamID) string {
	return quoteIdent(schemaName(id)) + "." + quoteIdent(id.Table())
}

func pgType(c schema.Column) string {
	switch c.Kind {
	case schema.KindInt:
		return "BIGINT"
	case schema.KindText:
		return "TEXT"
	default:
		return "DOUBLE PRECISION"
	}
}

func createSchemaSQL(id ingest.StreamID) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(schemaName(id))
}

func createTableSQL(id ingest.StreamID) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(qualified(id))
	b.WriteString(" (\n")
	for _, c := range schema.Columns() {
		b.WriteString("    ")
		b.WriteString(c.Name)
		b.WriteByte(' ')
		b.WriteString(pgType(c))
		switch {
		case c.Name == schema.KeyColumn:
			b.WriteString(" PRIMARY KEY")
		case c.Authoritative:
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	b.WriteString("    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),\n")
	b.WriteString("    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()\n)")
	return b.String()
}

// upsertSQL builds a multi-row upsert for n rows. OHLCV is overwritten;
// every other column keeps its stored value when the incoming one is NULL.
func upsertSQL(id ingest.StreamID, n int) string {
	cols := schema.Columns()
	names := schema.Names()
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified(id))
	b.WriteString(" AS t (")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(") VALUES ")
	param := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", param)
			param++
		}
		b.WriteByte(')')
	}
	b.WriteString("\nON CONFLICT (")
	b.WriteString(schema.KeyColumn)
	b.WriteString(") DO UPDATE SET\n")
	for _, c := range cols {
		if c.Name == schema.KeyColumn {
			continue
		}
		if c.Authoritative {
			fmt.Fprintf(&b, "    %s = EXCLUDED.%s,\n", c.Name, c.Name)
		} else {
			fmt.Fprintf(&b, "    %s = COALESCE(EXCLUDED.%s, t.%s),\n", c.Name, c.Name, c.Name)
		}
	}
	b.WriteString("    updated_at = NOW()")
	return b.String()
}

// chunkSize is the number of rows per statement.
func chunkSize() int {
	return maxParams / len(schema.Names())
}

// dedupe keeps one row per timestamp, ordered by timestamp. Later rows win
// field-wise, matching what sequential upserts would store.
func dedupe(rows []ingest.StoredRow) []ingest.StoredRow {
	byTS := make(map[int64]int, len(rows))
	out := make([]ingest.StoredRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := byTS[r.Timestamp]; ok {
			out[i] = r.Coalesce(out[i])
			continue
		}
		byTS[r.Timestamp] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *Store) EnsureTable(ctx context.Context, id ingest.StreamID) error {
	key := qualified(id)
	s.mu.Lock()
	_, done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}
	if _, err := s.conn.ExecCtx(ctx, createSchemaSQL(id)); err != nil {
		return fmt.Errorf("create schema %s: %w", schemaName(id), err)
	}
	if _, err := s.conn.ExecCtx(ctx, createTableSQL(id)); err != nil {
		return fmt.Errorf("create table %s: %w", key, err)
	}
	s.mu.Lock()
	s.ensured[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) MaxTimestamp(ctx context.Context, id ingest.StreamID) (*int64, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT 1", schema.KeyColumn, qualified(id), schema.KeyColumn)
	var ts int64
	if err := s.conn.QueryRowCtx(ctx, &ts, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// UpsertBatch writes all rows in one transaction; a failure rolls back the
// whole batch.
func (s *Store) UpsertBatch(ctx context.Context, id ingest.StreamID, rows []ingest.StoredRow) (int, error) {
	rows = dedupe(rows)
	if len(rows) == 0 {
		return 0, nil
	}
	size := chunkSize()
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for start := 0; start < len(rows); start += size {
			end := min(start+size, len(rows))
			chunk := rows[start:end]
			args := make([]any, 0, len(chunk)*len(schema.Names()))
			for _, r := range chunk {
				args = append(args, schema.Values(r)...)
			}
			if _, err := session.ExecCtx(ctx, upsertSQL(id, len(chunk)), args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logx.WithContext(ctx).Errorf("candles: upsert stream=%s rows=%d err=%v", id, len(rows), err)
		return 0, err
	}
	return len(rows), nil
}

func (s *Store) RowCount(ctx context.Context, id ingest.StreamID) (int64, error) {
	var n int64
	if err := s.conn.QueryRowCtx(ctx, &n, "SELECT COUNT(*) FROM "+qualified(id)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Truncate(ctx context.Context, id ingest.StreamID) error {
	_, err := s.conn.ExecCtx(ctx, "TRUNCATE TABLE "+qualified(id))
	return err
}

var (
	_ ingest.Store     = (*Store)(nil)
	_ ingest.Truncater = (*Store)(nil)
)
