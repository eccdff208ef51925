// Package memstore is an in-memory ingest.Store used for dry runs and tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"marketsync/pkg/ingest"
)

// ErrNoTable is returned when a stream's table was never ensured.
var ErrNoTable = errors.New("memstore: table does not exist")

// Store keeps rows per table keyed by timestamp.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[int64]ingest.StoredRow
	// failures holds scripted UpsertBatch errors, consumed in order.
	failures []error
	upserts  int
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]map[int64]ingest.StoredRow)}
}

func tableKey(id ingest.StreamID) string {
	return id.Venue + "." + id.Table()
}

// FailUpserts makes the next len(errs) UpsertBatch calls fail with errs.
func (s *Store) FailUpserts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Upserts returns the number of UpsertBatch calls, failed ones included.
func (s *Store) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *Store) EnsureTable(_ context.Context, id ingest.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(id)
	if _, ok := s.tables[key]; !ok {
		s.tables[key] = make(map[int64]ingest.StoredRow)
	}
	return nil
}

func (s *Store) MaxTimestamp(_ context.Context, id ingest.StreamID) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[tableKey(id)]
	if !ok || len(tbl) == 0 {
		return nil, nil
	}
	var latest int64
	first := true
	for ts := range tbl {
		if first || ts > latest {
			latest, first = ts, false
		}
	}
	return &latest, nil
}

// UpsertBatch applies the whole batch or nothing.
func (s *Store) UpsertBatch(_ context.Context, id ingest.StreamID, rows []ingest.StoredRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return 0, err
	}
	tbl, ok := s.tables[tableKey(id)]
	if !ok {
		return 0, ErrNoTable
	}
	for _, row := range rows {
		if existing, ok := tbl[row.Timestamp]; ok {
			row = row.Coalesce(existing)
		}
		tbl[row.Timestamp] = row
	}
	return len(rows), nil
}

func (s *Store) RowCount(_ context.Context, id ingest.StreamID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tables[tableKey(id)])), nil
}

func (s *Store) Truncate(_ context.Context, id ingest.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(id)
	if _, ok := s.tables[key]; !ok {
		return ErrNoTable
	}
	s.tables[key] = make(map[int64]ingest.StoredRow)
	return nil
}

// Rows returns the stream's rows ordered by timestamp.
func (s *Store) Rows(id ingest.StreamID) []ingest.StoredRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.tables[tableKey(id)]
	out := make([]ingest.StoredRow, 0, len(tbl))
	for _, row := range tbl {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Tables lists the tables that exist, as "venue.table".
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tables))
	for k := range s.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	_ ingest.Store     = (*Store)(nil)
	_ ingest.Truncater = (*Store)(nil)
)
