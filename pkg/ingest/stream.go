package ingest

import (
	"context"
	"fmt"
	"strings"

	"marketsync/pkg/venue"
)

// StreamID identifies one unit of ingestion.
type StreamID struct {
	Venue     string
	Category  venue.Category
	Symbol    string
	Timeframe string
}

// Key is the stream key used inside the venue's checkpoint subtree.
func (s StreamID) Key() string {
	return fmt.Sprintf("%s_%s_%s", s.Category, s.Symbol, s.Timeframe)
}

// Table is the storage table name within the venue's schema, e.g.
// "swap_BTC_USDC_USDC_tf_1h". Timeframe case is preserved so that 1m and
// 1M stay distinct.
func (s StreamID) Table() string {
	return fmt.Sprintf("%s_%s_tf_%s", s.Category, sanitize(strings.ToUpper(s.Symbol)), s.Timeframe)
}

func (s StreamID) String() string {
	return s.Venue + "/" + s.Key()
}

func sanitize(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Store is the keyed upsert storage used by the pipeline. One table per
// stream; rows are keyed by timestamp.
type Store interface {
	// EnsureTable creates the stream's table if it does not exist.
	EnsureTable(ctx context.Context, id StreamID) error
	// MaxTimestamp returns the latest persisted timestamp, or nil when empty.
	MaxTimestamp(ctx context.Context, id StreamID) (*int64, error)
	// UpsertBatch writes rows atomically with field-wise COALESCE semantics
	// and returns the number of rows written.
	UpsertBatch(ctx context.Context, id StreamID, rows []StoredRow) (int, error)
	// RowCount returns the number of stored rows.
	RowCount(ctx context.Context, id StreamID) (int64, error)
}

// Truncater is implemented by stores that support explicit re-sync.
type Truncater interface {
	Truncate(ctx context.Context, id StreamID) error
}

// Unit is a planned stream together with the instrument it belongs to.
type Unit struct {
	ID         StreamID
	Instrument venue.Instrument
	StepMillis int64
}
