// Package schema describes the stored candle row once for every SQL backend.
package schema

import "marketsync/pkg/ingest"

// Kind is the logical column type.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindText
)

// Column is one stored column. Authoritative columns are overwritten on
// every upsert; the others are nullable and merged with COALESCE.
type Column struct {
	Name          string
	Kind          Kind
	Authoritative bool

	value  func(r *ingest.StoredRow) any
	target func(r *ingest.StoredRow) any
}

// KeyColumn is the primary key of every stream table.
const KeyColumn = "ts"

func floatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func authoritative(name string, kind Kind, value func(*ingest.StoredRow) any, target func(*ingest.StoredRow) any) Column {
	return Column{Name: name, Kind: kind, Authoritative: true, value: value, target: target}
}

func optFloat(name string, field func(*ingest.StoredRow) **float64) Column {
	return Column{
		Name:   name,
		Kind:   KindFloat,
		value:  func(r *ingest.StoredRow) any { return floatPtr(*field(r)) },
		target: func(r *ingest.StoredRow) any { return field(r) },
	}
}

var columns = []Column{
	authoritative(KeyColumn, KindInt,
		func(r *ingest.StoredRow) any { return r.Timestamp }, func(r *ingest.StoredRow) any { return &r.Timestamp }),
	authoritative("open", KindFloat,
		func(r *ingest.StoredRow) any { return r.Open }, func(r *ingest.StoredRow) any { return &r.Open }),
	authoritative("high", KindFloat,
		func(r *ingest.StoredRow) any { return r.High }, func(r *ingest.StoredRow) any { return &r.High }),
	authoritative("low", KindFloat,
		func(r *ingest.StoredRow) any { return r.Low }, func(r *ingest.StoredRow) any { return &r.Low }),
	authoritative("close", KindFloat,
		func(r *ingest.StoredRow) any { return r.Close }, func(r *ingest.StoredRow) any { return &r.Close }),
	authoritative("volume", KindFloat,
		func(r *ingest.StoredRow) any { return r.Volume }, func(r *ingest.StoredRow) any { return &r.Volume }),

	optFloat("quote_volume", func(r *ingest.StoredRow) **float64 { return &r.QuoteVolume }),
	{
		Name:   "trade_count",
		Kind:   KindInt,
		value:  func(r *ingest.StoredRow) any { return intPtr(r.TradeCount) },
		target: func(r *ingest.StoredRow) any { return &r.TradeCount },
	},

	optFloat("bid", func(r *ingest.StoredRow) **float64 { return &r.Bid }),
	optFloat("ask", func(r *ingest.StoredRow) **float64 { return &r.Ask }),
	optFloat("bid_size", func(r *ingest.StoredRow) **float64 { return &r.BidSize }),
	optFloat("ask_size", func(r *ingest.StoredRow) **float64 { return &r.AskSize }),
	optFloat("last", func(r *ingest.StoredRow) **float64 { return &r.Last }),
	optFloat("high_24h", func(r *ingest.StoredRow) **float64 { return &r.High24h }),
	optFloat("low_24h", func(r *ingest.StoredRow) **float64 { return &r.Low24h }),
	optFloat("quote_volume_24h", func(r *ingest.StoredRow) **float64 { return &r.QuoteVolume24h }),
	optFloat("change_24h", func(r *ingest.StoredRow) **float64 { return &r.Change24h }),
	optFloat("change_pct_24h", func(r *ingest.StoredRow) **float64 { return &r.ChangePct24h }),

	optFloat("book_bid_price", func(r *ingest.StoredRow) **float64 { return &r.BookBidPrice }),
	optFloat("book_bid_size", func(r *ingest.StoredRow) **float64 { return &r.BookBidSize }),
	optFloat("book_ask_price", func(r *ingest.StoredRow) **float64 { return &r.BookAskPrice }),
	optFloat("book_ask_size", func(r *ingest.StoredRow) **float64 { return &r.BookAskSize }),

	optFloat("funding_rate", func(r *ingest.StoredRow) **float64 { return &r.FundingRate }),
	optFloat("open_interest", func(r *ingest.StoredRow) **float64 { return &r.OpenInterest }),
	optFloat("open_interest_value", func(r *ingest.StoredRow) **float64 { return &r.OpenInterestValue }),

	optFloat("strike", func(r *ingest.StoredRow) **float64 { return &r.Strike }),
	{
		Name:   "expiry",
		Kind:   KindInt,
		value:  func(r *ingest.StoredRow) any { return intPtr(r.Expiry) },
		target: func(r *ingest.StoredRow) any { return &r.Expiry },
	},
	{
		Name:   "option_type",
		Kind:   KindText,
		value:  func(r *ingest.StoredRow) any { return strPtr(r.OptionType) },
		target: func(r *ingest.StoredRow) any { return &r.OptionType },
	},
	{
		Name:   "underlying",
		Kind:   KindText,
		value:  func(r *ingest.StoredRow) any { return strPtr(r.Underlying) },
		target: func(r *ingest.StoredRow) any { return &r.Underlying },
	},
	optFloat("iv", func(r *ingest.StoredRow) **float64 { return &r.IV }),
	optFloat("delta", func(r *ingest.StoredRow) **float64 { return &r.Delta }),
	optFloat("gamma", func(r *ingest.StoredRow) **float64 { return &r.Gamma }),
	optFloat("theta", func(r *ingest.StoredRow) **float64 { return &r.Theta }),
	optFloat("vega", func(r *ingest.StoredRow) **float64 { return &r.Vega }),
}

// Columns returns the stored columns in table order, key first.
func Columns() []Column {
	return append([]Column(nil), columns...)
}

// Names returns the column names in table order.
func Names() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// Values returns the row's column values in table order; unset optional
// fields are nil.
func Values(row ingest.StoredRow) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = c.value(&row)
	}
	return out
}

// Targets returns scan destinations into row, in table order.
func Targets(row *ingest.StoredRow) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = c.target(row)
	}
	return out
}
