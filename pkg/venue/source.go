package venue

import (
	"context"
	"time"
)

// DefaultMinRequestInterval applies when a venue does not advertise its pacing budget.
const DefaultMinRequestInterval = 50 * time.Millisecond

// Source exposes the public, unauthenticated market data of one venue.
type Source interface {
	// Name returns the configured venue identifier.
	Name() string
	// MinRequestInterval is the venue's advertised minimum delay between requests.
	MinRequestInterval() time.Duration
	// Timeframes lists candle timeframes the venue serves.
	Timeframes() []string
	// ListInstruments returns the venue's instrument universe for this run.
	ListInstruments(ctx context.Context) ([]Instrument, error)
	// FetchCandles returns up to limit candles with open time >= since, oldest
	// first. It returns an empty slice, not an error, once no more data exists.
	FetchCandles(ctx context.Context, inst Instrument, timeframe string, since int64, limit int) ([]Candle, error)
}

// Optional capabilities. Callers discover them with a type assertion and treat
// absence the same as a failed fetch: the related fields stay empty.

// TickerSource serves current ticker statistics.
type TickerSource interface {
	FetchTicker(ctx context.Context, inst Instrument) (*Ticker, error)
}

// OrderBookSource serves the top of the order book.
type OrderBookSource interface {
	FetchOrderBook(ctx context.Context, inst Instrument) (*BookTop, error)
}

// FundingSource serves perpetual funding rates.
type FundingSource interface {
	FetchFundingRate(ctx context.Context, inst Instrument) (*Funding, error)
}

// OpenInterestSource serves open interest for derivatives.
type OpenInterestSource interface {
	FetchOpenInterest(ctx context.Context, inst Instrument) (*OpenInterest, error)
}

// GreeksSource serves option greeks.
type GreeksSource interface {
	FetchGreeks(ctx context.Context, inst Instrument) (*Greeks, error)
}

// MinInterval returns the source's pacing interval, falling back to
// DefaultMinRequestInterval when the venue advertises none.
func MinInterval(src Source) time.Duration {
	if src == nil {
		return DefaultMinRequestInterval
	}
	if d := src.MinRequestInterval(); d > 0 {
		return d
	}
	return DefaultMinRequestInterval
}
