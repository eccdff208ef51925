package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/pkg/venue"
)

// Snapshot is the best current value of the auxiliary series, captured once
// per unit. It is not historical data: every point of the run sees the same
// snapshot regardless of its timestamp.
type Snapshot struct {
	CapturedAt   int64
	Ticker       *venue.Ticker
	Book         *venue.BookTop
	Funding      *venue.Funding
	OpenInterest *venue.OpenInterest
	Greeks       *venue.Greeks
}

// Lookup returns the snapshot applicable to ts. With a single capture per
// run that is always the snapshot itself; a nil snapshot yields nil.
func (s *Snapshot) Lookup(ts int64) *Snapshot {
	return s
}

// Empty reports whether no auxiliary field was captured.
func (s *Snapshot) Empty() bool {
	return s == nil || (s.Ticker == nil && s.Book == nil && s.Funding == nil && s.OpenInterest == nil && s.Greeks == nil)
}

// SnapshotCache captures auxiliary data from a venue. Each sub-fetch is
// best-effort and never retried.
type SnapshotCache struct {
	Source venue.Source
	// Pace is slept between sub-fetches to stay inside the venue budget.
	Pace  time.Duration
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Capture fetches ticker and book always, funding and open interest for
// futures-like instruments and greeks for options. Unsupported capabilities
// and failures leave the corresponding field nil.
func (c *SnapshotCache) Capture(ctx context.Context, inst venue.Instrument) *Snapshot {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	snap := &Snapshot{CapturedAt: now().UnixMilli()}
	logger := logx.WithContext(ctx)
	first := true
	pace := func() bool {
		if !first && c.Pace > 0 {
			if err := sleep(ctx, c.Pace); err != nil {
				return false
			}
		}
		first = false
		return ctx.Err() == nil
	}
	note := func(what string, err error) {
		if err == nil || errors.Is(err, venue.ErrUnsupported) {
			return
		}
		logger.Infof("ingest: snapshot %s unavailable venue=%s symbol=%s err=%v", what, c.Source.Name(), inst.Symbol, err)
	}

	if ts, ok := c.Source.(venue.TickerSource); ok && pace() {
		t, err := ts.FetchTicker(ctx, inst)
		note("ticker", err)
		if err == nil {
			snap.Ticker = t
		}
	}
	if bs, ok := c.Source.(venue.OrderBookSource); ok && pace() {
		b, err := bs.FetchOrderBook(ctx, inst)
		note("order book", err)
		if err == nil {
			snap.Book = b
		}
	}
	if inst.Category.FuturesLike() {
		if fs, ok := c.Source.(venue.FundingSource); ok && pace() {
			f, err := fs.FetchFundingRate(ctx, inst)
			note("funding", err)
			if err == nil {
				snap.Funding = f
			}
		}
		if ois, ok := c.Source.(venue.OpenInterestSource); ok && pace() {
			oi, err := ois.FetchOpenInterest(ctx, inst)
			note("open interest", err)
			if err == nil {
				snap.OpenInterest = oi
			}
		}
	}
	if inst.Category == venue.CategoryOption {
		if gs, ok := c.Source.(venue.GreeksSource); ok && pace() {
			g, err := gs.FetchGreeks(ctx, inst)
			note("greeks", err)
			if err == nil {
				snap.Greeks = g
			}
		}
	}
	return snap
}
