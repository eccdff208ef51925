package hyperliquid

import (
	"context"

	"marketsync/pkg/venue"
)

// FetchTicker builds 24h statistics from the asset context. Bid and ask are
// left to FetchOrderBook.
func (s *Source) FetchTicker(ctx context.Context, inst venue.Instrument) (*venue.Ticker, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e, err := s.lookup(ctx, inst.Symbol, true)
	if err != nil {
		return nil, err
	}
	last := parseOptional(e.ctx.MidPx)
	if last == nil {
		last = parseOptional(e.ctx.MarkPx)
	}
	t := &venue.Ticker{
		Timestamp:      s.now().UnixMilli(),
		Last:           last,
		QuoteVolume24h: parseOptional(e.ctx.DayNtlVlm),
	}
	if prev := parseOptional(e.ctx.PrevDayPx); prev != nil && last != nil {
		change := *last - *prev
		t.Change24h = &change
		if *prev != 0 {
			pct := change / *prev * 100
			t.ChangePct24h = &pct
		}
	}
	if len(e.ctx.ImpactPxs) == 2 {
		t.Bid = parseOptional(e.ctx.ImpactPxs[0])
		t.Ask = parseOptional(e.ctx.ImpactPxs[1])
	}
	return t, nil
}

// FetchOrderBook returns the best level of the l2Book snapshot.
func (s *Source) FetchOrderBook(ctx context.Context, inst venue.Instrument) (*venue.BookTop, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e, err := s.lookup(ctx, inst.Symbol, false)
	if err != nil {
		return nil, err
	}
	var book L2BookResponse
	if err := s.client.doRequest(ctx, InfoRequest{Type: "l2Book", Coin: e.coin}, &book); err != nil {
		return nil, err
	}
	top := &venue.BookTop{Timestamp: book.Time}
	if bids := book.Levels[0]; len(bids) > 0 {
		top.BidPrice = parseOptional(bids[0].Px)
		top.BidSize = parseOptional(bids[0].Sz)
	}
	if asks := book.Levels[1]; len(asks) > 0 {
		top.AskPrice = parseOptional(asks[0].Px)
		top.AskSize = parseOptional(asks[0].Sz)
	}
	return top, nil
}

// FetchFundingRate reports the current hourly funding rate of a perpetual.
func (s *Source) FetchFundingRate(ctx context.Context, inst venue.Instrument) (*venue.Funding, error) {
	if !inst.Category.FuturesLike() {
		return nil, venue.ErrUnsupported
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e, err := s.lookup(ctx, inst.Symbol, true)
	if err != nil {
		return nil, err
	}
	return &venue.Funding{Timestamp: s.now().UnixMilli(), Rate: parseOptional(e.ctx.Funding)}, nil
}

// FetchOpenInterest reports open interest in base units and its notional at mark.
func (s *Source) FetchOpenInterest(ctx context.Context, inst venue.Instrument) (*venue.OpenInterest, error) {
	if !inst.Category.FuturesLike() {
		return nil, venue.ErrUnsupported
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e, err := s.lookup(ctx, inst.Symbol, true)
	if err != nil {
		return nil, err
	}
	oi := &venue.OpenInterest{Timestamp: s.now().UnixMilli(), Amount: parseOptional(e.ctx.OpenInterest)}
	if mark := parseOptional(e.ctx.MarkPx); mark != nil && oi.Amount != nil {
		v := *oi.Amount * *mark
		oi.Value = &v
	}
	return oi, nil
}
