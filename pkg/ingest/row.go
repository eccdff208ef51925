package ingest

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrIncompleteCandle marks a point missing one of open/high/low/close.
	ErrIncompleteCandle = errors.New("ingest: incomplete candle")
	// ErrInvalidValue marks a point carrying NaN or infinite numbers.
	ErrInvalidValue = errors.New("ingest: non-finite value")
)

// StoredRow is the unified persisted record of one stream timestamp.
// OHLCV is authoritative and overwritten on every refetch; every pointer
// field is best-effort and never replaced by nil.
type StoredRow struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	QuoteVolume *float64
	TradeCount  *int64

	Bid            *float64
	Ask            *float64
	BidSize        *float64
	AskSize        *float64
	Last           *float64
	High24h        *float64
	Low24h         *float64
	QuoteVolume24h *float64
	Change24h      *float64
	ChangePct24h   *float64

	BookBidPrice *float64
	BookBidSize  *float64
	BookAskPrice *float64
	BookAskSize  *float64

	FundingRate       *float64
	OpenInterest      *float64
	OpenInterestValue *float64

	Strike     *float64
	Expiry     *int64
	OptionType *string
	Underlying *string
	IV         *float64
	Delta      *float64
	Gamma      *float64
	Theta      *float64
	Vega       *float64
}

// Coalesce returns r applied on top of existing: OHLCV from r, every other
// field from r when set and from existing otherwise.
func (r StoredRow) Coalesce(existing StoredRow) StoredRow {
	out := r
	for _, f := range r.floatFields(&out, &existing) {
		if *f.dst == nil {
			*f.dst = *f.src
		}
	}
	if out.TradeCount == nil {
		out.TradeCount = existing.TradeCount
	}
	if out.Expiry == nil {
		out.Expiry = existing.Expiry
	}
	if out.OptionType == nil {
		out.OptionType = existing.OptionType
	}
	if out.Underlying == nil {
		out.Underlying = existing.Underlying
	}
	return out
}

type floatPair struct {
	dst **float64
	src **float64
}

func (StoredRow) floatFields(dst, src *StoredRow) []floatPair {
	return []floatPair{
		{&dst.QuoteVolume, &src.QuoteVolume},
		{&dst.Bid, &src.Bid},
		{&dst.Ask, &src.Ask},
		{&dst.BidSize, &src.BidSize},
		{&dst.AskSize, &src.AskSize},
		{&dst.Last, &src.Last},
		{&dst.High24h, &src.High24h},
		{&dst.Low24h, &src.Low24h},
		{&dst.QuoteVolume24h, &src.QuoteVolume24h},
		{&dst.Change24h, &src.Change24h},
		{&dst.ChangePct24h, &src.ChangePct24h},
		{&dst.BookBidPrice, &src.BookBidPrice},
		{&dst.BookBidSize, &src.BookBidSize},
		{&dst.BookAskPrice, &src.BookAskPrice},
		{&dst.BookAskSize, &src.BookAskSize},
		{&dst.FundingRate, &src.FundingRate},
		{&dst.OpenInterest, &src.OpenInterest},
		{&dst.OpenInterestValue, &src.OpenInterestValue},
		{&dst.Strike, &src.Strike},
		{&dst.IV, &src.IV},
		{&dst.Delta, &src.Delta},
		{&dst.Gamma, &src.Gamma},
		{&dst.Theta, &src.Theta},
		{&dst.Vega, &src.Vega},
	}
}

// Validate rejects rows with non-finite numbers, which no store accepts.
func (r StoredRow) Validate() error {
	for _, v := range []float64{r.Open, r.High, r.Low, r.Close, r.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w at ts=%d", ErrInvalidValue, r.Timestamp)
		}
	}
	row := r
	for _, f := range r.floatFields(&row, &row) {
		if v := *f.dst; v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w at ts=%d", ErrInvalidValue, r.Timestamp)
		}
	}
	return nil
}
