package ingest

import (
	"fmt"

	"marketsync/pkg/venue"
)

// Merger turns primary-series points into StoredRows, folding in the
// snapshot fields that apply to the instrument's category.
type Merger struct {
	Instrument venue.Instrument
}

// Merge builds the row for one point. Points missing any of OHLC are
// rejected with ErrIncompleteCandle; volume defaults to zero.
func (m *Merger) Merge(point venue.Candle, snap *Snapshot) (StoredRow, error) {
	if !point.Complete() {
		return StoredRow{}, fmt.Errorf("%w at ts=%d", ErrIncompleteCandle, point.Timestamp)
	}
	row := StoredRow{
		Timestamp:   point.Timestamp,
		Open:        *point.Open,
		High:        *point.High,
		Low:         *point.Low,
		Close:       *point.Close,
		QuoteVolume: point.QuoteVolume,
		TradeCount:  point.TradeCount,
	}
	if point.Volume != nil {
		row.Volume = *point.Volume
	}

	cat := m.Instrument.Category
	if s := snap.Lookup(point.Timestamp); s != nil {
		if t := s.Ticker; t != nil {
			row.Bid, row.Ask = t.Bid, t.Ask
			row.BidSize, row.AskSize = t.BidSize, t.AskSize
			row.Last = t.Last
			row.High24h, row.Low24h = t.High24h, t.Low24h
			row.QuoteVolume24h = t.QuoteVolume24h
			row.Change24h, row.ChangePct24h = t.Change24h, t.ChangePct24h
		}
		if b := s.Book; b != nil {
			row.BookBidPrice, row.BookBidSize = b.BidPrice, b.BidSize
			row.BookAskPrice, row.BookAskSize = b.AskPrice, b.AskSize
		}
		if cat.FuturesLike() {
			if f := s.Funding; f != nil {
				row.FundingRate = f.Rate
			}
			if oi := s.OpenInterest; oi != nil {
				row.OpenInterest = oi.Amount
				row.OpenInterestValue = oi.Value
			}
		}
		if cat == venue.CategoryOption && s.Greeks != nil {
			applyGreeks(&row, s.Greeks)
		}
	}
	if cat == venue.CategoryOption {
		inst := m.Instrument
		row.Strike = inst.Strike
		row.Expiry = inst.Expiry
		if inst.OptionType != "" {
			v := inst.OptionType
			row.OptionType = &v
		}
		if inst.Underlying != "" {
			v := inst.Underlying
			row.Underlying = &v
		}
		if row.IV == nil && inst.Greeks != nil {
			applyGreeks(&row, inst.Greeks)
		}
	}
	if err := row.Validate(); err != nil {
		return StoredRow{}, err
	}
	return row, nil
}

func applyGreeks(row *StoredRow, g *venue.Greeks) {
	row.IV, row.Delta, row.Gamma, row.Theta, row.Vega = g.IV, g.Delta, g.Gamma, g.Theta, g.Vega
}

// MergeBatch merges every point, skipping the ones that fail. The returned
// rows keep fetch order.
func (m *Merger) MergeBatch(points []venue.Candle, snap *Snapshot) ([]StoredRow, int) {
	rows := make([]StoredRow, 0, len(points))
	skipped := 0
	for _, p := range points {
		row, err := m.Merge(p, snap)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped
}
