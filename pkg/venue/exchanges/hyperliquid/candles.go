package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"marketsync/pkg/timeframe"
	"marketsync/pkg/venue"
)

// FetchCandles requests the window [since, since+limit*tf) from candleSnapshot.
// An empty window is retried once up to now, so a cursor sitting before the
// first listed candle jumps to it; only an empty answer to that request is
// reported as no more data.
func (s *Source) FetchCandles(ctx context.Context, inst venue.Instrument, tf string, since int64, limit int) ([]venue.Candle, error) {
	if !isSupportedInterval(tf) {
		return nil, venue.NewError(s.name, "candleSnapshot", venue.ClassNotFoundOrInvalid,
			fmt.Errorf("%w: interval %s", venue.ErrNotFound, tf))
	}
	step, err := timeframe.Millis(tf)
	if err != nil {
		return nil, venue.NewError(s.name, "candleSnapshot", venue.ClassNotFoundOrInvalid, err)
	}
	if limit <= 0 || limit > maxCandlesPerRequest {
		limit = maxCandlesPerRequest
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e, err := s.lookup(ctx, inst.Symbol, false)
	if err != nil {
		return nil, err
	}

	end := since + int64(limit)*step - 1
	response, err := s.candleSnapshot(ctx, e.coin, tf, since, end)
	if err != nil {
		return nil, err
	}
	if nowMs := s.now().UnixMilli(); len(response) == 0 && end < nowMs {
		if response, err = s.candleSnapshot(ctx, e.coin, tf, since, nowMs); err != nil {
			return nil, err
		}
	}

	candles := make([]venue.Candle, 0, len(response))
	for _, item := range response {
		if item.T < since {
			continue
		}
		candles = append(candles, venue.Candle{
			Timestamp:  item.T,
			Open:       parseOptional(item.O),
			High:       parseOptional(item.H),
			Low:        parseOptional(item.L),
			Close:      parseOptional(item.C),
			Volume:     parseOptional(item.V),
			TradeCount: item.N,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	if len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}

func (s *Source) candleSnapshot(ctx context.Context, coin, tf string, start, end int64) (CandleResponse, error) {
	var response CandleResponse
	request := InfoRequest{
		Type: "candleSnapshot",
		Req:  CandleSnapshotRequest{Coin: coin, Interval: tf, StartTime: start, EndTime: end},
	}
	if err := s.client.doRequest(ctx, request, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// parseOptional returns nil for empty or malformed numbers so that partial
// candles are detected downstream instead of being stored as zeros.
func parseOptional(val string) *float64 {
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
