package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsync/pkg/venue"
)

const hour = int64(time.Hour / time.Millisecond)

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

var metaPayload = []interface{}{
	map[string]interface{}{
		"universe": []map[string]interface{}{
			{"name": "BTC", "szDecimals": 5, "maxLeverage": 40, "isDelisted": false},
			{"name": "OLD", "szDecimals": 0, "maxLeverage": 3, "isDelisted": true},
		},
	},
	[]map[string]interface{}{
		{"funding": "0.000125", "openInterest": "150", "prevDayPx": "100", "dayNtlVlm": "2500000",
			"markPx": "110", "midPx": "110.5", "impactPxs": []string{"110.4", "110.6"}},
		{"funding": "0", "openInterest": "0", "markPx": "1", "midPx": ""},
	},
}

var spotPayload = []interface{}{
	map[string]interface{}{
		"tokens": []map[string]interface{}{
			{"name": "USDC", "index": 0},
			{"name": "PURR", "index": 1},
			{"name": "HYPE", "index": 150},
		},
		"universe": []map[string]interface{}{
			{"name": "PURR/USDC", "tokens": []int{1, 0}, "index": 0, "isCanonical": true},
			{"name": "@107", "tokens": []int{150, 0}, "index": 107},
		},
	},
	[]map[string]interface{}{
		{"coin": "PURR/USDC", "markPx": "0.2", "midPx": "0.2", "prevDayPx": "0.25", "dayNtlVlm": "1000"},
		{"coin": "@107", "markPx": "30", "midPx": "30.1", "prevDayPx": "30", "dayNtlVlm": "50000"},
	},
}

type mockServer struct {
	*httptest.Server
	candleRequests []CandleSnapshotRequest
	candleStatus   atomic.Int32
	candleCalls    atomic.Int32
	// firstCandle is the open time of the earliest candle the venue holds.
	firstCandle int64
}

func newMockServer(t *testing.T, available int64) *mockServer {
	t.Helper()
	m := &mockServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string                `json:"type"`
			Req  CandleSnapshotRequest `json:"req"`
			Coin string                `json:"coin"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Type {
		case "metaAndAssetCtxs":
			writeJSON(w, metaPayload)
		case "spotMetaAndAssetCtxs":
			writeJSON(w, spotPayload)
		case "candleSnapshot":
			m.candleCalls.Add(1)
			if status := m.candleStatus.Load(); status != 0 {
				http.Error(w, "candle error", int(status))
				return
			}
			m.candleRequests = append(m.candleRequests, req.Req)
			out := []map[string]interface{}{}
			start := req.Req.StartTime
			if start < m.firstCandle {
				start = m.firstCandle
			}
			for ts := start; ts <= req.Req.EndTime && ts <= available; ts += hour {
				out = append(out, map[string]interface{}{
					"t": ts, "T": ts + hour - 1, "s": req.Req.Coin, "i": req.Req.Interval,
					"o": "1.0", "h": "2.0", "l": "0.5", "c": "1.5", "v": "10", "n": 7,
				})
			}
			writeJSON(w, out)
		case "l2Book":
			writeJSON(w, map[string]interface{}{
				"coin": req.Coin, "time": 1234,
				"levels": []interface{}{
					[]map[string]interface{}{{"px": "110.4", "sz": "3", "n": 2}},
					[]map[string]interface{}{{"px": "110.6", "sz": "4", "n": 1}},
				},
			})
		default:
			http.Error(w, fmt.Sprintf("unsupported type %s", req.Type), http.StatusBadRequest)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func newTestSource(m *mockServer) *Source {
	client := NewClient(WithBaseURL(m.URL), WithHTTPClient(m.Client()), WithMaxRetries(0), WithVenueName("hl"))
	return NewSource("hl", WithClient(client))
}

func TestListInstruments(t *testing.T) {
	m := newMockServer(t, 0)
	src := newTestSource(m)

	insts, err := src.ListInstruments(context.Background())
	require.NoError(t, err)
	require.Len(t, insts, 4)

	require.Equal(t, "HYPE/USDC", insts[0].Symbol)
	require.Equal(t, venue.CategorySpot, insts[0].Category)
	require.Equal(t, "@107", insts[0].Raw["coin"])
	require.Equal(t, "PURR/USDC", insts[1].Symbol)

	require.Equal(t, "BTC/USDC:USDC", insts[2].Symbol)
	require.Equal(t, venue.CategorySwap, insts[2].Category)
	require.True(t, insts[2].Active)
	require.Equal(t, "OLD/USDC:USDC", insts[3].Symbol)
	require.False(t, insts[3].Active)
}

func TestFetchCandlesWindow(t *testing.T) {
	m := newMockServer(t, 10*hour)
	src := newTestSource(m)
	inst := venue.Instrument{Symbol: "BTC/USDC:USDC", Category: venue.CategorySwap}

	candles, err := src.FetchCandles(context.Background(), inst, "1h", 0, 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	require.Equal(t, int64(0), candles[0].Timestamp)
	require.Equal(t, 2*hour, candles[2].Timestamp)
	require.InDelta(t, 1.5, *candles[0].Close, 1e-9)
	require.Equal(t, int64(7), *candles[0].TradeCount)
	require.True(t, candles[0].Complete())

	require.Len(t, m.candleRequests, 1)
	require.Equal(t, "BTC", m.candleRequests[0].Coin)
	require.Equal(t, 3*hour-1, m.candleRequests[0].EndTime)

	empty, err := src.FetchCandles(context.Background(), inst, "1h", 11*hour, 3)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestFetchCandlesBeforeFirstCandle(t *testing.T) {
	m := newMockServer(t, 4000*hour)
	m.firstCandle = 3000 * hour
	src := newTestSource(m)
	src.now = func() time.Time { return time.UnixMilli(4000 * hour) }
	inst := venue.Instrument{Symbol: "BTC/USDC:USDC", Category: venue.CategorySwap}

	candles, err := src.FetchCandles(context.Background(), inst, "1h", 0, 2000)
	require.NoError(t, err)
	require.Len(t, candles, 1001)
	require.Equal(t, 3000*hour, candles[0].Timestamp)
	require.Equal(t, 4000*hour, candles[len(candles)-1].Timestamp)

	require.Len(t, m.candleRequests, 2)
	require.Equal(t, 2000*hour-1, m.candleRequests[0].EndTime)
	require.Equal(t, int64(0), m.candleRequests[1].StartTime)
	require.Equal(t, 4000*hour, m.candleRequests[1].EndTime)

	tail, err := src.FetchCandles(context.Background(), inst, "1h", 3990*hour, 5)
	require.NoError(t, err)
	require.Len(t, tail, 5)

	// Past the latest candle the window reaches now and nothing is retried.
	calls := len(m.candleRequests)
	empty, err := src.FetchCandles(context.Background(), inst, "1h", 4001*hour, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.Len(t, m.candleRequests, calls+1)
}

func TestFetchCandlesSpotUsesPairCoin(t *testing.T) {
	m := newMockServer(t, 2*hour)
	src := newTestSource(m)

	_, err := src.FetchCandles(context.Background(), venue.Instrument{Symbol: "HYPE/USDC"}, "1h", 0, 5)
	require.NoError(t, err)
	require.Equal(t, "@107", m.candleRequests[0].Coin)
}

func TestFetchCandlesClassifiesErrors(t *testing.T) {
	m := newMockServer(t, 10*hour)
	src := newTestSource(m)
	inst := venue.Instrument{Symbol: "BTC/USDC:USDC", Category: venue.CategorySwap}

	_, err := src.FetchCandles(context.Background(), inst, "7m", 0, 3)
	require.Equal(t, venue.ClassNotFoundOrInvalid, venue.Classify(err))

	_, err = src.FetchCandles(context.Background(), venue.Instrument{Symbol: "NOPE/USDC:USDC"}, "1h", 0, 3)
	require.Equal(t, venue.ClassNotFoundOrInvalid, venue.Classify(err))

	m.candleStatus.Store(http.StatusTooManyRequests)
	_, err = src.FetchCandles(context.Background(), inst, "1h", 0, 3)
	require.Equal(t, venue.ClassRateLimited, venue.Classify(err))

	m.candleStatus.Store(http.StatusForbidden)
	_, err = src.FetchCandles(context.Background(), inst, "1h", 0, 3)
	require.Equal(t, venue.ClassAntiAbuse, venue.Classify(err))
}

func TestClientRetriesTransientOnly(t *testing.T) {
	m := newMockServer(t, 10*hour)
	client := NewClient(WithBaseURL(m.URL), WithHTTPClient(m.Client()), WithMaxRetries(1))
	src := NewSource("hl", WithClient(client))
	inst := venue.Instrument{Symbol: "BTC/USDC:USDC", Category: venue.CategorySwap}
	_, err := src.ListInstruments(context.Background())
	require.NoError(t, err)

	m.candleStatus.Store(http.StatusTooManyRequests)
	_, err = src.FetchCandles(context.Background(), inst, "1h", 0, 3)
	require.Error(t, err)
	require.Equal(t, int32(1), m.candleCalls.Load())

	m.candleStatus.Store(http.StatusInternalServerError)
	_, err = src.FetchCandles(context.Background(), inst, "1h", 0, 3)
	require.Equal(t, venue.ClassTransientOther, venue.Classify(err))
	require.Equal(t, int32(3), m.candleCalls.Load())
}

func TestSupplementalFetches(t *testing.T) {
	m := newMockServer(t, 0)
	src := newTestSource(m)
	ctx := context.Background()
	perp := venue.Instrument{Symbol: "BTC/USDC:USDC", Category: venue.CategorySwap}
	spot := venue.Instrument{Symbol: "PURR/USDC", Category: venue.CategorySpot}

	ticker, err := src.FetchTicker(ctx, perp)
	require.NoError(t, err)
	require.InDelta(t, 110.5, *ticker.Last, 1e-9)
	require.InDelta(t, 10.5, *ticker.Change24h, 1e-9)
	require.InDelta(t, 10.5, *ticker.ChangePct24h, 1e-9)
	require.InDelta(t, 2_500_000, *ticker.QuoteVolume24h, 1e-9)

	book, err := src.FetchOrderBook(ctx, perp)
	require.NoError(t, err)
	require.InDelta(t, 110.4, *book.BidPrice, 1e-9)
	require.InDelta(t, 4, *book.AskSize, 1e-9)

	funding, err := src.FetchFundingRate(ctx, perp)
	require.NoError(t, err)
	require.InDelta(t, 0.000125, *funding.Rate, 1e-12)

	oi, err := src.FetchOpenInterest(ctx, perp)
	require.NoError(t, err)
	require.InDelta(t, 150, *oi.Amount, 1e-9)
	require.InDelta(t, 16500, *oi.Value, 1e-9)

	_, err = src.FetchFundingRate(ctx, spot)
	require.ErrorIs(t, err, venue.ErrUnsupported)
}

func TestRegisteredBuilder(t *testing.T) {
	m := newMockServer(t, 0)
	cfg, err := venue.LoadConfigFromReader(strings.NewReader(fmt.Sprintf(`
venues:
  hl:
    type: hyperliquid
    base_url: %s
    min_interval: 250ms
    timeframes: [4h, 1h]
`, m.URL)))
	require.NoError(t, err)
	src, err := cfg.BuildSource("hl")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, src.MinRequestInterval())
	require.Equal(t, []string{"1h", "4h"}, src.Timeframes())

	insts, err := src.ListInstruments(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, insts)
}
