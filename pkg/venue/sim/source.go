package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketsync/pkg/timeframe"
	"marketsync/pkg/venue"
)

const (
	defaultMaxBatch  = 500
	defaultBasePrice = 100.0
)

// Source is a deterministic synthetic venue. Candle values are a pure
// function of (symbol, timeframe, timestamp), so repeated runs over the same
// window produce identical rows. Failures can be scripted to exercise the
// retry paths of callers.
type Source struct {
	name        string
	minInterval time.Duration
	timeframes  []string
	instruments []venue.Instrument
	end         int64 // last available open time in ms; 0 means now
	maxBatch    int
	now         func() time.Time

	mu       sync.Mutex
	script   []error
	perSym   map[string][]error
	calls    int
	requests []Request
}

// Request records one FetchCandles call.
type Request struct {
	Symbol    string
	Timeframe string
	Since     int64
	Limit     int
}

// Option customises a Source.
type Option func(*Source)

// WithInstruments sets the instrument universe.
func WithInstruments(insts ...venue.Instrument) Option {
	return func(s *Source) { s.instruments = append([]venue.Instrument(nil), insts...) }
}

// WithTimeframes sets the timeframes the venue serves.
func WithTimeframes(tfs ...string) Option {
	return func(s *Source) { s.timeframes = append([]string(nil), tfs...) }
}

// WithMinInterval sets the advertised pacing interval.
func WithMinInterval(d time.Duration) Option {
	return func(s *Source) { s.minInterval = d }
}

// WithEnd caps available data at the given open time (epoch ms).
func WithEnd(ms int64) Option {
	return func(s *Source) { s.end = ms }
}

// WithMaxBatch caps the number of candles returned per call regardless of limit.
func WithMaxBatch(n int) Option {
	return func(s *Source) { s.maxBatch = n }
}

// WithClock overrides the wall clock used when no end is configured.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New constructs a simulated venue.
func New(name string, opts ...Option) *Source {
	s := &Source{
		name:       name,
		timeframes: []string{"1m", "5m", "15m", "1h", "4h", "1d"},
		maxBatch:   defaultMaxBatch,
		now:        time.Now,
		perSym:     make(map[string][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	timeframe.Sort(s.timeframes)
	for i := range s.instruments {
		if s.instruments[i].Venue == "" {
			s.instruments[i].Venue = name
		}
	}
	return s
}

func (s *Source) Name() string { return s.name }

func (s *Source) MinRequestInterval() time.Duration { return s.minInterval }

func (s *Source) Timeframes() []string { return append([]string(nil), s.timeframes...) }

// Script queues errors returned by the next FetchCandles calls, in order.
func (s *Source) Script(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, errs...)
}

// ScriptSymbol queues errors for FetchCandles calls on one symbol only.
func (s *Source) ScriptSymbol(symbol string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perSym[symbol] = append(s.perSym[symbol], errs...)
}

// Calls returns how many FetchCandles calls were made.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of the recorded FetchCandles calls.
func (s *Source) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Source) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := append([]venue.Instrument(nil), s.instruments...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Source) FetchCandles(ctx context.Context, inst venue.Instrument, tf string, since int64, limit int) ([]venue.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, Request{Symbol: inst.Symbol, Timeframe: tf, Since: since, Limit: limit})
	if q := s.perSym[inst.Symbol]; len(q) > 0 {
		err := q[0]
		s.perSym[inst.Symbol] = q[1:]
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else {
		s.mu.Unlock()
	}

	listed, ok := s.lookup(inst.Symbol)
	if !ok {
		return nil, venue.NewError(s.name, "candles", venue.ClassNotFoundOrInvalid,
			fmt.Errorf("unknown symbol %s", inst.Symbol))
	}
	if !s.serves(tf) {
		return nil, venue.NewError(s.name, "candles", venue.ClassNotFoundOrInvalid,
			fmt.Errorf("unsupported timeframe %s", tf))
	}
	step, err := timeframe.Millis(tf)
	if err != nil {
		return nil, venue.NewError(s.name, "candles", venue.ClassNotFoundOrInvalid, err)
	}

	if limit <= 0 || limit > s.maxBatch {
		limit = s.maxBatch
	}
	end := s.end
	if end == 0 {
		end = s.now().UnixMilli()
	}
	start := since
	if listed != nil && *listed > start {
		start = *listed
	}
	if start < 0 {
		start = 0
	}
	if rem := start % step; rem != 0 {
		start += step - rem
	}

	out := make([]venue.Candle, 0, limit)
	for ts := start; ts <= end && len(out) < limit; ts += step {
		out = append(out, Candle(inst.Symbol, tf, ts))
	}
	return out, nil
}

func (s *Source) lookup(symbol string) (*int64, bool) {
	for _, inst := range s.instruments {
		if inst.Symbol == symbol {
			return inst.ListedAt, true
		}
	}
	return nil, false
}

func (s *Source) serves(tf string) bool {
	for _, t := range s.timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// Candle returns the deterministic candle for a symbol at ts.
func Candle(symbol, tf string, ts int64) venue.Candle {
	base := basePrice(symbol)
	step, _ := timeframe.Millis(tf)
	if step <= 0 {
		step = 60_000
	}
	i := float64(ts / step)
	open := base * (1 + 0.05*math.Sin(i/24))
	cls := base * (1 + 0.05*math.Sin((i+1)/24))
	high := math.Max(open, cls) * 1.002
	low := math.Min(open, cls) * 0.998
	vol := 10 + float64(int64(i)%17)
	return venue.Candle{
		Timestamp:   ts,
		Open:        venue.Float(round(open)),
		High:        venue.Float(round(high)),
		Low:         venue.Float(round(low)),
		Close:       venue.Float(round(cls)),
		Volume:      venue.Float(vol),
		QuoteVolume: venue.Float(round(vol * cls)),
		TradeCount:  venue.Int(int64(vol) * 3),
	}
}

func basePrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return defaultBasePrice + float64(h.Sum32()%10000)/10
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (s *Source) FetchTicker(ctx context.Context, inst venue.Instrument) (*venue.Ticker, error) {
	if _, ok := s.lookup(inst.Symbol); !ok {
		return nil, venue.ErrNotFound
	}
	now := s.clockMillis()
	c := Candle(inst.Symbol, "1h", now-now%3_600_000)
	spread := *c.Close * 0.0005
	return &venue.Ticker{
		Timestamp:      now,
		Bid:            venue.Float(round(*c.Close - spread)),
		Ask:            venue.Float(round(*c.Close + spread)),
		BidSize:        venue.Float(1),
		AskSize:        venue.Float(1),
		Last:           c.Close,
		High24h:        c.High,
		Low24h:         c.Low,
		QuoteVolume24h: c.QuoteVolume,
		Change24h:      venue.Float(round(*c.Close - *c.Open)),
		ChangePct24h:   venue.Float(round((*c.Close - *c.Open) / *c.Open * 100)),
	}, nil
}

func (s *Source) FetchOrderBook(ctx context.Context, inst venue.Instrument) (*venue.BookTop, error) {
	t, err := s.FetchTicker(ctx, inst)
	if err != nil {
		return nil, err
	}
	return &venue.BookTop{Timestamp: t.Timestamp, BidPrice: t.Bid, BidSize: t.BidSize, AskPrice: t.Ask, AskSize: t.AskSize}, nil
}

func (s *Source) FetchFundingRate(ctx context.Context, inst venue.Instrument) (*venue.Funding, error) {
	if !inst.Category.FuturesLike() {
		return nil, venue.ErrUnsupported
	}
	return &venue.Funding{Timestamp: s.clockMillis(), Rate: venue.Float(0.0001)}, nil
}

func (s *Source) FetchOpenInterest(ctx context.Context, inst venue.Instrument) (*venue.OpenInterest, error) {
	if !inst.Category.FuturesLike() {
		return nil, venue.ErrUnsupported
	}
	return &venue.OpenInterest{Timestamp: s.clockMillis(), Amount: venue.Float(1000)}, nil
}

func (s *Source) FetchGreeks(ctx context.Context, inst venue.Instrument) (*venue.Greeks, error) {
	if inst.Category != venue.CategoryOption {
		return nil, venue.ErrUnsupported
	}
	return &venue.Greeks{IV: venue.Float(0.55), Delta: venue.Float(0.5), Gamma: venue.Float(0.01), Theta: venue.Float(-0.02), Vega: venue.Float(0.1)}, nil
}

func (s *Source) clockMillis() int64 {
	if s.end > 0 {
		return s.end
	}
	return s.now().UnixMilli()
}

func init() {
	venue.RegisterSource("sim", build)
}

// build reads options of the form
//
//	instruments: "spot:BTC/USDT,swap:ETH/USDT:USDT"
//	listed_at:   epoch ms or RFC3339
//	end:         epoch ms or RFC3339
//	max_batch:   integer
func build(name string, cfg *venue.VenueConfig) (venue.Source, error) {
	opts := []Option{WithMinInterval(cfg.MinInterval)}
	if len(cfg.Timeframes) > 0 {
		opts = append(opts, WithTimeframes(cfg.Timeframes...))
	}
	var listedAt *int64
	if raw := strings.TrimSpace(cfg.Options["listed_at"]); raw != "" {
		ms, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("sim: listed_at: %w", err)
		}
		listedAt = &ms
	}
	if raw := strings.TrimSpace(cfg.Options["end"]); raw != "" {
		ms, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("sim: end: %w", err)
		}
		opts = append(opts, WithEnd(ms))
	}
	if raw := strings.TrimSpace(cfg.Options["max_batch"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("sim: max_batch must be a positive integer, got %q", raw)
		}
		opts = append(opts, WithMaxBatch(n))
	}
	insts, err := parseInstruments(name, cfg.Options["instruments"], listedAt)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithInstruments(insts...))
	return New(name, opts...), nil
}

func parseInstruments(venueName, raw string, listedAt *int64) ([]venue.Instrument, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "spot:BTC/USDT,swap:BTC/USDT:USDT"
	}
	var out []venue.Instrument
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		catRaw, symbol, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(symbol) == "" {
			return nil, fmt.Errorf("sim: instrument %q must be category:symbol", part)
		}
		cat, ok := venue.ParseCategory(catRaw)
		if !ok {
			return nil, fmt.Errorf("sim: instrument %q has unknown category", part)
		}
		symbol = strings.TrimSpace(symbol)
		base, quote := splitPair(symbol)
		out = append(out, venue.Instrument{
			Venue:    venueName,
			Symbol:   symbol,
			Category: cat,
			Base:     base,
			Quote:    quote,
			Active:   true,
			ListedAt: listedAt,
		})
	}
	return out, nil
}

func splitPair(symbol string) (string, string) {
	base, rest, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol, ""
	}
	quote, _, _ := strings.Cut(rest, ":")
	return base, quote
}

func parseMillis(raw string) (int64, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("expected epoch ms or RFC3339, got %q", raw)
	}
	return t.UnixMilli(), nil
}
