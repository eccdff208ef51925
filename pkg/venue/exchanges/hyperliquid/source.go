package hyperliquid

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"marketsync/pkg/timeframe"
	"marketsync/pkg/venue"
)

const (
	defaultSourceTimeout      = 30 * time.Second
	defaultMinRequestInterval = 100 * time.Millisecond
	directoryTTL              = 15 * time.Second

	// maxCandlesPerRequest is the server-side cap on candleSnapshot results.
	maxCandlesPerRequest = 5000
)

// supportedIntervals are the candle intervals the info endpoint accepts.
var supportedIntervals = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "12h", "1d", "3d", "1w", "1M"}

// Source adapts the Hyperliquid info endpoint to venue.Source. Perpetuals are
// listed as swaps with symbols like "BTC/USDC:USDC", spot pairs as
// "PURR/USDC".
type Source struct {
	name        string
	client      *Client
	timeout     time.Duration
	minInterval time.Duration
	timeframes  []string

	dirMu     sync.RWMutex
	dir       map[string]entry // symbol -> entry
	dirLoaded time.Time
	now       func() time.Time
}

type entry struct {
	inst venue.Instrument
	coin string
	ctx  AssetCtx
}

// SourceOption customises the Source.
type SourceOption func(*Source)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(timeout time.Duration) SourceOption {
	return func(s *Source) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithMinRequestInterval overrides the advertised pacing interval.
func WithMinRequestInterval(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.minInterval = d
		}
	}
}

// WithTimeframes restricts the advertised timeframes.
func WithTimeframes(tfs ...string) SourceOption {
	return func(s *Source) {
		if len(tfs) > 0 {
			s.timeframes = append([]string(nil), tfs...)
		}
	}
}

// WithClient injects a preconfigured client.
func WithClient(c *Client) SourceOption {
	return func(s *Source) {
		if c != nil {
			s.client = c
		}
	}
}

// NewSource constructs a Hyperliquid venue source.
func NewSource(name string, opts ...SourceOption) *Source {
	if name == "" {
		name = "hyperliquid"
	}
	s := &Source{
		name:        name,
		timeout:     defaultSourceTimeout,
		minInterval: defaultMinRequestInterval,
		timeframes:  append([]string(nil), supportedIntervals...),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = NewClient(WithVenueName(name))
	}
	timeframe.Sort(s.timeframes)
	return s
}

func init() {
	venue.RegisterSource("hyperliquid", func(name string, cfg *venue.VenueConfig) (venue.Source, error) {
		clientOpts := []Option{WithVenueName(name), WithMaxRetries(cfg.MaxRetries)}
		if cfg.HTTPTimeout > 0 {
			clientOpts = append(clientOpts, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		switch {
		case cfg.BaseURL != "":
			clientOpts = append(clientOpts, WithBaseURL(cfg.BaseURL))
		case cfg.Testnet:
			clientOpts = append(clientOpts, WithBaseURL(testnetBaseURL))
		}
		for _, tf := range cfg.Timeframes {
			if !isSupportedInterval(tf) {
				return nil, fmt.Errorf("hyperliquid: unsupported timeframe %q", tf)
			}
		}
		return NewSource(name,
			WithClient(NewClient(clientOpts...)),
			WithTimeout(cfg.Timeout),
			WithMinRequestInterval(cfg.MinInterval),
			WithTimeframes(cfg.Timeframes...),
		), nil
	})
}

func (s *Source) Name() string { return s.name }

func (s *Source) MinRequestInterval() time.Duration { return s.minInterval }

func (s *Source) Timeframes() []string { return append([]string(nil), s.timeframes...) }

// ListInstruments loads perpetual and spot universes. Delisted perpetuals are
// returned with Active=false.
func (s *Source) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.refreshDirectory(ctx); err != nil {
		return nil, err
	}
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	out := make([]venue.Instrument, 0, len(s.dir))
	for _, e := range s.dir {
		out = append(out, e.inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category.Rank() < out[j].Category.Rank()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (s *Source) refreshDirectory(ctx context.Context) error {
	var perps MetaAndAssetCtxsResponse
	if err := s.client.doRequest(ctx, InfoRequest{Type: "metaAndAssetCtxs"}, &perps); err != nil {
		return err
	}
	var spot SpotMetaAndAssetCtxsResponse
	if err := s.client.doRequest(ctx, InfoRequest{Type: "spotMetaAndAssetCtxs"}, &spot); err != nil {
		return err
	}

	dir := make(map[string]entry, len(perps.Universe)+len(spot.Universe))
	for i, u := range perps.Universe {
		coin := strings.TrimSpace(u.Name)
		if coin == "" {
			continue
		}
		e := entry{
			coin: coin,
			inst: venue.Instrument{
				Venue:    s.name,
				Symbol:   coin + "/USDC:USDC",
				Category: venue.CategorySwap,
				Base:     coin,
				Quote:    "USDC",
				Active:   !u.IsDelisted,
				Contract: "linear",
				Raw: map[string]any{
					"coin":         coin,
					"szDecimals":   u.SzDecimals,
					"maxLeverage":  u.MaxLeverage,
					"onlyIsolated": u.OnlyIsolated,
				},
			},
		}
		if i < len(perps.AssetCtxs) {
			e.ctx = perps.AssetCtxs[i]
		}
		dir[e.inst.Symbol] = e
	}

	tokens := make(map[int]string, len(spot.Tokens))
	for _, t := range spot.Tokens {
		tokens[t.Index] = t.Name
	}
	ctxByCoin := make(map[string]AssetCtx, len(spot.AssetCtxs))
	for i, c := range spot.AssetCtxs {
		key := c.Coin
		if key == "" && i < len(spot.Universe) {
			key = spot.Universe[i].Name
		}
		ctxByCoin[key] = c
	}
	for _, pair := range spot.Universe {
		base, okBase := tokens[pair.Tokens[0]]
		quote, okQuote := tokens[pair.Tokens[1]]
		if !okBase || !okQuote || pair.Name == "" {
			continue
		}
		symbol := base + "/" + quote
		if _, dup := dir[symbol]; dup {
			continue
		}
		dir[symbol] = entry{
			coin: pair.Name,
			ctx:  ctxByCoin[pair.Name],
			inst: venue.Instrument{
				Venue:    s.name,
				Symbol:   symbol,
				Category: venue.CategorySpot,
				Base:     base,
				Quote:    quote,
				Active:   true,
				Raw:      map[string]any{"coin": pair.Name, "index": pair.Index},
			},
		}
	}

	s.dirMu.Lock()
	s.dir = dir
	s.dirLoaded = s.now()
	s.dirMu.Unlock()
	return nil
}

// lookup resolves a symbol to its directory entry, refreshing the directory
// when it is stale or the symbol is unknown.
func (s *Source) lookup(ctx context.Context, symbol string, fresh bool) (entry, error) {
	s.dirMu.RLock()
	e, ok := s.dir[symbol]
	stale := s.now().Sub(s.dirLoaded) > directoryTTL
	s.dirMu.RUnlock()
	if ok && !(fresh && stale) {
		return e, nil
	}
	if err := s.refreshDirectory(ctx); err != nil {
		return entry{}, err
	}
	s.dirMu.RLock()
	e, ok = s.dir[symbol]
	s.dirMu.RUnlock()
	if !ok {
		return entry{}, venue.NewError(s.name, "lookup", venue.ClassNotFoundOrInvalid,
			fmt.Errorf("%w: %s", venue.ErrNotFound, symbol))
	}
	return e, nil
}

func (s *Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func isSupportedInterval(tf string) bool {
	for _, iv := range supportedIntervals {
		if iv == tf {
			return true
		}
	}
	return false
}
