package venue

import "strings"

// Category groups instruments by settlement semantics.
type Category string

const (
	CategorySpot    Category = "spot"
	CategoryFutures Category = "futures"
	CategorySwap    Category = "swap"
	CategoryOption  Category = "option"
)

// ParseCategory normalises a category label. "perp", "perpetual" and "future"
// are accepted as aliases used by venues and older configs.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return CategorySpot, true
	case "futures", "future":
		return CategoryFutures, true
	case "swap", "perp", "perpetual":
		return CategorySwap, true
	case "option", "options":
		return CategoryOption, true
	default:
		return "", false
	}
}

// FuturesLike reports whether funding and open interest apply to the category.
func (c Category) FuturesLike() bool {
	return c == CategoryFutures || c == CategorySwap
}

// Rank gives the enumeration order of categories: spot, futures-like, options.
func (c Category) Rank() int {
	switch c {
	case CategorySpot:
		return 0
	case CategoryFutures:
		return 1
	case CategorySwap:
		return 2
	case CategoryOption:
		return 3
	default:
		return 4
	}
}

// Instrument describes one tradeable unit as advertised by the venue for this run.
type Instrument struct {
	Venue      string   // Venue identifier, e.g. "hyperliquid"
	Symbol     string   // Venue symbol as traded, e.g. "BTC/USDC:USDC"
	Category   Category // Settlement category
	Base       string   // Optional base asset
	Quote      string   // Optional quote asset
	Active     bool     // Whether the venue currently lists the instrument as tradeable
	ListedAt   *int64   // Listing time in epoch ms when the venue provides one
	Contract   string   // Contract kind for derivatives, e.g. "linear", "inverse"
	Underlying string   // Option underlying
	Strike     *float64 // Option strike
	OptionType string   // "call" or "put"
	Expiry     *int64   // Option/futures expiry in epoch ms
	Greeks     *Greeks  // Option greeks published alongside instrument metadata
	Raw        map[string]any
}

// Candle is one primary-series observation. OHLC values are pointers because
// venues occasionally publish partial candles; such candles are discarded
// downstream rather than stored with fabricated prices.
type Candle struct {
	Timestamp   int64 // Open time in epoch ms
	Open        *float64
	High        *float64
	Low         *float64
	Close       *float64
	Volume      *float64
	QuoteVolume *float64
	TradeCount  *int64
}

// Complete reports whether all four prices are present.
func (c Candle) Complete() bool {
	return c.Open != nil && c.High != nil && c.Low != nil && c.Close != nil
}

// Ticker is a point-in-time summary of the venue's 24h market statistics.
type Ticker struct {
	Timestamp      int64
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
}

// BookTop holds the best level on each side of the order book.
type BookTop struct {
	Timestamp int64
	BidPrice  *float64
	BidSize   *float64
	AskPrice  *float64
	AskSize   *float64
}

// Funding captures the current perpetual funding rate.
type Funding struct {
	Timestamp int64
	Rate      *float64
	NextRate  *float64
}

// OpenInterest captures outstanding derivatives interest.
type OpenInterest struct {
	Timestamp int64
	Amount    *float64
	Value     *float64
}

// Greeks holds option sensitivities.
type Greeks struct {
	IV    *float64
	Delta *float64
	Gamma *float64
	Theta *float64
	Vega  *float64
}

// Float returns a pointer to v; convenient for literals in adapters and tests.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }
