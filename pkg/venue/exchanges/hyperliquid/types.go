package hyperliquid

import (
	"encoding/json"
	"fmt"
)

// InfoRequest is the shared envelope for Hyperliquid info endpoint requests.
type InfoRequest struct {
	Type string      `json:"type"`
	Req  interface{} `json:"req,omitempty"`
	Coin string      `json:"coin,omitempty"`
}

// CandleSnapshotRequest carries parameters for the candleSnapshot request.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// CandleResponse mirrors the payload returned from candleSnapshot requests.
type CandleResponse []struct {
	T      int64  `json:"t"` // Open timestamp (ms)
	TClose int64  `json:"T"` // Close timestamp (ms)
	S      string `json:"s"`
	I      string `json:"i"`
	O      string `json:"o"`
	C      string `json:"c"`
	H      string `json:"h"`
	L      string `json:"l"`
	V      string `json:"v"` // Base volume
	N      *int64 `json:"n"` // Trade count
}

// MetaAndAssetCtxsResponse contains perp universe metadata and per-asset contexts.
type MetaAndAssetCtxsResponse struct {
	Universe  []UniverseEntry
	AssetCtxs []AssetCtx
}

// UniverseEntry enumerates tradable perpetuals on Hyperliquid.
type UniverseEntry struct {
	Name          string  `json:"name"`
	SzDecimals    int     `json:"szDecimals"`
	MaxLeverage   float64 `json:"maxLeverage"`
	MarginTableID int     `json:"marginTableId"`
	IsDelisted    bool    `json:"isDelisted"`
	OnlyIsolated  bool    `json:"onlyIsolated"`
}

// AssetCtx holds per-asset market context such as funding and open interest.
// Spot contexts leave the perp-only fields empty.
type AssetCtx struct {
	Funding      string   `json:"funding"`
	OpenInterest string   `json:"openInterest"`
	PrevDayPx    string   `json:"prevDayPx"`
	DayNtlVlm    string   `json:"dayNtlVlm"`
	DayBaseVlm   string   `json:"dayBaseVlm"`
	Premium      string   `json:"premium"`
	OraclePx     string   `json:"oraclePx"`
	MarkPx       string   `json:"markPx"`
	MidPx        string   `json:"midPx"`
	ImpactPxs    []string `json:"impactPxs"`
	Coin         string   `json:"coin"`
}

// UnmarshalJSON accepts both the two-element array returned by the live API
// and the single-object form used in the documentation.
func (m *MetaAndAssetCtxsResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch len(raw) {
	case 0:
		return fmt.Errorf("unexpected metaAndAssetCtxs payload: empty array")
	case 1:
		var meta struct {
			Universe  []UniverseEntry `json:"universe"`
			AssetCtxs []AssetCtx      `json:"assetCtxs"`
		}
		if err := json.Unmarshal(raw[0], &meta); err != nil {
			return err
		}
		m.Universe, m.AssetCtxs = meta.Universe, meta.AssetCtxs
	default:
		var meta struct {
			Universe []UniverseEntry `json:"universe"`
		}
		if err := json.Unmarshal(raw[0], &meta); err != nil {
			return err
		}
		if err := json.Unmarshal(raw[1], &m.AssetCtxs); err != nil {
			return err
		}
		m.Universe = meta.Universe
	}
	return nil
}

// SpotToken describes one token listed on the spot exchange.
type SpotToken struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	SzDecimals  int    `json:"szDecimals"`
	IsCanonical bool   `json:"isCanonical"`
}

// SpotPair is a spot market. Name is "PURR/USDC" for canonical pairs and
// "@<index>" for the rest; it is the coin used by candleSnapshot and l2Book.
type SpotPair struct {
	Name        string `json:"name"`
	Tokens      [2]int `json:"tokens"`
	Index       int    `json:"index"`
	IsCanonical bool   `json:"isCanonical"`
}

// SpotMetaAndAssetCtxsResponse contains spot metadata and per-pair contexts.
type SpotMetaAndAssetCtxsResponse struct {
	Tokens    []SpotToken
	Universe  []SpotPair
	AssetCtxs []AssetCtx
}

func (m *SpotMetaAndAssetCtxsResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("unexpected spotMetaAndAssetCtxs payload: %d elements", len(raw))
	}
	var meta struct {
		Tokens   []SpotToken `json:"tokens"`
		Universe []SpotPair  `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &m.AssetCtxs); err != nil {
		return err
	}
	m.Tokens, m.Universe = meta.Tokens, meta.Universe
	return nil
}

// L2BookResponse is the aggregated order book snapshot.
type L2BookResponse struct {
	Coin   string       `json:"coin"`
	Time   int64        `json:"time"`
	Levels [2][]L2Level `json:"levels"` // bids, asks
}

// L2Level is a single aggregated price level.
type L2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}
