// Package broadcast implements C7: 200ms per-symbol OHLCV aggregation,
// the periodic ranked-metadata snapshot, and deviation/signal passthrough,
// all shaped into the self-describing outbound wire messages of spec.md
// §6 for C8 to fan out to client sessions.
//
// The 200ms drain-and-clear aggregation tick is grounded on the teacher's
// PriceThrottler (hub.go): a fixed-interval ticker that snapshots
// accumulated state and broadcasts, then lets the next tick start fresh.
package broadcast

import (
	"github.com/shopspring/decimal"

	"github.com/yohannesjx/screener/internal/deviation"
	"github.com/yohannesjx/screener/internal/metrics"
)

// Message is the envelope every outbound wire message satisfies: a
// self-describing record with a type discriminator (spec.md §6).
type Message struct {
	Type string `json:"type"`

	Symbol    string     `json:"symbol,omitempty"`
	Aggregate *Aggregate `json:"aggregate,omitempty"`

	TimestampMs int64 `json:"timestamp_ms,omitempty"`
	Total       int   `json:"total,omitempty"`
	Symbols     any   `json:"symbols,omitempty"` // []ScoredSymbol | []string

	Count      int         `json:"count,omitempty"`
	Deviations []DevRecord `json:"deviations,omitempty"`

	DeviationPct  decimal.Decimal `json:"deviation_pct,omitempty"`
	CheapExchange string          `json:"cheap_exchange,omitempty"`
	ExpensiveExch string          `json:"expensive_exchange,omitempty"`
	ExpiresAtMs   int64           `json:"expires_at_ms,omitempty"`
}

const (
	TypeTradeAggregate   = "trade_aggregate"
	TypeAllSymbolsScored = "all_symbols_scored"
	TypeTopNUpdate       = "top_N_update"
	TypeDeviationUpdate  = "deviation_update"
	TypeEntrySignal      = "entry_signal"
	TypeExitSignal       = "exit_signal"
)

// Aggregate is one symbol's 200ms OHLCV bucket.
type Aggregate struct {
	TimestampMs int64           `json:"timestamp_ms"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	TradeCount  int             `json:"trade_count"`
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
}

// ScoredSymbol is one row of an all_symbols_scored message.
type ScoredSymbol struct {
	Symbol            string          `json:"symbol"`
	Score             float64         `json:"score"`
	TradesPerMin      int             `json:"trades_per_min"`
	Trades2m          int             `json:"trades_2m"`
	Trades3m          int             `json:"trades_3m"`
	Trades5m          int             `json:"trades_5m"`
	Acceleration      float64         `json:"acceleration"`
	HasPattern        bool            `json:"has_pattern"`
	Imbalance         float64         `json:"imbalance"`
	CompositeScore    float64         `json:"composite_score"`
	LastPrice         decimal.Decimal `json:"last_price"`
	LastUpdateMs      int64           `json:"last_update_ms"`
	Volume24h         decimal.Decimal `json:"volume_24h,omitempty"`
	PriceChangePct24h decimal.Decimal `json:"price_change_pct_24h,omitempty"`
}

// DevRecord is one pair's row of a deviation_update message.
type DevRecord struct {
	Symbol            string          `json:"symbol"`
	ExchangeCheap     string          `json:"exchange_cheap"`
	ExchangeExpensive string          `json:"exchange_expensive"`
	PriceCheap        decimal.Decimal `json:"price_cheap"`
	PriceExpensive    decimal.Decimal `json:"price_expensive"`
	DeviationPct      decimal.Decimal `json:"deviation_pct"`
	IsSignificant     bool            `json:"is_significant"`
	IsNearParity      bool            `json:"is_near_parity"`
}

// nearParityThreshold and significantThreshold classify a deviation for
// client-side styling: "near parity" (|deviation_pct| <= 0.02%) vs
// "significant" (|deviation_pct| >= 1.0%). The near-parity cutoff lies
// below the sweep's default 0.10% min_threshold_pct, so with that default
// no emitted record is near parity. Neither is named by spec.md, which
// only defines the deviation_pct value itself; these are a presentation
// convenience layered on top, documented as an open decision in
// DESIGN.md.
var (
	nearParityThreshold  = decimal.NewFromFloat(0.02)
	significantThreshold = decimal.NewFromFloat(1.0)
)

func toScoredSymbol(r metrics.Ranked) ScoredSymbol {
	return ScoredSymbol{
		Symbol:            r.Key.Symbol,
		Score:             r.CompositeScore,
		TradesPerMin:      r.Trades1m,
		Trades2m:          r.Trades2m,
		Trades3m:          r.Trades3m,
		Trades5m:          r.Trades5m,
		Acceleration:      metrics.CapAcceleration(r.Acceleration),
		HasPattern:        r.HasVolumePattern,
		Imbalance:         r.Imbalance,
		CompositeScore:    r.CompositeScore,
		LastPrice:         r.LastPrice,
		LastUpdateMs:      r.LastUpdate.UnixMilli(),
		Volume24h:         r.QuoteVolume24h,
		PriceChangePct24h: r.PriceChangePct24h,
	}
}

func toDevRecord(d deviation.Deviation) DevRecord {
	abs := d.DevPct.Abs()
	return DevRecord{
		Symbol:            d.Symbol,
		ExchangeCheap:     d.ExCheap,
		ExchangeExpensive: d.ExExpensive,
		PriceCheap:        d.BidCheap,
		PriceExpensive:    d.BidExpensive,
		DeviationPct:      d.DevPct,
		IsSignificant:     abs.GreaterThanOrEqual(significantThreshold),
		IsNearParity:      abs.LessThanOrEqual(nearParityThreshold),
	}
}
