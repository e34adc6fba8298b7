// Package metrics implements C5, the metrics & ranking engine: stateless
// with respect to its own storage, it derives every value from C4 on a
// periodic tick and emits a ranked snapshot for C7 to broadcast.
//
// The periodic full-scan-then-rank shape is grounded on the teacher's
// Analyzer.Analyze per-trade threshold ladder (main.go), generalized from
// a per-trade callback into a tick-driven pass over the whole store, with
// the pump/acceleration/imbalance/pattern formulas of spec.md §3/§4.5.
package metrics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/store"
)

// DefaultTick is the metrics engine's refresh period.
const DefaultTick = 2 * time.Second

// accelerationCap bounds acceleration wherever it is consumed downstream.
const accelerationCap = 5.0

// Basic is the per-symbol ranked entry every symbol gets, win or lose the
// top-K_detail cut (spec.md §4.5 step 4).
type Basic struct {
	Key        event.SymbolKey
	LastPrice  decimal.Decimal
	LastUpdate time.Time
	Trades1m   int
	Trades2m   int
	Trades3m   int
	Trades5m   int
	PumpScore  float64
}

// Detail holds the enriched fields computed only for the top K_detail
// entries, merged onto a Basic.
type Detail struct {
	Acceleration      float64
	Imbalance         float64
	HasVolumePattern  bool
	CompositeScore    float64
	HasTicker         bool
	QuoteVolume24h    decimal.Decimal
	PriceChangePct24h decimal.Decimal
}

// Ranked is one row of the ranked snapshot C5 emits to C7.
type Ranked struct {
	Basic
	Detail
}

// Snapshot is the full ranked-metadata output of one tick.
type Snapshot struct {
	Ts   time.Time
	Rows []Ranked // sorted by Trades3m desc, LastUpdate desc, Symbol asc
}

// Engine runs C5's periodic tick against a store.Store.
type Engine struct {
	st       *store.Store
	tick     time.Duration
	detailK  int
	now      func() time.Time
}

// NewEngine builds a metrics engine. detailK is K_detail (default 500).
func NewEngine(st *store.Store, tick time.Duration, detailK int, now func() time.Time) *Engine {
	if tick <= 0 {
		tick = DefaultTick
	}
	if detailK <= 0 {
		detailK = 500
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{st: st, tick: tick, detailK: detailK, now: now}
}

// Run ticks until ctx is cancelled, publishing each snapshot via emit.
func (e *Engine) Run(ctx context.Context, emit func(Snapshot)) {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			emit(e.Compute())
		}
	}
}

// Compute runs one tick synchronously: the full spec.md §4.5 pass.
func (e *Engine) Compute() Snapshot {
	now := e.now()
	keys := e.st.Keys()
	rows := make([]Ranked, 0, len(keys))

	for _, key := range keys {
		lastPrice, ok := e.st.LastPrice(key)
		if !ok {
			continue
		}
		lastUpdate, _ := e.st.LastUpdate(key)
		b := Basic{
			Key:        key,
			LastPrice:  lastPrice,
			LastUpdate: lastUpdate,
			Trades1m:   e.st.CountSince(key, time.Minute),
			Trades2m:   e.st.CountSince(key, 2*time.Minute),
			Trades3m:   e.st.CountSince(key, 3*time.Minute),
			Trades5m:   e.st.CountSince(key, 5*time.Minute),
		}
		b.PumpScore = pumpScore(b.Trades1m, usdVolumeSince(e.st, key, time.Minute))
		rows = append(rows, Ranked{Basic: b})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Trades3m != rows[j].Trades3m {
			return rows[i].Trades3m > rows[j].Trades3m
		}
		if !rows[i].LastUpdate.Equal(rows[j].LastUpdate) {
			return rows[i].LastUpdate.After(rows[j].LastUpdate)
		}
		return rows[i].Key.Symbol < rows[j].Key.Symbol
	})

	k := e.detailK
	if k > len(rows) {
		k = len(rows)
	}
	for i := 0; i < k; i++ {
		rows[i].Detail = e.enrich(rows[i].Key, rows[i].Basic)
	}

	return Snapshot{Ts: now, Rows: rows}
}

// enrich computes the top-K-only fields of spec.md §4.5 step 3.
func (e *Engine) enrich(key event.SymbolKey, b Basic) Detail {
	trades := e.st.TradesSince(key, time.Minute)

	var buyUSD, sellUSD decimal.Decimal
	type qtySide struct {
		qty  string
		side event.Side
	}
	counts1m := make(map[qtySide]int)

	for _, tr := range trades {
		switch tr.Side {
		case event.Buy:
			buyUSD = buyUSD.Add(tr.Notional())
		case event.Sell:
			sellUSD = sellUSD.Add(tr.Notional())
		}
		counts1m[qtySide{tr.Qty.String(), tr.Side}]++
	}

	hasPattern := false
	for _, c := range counts1m {
		if c >= 10 {
			hasPattern = true
			break
		}
	}

	accel := acceleration(b.Trades1m, b.Trades2m)
	imb := imbalance(buyUSD, sellUSD)

	d := Detail{
		Acceleration:     accel,
		Imbalance:        imb,
		HasVolumePattern: hasPattern,
	}
	d.CompositeScore = compositeScore(b.PumpScore, accel, hasPattern, imb)

	if t, ok := e.st.Ticker(key); ok {
		d.HasTicker = true
		d.QuoteVolume24h = t.QuoteVolume24h
		d.PriceChangePct24h = t.PriceChangePct24h
	}
	return d
}

func usdVolumeSince(st *store.Store, key event.SymbolKey, d time.Duration) decimal.Decimal {
	trades := st.TradesSince(key, d)
	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(tr.Notional())
	}
	return total
}

// pumpScore implements spec.md §3: trades_1m * log10(usd_volume_1m + 1),
// falling back to trades_1m when usd_volume_1m is zero.
func pumpScore(trades1m int, usdVolume1m decimal.Decimal) float64 {
	if usdVolume1m.IsZero() {
		return float64(trades1m)
	}
	vol, _ := usdVolume1m.Float64()
	return float64(trades1m) * math.Log10(vol+1)
}

// acceleration implements spec.md §3/§4.5: trades_1m / (trades_2m -
// trades_1m), returning 1.0 without dividing when the difference is <= 0.
func acceleration(trades1m, trades2m int) float64 {
	denom := trades2m - trades1m
	if denom <= 0 {
		return 1.0
	}
	return float64(trades1m) / float64(denom)
}

// CapAcceleration applies the 5.0 cap wherever acceleration is consumed.
func CapAcceleration(a float64) float64 {
	if a > accelerationCap {
		return accelerationCap
	}
	return a
}

// imbalance implements spec.md §3: |buy-sell|/(buy+sell), 0 if total is 0.
func imbalance(buyUSD, sellUSD decimal.Decimal) float64 {
	total := buyUSD.Add(sellUSD)
	if total.IsZero() {
		return 0
	}
	diff := buyUSD.Sub(sellUSD).Abs()
	ratio, _ := diff.Div(total).Float64()
	return ratio
}

// compositeScore implements spec.md §3's composite formula.
func compositeScore(pumpScore, acceleration float64, hasPattern bool, imbalance float64) float64 {
	score := pumpScore * (1 + CapAcceleration(acceleration)/2)
	if hasPattern {
		score += 100
	}
	score += imbalance * 100
	return score
}
