// Package deviation implements C6, the cross-exchange deviation and
// alignment engine: a backward as-of join of per-symbol quotes across
// exchanges, with threshold filtering and an optional entry/exit signal
// overlay.
//
// The spread-over-threshold computation is grounded directly on
// NeuraTrade's MarketDataQualityService.checkCrossExchangeValidation
// (percentage spread between two exchanges' prices compared against a
// configured threshold, emitting only when the spread exceeds it); the
// signal overlay's entry/active/cooldown state machine is adapted from
// the teacher's SignalFilter debounce/cooldown maps (main.go).
package deviation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/store"
)

// DefaultSweepInterval is C6's deviation-sweep tick period.
const DefaultSweepInterval = 100 * time.Millisecond

// Deviation is the record C6 emits to C7 on each sweep (spec.md §4.6).
type Deviation struct {
	Symbol           string
	ExCheap          string
	ExExpensive      string
	BidCheap         decimal.Decimal
	BidExpensive     decimal.Decimal
	DevPct           decimal.Decimal
	Ts               time.Time
	// StaleSideAge is how far behind the older side's quote is relative
	// to the newer one, carried per spec.md §4.6's failure model so
	// downstream policy can discount a deviation from disagreeing clocks.
	StaleSideAge time.Duration
}

// Engine runs C6's point-alignment lookups and periodic deviation sweep.
type Engine struct {
	st           *store.Store
	minThreshold decimal.Decimal
	now          func() time.Time
	signals      *signalTracker
}

// NewEngine builds a deviation engine. minThreshold is threshold_min
// (default 0.10%), expressed as a percentage (e.g. "0.10" means 0.10%).
func NewEngine(st *store.Store, minThreshold decimal.Decimal, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{st: st, minThreshold: minThreshold, now: now}
}

// EnableSignals turns on the optional entry/exit signal overlay (spec.md
// §4.6), disabled by default.
func (e *Engine) EnableSignals(entryThreshold, exitThreshold decimal.Decimal, cooldown, expiry time.Duration) {
	e.signals = newSignalTracker(entryThreshold, exitThreshold, cooldown, expiry)
}

// PointAlign implements spec.md §4.6 operation 1: the most recent known
// price for (exchange, symbol) with ts <= at, or ok=false if no such
// trade exists. It never looks ahead in time.
func (e *Engine) PointAlign(key event.SymbolKey, at time.Time) (decimal.Decimal, bool) {
	trades := e.st.Snapshot(key)
	for i := len(trades) - 1; i >= 0; i-- {
		if !trades[i].Ts().After(at) {
			return trades[i].Price, true
		}
	}
	return decimal.Zero, false
}

// symbolExchanges groups the currently tracked (exchange,symbol) keys by
// normalized symbol, the index C6 rebuilds in full from the store's key
// set on each sweep (spec.md §4.6's "data the engine keeps").
func symbolExchanges(keys []event.SymbolKey) map[string][]event.SymbolKey {
	out := make(map[string][]event.SymbolKey)
	for _, k := range keys {
		out[k.Symbol] = append(out[k.Symbol], k)
	}
	return out
}

// Sweep implements spec.md §4.6 operation 2: for every symbol tracked on
// >= 2 exchanges, compute the deviation across every unordered exchange
// pair and return those at or above the configured threshold. Emitted
// signals (if enabled) are returned as the second result.
func (e *Engine) Sweep() (devs []Deviation, signals []Event) {
	now := e.now()
	bySymbol := symbolExchanges(e.st.Keys())

	for symbol, keys := range bySymbol {
		if len(keys) < 2 {
			continue
		}
		var maxDev Deviation
		haveDev := false

		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				dev, ok := e.pairDeviation(symbol, keys[i], keys[j], now)
				if !ok {
					continue
				}
				if dev.DevPct.Abs().GreaterThanOrEqual(e.minThreshold) {
					devs = append(devs, dev)
				}
				if !haveDev || dev.DevPct.Abs().GreaterThan(maxDev.DevPct.Abs()) {
					maxDev = dev
					haveDev = true
				}
			}
		}

		if e.signals != nil && haveDev {
			if sig, emitted := e.signals.observe(symbol, maxDev.DevPct.Abs(), maxDev.ExCheap, maxDev.ExExpensive, now); emitted {
				signals = append(signals, sig)
			}
		}
	}
	return devs, signals
}

// pairDeviation computes the bid/bid deviation between two exchanges
// quoting the same symbol, preferring the live quote and falling back to
// the latest trade price only when no quote exists (the resolution of
// spec.md §9's trade-price-vs-quote-bid open question).
func (e *Engine) pairDeviation(symbol string, a, b event.SymbolKey, now time.Time) (Deviation, bool) {
	priceA, tsA, okA := e.bidOrLastPrice(a)
	priceB, tsB, okB := e.bidOrLastPrice(b)
	if !okA || !okB || priceA.Sign() <= 0 || priceB.Sign() <= 0 {
		return Deviation{}, false
	}

	cheapKey, cheap, expKey, exp, cheapTs, expTs := a, priceA, b, priceB, tsA, tsB
	if priceB.LessThan(priceA) {
		cheapKey, cheap, expKey, exp, cheapTs, expTs = b, priceB, a, priceA, tsB, tsA
	}

	devPct := exp.Sub(cheap).Div(cheap).Mul(decimal.NewFromInt(100))
	staleAge := cheapTs.Sub(expTs)
	if staleAge < 0 {
		staleAge = -staleAge
	}

	return Deviation{
		Symbol:       symbol,
		ExCheap:      cheapKey.Exchange,
		ExExpensive:  expKey.Exchange,
		BidCheap:     cheap,
		BidExpensive: exp,
		DevPct:       devPct,
		Ts:           now,
		StaleSideAge: staleAge,
	}, true
}

func (e *Engine) bidOrLastPrice(key event.SymbolKey) (decimal.Decimal, time.Time, bool) {
	if q, ok := e.st.LastQuote(key); ok && q.BestBid.Sign() > 0 {
		return q.BestBid, q.Ts(), true
	}
	if p, ok := e.st.LastPrice(key); ok && p.Sign() > 0 {
		lu, _ := e.st.LastUpdate(key)
		return p, lu, true
	}
	return decimal.Zero, time.Time{}, false
}

// Run ticks the sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, emit func([]Deviation, []Event)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			devs, sigs := e.Sweep()
			if len(devs) > 0 || len(sigs) > 0 {
				emit(devs, sigs)
			}
		}
	}
}
