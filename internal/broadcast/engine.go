package broadcast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yohannesjx/screener/internal/deviation"
	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/metrics"
	"github.com/yohannesjx/screener/internal/store"
)

// DefaultAggregateInterval is C7's OHLCV aggregation tick (200ms).
const DefaultAggregateInterval = 200 * time.Millisecond

// DefaultMetadataEveryNTicks is N_meta: one metadata snapshot every this
// many aggregation ticks (default 10 -> 2s).
const DefaultMetadataEveryNTicks = 10

// Publisher is what C8 implements to receive outbound messages for
// fan-out to client sessions.
type Publisher interface {
	Publish(Message)
}

// Engine runs C7's two independently timed cadences: per-symbol OHLCV
// aggregation every aggregate_interval, and a ranked-metadata snapshot
// every N_meta aggregation ticks.
type Engine struct {
	st       *store.Store
	interval time.Duration
	everyN   int
	topN     int
	now      func() time.Time

	latestSnapshot metrics.Snapshot
	hasSnapshot    bool
}

// NewEngine builds a broadcast engine.
func NewEngine(st *store.Store, interval time.Duration, everyN, topN int, now func() time.Time) *Engine {
	if interval <= 0 {
		interval = DefaultAggregateInterval
	}
	if everyN <= 0 {
		everyN = DefaultMetadataEveryNTicks
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{st: st, interval: interval, everyN: everyN, topN: topN, now: now}
}

// SetSnapshot feeds the latest C5 ranked snapshot in; the next metadata
// tick will publish from it.
func (e *Engine) SetSnapshot(s metrics.Snapshot) {
	e.latestSnapshot = s
	e.hasSnapshot = true
}

// Run drives both cadences off a single aggregation ticker, matching the
// teacher's PriceThrottler shape: one ticker, a tick counter gates the
// slower cadence.
func (e *Engine) Run(ctx context.Context, keys func() []event.SymbolKey, pub Publisher) {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick++
			e.publishAggregates(keys(), pub)
			if tick%e.everyN == 0 {
				e.publishMetadataSnapshot(pub)
			}
		}
	}
}

// publishAggregates implements spec.md §4.7's 200ms cadence: drain each
// symbol's pending-broadcast slice, compute one OHLCV bucket, emit a
// trade_aggregate message. Empty staging slots produce no message.
func (e *Engine) publishAggregates(keys []event.SymbolKey, pub Publisher) {
	now := e.now()
	for _, key := range keys {
		trades := e.st.DrainPending(key)
		if len(trades) == 0 {
			continue
		}
		agg := aggregateOHLCV(trades, now)
		pub.Publish(Message{
			Type:      TypeTradeAggregate,
			Symbol:    key.Symbol,
			Aggregate: &agg,
		})
	}
}

func aggregateOHLCV(trades []event.Trade, now time.Time) Aggregate {
	open := trades[0].Price
	high := trades[0].Price
	low := trades[0].Price
	close := trades[len(trades)-1].Price
	volume := decimal.Zero
	buyVolume := decimal.Zero
	sellVolume := decimal.Zero

	for _, tr := range trades {
		if tr.Price.GreaterThan(high) {
			high = tr.Price
		}
		if tr.Price.LessThan(low) {
			low = tr.Price
		}
		notional := tr.Notional()
		volume = volume.Add(notional)
		switch tr.Side {
		case event.Buy:
			buyVolume = buyVolume.Add(notional)
		case event.Sell:
			sellVolume = sellVolume.Add(notional)
		}
	}

	return Aggregate{
		TimestampMs: now.UnixMilli(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		Volume:      volume,
		TradeCount:  len(trades),
		BuyVolume:   buyVolume,
		SellVolume:  sellVolume,
	}
}

// publishMetadataSnapshot implements spec.md §4.7's metadata cadence: the
// latest C5 ranked snapshot becomes one all_symbols_scored message plus
// one top_N_update message.
func (e *Engine) publishMetadataSnapshot(pub Publisher) {
	if !e.hasSnapshot {
		return
	}
	snap := e.latestSnapshot
	ts := snap.Ts.UnixMilli()

	scored := make([]ScoredSymbol, len(snap.Rows))
	for i, r := range snap.Rows {
		scored[i] = toScoredSymbol(r)
	}
	pub.Publish(Message{
		Type:        TypeAllSymbolsScored,
		TimestampMs: ts,
		Total:       len(scored),
		Symbols:     scored,
	})

	topN := e.topN
	if topN > len(snap.Rows) {
		topN = len(snap.Rows)
	}
	top := make([]string, topN)
	for i := 0; i < topN; i++ {
		top[i] = snap.Rows[i].Key.Symbol
	}
	pub.Publish(Message{
		Type:        TypeTopNUpdate,
		TimestampMs: ts,
		Symbols:     top,
	})
}

// PublishDeviations implements spec.md §4.7's passthrough: C6 output
// becomes one deviation_update message as it arrives.
func PublishDeviations(pub Publisher, now time.Time, devs []deviation.Deviation) {
	if len(devs) == 0 {
		return
	}
	records := make([]DevRecord, len(devs))
	for i, d := range devs {
		records[i] = toDevRecord(d)
	}
	pub.Publish(Message{
		Type:        TypeDeviationUpdate,
		TimestampMs: now.UnixMilli(),
		Count:       len(records),
		Deviations:  records,
	})
}

// PublishSignals turns C6's optional entry/exit overlay events into
// entry_signal/exit_signal messages.
func PublishSignals(pub Publisher, expiry time.Duration, sigs []deviation.Event) {
	for _, s := range sigs {
		msgType := TypeEntrySignal
		if s.Kind == deviation.KindExitSignal {
			msgType = TypeExitSignal
		}
		pub.Publish(Message{
			Type:          msgType,
			Symbol:        s.Symbol,
			TimestampMs:   s.Ts.UnixMilli(),
			DeviationPct:  s.DevPct,
			CheapExchange: s.ExCheap,
			ExpensiveExch: s.ExExpensive,
			ExpiresAtMs:   s.Ts.Add(expiry).UnixMilli(),
		})
	}
}
