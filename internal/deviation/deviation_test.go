package deviation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/store"
)

func mustQuote(t *testing.T, exchange, symbol, bid, ask string, ts time.Time) event.Quote {
	t.Helper()
	q, err := event.NewQuote(exchange, symbol, decimal.RequireFromString(bid), decimal.RequireFromString(ask), decimal.NewFromInt(1), decimal.NewFromInt(1), ts, ts)
	require.NoError(t, err)
	return q
}

func TestSweep_EmitsAboveThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 100, SymbolCap: 100}, nil, func() time.Time { return base })

	require.NoError(t, st.WriteQuote(mustQuote(t, "binance", "BTCUSDT", "100", "100.1", base)))
	require.NoError(t, st.WriteQuote(mustQuote(t, "bybit", "BTCUSDT", "101", "101.1", base)))

	eng := NewEngine(st, decimal.RequireFromString("0.10"), func() time.Time { return base })
	devs, sigs := eng.Sweep()
	require.Len(t, devs, 1)
	assert.Empty(t, sigs)
	assert.Equal(t, "binance", devs[0].ExCheap)
	assert.Equal(t, "bybit", devs[0].ExExpensive)
	assert.True(t, devs[0].DevPct.GreaterThan(decimal.Zero))
}

func TestSweep_NoEmissionBelowThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 100, SymbolCap: 100}, nil, func() time.Time { return base })

	require.NoError(t, st.WriteQuote(mustQuote(t, "binance", "BTCUSDT", "100.00", "100.01", base)))
	require.NoError(t, st.WriteQuote(mustQuote(t, "bybit", "BTCUSDT", "100.001", "100.011", base)))

	eng := NewEngine(st, decimal.RequireFromString("0.10"), func() time.Time { return base })
	devs, _ := eng.Sweep()
	assert.Empty(t, devs)
}

func TestSweep_SingleExchangeProducesNoDeviation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 100, SymbolCap: 100}, nil, func() time.Time { return base })
	require.NoError(t, st.WriteQuote(mustQuote(t, "binance", "BTCUSDT", "100", "100.1", base)))

	eng := NewEngine(st, decimal.RequireFromString("0.10"), func() time.Time { return base })
	devs, _ := eng.Sweep()
	assert.Empty(t, devs)
}

func TestPointAlign_NoLookAhead(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 100, SymbolCap: 100}, nil, func() time.Time { return base })
	key := event.NewSymbolKey("binance", "BTCUSDT")

	tr1, _ := event.NewTrade("binance", "BTCUSDT", decimal.RequireFromString("100"), decimal.NewFromInt(1), event.Buy, base, base)
	tr2, _ := event.NewTrade("binance", "BTCUSDT", decimal.RequireFromString("200"), decimal.NewFromInt(1), event.Buy, base.Add(10*time.Second), base.Add(10*time.Second))
	require.NoError(t, st.WriteTrade(tr1))
	require.NoError(t, st.WriteTrade(tr2))

	eng := NewEngine(st, decimal.RequireFromString("0.10"), func() time.Time { return base })
	price, ok := eng.PointAlign(key, base.Add(5*time.Second))
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("100")), "must not look ahead to the t=10s trade")
}

func TestSignalTracker_EntryThenExit(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newSignalTracker(
		decimal.RequireFromString("0.35"),
		decimal.RequireFromString("0.05"),
		10*time.Second,
		5*time.Minute,
	)

	ev, emitted := tr.observe("BTC_USDT", decimal.RequireFromString("0.40"), "binance", "bybit", base)
	require.True(t, emitted)
	assert.Equal(t, KindEntrySignal, ev.Kind)

	// still active and above exit threshold: no emission
	_, emitted = tr.observe("BTC_USDT", decimal.RequireFromString("0.20"), "binance", "bybit", base.Add(time.Second))
	assert.False(t, emitted)

	ev, emitted = tr.observe("BTC_USDT", decimal.RequireFromString("0.01"), "binance", "bybit", base.Add(2*time.Second))
	require.True(t, emitted)
	assert.Equal(t, KindExitSignal, ev.Kind)
}

func TestSignalTracker_CooldownBlocksImmediateReentry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newSignalTracker(
		decimal.RequireFromString("0.35"),
		decimal.RequireFromString("0.05"),
		10*time.Second,
		5*time.Minute,
	)
	_, _ = tr.observe("BTC_USDT", decimal.RequireFromString("0.40"), "binance", "bybit", base)
	_, _ = tr.observe("BTC_USDT", decimal.RequireFromString("0.01"), "binance", "bybit", base.Add(time.Second)) // exit

	_, emitted := tr.observe("BTC_USDT", decimal.RequireFromString("0.40"), "binance", "bybit", base.Add(2*time.Second))
	assert.False(t, emitted, "cooldown should block immediate re-entry")

	_, emitted = tr.observe("BTC_USDT", decimal.RequireFromString("0.40"), "binance", "bybit", base.Add(11*time.Second))
	assert.True(t, emitted, "re-entry should succeed once cooldown elapses")
}
