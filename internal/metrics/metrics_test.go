package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/store"
)

func mkTrade(t *testing.T, exchange, symbol, price, qty string, side event.Side, ts time.Time) event.Trade {
	t.Helper()
	tr, err := event.NewTrade(exchange, symbol, decimal.RequireFromString(price), decimal.RequireFromString(qty), side, ts, ts)
	require.NoError(t, err)
	return tr
}

func TestAcceleration_DefaultsToOneWhenNonIncreasing(t *testing.T) {
	assert.Equal(t, 1.0, acceleration(5, 5))
	assert.Equal(t, 1.0, acceleration(5, 3))
	assert.Equal(t, 5.0, acceleration(10, 12))
}

func TestImbalance_ZeroWhenNoVolume(t *testing.T) {
	assert.Equal(t, 0.0, imbalance(decimal.Zero, decimal.Zero))
}

func TestImbalance_FullySkewed(t *testing.T) {
	assert.Equal(t, 1.0, imbalance(decimal.NewFromInt(100), decimal.Zero))
}

func TestPumpScore_FallsBackWhenNoVolume(t *testing.T) {
	assert.Equal(t, 7.0, pumpScore(7, decimal.Zero))
}

func TestCapAcceleration(t *testing.T) {
	assert.Equal(t, 5.0, CapAcceleration(9.0))
	assert.Equal(t, 2.0, CapAcceleration(2.0))
}

func TestEngine_Compute_SortsByTrades3mDesc(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 1000, SymbolCap: 100}, nil, func() time.Time { return base })

	for i := 0; i < 5; i++ {
		require.NoError(t, st.WriteTrade(mkTrade(t, "binance", "BTCUSDT", "100", "1", event.Buy, base)))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, st.WriteTrade(mkTrade(t, "binance", "ETHUSDT", "100", "1", event.Buy, base)))
	}

	eng := NewEngine(st, time.Second, 10, func() time.Time { return base })
	snap := eng.Compute()
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "BTC_USDT", snap.Rows[0].Key.Symbol)
	assert.Equal(t, 5, snap.Rows[0].Trades3m)
	assert.Equal(t, "ETH_USDT", snap.Rows[1].Key.Symbol)
}

func TestEngine_Compute_DetectsVolumePattern(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 1000, SymbolCap: 100}, nil, func() time.Time { return base })

	for i := 0; i < 10; i++ {
		require.NoError(t, st.WriteTrade(mkTrade(t, "binance", "BTCUSDT", "100", "1.5", event.Buy, base)))
	}

	eng := NewEngine(st, time.Second, 10, func() time.Time { return base })
	snap := eng.Compute()
	require.Len(t, snap.Rows, 1)
	assert.True(t, snap.Rows[0].HasVolumePattern)
}

func TestEngine_Compute_OnlyEnrichesTopK(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.New(store.Config{Window: time.Hour, TradesPerSymbolCap: 1000, SymbolCap: 100}, nil, func() time.Time { return base })

	require.NoError(t, st.WriteTrade(mkTrade(t, "binance", "AAAUSDT", "1", "1", event.Buy, base)))
	require.NoError(t, st.WriteTrade(mkTrade(t, "binance", "BBBUSDT", "1", "1", event.Buy, base)))

	eng := NewEngine(st, time.Second, 1, func() time.Time { return base })
	snap := eng.Compute()
	require.Len(t, snap.Rows, 2)
	// only the top-1 (by trades_3m/last_update/symbol tie-break) gets
	// enrichment; the cost target of spec.md §4.5 depends on this.
	assert.Equal(t, Detail{}, snap.Rows[1].Detail)
	assert.NotEqual(t, Detail{}, snap.Rows[0].Detail)
}
