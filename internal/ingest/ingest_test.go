package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohannesjx/screener/internal/adapter"
	"github.com/yohannesjx/screener/internal/config"
	"github.com/yohannesjx/screener/internal/event"
)

type fakeAdapter struct {
	name         string
	symbols      []adapter.SymbolInfo
	tickers      []event.Ticker24h
	subscribeErr error
	subscribed   int32
	health       int32 // atomic adapter.Health
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ListSymbols(ctx context.Context) ([]adapter.SymbolInfo, error) {
	return f.symbols, nil
}
func (f *fakeAdapter) ListTickers24h(ctx context.Context) ([]event.Ticker24h, error) {
	return f.tickers, nil
}
func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []string, out chan<- event.Event) error {
	atomic.AddInt32(&f.subscribed, 1)
	<-ctx.Done()
	return f.subscribeErr
}
func (f *fakeAdapter) Heartbeat() time.Time { return time.Now() }
func (f *fakeAdapter) Health() adapter.Health {
	return adapter.Health(atomic.LoadInt32(&f.health))
}
func (f *fakeAdapter) setHealth(h adapter.Health) { atomic.StoreInt32(&f.health, int32(h)) }

func mustTicker(t *testing.T, exchange, symbol, vol string) event.Ticker24h {
	t.Helper()
	tk, err := event.NewTicker24h(exchange, symbol, decimal.RequireFromString(vol), decimal.Zero, decimal.NewFromInt(1), decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	return tk
}

func TestDiscoverSymbols_AppliesVolumeBounds(t *testing.T) {
	a := &fakeAdapter{
		name: "binance",
		symbols: []adapter.SymbolInfo{
			{Symbol: "BTCUSDT"}, {Symbol: "SHIBUSDT"}, {Symbol: "HUGEUSDT"},
		},
		tickers: []event.Ticker24h{
			mustTicker(t, "binance", "BTCUSDT", "50000000"),
			mustTicker(t, "binance", "SHIBUSDT", "100"),
			mustTicker(t, "binance", "HUGEUSDT", "999999999999"),
		},
	}
	cfg := map[string]config.ExchangeConfig{
		"binance": {MinQuoteVolume24h: decimal.RequireFromString("1000"), MaxQuoteVolume24h: decimal.RequireFromString("1000000000")},
	}
	o := New(map[string]adapter.Adapter{"binance": a}, cfg, 100, nil)
	symbols, err := o.discoverSymbols(context.Background(), "binance", a)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestDiscoverSymbols_AppliesExclusionList(t *testing.T) {
	a := &fakeAdapter{
		name:    "binance",
		symbols: []adapter.SymbolInfo{{Symbol: "BTCUSDT"}, {Symbol: "SCAMUSDT"}},
		tickers: []event.Ticker24h{
			mustTicker(t, "binance", "BTCUSDT", "1000000"),
			mustTicker(t, "binance", "SCAMUSDT", "1000000"),
		},
	}
	cfg := map[string]config.ExchangeConfig{
		"binance": {ExcludeSymbols: []string{"SCAMUSDT"}},
	}
	o := New(map[string]adapter.Adapter{"binance": a}, cfg, 100, nil)
	symbols, err := o.discoverSymbols(context.Background(), "binance", a)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestDiscoverSymbols_CrossExchangeMajorExclusion(t *testing.T) {
	binance := &fakeAdapter{
		name:    "binance",
		symbols: []adapter.SymbolInfo{{Symbol: "BTCUSDT"}},
		tickers: []event.Ticker24h{mustTicker(t, "binance", "BTCUSDT", "1000000")},
	}
	shady := &fakeAdapter{
		name:    "shady",
		symbols: []adapter.SymbolInfo{{Symbol: "BTCUSDT"}},
		tickers: []event.Ticker24h{mustTicker(t, "shady", "BTCUSDT", "1000000")},
	}
	cfg := map[string]config.ExchangeConfig{
		"shady": {ExcludeIfOnMajor: "binance"},
	}
	o := New(map[string]adapter.Adapter{"binance": binance, "shady": shady}, cfg, 100, nil)
	symbols, err := o.discoverSymbols(context.Background(), "shady", shady)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestOrchestrator_StartStop_SubscribesThenStops(t *testing.T) {
	good := &fakeAdapter{
		name:    "good",
		symbols: []adapter.SymbolInfo{{Symbol: "BTCUSDT"}},
		tickers: []event.Ticker24h{mustTicker(t, "good", "BTCUSDT", "1000000")},
	}
	o := New(map[string]adapter.Adapter{"good": good}, map[string]config.ExchangeConfig{}, 10, nil)

	ctx := context.Background()
	o.Start(ctx)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&good.subscribed) > 0
	}, time.Second, 5*time.Millisecond)

	o.Stop()
	assert.Equal(t, StatusStopped, o.Status("good"))
}

func TestRefreshTickers_PushesTickerEventOntoChannel(t *testing.T) {
	a := &fakeAdapter{
		name:    "binance",
		tickers: []event.Ticker24h{mustTicker(t, "binance", "BTCUSDT", "12345")},
	}
	o := New(map[string]adapter.Adapter{"binance": a}, map[string]config.ExchangeConfig{}, 10, nil)
	o.SetIntervals(5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.refreshTickers(ctx, "binance", a)

	select {
	case ev := <-o.Events():
		assert.Equal(t, event.KindTicker24h, ev.Kind)
		assert.Equal(t, "BTC_USDT", ev.Ticker.Symbol)
	case <-time.After(time.Second):
		t.Fatal("expected a ticker event to be pushed onto the fan-in channel")
	}
}

func TestWatchHealth_ForcesReconnectWhenDead(t *testing.T) {
	a := &fakeAdapter{name: "binance"}
	a.setHealth(adapter.HealthDead)
	o := New(map[string]adapter.Adapter{"binance": a}, map[string]config.ExchangeConfig{}, 10, nil)
	o.SetIntervals(time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go o.watchHealth(subCtx, "binance", a, subCancel)

	select {
	case <-subCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected watchHealth to force-cancel the subscription context")
	}
}

func TestStatus_StringValues(t *testing.T) {
	assert.Equal(t, "not_started", StatusNotStarted.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "failed", StatusFailed.String())
}
