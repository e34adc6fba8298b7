// Package ingest implements C3, the ingestion orchestrator: symbol
// discovery/filtering, one supervised worker per exchange, and fan-in of
// every adapter's output onto a single bounded event channel read by C4.
//
// The one-goroutine-per-exchange shape is grounded on the teacher's
// CoinManager (main.go), generalized with the worker-restart supervision
// and bounded-channel backpressure policy spec.md §4.3/§4.4 require.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/adapter"
	"github.com/yohannesjx/screener/internal/config"
	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

// Status is the per-exchange worker lifecycle state, spec.md §4.3.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// restartDelay bounds the supervisor's restart-after-failure pause.
const restartDelay = 3 * time.Second

// localRelayBuffer absorbs short bursts between an adapter's own send and
// the relay's non-blocking forward onto the shared channel.
const localRelayBuffer = 256

// stopGrace bounds how long Stop waits for workers to exit cleanly.
const stopGrace = 2 * time.Second

// tickerRefreshInterval is spec.md §4.2's default 24h-ticker refresh
// period: list_tickers24h is re-polled on this cadence and pushed onto
// the fan-in channel so C5's ticker merge-in stays current.
const tickerRefreshInterval = 60 * time.Second

// healthCheckInterval bounds how often the supervisor polls an adapter's
// Health() to detect a silently-idle connection that never returned a
// read error.
const healthCheckInterval = 10 * time.Second

// Orchestrator is C3: it owns the filtered symbol discovery, the
// per-exchange supervised workers, and the fan-in channel C4 reads.
type Orchestrator struct {
	adapters map[string]adapter.Adapter
	cfg      map[string]config.ExchangeConfig
	out      chan event.Event

	log logging.Logger

	tickerInterval time.Duration
	healthInterval time.Duration

	mu     sync.Mutex
	status map[string]Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator. outCap bounds the shared fan-in channel
// (default 100,000 per spec.md §5); once full, the per-worker relay drops
// the newest event and increments BackpressureDrops rather than blocking
// the adapter's read loop.
func New(adapters map[string]adapter.Adapter, cfg map[string]config.ExchangeConfig, outCap int, log logging.Logger) *Orchestrator {
	return &Orchestrator{
		adapters:       adapters,
		cfg:            cfg,
		out:            make(chan event.Event, outCap),
		log:            logging.Component(log, "ingest"),
		status:         make(map[string]Status, len(adapters)),
		tickerInterval: tickerRefreshInterval,
		healthInterval: healthCheckInterval,
	}
}

// SetIntervals overrides the ticker-refresh and health-check cadences;
// both default to tickerRefreshInterval/healthCheckInterval. Exposed for
// tests that cannot wait out the production defaults.
func (o *Orchestrator) SetIntervals(tickerInterval, healthInterval time.Duration) {
	o.tickerInterval = tickerInterval
	o.healthInterval = healthInterval
}

// Events is the single process-wide channel C4 consumes.
func (o *Orchestrator) Events() <-chan event.Event { return o.out }

// Status returns the current lifecycle state for an exchange.
func (o *Orchestrator) Status(exchange string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status[exchange]
}

// Start launches one supervised worker per configured exchange: discover
// and filter symbols, then subscribe and fan events into the shared
// channel. It returns as soon as the worker goroutines are launched,
// without waiting for any of them; workers continue running in the
// background until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	for name, a := range o.adapters {
		name, a := name, a
		o.setStatus(name, StatusRunning)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.superviseWorker(ctx, name, a)
		}()
	}
}

// Stop cancels all workers and waits up to stopGrace for clean shutdown.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		o.log.Warn("ingestion shutdown grace period exceeded")
	}
}

func (o *Orchestrator) setStatus(exchange string, s Status) {
	o.mu.Lock()
	o.status[exchange] = s
	o.mu.Unlock()
}

// superviseWorker runs one exchange's discover-then-subscribe cycle,
// restarting after restartDelay on any failure so a single exchange's
// trouble never takes down its siblings (spec.md §4.3).
func (o *Orchestrator) superviseWorker(ctx context.Context, name string, a adapter.Adapter) {
	for {
		if ctx.Err() != nil {
			o.setStatus(name, StatusStopped)
			return
		}

		symbols, err := o.discoverSymbols(ctx, name, a)
		if err != nil {
			o.log.Error("symbol discovery failed", zap.String("exchange", name), zap.Error(err))
			o.setStatus(name, StatusFailed)
			if !waitOrDone(ctx, restartDelay) {
				return
			}
			continue
		}
		if len(symbols) == 0 {
			o.log.Warn("no symbols passed filter", zap.String("exchange", name))
			if !waitOrDone(ctx, restartDelay) {
				return
			}
			continue
		}

		o.setStatus(name, StatusRunning)
		subCtx, subCancel := context.WithCancel(ctx)
		local := make(chan event.Event, localRelayBuffer)
		relayDone := make(chan struct{})
		go func() {
			o.relay(subCtx, local)
			close(relayDone)
		}()
		go o.refreshTickers(subCtx, name, a)
		go o.watchHealth(subCtx, name, a, subCancel)

		err = a.Subscribe(subCtx, symbols, local)
		subCancel()
		close(local)
		<-relayDone
		if ctx.Err() != nil {
			o.setStatus(name, StatusStopped)
			return
		}
		if err != nil {
			o.log.Error("subscription ended with error", zap.String("exchange", name), zap.Error(err))
		}
		o.setStatus(name, StatusFailed)
		if !waitOrDone(ctx, restartDelay) {
			return
		}
	}
}

// relay forwards events from an adapter's local channel onto the shared
// fan-in channel, implementing spec.md §5's drop-newest backpressure
// policy: when the shared channel is full, the newest trade is dropped
// and counted rather than blocking the adapter's read loop.
func (o *Orchestrator) relay(ctx context.Context, local <-chan event.Event) {
	for {
		select {
		case ev, ok := <-local:
			if !ok {
				return
			}
			select {
			case o.out <- ev:
			default:
				obs.BackpressureDrops.Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}

// refreshTickers re-polls list_tickers24h on tickerRefreshInterval for the
// lifetime of one subscription attempt and pushes each snapshot onto the
// shared fan-in channel, keeping C5's ticker merge-in (volume_24h,
// price_change_pct_24h) current at runtime rather than only at startup
// (spec.md §4.2).
func (o *Orchestrator) refreshTickers(ctx context.Context, name string, a adapter.Adapter) {
	t := time.NewTicker(o.tickerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tickers, err := a.ListTickers24h(ctx)
			if err != nil {
				o.log.Warn("ticker refresh failed", zap.String("exchange", name), zap.Error(err))
				continue
			}
			for _, tk := range tickers {
				ev := event.Event{Kind: event.KindTicker24h, Ticker: tk}
				select {
				case o.out <- ev:
				default:
					obs.BackpressureDrops.Inc()
				}
			}
		}
	}
}

// watchHealth polls an adapter's Health() on healthCheckInterval, updates
// the AdapterDegraded gauge, and forces a reconnect by cancelling the
// subscription's context once the adapter goes Dead — the complement to
// the read-error reconnect trigger, for a connection that silently stops
// pushing data without closing (spec.md §4.2's 60s Dead threshold).
func (o *Orchestrator) watchHealth(ctx context.Context, name string, a adapter.Adapter, forceReconnect context.CancelFunc) {
	t := time.NewTicker(o.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			switch a.Health() {
			case adapter.HealthDead:
				obs.AdapterDegraded.WithLabelValues(name).Set(1)
				o.log.Warn("adapter heartbeat dead, forcing reconnect", zap.String("exchange", name))
				forceReconnect()
				return
			case adapter.HealthDegraded:
				obs.AdapterDegraded.WithLabelValues(name).Set(1)
			default:
				obs.AdapterDegraded.WithLabelValues(name).Set(0)
			}
		}
	}
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// discoverSymbols implements spec.md §4.3 step 1: join list_symbols with
// list_tickers24h by symbol, apply volume bounds, the exclusion list, and
// the optional cross-exchange "also listed on a major exchange" filter.
func (o *Orchestrator) discoverSymbols(ctx context.Context, name string, a adapter.Adapter) ([]string, error) {
	infos, err := a.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := a.ListTickers24h(ctx)
	if err != nil {
		return nil, err
	}
	volByRawSymbol := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		volByRawSymbol[t.Symbol] = t.QuoteVolume24h
	}

	cfg := o.cfg[name]
	excluded := make(map[string]struct{}, len(cfg.ExcludeSymbols))
	for _, s := range cfg.ExcludeSymbols {
		excluded[event.Normalize(name, s)] = struct{}{}
	}

	var majorSymbols map[string]struct{}
	if cfg.ExcludeIfOnMajor != "" {
		if major, ok := o.adapters[cfg.ExcludeIfOnMajor]; ok {
			majorInfos, err := major.ListSymbols(ctx)
			if err == nil {
				majorSymbols = make(map[string]struct{}, len(majorInfos))
				for _, mi := range majorInfos {
					majorSymbols[event.Normalize(cfg.ExcludeIfOnMajor, mi.Symbol)] = struct{}{}
				}
			}
		}
	}

	out := make([]string, 0, len(infos))
	for _, info := range infos {
		canonical := event.Normalize(name, info.Symbol)
		if _, skip := excluded[canonical]; skip {
			continue
		}
		if majorSymbols != nil {
			if _, onMajor := majorSymbols[canonical]; onMajor {
				continue
			}
		}
		vol, ok := volByRawSymbol[canonical]
		if !ok {
			continue
		}
		if cfg.MinQuoteVolume24h.IsPositive() && vol.LessThan(cfg.MinQuoteVolume24h) {
			continue
		}
		if cfg.MaxQuoteVolume24h.IsPositive() && vol.GreaterThan(cfg.MaxQuoteVolume24h) {
			continue
		}
		out = append(out, info.Symbol)
	}
	return out, nil
}
