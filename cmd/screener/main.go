// Command screener runs the full real-time market-data screener pipeline:
// exchange ingestion (C2/C3), the rolling-window store (C4), the metrics
// and deviation engines (C5/C6), broadcast aggregation (C7), and the
// client session manager (C8), wired together and served over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/adapter"
	"github.com/yohannesjx/screener/internal/broadcast"
	"github.com/yohannesjx/screener/internal/config"
	"github.com/yohannesjx/screener/internal/deviation"
	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/ingest"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/metrics"
	"github.com/yohannesjx/screener/internal/obs"
	"github.com/yohannesjx/screener/internal/session"
	"github.com/yohannesjx/screener/internal/store"
)

// shutdownGrace bounds how long workers get to exit on cancellation
// (spec.md §5).
const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code. spec.md §6: non-zero only on
// unrecoverable startup errors (bad config, port bind failure); runtime
// failures of individual adapters never exit the process.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	log, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Config{
		Window:             cfg.Window.Duration,
		TradesPerSymbolCap: cfg.Window.TradesPerSymbolCap,
		SymbolCap:          cfg.Window.SymbolCap,
		ClockSkewTolerance: 5 * time.Second,
	}, log, nil)

	adapters := buildAdapters(log)
	orch := ingest.New(adapters, cfg.Exchanges, 100000, log)
	orch.Start(ctx)
	defer orch.Stop()

	go consumeEvents(ctx, st, orch.Events(), cfg, log)

	metricsEngine := metrics.NewEngine(st, metrics.DefaultTick, cfg.Broadcast.DetailTopK, nil)
	devEngine := deviation.NewEngine(st, cfg.Deviation.MinThresholdPct, nil)
	if cfg.Signals.Enabled {
		devEngine.EnableSignals(cfg.Signals.EntryThresholdPct, cfg.Signals.ExitThresholdPct, cfg.Signals.Cooldown, cfg.Signals.Expiry)
	}

	sessions := session.NewManager(log, session.DefaultQueueCapacity, session.DefaultHeartbeatTimeout)
	broadcastEngine := broadcast.NewEngine(st, cfg.Broadcast.AggregateInterval, cfg.Broadcast.MetadataEveryNTicks, cfg.Broadcast.TopN, nil)

	go metricsEngine.Run(ctx, func(snap metrics.Snapshot) {
		broadcastEngine.SetSnapshot(snap)
	})
	go devEngine.Run(ctx, cfg.Deviation.SweepInterval, func(devs []deviation.Deviation, sigs []deviation.Event) {
		broadcast.PublishDeviations(sessions, time.Now(), devs)
		broadcast.PublishSignals(sessions, cfg.Signals.Expiry, sigs)
	})
	go broadcastEngine.Run(ctx, st.Keys, sessions)

	mux := http.NewServeMux()
	mux.Handle("/", sessions)
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", healthHandler)

	srv := &http.Server{Addr: cfg.Server.StreamListen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.StreamListen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed to bind", zap.Error(err))
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// buildAdapters constructs the adapter set C3 supervises. Exchanges are
// fixed at the two REST/WS integrations this build ships (spec.md's
// "unique ExchangeName string" contract supports adding more here).
func buildAdapters(log logging.Logger) map[string]adapter.Adapter {
	return map[string]adapter.Adapter{
		"binance": adapter.NewBinance(log, nil),
		"bybit":   adapter.NewBybit(log, nil),
	}
}

// consumeEvents is C4's write-side consumer loop: every event off the
// ingestion channel is written into the store, honoring the streams.*
// feature toggles of spec.md §6.
func consumeEvents(ctx context.Context, st *store.Store, in <-chan event.Event, cfg *config.Config, log logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			switch ev.Kind {
			case event.KindTrade:
				if !cfg.Streams.EnableTrades {
					continue
				}
				if err := st.WriteTrade(ev.Trade); err != nil {
					log.Debug("trade write rejected", zap.Error(err))
				}
			case event.KindQuote:
				if !cfg.Streams.EnableQuotes {
					continue
				}
				if err := st.WriteQuote(ev.Quote); err != nil {
					log.Debug("quote write rejected", zap.Error(err))
				}
			case event.KindTicker24h:
				st.WriteTicker(ev.Ticker)
			}
		}
	}
}
