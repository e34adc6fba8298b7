// Package obs holds the process-wide Prometheus collectors for the
// counted error kinds of spec.md §7 and a handful of gauges used to watch
// the pipeline's health without reaching into component internals.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MalformedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_malformed_events_total",
		Help: "Events dropped by an adapter for non-positive price/qty or unrecognized side.",
	}, []string{"exchange"})

	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_protocol_errors_total",
		Help: "Unrecognized/inconsistent wire messages dropped without tearing the connection.",
	}, []string{"exchange"})

	TransportReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_transport_reconnects_total",
		Help: "Adapter reconnect attempts following a TransportError.",
	}, []string{"exchange"})

	BackpressureDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ingestion_backpressure_drops_total",
		Help: "Newest events (trades, quotes, tickers) dropped because the ingestion channel was full.",
	})

	ClientOverflows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_client_overflow_total",
		Help: "Oldest queued message dropped because a client session's outbound queue was full.",
	}, []string{"session"})

	IntegrityErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_integrity_errors_total",
		Help: "Rejected writes that would have violated a C4 invariant (e.g. non-monotonic last_update).",
	}, []string{"exchange", "symbol"})

	ActiveSymbols = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_active_symbols",
		Help: "Current number of (exchange,symbol) keys held by the rolling-window store.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_active_sessions",
		Help: "Current number of connected client sessions.",
	})

	AdapterDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screener_adapter_degraded",
		Help: "1 if the adapter has not produced an event in >30s, else 0.",
	}, []string{"exchange"})
)

func init() {
	prometheus.MustRegister(
		MalformedEvents, ProtocolErrors, TransportReconnects, BackpressureDrops,
		ClientOverflows, IntegrityErrors, ActiveSymbols, ActiveSessions, AdapterDegraded,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
