package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

const binanceName = "binance"

// binanceMaxSymbolsPerConn is the adapter-specific connection symbol cap spec.md
// §4.2 requires subscriptions to be chunked against.
const binanceMaxSymbolsPerConn = 150

// Binance implements Adapter against Binance USD-M Futures: REST via
// go-binance/v2/futures (the teacher's apiValidationProbe client,
// generalized to the public, key-less market-data endpoints), streaming
// via a raw gorilla/websocket combined-stream dial loop grounded on the
// teacher's BinanceFutures.Start.
type Binance struct {
	rest      *futures.Client
	log       logging.Logger
	hb        heartbeatTracker
	state     stateHolder
	now       func() time.Time
	dialURL   string // overridable in tests
}

// NewBinance builds a Binance adapter. now defaults to time.Now.
func NewBinance(log logging.Logger, now func() time.Time) *Binance {
	if now == nil {
		now = time.Now
	}
	return &Binance{
		rest:    futures.NewClient("", ""),
		log:     logging.Component(log, "adapter.binance"),
		now:     now,
		dialURL: "wss://fstream.binance.com/stream",
	}
}

func (b *Binance) Name() string { return binanceName }

func (b *Binance) Heartbeat() time.Time { return b.hb.last() }

func (b *Binance) Health() Health { return b.hb.health(b.now()) }

// State returns the current subscription state machine position.
func (b *Binance) State() State { return b.state.get() }

// ListSymbols implements the REST list_symbols contract of spec.md §4.2.
func (b *Binance) ListSymbols(ctx context.Context) ([]SymbolInfo, error) {
	info, err := b.rest.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	out := make([]SymbolInfo, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		out = append(out, SymbolInfo{
			Symbol:      sym.Symbol,
			PriceStep:   filterValue(sym.Filters, "PRICE_FILTER", "tickSize"),
			QtyStep:     filterValue(sym.Filters, "LOT_SIZE", "stepSize"),
			MinNotional: filterValue(sym.Filters, "MIN_NOTIONAL", "notional"),
		})
	}
	return out, nil
}

// ListTickers24h implements the REST list_tickers24h contract.
func (b *Binance) ListTickers24h(ctx context.Context) ([]event.Ticker24h, error) {
	stats, err := b.rest.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: 24h stats: %w", err)
	}
	out := make([]event.Ticker24h, 0, len(stats))
	for _, s := range stats {
		lastPrice, err := decimal.NewFromString(s.LastPrice)
		if err != nil || lastPrice.Sign() <= 0 {
			obs.MalformedEvents.WithLabelValues(binanceName).Inc()
			continue
		}
		quoteVol, _ := decimal.NewFromString(s.QuoteVolume)
		changePct, _ := decimal.NewFromString(s.PriceChangePercent)
		t, err := event.NewTicker24h(binanceName, s.Symbol, quoteVol, changePct, lastPrice, decimal.Zero, decimal.Zero)
		if err != nil {
			obs.MalformedEvents.WithLabelValues(binanceName).Inc()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func filterValue(filters []map[string]interface{}, filterType, key string) string {
	for _, f := range filters {
		if ft, _ := f["filterType"].(string); ft == filterType {
			if v, ok := f[key].(string); ok {
				return v
			}
		}
	}
	return ""
}

type binanceCombinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceAggTrade struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	IsBuyMaker bool   `json:"m"`
	TradeTime int64  `json:"T"`
}

type binanceBookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// Subscribe streams aggTrade+bookTicker for symbols, chunked across
// connections at binanceMaxSymbolsPerConn, reconnecting with the shared
// backoff policy until ctx is cancelled.
func (b *Binance) Subscribe(ctx context.Context, symbols []string, out chan<- event.Event) error {
	groups := chunk(symbols, binanceMaxSymbolsPerConn)
	done := make(chan struct{}, len(groups))
	for _, g := range groups {
		g := g
		go func() {
			b.runConn(ctx, g, out)
			done <- struct{}{}
		}()
	}
	for range groups {
		<-done
	}
	b.state.set(StateClosed)
	return nil
}

func (b *Binance) runConn(ctx context.Context, symbols []string, out chan<- event.Event) {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		b.state.set(StateConnecting)
		streams := make([]string, 0, len(symbols)*2)
		for _, s := range symbols {
			lower := strings.ToLower(s)
			streams = append(streams, lower+"@aggTrade", lower+"@bookTicker")
		}
		url := b.dialURL + "?streams=" + strings.Join(streams, "/")

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			b.log.Warn("dial failed, backing off", zap.Error(err))
			obs.TransportReconnects.WithLabelValues(binanceName).Inc()
			if !sleep(ctx, bo.next()) {
				return
			}
			continue
		}
		b.state.set(StateOpen)
		b.state.set(StateSubscribed)
		bo.reset()

		b.readLoop(ctx, conn, out)
		conn.Close()
		obs.TransportReconnects.WithLabelValues(binanceName).Inc()
		if !sleep(ctx, bo.next()) {
			return
		}
	}
}

func (b *Binance) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- event.Event) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg binanceCombinedMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			obs.ProtocolErrors.WithLabelValues(binanceName).Inc()
			continue
		}
		now := b.now()
		b.hb.touch(now)

		switch {
		case strings.HasSuffix(msg.Stream, "@aggTrade"):
			b.handleTrade(msg.Data, now, out)
		case strings.HasSuffix(msg.Stream, "@bookTicker"):
			b.handleBookTicker(msg.Data, now, out)
		default:
			obs.ProtocolErrors.WithLabelValues(binanceName).Inc()
		}
	}
}

func (b *Binance) handleTrade(raw json.RawMessage, now time.Time, out chan<- event.Event) {
	var d binanceAggTrade
	if err := json.Unmarshal(raw, &d); err != nil {
		obs.ProtocolErrors.WithLabelValues(binanceName).Inc()
		return
	}
	price, err1 := decimal.NewFromString(d.Price)
	qty, err2 := decimal.NewFromString(d.Qty)
	if err1 != nil || err2 != nil {
		obs.MalformedEvents.WithLabelValues(binanceName).Inc()
		return
	}
	side := event.Buy
	if d.IsBuyMaker {
		side = event.Sell
	}
	tsServer := time.UnixMilli(d.TradeTime)
	tr, err := event.NewTrade(binanceName, d.Symbol, price, qty, side, tsServer, now)
	if err != nil {
		obs.MalformedEvents.WithLabelValues(binanceName).Inc()
		return
	}
	out <- event.Event{Kind: event.KindTrade, Trade: tr}
}

func (b *Binance) handleBookTicker(raw json.RawMessage, now time.Time, out chan<- event.Event) {
	var d binanceBookTicker
	if err := json.Unmarshal(raw, &d); err != nil {
		obs.ProtocolErrors.WithLabelValues(binanceName).Inc()
		return
	}
	bid, err1 := decimal.NewFromString(d.BidPrice)
	ask, err2 := decimal.NewFromString(d.AskPrice)
	if err1 != nil || err2 != nil {
		obs.MalformedEvents.WithLabelValues(binanceName).Inc()
		return
	}
	bidQty, _ := decimal.NewFromString(d.BidQty)
	askQty, _ := decimal.NewFromString(d.AskQty)
	q, err := event.NewQuote(binanceName, d.Symbol, bid, ask, bidQty, askQty, time.Time{}, now)
	if err != nil {
		obs.MalformedEvents.WithLabelValues(binanceName).Inc()
		return
	}
	out <- event.Event{Kind: event.KindQuote, Quote: q}
}

