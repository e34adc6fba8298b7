package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

const bybitName = "bybit"

const bybitMaxSymbolsPerConn = 200

const bybitPingInterval = 20 * time.Second

// Bybit implements Adapter against Bybit V5 linear perpetuals. No SDK for
// Bybit appears anywhere in the example pack, so REST uses a plain
// http.Client with the sawpanic-cryptorun BaseCollector timeout
// convention; streaming is the same gorilla/websocket dial-loop idiom as
// Binance, grounded directly on the teacher's BybitV5.Start (subscribe
// frame + periodic {"op":"ping"} keepalive).
type Bybit struct {
	httpc   *http.Client
	baseURL string
	dialURL string
	log     logging.Logger
	hb      heartbeatTracker
	state   stateHolder
	now     func() time.Time
}

func NewBybit(log logging.Logger, now func() time.Time) *Bybit {
	if now == nil {
		now = time.Now
	}
	return &Bybit{
		httpc:   &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.bybit.com",
		dialURL: "wss://stream.bybit.com/v5/public/linear",
		log:     logging.Component(log, "adapter.bybit"),
		now:     now,
	}
}

func (b *Bybit) Name() string           { return bybitName }
func (b *Bybit) Heartbeat() time.Time   { return b.hb.last() }
func (b *Bybit) Health() Health         { return b.hb.health(b.now()) }
func (b *Bybit) State() State           { return b.state.get() }

type bybitInstrumentsResp struct {
	Result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Status        string `json:"status"`
			PriceFilter   struct{ TickSize string `json:"tickSize"` } `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinNotional string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	} `json:"result"`
}

// ListSymbols implements spec.md §4.2's REST contract via Bybit's
// /v5/market/instruments-info endpoint.
func (b *Bybit) ListSymbols(ctx context.Context) ([]SymbolInfo, error) {
	var resp bybitInstrumentsResp
	if err := b.getJSON(ctx, "/v5/market/instruments-info?category=linear", &resp); err != nil {
		return nil, fmt.Errorf("bybit: instruments-info: %w", err)
	}
	out := make([]SymbolInfo, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		if s.Status != "Trading" {
			continue
		}
		out = append(out, SymbolInfo{
			Symbol:      s.Symbol,
			PriceStep:   s.PriceFilter.TickSize,
			QtyStep:     s.LotSizeFilter.QtyStep,
			MinNotional: s.LotSizeFilter.MinNotional,
		})
	}
	return out, nil
}

type bybitTickersResp struct {
	Result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Turnover24h  string `json:"turnover24h"`
			Price24hPcnt string `json:"price24hPcnt"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
		} `json:"list"`
	} `json:"result"`
}

// ListTickers24h implements the REST 24h-ticker contract via Bybit's
// /v5/market/tickers endpoint.
func (b *Bybit) ListTickers24h(ctx context.Context) ([]event.Ticker24h, error) {
	var resp bybitTickersResp
	if err := b.getJSON(ctx, "/v5/market/tickers?category=linear", &resp); err != nil {
		return nil, fmt.Errorf("bybit: tickers: %w", err)
	}
	out := make([]event.Ticker24h, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		lastPrice, err := decimal.NewFromString(s.LastPrice)
		if err != nil || lastPrice.Sign() <= 0 {
			obs.MalformedEvents.WithLabelValues(bybitName).Inc()
			continue
		}
		quoteVol, _ := decimal.NewFromString(s.Turnover24h)
		changePct, _ := decimal.NewFromString(s.Price24hPcnt)
		bid, _ := decimal.NewFromString(s.Bid1Price)
		ask, _ := decimal.NewFromString(s.Ask1Price)
		t, err := event.NewTicker24h(bybitName, s.Symbol, quoteVol, changePct.Mul(decimal.NewFromInt(100)), lastPrice, bid, ask)
		if err != nil {
			obs.MalformedEvents.WithLabelValues(bybitName).Inc()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Bybit) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type bybitTradeMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		Price string `json:"p"`
		Size  string `json:"v"`
		Side  string `json:"S"`
		Time  int64  `json:"T"`
	} `json:"data"`
}

// Subscribe streams publicTrade for symbols, chunked at
// bybitMaxSymbolsPerConn, reconnecting with the shared backoff policy.
func (b *Bybit) Subscribe(ctx context.Context, symbols []string, out chan<- event.Event) error {
	groups := chunk(symbols, bybitMaxSymbolsPerConn)
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

func (b *Bybit) runConn(ctx context.Context, symbols []string, out chan<- event.Event) {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		b.state.set(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.dialURL, nil)
		if err != nil {
			b.log.Warn("dial failed, backing off", zap.Error(err))
			obs.TransportReconnects.WithLabelValues(bybitName).Inc()
			if !sleep(ctx, bo.next()) {
				return
			}
			continue
		}
		b.state.set(StateOpen)

		args := make([]string, 0, len(symbols))
		for _, s := range symbols {
			args = append(args, "publicTrade."+strings.ToUpper(s))
		}
		sub := map[string]interface{}{"op": "subscribe", "args": args}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			if !sleep(ctx, bo.next()) {
				return
			}
			continue
		}
		b.state.set(StateSubscribed)
		bo.reset()

		connCtx, cancel := context.WithCancel(ctx)
		go b.pingLoop(connCtx, conn)

		b.readLoop(conn, out)
		cancel()
		conn.Close()
		obs.TransportReconnects.WithLabelValues(bybitName).Inc()
		if !sleep(ctx, bo.next()) {
			return
		}
	}
}

func (b *Bybit) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(bybitPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
				return
			}
		}
	}
}

func (b *Bybit) readLoop(conn *websocket.Conn, out chan<- event.Event) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg bybitTradeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			obs.ProtocolErrors.WithLabelValues(bybitName).Inc()
			continue
		}
		if !strings.HasPrefix(msg.Topic, "publicTrade.") {
			continue // subscription ack / pong, not a data frame
		}
		now := b.now()
		b.hb.touch(now)
		symbol := strings.TrimPrefix(msg.Topic, "publicTrade.")

		for _, d := range msg.Data {
			price, err1 := decimal.NewFromString(d.Price)
			qty, err2 := decimal.NewFromString(d.Size)
			if err1 != nil || err2 != nil {
				obs.MalformedEvents.WithLabelValues(bybitName).Inc()
				continue
			}
			side := event.Buy
			if d.Side == "Sell" {
				side = event.Sell
			}
			tr, err := event.NewTrade(bybitName, symbol, price, qty, side, time.UnixMilli(d.Time), now)
			if err != nil {
				obs.MalformedEvents.WithLabelValues(bybitName).Inc()
				continue
			}
			out <- event.Event{Kind: event.KindTrade, Trade: tr}
		}
	}
}
