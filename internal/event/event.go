// Package event defines the normalized trade/quote/ticker model all
// exchange adapters produce, plus the symbol normalization rules shared
// by every downstream component.
package event

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedEvent is returned when a factory is asked to build an event
// from invalid inputs (non-positive price/qty, unknown side). Adapters
// must drop the offending message and count it; it must never reach C4.
var ErrMalformedEvent = errors.New("event: malformed")

// Side is the taker side of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Kind discriminates the event variants carried on the ingestion channel.
type Kind int

const (
	KindTrade Kind = iota
	KindQuote
	KindTicker24h
)

// Trade is a single executed trade, normalized across exchanges.
type Trade struct {
	Exchange  string
	Symbol    string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Side      Side
	TsServer  time.Time // authoritative when present
	TsLocal   time.Time // fallback
}

// Ts returns the authoritative timestamp: ts_server when set, else ts_local.
func (t Trade) Ts() time.Time {
	if !t.TsServer.IsZero() {
		return t.TsServer
	}
	return t.TsLocal
}

// Notional is price*qty, the USD value of the trade.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Qty)
}

// Quote is the most recent top-of-book snapshot for a symbol.
type Quote struct {
	Exchange string
	Symbol   string
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	BidQty   decimal.Decimal // optional, may be zero
	AskQty   decimal.Decimal // optional, may be zero
	TsServer time.Time
	TsLocal  time.Time
}

func (q Quote) Ts() time.Time {
	if !q.TsServer.IsZero() {
		return q.TsServer
	}
	return q.TsLocal
}

// Ticker24h is a REST-sourced rolling-24h snapshot, refreshed periodically.
type Ticker24h struct {
	Exchange          string
	Symbol            string
	QuoteVolume24h    decimal.Decimal
	PriceChangePct24h decimal.Decimal
	LastPrice         decimal.Decimal
	BestBid           decimal.Decimal // optional
	BestAsk           decimal.Decimal // optional
}

// Event is the tagged union consumed by the ingestion channel (C3->C4).
// Exactly one of Trade/Quote/Ticker is populated, per Kind.
type Event struct {
	Kind   Kind
	Trade  Trade
	Quote  Quote
	Ticker Ticker24h
}

// NewTrade validates and constructs a Trade event. Price and Qty must be
// strictly positive and Side must be one of the two allowed tokens.
func NewTrade(exchange, symbol string, price, qty decimal.Decimal, side Side, tsServer, tsLocal time.Time) (Trade, error) {
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return Trade{}, ErrMalformedEvent
	}
	if side != Buy && side != Sell {
		return Trade{}, ErrMalformedEvent
	}
	return Trade{
		Exchange: exchange,
		Symbol:   Normalize(exchange, symbol),
		Price:    price,
		Qty:      qty,
		Side:     side,
		TsServer: tsServer,
		TsLocal:  tsLocal,
	}, nil
}

// NewQuote validates and constructs a Quote event. Both sides of the book
// must be strictly positive; quantities are optional and may be zero.
func NewQuote(exchange, symbol string, bestBid, bestAsk, bidQty, askQty decimal.Decimal, tsServer, tsLocal time.Time) (Quote, error) {
	if bestBid.Sign() <= 0 || bestAsk.Sign() <= 0 {
		return Quote{}, ErrMalformedEvent
	}
	return Quote{
		Exchange: exchange,
		Symbol:   Normalize(exchange, symbol),
		BestBid:  bestBid,
		BestAsk:  bestAsk,
		BidQty:   bidQty,
		AskQty:   askQty,
		TsServer: tsServer,
		TsLocal:  tsLocal,
	}, nil
}

// NewTicker24h validates and constructs a Ticker24h snapshot.
func NewTicker24h(exchange, symbol string, quoteVolume24h, priceChangePct24h, lastPrice, bestBid, bestAsk decimal.Decimal) (Ticker24h, error) {
	if lastPrice.Sign() <= 0 {
		return Ticker24h{}, ErrMalformedEvent
	}
	return Ticker24h{
		Exchange:          exchange,
		Symbol:            Normalize(exchange, symbol),
		QuoteVolume24h:    quoteVolume24h,
		PriceChangePct24h: priceChangePct24h,
		LastPrice:         lastPrice,
		BestBid:           bestBid,
		BestAsk:           bestAsk,
	}, nil
}

var stripChars = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// Normalize implements the symbol-identity rule of spec.md §3: strip any
// of "/ - _ (space)", uppercase, and if the result ends in USDT or USDC,
// insert an underscore before the quote asset. It is deterministic,
// idempotent, and total.
func Normalize(exchange, raw string) string {
	_ = exchange // symbol identity is (exchange, normalized_symbol); exchange is not mangled into the string itself
	s := strings.ToUpper(stripChars.Replace(raw))
	switch {
	case strings.HasSuffix(s, "USDT") && s != "USDT":
		return s[:len(s)-4] + "_USDT"
	case strings.HasSuffix(s, "USDC") && s != "USDC":
		return s[:len(s)-4] + "_USDC"
	default:
		return s
	}
}

// SymbolKey uniquely identifies per-symbol state: the pair (exchange,
// normalized_symbol) from spec.md §3.
type SymbolKey struct {
	Exchange string
	Symbol   string
}

func NewSymbolKey(exchange, rawSymbol string) SymbolKey {
	return SymbolKey{Exchange: exchange, Symbol: Normalize(exchange, rawSymbol)}
}
