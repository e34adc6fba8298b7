package event

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Variants(t *testing.T) {
	cases := []string{"btc/usdt", "BTC_USDT", "btc-usdt", "BTC USDT", "btcusdt"}
	for _, in := range cases {
		assert.Equal(t, "BTC_USDT", Normalize("binance", in), "input %q", in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"btc/usdt", "ETH-USDC", "dogeusdt", "XRP_USDC"}
	for _, in := range inputs {
		once := Normalize("binance", in)
		twice := Normalize("binance", once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestNormalize_NonQuoteSuffixUnchanged(t *testing.T) {
	assert.Equal(t, "BTCETH", Normalize("binance", "btc-eth"))
}

func TestNewTrade_RejectsNonPositive(t *testing.T) {
	now := time.Now()
	_, err := NewTrade("binance", "BTCUSDT", decimal.Zero, decimal.NewFromInt(1), Buy, now, now)
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = NewTrade("binance", "BTCUSDT", decimal.NewFromInt(1), decimal.NewFromInt(-1), Buy, now, now)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNewTrade_RejectsBadSide(t *testing.T) {
	now := time.Now()
	_, err := NewTrade("binance", "BTCUSDT", decimal.NewFromInt(1), decimal.NewFromInt(1), Side("hold"), now, now)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNewTrade_NormalizesSymbol(t *testing.T) {
	now := time.Now()
	tr, err := NewTrade("binance", "btc/usdt", decimal.NewFromInt(100), decimal.NewFromInt(2), Buy, now, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", tr.Symbol)
	assert.True(t, tr.Notional().Equal(decimal.NewFromInt(200)))
}

func TestTrade_Ts_PrefersServer(t *testing.T) {
	server := time.Now()
	local := server.Add(time.Second)
	tr := Trade{TsServer: server, TsLocal: local}
	assert.Equal(t, server, tr.Ts())

	tr2 := Trade{TsLocal: local}
	assert.Equal(t, local, tr2.Ts())
}

func TestNewQuote_RejectsZeroSide(t *testing.T) {
	now := time.Now()
	_, err := NewQuote("okx", "BTC-USDT", decimal.Zero, decimal.NewFromInt(100), decimal.Zero, decimal.Zero, now, now)
	require.ErrorIs(t, err, ErrMalformedEvent)
}
