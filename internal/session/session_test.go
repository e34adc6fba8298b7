package session

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohannesjx/screener/internal/broadcast"
	"github.com/yohannesjx/screener/internal/logging"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestManager_PublishFansOutToConnectedSession(t *testing.T) {
	mgr := NewManager(logging.NewNop(), 0, time.Minute)
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	assert.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, time.Millisecond)

	mgr.Publish(broadcast.Message{Type: broadcast.TypeTradeAggregate, Symbol: "BTC_USDT"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "trade_aggregate")
	assert.Contains(t, string(data), "BTC_USDT")
}

func TestManager_UnregisterOnDisconnect(t *testing.T) {
	mgr := NewManager(logging.NewNop(), 0, time.Minute)
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	conn := dial(t, srv)
	assert.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return mgr.Count() == 0 }, time.Second, time.Millisecond)
}

func TestSession_EnqueueDropsOldestWhenFull(t *testing.T) {
	s := &Session{queue: make(chan broadcast.Message, 2)}
	s.Enqueue(broadcast.Message{Symbol: "A"})
	s.Enqueue(broadcast.Message{Symbol: "B"})
	s.Enqueue(broadcast.Message{Symbol: "C"})

	first := <-s.queue
	second := <-s.queue
	assert.Equal(t, "B", first.Symbol)
	assert.Equal(t, "C", second.Symbol)
}

func TestSession_FilterForPage_SlicesScoredSymbols(t *testing.T) {
	s := &Session{}
	s.setPage(1, 2)

	msg := broadcast.Message{
		Type: broadcast.TypeAllSymbolsScored,
		Symbols: []broadcast.ScoredSymbol{
			{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"}, {Symbol: "E"},
		},
	}
	filtered, pass := s.filterForPage(msg)
	require.True(t, pass)
	scored := filtered.Symbols.([]broadcast.ScoredSymbol)
	require.Len(t, scored, 2)
	assert.Equal(t, "C", scored[0].Symbol)
	assert.Equal(t, "D", scored[1].Symbol)
}

func TestSession_FilterForPage_PastEndExcludesMessage(t *testing.T) {
	s := &Session{}
	s.setPage(10, 2)

	msg := broadcast.Message{
		Type:    broadcast.TypeAllSymbolsScored,
		Symbols: []broadcast.ScoredSymbol{{Symbol: "A"}},
	}
	_, pass := s.filterForPage(msg)
	assert.False(t, pass)
}

func TestSession_FilterForPage_PassesNonPaginatedTypesThrough(t *testing.T) {
	s := &Session{}
	s.setPage(5, 2)

	msg := broadcast.Message{Type: broadcast.TypeTradeAggregate, Symbol: "BTC_USDT"}
	filtered, pass := s.filterForPage(msg)
	assert.True(t, pass)
	assert.Equal(t, "BTC_USDT", filtered.Symbol)
}
