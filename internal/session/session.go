// Package session implements C8, the client session manager: long-lived
// duplex connections, one bounded drop-oldest outbound queue per client,
// a write-heartbeat timeout, and optional server-side page filtering.
//
// The register/unregister/ping-pong shape is adapted directly from the
// teacher's Hub/HandleWebSocket (hub.go); the single shared map+mutex of
// connections is generalized here into one Session struct per connection
// with its own queue and writer goroutine, since C8 requires per-client
// backpressure rather than the teacher's single shared broadcast loop.
package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/broadcast"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

const (
	// DefaultQueueCapacity is the outbound queue size of spec.md §4.8.
	DefaultQueueCapacity = 10000
	// DefaultHeartbeatTimeout closes a session after this long without a
	// successful outbound write.
	DefaultHeartbeatTimeout = 30 * time.Second
	// writeWait bounds a single outbound write (spec.md §5's 10s client
	// write timeout).
	writeWait = 10 * time.Second
	// maxInboundMessage bounds the only inbound message type (subscribe_page).
	maxInboundMessage = 512
)

// subscribePage is the sole documented inbound message (spec.md §6).
type subscribePage struct {
	Action   string `json:"action"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// Session is one accepted client connection: a bounded outbound queue
// drained by a dedicated writer goroutine, and an optional page filter
// applied before enqueue.
type Session struct {
	id        string
	conn      *websocket.Conn
	log       logging.Logger
	queue     chan broadcast.Message
	heartbeat time.Duration

	mu      sync.Mutex
	page    int
	pageSz  int
	hasPage bool

	closeOnce sync.Once
	done      chan struct{}
}

// newSession wraps an upgraded connection.
func newSession(conn *websocket.Conn, log logging.Logger, queueCap int, heartbeat time.Duration) *Session {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	return &Session{
		id:        uuid.NewString(),
		conn:      conn,
		log:       log,
		queue:     make(chan broadcast.Message, queueCap),
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// setPage records the client's requested page, enabling server-side
// outbound filtering for all_symbols_scored/top_N_update messages.
func (s *Session) setPage(page, pageSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = page
	s.pageSz = pageSize
	s.hasPage = true
}

// Enqueue offers msg to the session's queue with drop-oldest semantics: if
// full, the oldest queued message is discarded to make room (spec.md
// §4.8), and ClientOverflows is counted.
func (s *Session) Enqueue(msg broadcast.Message) {
	for {
		select {
		case s.queue <- msg:
			return
		default:
		}
		select {
		case <-s.queue:
			obs.ClientOverflows.WithLabelValues(s.id).Inc()
		default:
			return
		}
	}
}

// filterForPage applies the optional subscribe_page restriction (spec.md
// §4.8/§6): all_symbols_scored and top_N_update are sliced down to the
// client's requested page window; every other message type passes
// through unchanged, since trade_aggregate/deviation_update/signals are
// not paginated lists.
func (s *Session) filterForPage(msg broadcast.Message) (broadcast.Message, bool) {
	s.mu.Lock()
	hasPage, page, pageSz := s.hasPage, s.page, s.pageSz
	s.mu.Unlock()
	if !hasPage || pageSz <= 0 {
		return msg, true
	}

	start := page * pageSz
	end := start + pageSz

	switch v := msg.Symbols.(type) {
	case []broadcast.ScoredSymbol:
		if start >= len(v) {
			return msg, false
		}
		if end > len(v) {
			end = len(v)
		}
		msg.Symbols = v[start:end]
		return msg, true
	case []string:
		if start >= len(v) {
			return msg, false
		}
		if end > len(v) {
			end = len(v)
		}
		msg.Symbols = v[start:end]
		return msg, true
	default:
		return msg, true
	}
}

// writeLoop drains the queue to the wire until the connection fails or a
// full heartbeat interval passes with no successful write, then closes.
func (s *Session) writeLoop() {
	defer s.close()
	idle := time.NewTimer(s.heartbeat)
	defer idle.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-idle.C:
			s.log.Warn("session heartbeat timeout, closing", zap.String("session", s.id))
			return
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			filtered, pass := s.filterForPage(msg)
			if !pass {
				continue
			}
			data, err := json.Marshal(filtered)
			if err != nil {
				s.log.Error("marshal outbound message", zap.String("session", s.id))
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.heartbeat)
		}
	}
}

// readLoop processes the optional subscribe_page inbound message and
// otherwise only exists to detect disconnects, matching the teacher's
// read-loop-for-disconnect-detection idiom.
func (s *Session) readLoop() {
	defer s.close()
	s.conn.SetReadLimit(maxInboundMessage)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribePage
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		if sub.Action == "subscribe_page" {
			s.setPage(sub.Page, sub.PageSize)
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
