package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yohannesjx/screener/internal/broadcast"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

// Manager owns every live Session and fans outbound messages out to all of
// them, adapted from the teacher's Hub.clients map+mutex (hub.go)
// generalized to per-session queues instead of one shared broadcast loop.
type Manager struct {
	log       logging.Logger
	upgrader  websocket.Upgrader
	queueCap  int
	heartbeat time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a session manager. queueCap and heartbeat default to
// DefaultQueueCapacity/DefaultHeartbeatTimeout when <= 0.
func NewManager(log logging.Logger, queueCap int, heartbeat time.Duration) *Manager {
	return &Manager{
		log:       logging.Component(log, "session"),
		queueCap:  queueCap,
		heartbeat: heartbeat,
		sessions:  make(map[string]*Session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket duplex stream and runs the
// session until it disconnects or the heartbeat lapses.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("upgrade failed")
		return
	}

	s := newSession(conn, m.log, m.queueCap, m.heartbeat)
	m.register(s)
	defer m.unregister(s)

	go func() {
		s.writeLoop()
	}()
	s.readLoop()
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	obs.ActiveSessions.Set(float64(m.Count()))
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	s.close()
	obs.ActiveSessions.Set(float64(m.Count()))
}

// Count returns the number of currently connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Publish implements broadcast.Publisher: fan-out to every connected
// session's bounded queue via non-blocking, drop-oldest enqueue.
func (m *Manager) Publish(msg broadcast.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Enqueue(msg)
	}
}
