// Package store implements C4, the rolling-window trade store: the single
// source of truth for recent per-symbol activity. It is the only mutator
// of per-symbol state; C5/C6/C7 only ever read through a short per-symbol
// critical section and never retain a reference after releasing it.
//
// The map-of-mutable-state-with-manual-eviction idiom here is adapted from
// the teacher's repeated use of it (Analyzer.priceMap, LiquidationMonitor,
// SignalFilter.clusterBuffer) and from vitosgeen-crypto_trade_level's
// MarketService.trades pruning, generalized into the sharded structure
// spec.md §9's DESIGN NOTES call for instead of one global map+lock.
package store

import (
	"container/list"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yohannesjx/screener/internal/event"
	"github.com/yohannesjx/screener/internal/logging"
	"github.com/yohannesjx/screener/internal/obs"
)

// ErrIntegrity is returned (and counted) when a write would violate the
// store's monotone-last_update invariant. The write is rejected; the
// buffer is left exactly as it was.
var ErrIntegrity = errors.New("store: integrity violation")

const defaultNumShards = 32

// Config bounds the store per spec.md §3/§6.
type Config struct {
	Window             time.Duration // W
	TradesPerSymbolCap int           // T_max
	SymbolCap          int           // S_max
	NumShards          int           // 0 => defaultNumShards
	// ClockSkewTolerance bounds how far in the future a trade timestamp
	// may be before it is counted as a pathological arrival (still
	// accepted; spec.md §4.4 failure model never drops silently beyond
	// the cap's own backstop).
	ClockSkewTolerance time.Duration
}

// symbolState is the per-(exchange,symbol) state C4 exclusively owns.
type symbolState struct {
	key        event.SymbolKey
	trades     []event.Trade // FIFO, oldest first
	pending    []event.Trade // staged for C7, drained+cleared every aggregation tick
	hasQuote   bool
	quote      event.Quote
	hasTicker  bool
	ticker     event.Ticker24h
	lastPrice  decimal.Decimal
	lastUpdate time.Time
	lruElem    *list.Element
	skewCount  int64
}

type shard struct {
	mu      sync.Mutex
	states  map[event.SymbolKey]*symbolState
	lru     *list.List // front = least-recently-updated
	cap     int
}

// Store is the sharded rolling-window store.
type Store struct {
	cfg       Config
	shards    []*shard
	now       func() time.Time
	logger    logging.Logger
	onEvict   func(event.SymbolKey)
	numActive int64
}

// New builds a Store. now defaults to time.Now; tests may override it to
// get deterministic window-eviction behavior.
func New(cfg Config, logger logging.Logger, now func() time.Time) *Store {
	if cfg.NumShards <= 0 {
		cfg.NumShards = defaultNumShards
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	localCap := cfg.SymbolCap / cfg.NumShards
	if localCap < 1 {
		localCap = 1
	}
	shards := make([]*shard, cfg.NumShards)
	for i := range shards {
		shards[i] = &shard{
			states: make(map[event.SymbolKey]*symbolState),
			lru:    list.New(),
			cap:    localCap,
		}
	}
	return &Store{cfg: cfg, shards: shards, now: now, logger: logging.Component(logger, "store")}
}

// OnSymbolEvicted registers a listener invoked (outside any shard lock)
// whenever a symbol is evicted, so dependent indices in C5/C6/C7 can
// invalidate on next access.
func (s *Store) OnSymbolEvicted(fn func(event.SymbolKey)) {
	s.onEvict = fn
}

func (s *Store) shardFor(key event.SymbolKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Exchange))
	h.Write([]byte{0})
	h.Write([]byte(key.Symbol))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// lookupOrCreate returns the state for key, creating it (evicting the
// shard's LRU entry first if at capacity) if absent. Must be called with
// sh.mu held.
func (s *Store) lookupOrCreate(sh *shard, key event.SymbolKey) *symbolState {
	if st, ok := sh.states[key]; ok {
		return st
	}
	var evicted event.SymbolKey
	evictedOne := false
	if len(sh.states) >= sh.cap {
		front := sh.lru.Front()
		if front != nil {
			evicted = front.Value.(*symbolState).key
			evictedOne = true
			delete(sh.states, evicted)
			sh.lru.Remove(front)
			atomic.AddInt64(&s.numActive, -1)
		}
	}
	st := &symbolState{key: key, lastPrice: decimal.Zero}
	st.lruElem = sh.lru.PushBack(st)
	sh.states[key] = st
	atomic.AddInt64(&s.numActive, 1)
	obs.ActiveSymbols.Set(float64(atomic.LoadInt64(&s.numActive)))
	if evictedOne && s.onEvict != nil {
		go s.onEvict(evicted)
	}
	return st
}

func (s *Store) touch(sh *shard, st *symbolState) {
	sh.lru.MoveToBack(st.lruElem)
}

// evictWindow drops head entries while now-head.ts > W, then caps by
// T_max, discarding the oldest. Must be called with sh.mu held.
func (s *Store) evictWindow(st *symbolState, now time.Time) {
	w := s.cfg.Window
	i := 0
	for ; i < len(st.trades); i++ {
		if now.Sub(st.trades[i].Ts()) <= w {
			break
		}
	}
	if i > 0 {
		st.trades = append(st.trades[:0], st.trades[i:]...)
	}
	cap := s.cfg.TradesPerSymbolCap
	if cap > 0 && len(st.trades) > cap {
		drop := len(st.trades) - cap
		st.trades = append(st.trades[:0], st.trades[drop:]...)
	}
}

// WriteTrade is the C4 write path for a trade event (spec.md §4.4).
func (s *Store) WriteTrade(tr event.Trade) error {
	key := event.SymbolKey{Exchange: tr.Exchange, Symbol: tr.Symbol}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := s.lookupOrCreate(sh, key)
	now := s.now()

	candidateUpdate := now
	if candidateUpdate.Before(st.lastUpdate) {
		obs.IntegrityErrors.WithLabelValues(key.Exchange, key.Symbol).Inc()
		s.logger.Warn("rejected write: non-monotonic last_update",
			zap.String("exchange", key.Exchange), zap.String("symbol", key.Symbol))
		return ErrIntegrity
	}

	if s.cfg.ClockSkewTolerance > 0 && tr.Ts().Sub(now) > s.cfg.ClockSkewTolerance {
		st.skewCount++
	}

	s.evictWindow(st, now)
	st.trades = append(st.trades, tr)
	if s.cfg.TradesPerSymbolCap > 0 && len(st.trades) > s.cfg.TradesPerSymbolCap {
		drop := len(st.trades) - s.cfg.TradesPerSymbolCap
		st.trades = append(st.trades[:0], st.trades[drop:]...)
	}
	st.pending = append(st.pending, tr)
	st.lastPrice = tr.Price
	st.lastUpdate = candidateUpdate
	s.touch(sh, st)
	return nil
}

// WriteQuote updates the latest-quote slot for (exchange,symbol).
func (s *Store) WriteQuote(q event.Quote) error {
	key := event.SymbolKey{Exchange: q.Exchange, Symbol: q.Symbol}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := s.lookupOrCreate(sh, key)
	now := s.now()
	if now.Before(st.lastUpdate) {
		obs.IntegrityErrors.WithLabelValues(key.Exchange, key.Symbol).Inc()
		return ErrIntegrity
	}
	st.quote = q
	st.hasQuote = true
	st.lastUpdate = now
	s.touch(sh, st)
	return nil
}

// WriteTicker stores the latest REST-sourced 24h ticker snapshot.
func (s *Store) WriteTicker(t event.Ticker24h) {
	key := event.SymbolKey{Exchange: t.Exchange, Symbol: t.Symbol}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := s.lookupOrCreate(sh, key)
	st.ticker = t
	st.hasTicker = true
	s.touch(sh, st)
}

// CountSince returns the number of trades with ts >= now-D, counted in
// place under the per-symbol critical section without copying.
func (s *Store) CountSince(key event.SymbolKey, d time.Duration) int {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return 0
	}
	cutoff := s.now().Add(-d)
	n := 0
	for i := len(st.trades) - 1; i >= 0; i-- {
		if st.trades[i].Ts().Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// TradesSince returns a copy of trades with ts >= now-D (newest last).
func (s *Store) TradesSince(key event.SymbolKey, d time.Duration) []event.Trade {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return nil
	}
	cutoff := s.now().Add(-d)
	start := len(st.trades)
	for start > 0 && !st.trades[start-1].Ts().Before(cutoff) {
		start--
	}
	out := make([]event.Trade, len(st.trades)-start)
	copy(out, st.trades[start:])
	return out
}

// Snapshot copies out the full current trade buffer for key.
func (s *Store) Snapshot(key event.SymbolKey) []event.Trade {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return nil
	}
	out := make([]event.Trade, len(st.trades))
	copy(out, st.trades)
	return out
}

// LastPrice returns the last traded price and whether the symbol exists.
func (s *Store) LastPrice(key event.SymbolKey) (decimal.Decimal, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return decimal.Zero, false
	}
	return st.lastPrice, true
}

// LastUpdate returns the symbol's last_update timestamp.
func (s *Store) LastUpdate(key event.SymbolKey) (time.Time, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return time.Time{}, false
	}
	return st.lastUpdate, true
}

// LastQuote returns the latest quote for key, if any.
func (s *Store) LastQuote(key event.SymbolKey) (event.Quote, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok || !st.hasQuote {
		return event.Quote{}, false
	}
	return st.quote, true
}

// Ticker returns the latest 24h ticker snapshot for key, if any.
func (s *Store) Ticker(key event.SymbolKey) (event.Ticker24h, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok || !st.hasTicker {
		return event.Ticker24h{}, false
	}
	return st.ticker, true
}

// DrainPending takes and clears the pending-broadcast slice for key. It is
// the only mutation C7 is allowed to trigger against store-owned state.
func (s *Store) DrainPending(key event.SymbolKey) []event.Trade {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok || len(st.pending) == 0 {
		return nil
	}
	out := st.pending
	st.pending = nil
	return out
}

// Keys returns every (exchange,symbol) currently tracked. The slice is a
// point-in-time copy; symbols may be added/evicted concurrently.
func (s *Store) Keys() []event.SymbolKey {
	out := make([]event.SymbolKey, 0, s.cfg.SymbolCap)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.states {
			out = append(out, k)
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the current number of tracked symbols.
func (s *Store) Len() int {
	return int(atomic.LoadInt64(&s.numActive))
}

// SkewCount returns how many pathological (far-future) timestamps have
// been observed for key, the observability signal spec.md §4.4 requires.
func (s *Store) SkewCount(key event.SymbolKey) int64 {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	if !ok {
		return 0
	}
	return st.skewCount
}
