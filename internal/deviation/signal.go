package deviation

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind discriminates the optional overlay's two emission types.
type SignalKind int

const (
	KindEntrySignal SignalKind = iota
	KindExitSignal
)

// Event is a signal emitted by the optional entry/exit overlay of
// spec.md §4.6, keyed by normalized symbol (a signal is cross-exchange,
// not tied to a single (exchange,symbol) pair).
type Event struct {
	Kind        SignalKind
	Symbol      string
	DevPct      decimal.Decimal
	ExCheap     string
	ExExpensive string
	Ts          time.Time
}

type signalState struct {
	active      bool
	activatedAt time.Time
	lastExitAt  time.Time
}

// signalTracker holds one entry/active/cooldown state machine per
// symbol, adapted from the teacher's SignalFilter cooldown/debounce maps.
type signalTracker struct {
	mu             sync.Mutex
	states         map[string]*signalState
	entryThreshold decimal.Decimal
	exitThreshold  decimal.Decimal
	cooldown       time.Duration
	expiry         time.Duration
}

func newSignalTracker(entryThreshold, exitThreshold decimal.Decimal, cooldown, expiry time.Duration) *signalTracker {
	return &signalTracker{
		states:         make(map[string]*signalState),
		entryThreshold: entryThreshold,
		exitThreshold:  exitThreshold,
		cooldown:       cooldown,
		expiry:         expiry,
	}
}

// observe feeds one symbol's current (already-absolute) deviation
// percentage through the state machine, returning an Event when an
// entry or exit transition fires. An expiry clears the active state
// silently and returns no Event. exCheap/exExpensive
// name the exchange pair that produced absDevPct, carried through for
// the outbound signal message's cheap_exchange/expensive_exchange fields.
func (s *signalTracker) observe(symbol string, absDevPct decimal.Decimal, exCheap, exExpensive string, now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[symbol]
	if !ok {
		st = &signalState{}
		s.states[symbol] = st
	}

	if st.active {
		if s.expiry > 0 && now.Sub(st.activatedAt) > s.expiry {
			st.active = false
			st.lastExitAt = now
			return Event{}, false
		}
		if absDevPct.LessThanOrEqual(s.exitThreshold) {
			st.active = false
			st.lastExitAt = now
			return Event{Kind: KindExitSignal, Symbol: symbol, DevPct: absDevPct, ExCheap: exCheap, ExExpensive: exExpensive, Ts: now}, true
		}
		return Event{}, false
	}

	if st.lastExitAt.IsZero() || now.Sub(st.lastExitAt) >= s.cooldown {
		if absDevPct.GreaterThanOrEqual(s.entryThreshold) {
			st.active = true
			st.activatedAt = now
			return Event{Kind: KindEntrySignal, Symbol: symbol, DevPct: absDevPct, ExCheap: exCheap, ExExpensive: exExpensive, Ts: now}, true
		}
	}
	return Event{}, false
}
