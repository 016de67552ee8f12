// Package connectivity tracks whether the server is reachable and tells the
// scheduler when it becomes reachable again.
package connectivity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/logging"
)

// DefaultDebounce collapses flapping transitions.
const DefaultDebounce = 2 * time.Second

// Transition is a settled change of the online signal.
type Transition struct {
	Online bool
	At     time.Time
}

// Recovered reports whether t is an offline to online transition.
func (t Transition) Recovered() bool {
	return t.Online
}

// Timer is the subset of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Monitor derives a debounced online signal from raw transition reports.
// It performs no network I/O.
type Monitor struct {
	debounce  time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	online  bool
	target  bool
	timer   Timer
	gen     uint64
	subs    map[int]chan Transition
	nextSub int
	closed  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets the debounce window. Zero settles every report
// immediately.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// WithAfterFunc replaces the timer implementation, for tests.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Monitor) { m.afterFunc = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(initialOnline bool, opts ...Option) *Monitor {
	m := &Monitor{
		debounce:  DefaultDebounce,
		afterFunc: realAfterFunc,
		now:       time.Now,
		log:       logging.Component("connectivity"),
		online:    initialOnline,
		target:    initialOnline,
		subs:      make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the settled state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds a raw transition. Reports inside the debounce window restart
// it; only the last reported state settles.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.target = online
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++

	if m.debounce <= 0 {
		m.settleLocked()
		return
	}

	gen := m.gen
	m.timer = m.afterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.closed {
			return
		}
		m.timer = nil
		m.settleLocked()
	})
}

func (m *Monitor) settleLocked() {
	if m.target == m.online {
		return
	}
	m.online = m.target
	t := Transition{Online: m.online, At: m.now()}

	m.log.Info().Bool("online", t.Online).Msg("connectivity changed")
	for _, ch := range m.subs {
		deliver(ch, t)
	}
}

// deliver sends t, replacing an undelivered older transition so a slow
// subscriber always sees the latest state.
func deliver(ch chan Transition, t Transition) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel of settled transitions and a function that
// cancels the subscription.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, 1)
	id := m.nextSub
	m.nextSub++
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops the pending timer and closes every subscription.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
