// Package timer tracks elapsed time for the consultation open in the active
// workspace.
//
// At most one consultation is selected. It ticks once per second while
// visible and not paused. Switching to another consultation stops the
// previous ticker before the next one starts, and the elapsed seconds of
// the consultation left behind are stored so selecting it again resumes
// where it stopped.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
)

// State is the timer state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Session is a snapshot of the selected consultation's timer.
type Session struct {
	ConsultationID string `json:"consultation_id,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	IsPaused       bool   `json:"is_paused"`
	IsVisible      bool   `json:"is_visible"`
	State          State  `json:"state"`
	Display        string `json:"display"`
}

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Option configures a Timer.
type Option func(*Timer)

// WithTicker replaces the ticker implementation, for tests.
func WithTicker(f TickerFunc) Option {
	return func(t *Timer) { t.newTicker = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Timer) { t.log = l }
}

// WithOnTick registers a callback invoked after every tick with the new
// snapshot. It runs on the ticker goroutine and must not call back into the
// Timer.
func WithOnTick(f func(Session)) Option {
	return func(t *Timer) { t.onTick = f }
}

// WithOnPause registers a callback invoked whenever a consultation stops
// ticking with its elapsed seconds, e.g. to copy them into the queued
// payload.
func WithOnPause(f func(ctx context.Context, consultationID string, seconds int)) Option {
	return func(t *Timer) { t.onPause = f }
}

// Timer is the consultation timer. It is safe for concurrent use.
type Timer struct {
	store     DurationStore
	newTicker TickerFunc
	log       zerolog.Logger
	onTick    func(Session)
	onPause   func(ctx context.Context, consultationID string, seconds int)

	mu         sync.Mutex
	id         string
	elapsed    int
	paused     bool
	visible    bool
	completed  bool
	ticker     Ticker
	stop       chan struct{}
	generation uint64
}

// New creates an idle Timer. store may be nil.
func New(store DurationStore, opts ...Option) *Timer {
	t := &Timer{
		store:     store,
		newTicker: newRealTicker,
		log:       logging.Component("timer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Select makes consultationID the active consultation. Selecting the active
// consultation again resumes it after a save pause, but not after the user
// hid it or when it is completed. A different id stops the current session
// and starts the new one from its stored duration. A completed consultation
// starts paused.
func (t *Timer) Select(ctx context.Context, consultationID string, status models.ConsultationStatus) Session {
	if consultationID == "" {
		t.Clear(ctx)
		return t.Snapshot()
	}

	t.mu.Lock()
	if t.id == consultationID {
		if status == models.ConsultationCompleted {
			t.completed = true
		}
		if t.paused && t.visible && !t.completed {
			t.paused = false
			t.startLocked()
		}
		s := t.snapshotLocked()
		t.mu.Unlock()
		return s
	}

	prevID, prevElapsed, wasActive := t.id, t.elapsed, t.id != ""
	t.stopLocked()
	t.id, t.elapsed = "", 0
	t.mu.Unlock()

	if wasActive {
		t.persist(ctx, prevID, prevElapsed)
	}

	seed := t.load(ctx, consultationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = consultationID
	t.elapsed = seed
	t.visible = true
	t.completed = status == models.ConsultationCompleted
	t.paused = t.completed
	if !t.paused {
		t.startLocked()
	}
	t.log.Debug().Str("consultation_id", consultationID).Int("seed", seed).Bool("paused", t.paused).Msg("consultation selected")
	return t.snapshotLocked()
}

// Pause stops ticking after a save or completion and stores the elapsed
// seconds. Selecting the same consultation again resumes it.
func (t *Timer) Pause(ctx context.Context) Session {
	t.mu.Lock()
	if t.id == "" || t.paused {
		s := t.snapshotLocked()
		t.mu.Unlock()
		return s
	}
	t.paused = true
	t.stopLocked()
	id, elapsed := t.id, t.elapsed
	s := t.snapshotLocked()
	t.mu.Unlock()

	t.persist(ctx, id, elapsed)
	return s
}

// Complete pauses the session for good; reselecting does not resume it.
func (t *Timer) Complete(ctx context.Context) Session {
	t.mu.Lock()
	t.completed = t.id != ""
	t.mu.Unlock()
	return t.Pause(ctx)
}

// SetVisible is the user's manual toggle. Hiding pauses; showing resumes
// unless the consultation is completed.
func (t *Timer) SetVisible(ctx context.Context, visible bool) Session {
	t.mu.Lock()
	if t.id == "" {
		s := t.snapshotLocked()
		t.mu.Unlock()
		return s
	}
	t.visible = visible

	if !visible {
		wasTicking := !t.paused
		t.paused = true
		t.stopLocked()
		id, elapsed := t.id, t.elapsed
		s := t.snapshotLocked()
		t.mu.Unlock()
		if wasTicking {
			t.persist(ctx, id, elapsed)
		}
		return s
	}

	if t.paused && !t.completed {
		t.paused = false
		t.startLocked()
	}
	s := t.snapshotLocked()
	t.mu.Unlock()
	return s
}

// Clear discards the session. The elapsed seconds are stored first.
func (t *Timer) Clear(ctx context.Context) {
	t.mu.Lock()
	id, elapsed := t.id, t.elapsed
	t.stopLocked()
	t.id = ""
	t.elapsed = 0
	t.paused = false
	t.visible = false
	t.completed = false
	t.mu.Unlock()

	if id != "" {
		t.persist(ctx, id, elapsed)
	}
}

// Snapshot returns the current session.
func (t *Timer) Snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Elapsed returns the elapsed seconds of the active consultation.
func (t *Timer) Elapsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

func (t *Timer) snapshotLocked() Session {
	s := Session{
		ConsultationID: t.id,
		ElapsedSeconds: t.elapsed,
		IsPaused:       t.paused,
		IsVisible:      t.visible,
		Display:        Format(t.elapsed),
	}
	switch {
	case t.id == "":
		s.State = StateIdle
	case t.paused:
		s.State = StatePaused
	default:
		s.State = StateRunning
	}
	return s
}

// startLocked launches the ticker goroutine for the active session.
func (t *Timer) startLocked() {
	t.stopLocked()
	t.generation++
	gen := t.generation
	tk := t.newTicker(time.Second)
	stop := make(chan struct{})
	t.ticker, t.stop = tk, stop
	go t.run(tk, stop, gen)
}

// stopLocked stops the ticker synchronously. A tick already received by the
// goroutine is discarded by the generation check.
func (t *Timer) stopLocked() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker, t.stop = nil, nil
	t.generation++
}

func (t *Timer) run(tk Ticker, stop <-chan struct{}, gen uint64) {
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			t.mu.Lock()
			if t.generation != gen {
				t.mu.Unlock()
				return
			}
			t.elapsed++
			s := t.snapshotLocked()
			t.mu.Unlock()
			if t.onTick != nil {
				t.onTick(s)
			}
		}
	}
}

func (t *Timer) load(ctx context.Context, id string) int {
	if t.store == nil {
		return 0
	}
	seconds, ok, err := t.store.Load(ctx, id)
	if err != nil {
		t.log.Warn().Err(err).Str("consultation_id", id).Msg("could not load stored duration; starting from zero")
		return 0
	}
	if !ok {
		return 0
	}
	return seconds
}

func (t *Timer) persist(ctx context.Context, id string, seconds int) {
	if t.store != nil {
		if err := t.store.Save(ctx, id, seconds); err != nil {
			t.log.Warn().Err(err).Str("consultation_id", id).Msg("could not store duration")
		}
	}
	if t.onPause != nil {
		t.onPause(ctx, id, seconds)
	}
}

// Format renders seconds as MM:SS. Minutes are not capped at 59.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
