// Package scheduler decides when the sync engine runs: on a period while
// online, whenever the queue gains work, on recovery of connectivity, and on
// demand. Triggers that arrive while a pass runs collapse into one follow-up
// pass.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/logging"
	syncpkg "github.com/ortholife/clinicsync/internal/sync"
	"github.com/ortholife/clinicsync/internal/sync/connectivity"
)

// Reason says why a pass was requested.
type Reason string

const (
	ReasonPeriodic  Reason = "periodic"
	ReasonEnqueued  Reason = "enqueued"
	ReasonRecovered Reason = "recovered"
	ReasonManual    Reason = "manual"
)

const busyRetryDelay = 250 * time.Millisecond

// QueueSource is the part of the queue the scheduler watches.
type QueueSource interface {
	Changed() <-chan struct{}
	Len() int
}

// Scheduler manages background sync passes.
type Scheduler struct {
	engine       syncpkg.EngineInterface
	queue        QueueSource
	syncInterval time.Duration
	passTimeout  time.Duration
	log          zerolog.Logger

	trigger chan Reason
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.PassResult
	lastErr        error
	syncInProgress bool
	passes         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic pass while online (default: 10 seconds)
	PassTimeout  time.Duration // upper bound on one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 10 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a Scheduler. It assumes the agent is online until
// told otherwise.
func NewScheduler(engine syncpkg.EngineInterface, queue QueueSource, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:       engine,
		queue:        queue,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		log:          logging.Component("scheduler"),
		trigger:      make(chan Reason, 1),
		stopCh:       make(chan struct{}),
		isOnline:     true,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.passTimeout <= 0 {
		s.passTimeout = def.PassTimeout
	}
	return s
}

// SetLogger replaces the scheduler's logger.
func (s *Scheduler) SetLogger(l zerolog.Logger) {
	s.log = l
}

// Start launches the background loops. A non-nil monitor drives the online
// status; connectivity recovery requests a pass.
func (s *Scheduler) Start(ctx context.Context, monitor *connectivity.Monitor) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(3)
	go s.runLoop(ctx)
	go s.periodicSyncLoop(ctx)
	go s.queueWatchLoop(ctx)

	if monitor != nil {
		s.SetOnlineStatus(monitor.Online())
		transitions, unsubscribe := monitor.Subscribe()
		s.wg.Add(1)
		go s.connectivityLoop(ctx, transitions, unsubscribe)
	}

	s.log.Info().Dur("interval", s.syncInterval).Msg("background sync scheduler started")
}

// Stop stops the background loops and waits for a running pass to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.log.Info().Msg("background sync scheduler stopped")
}

// SetOnlineStatus records the online signal. Going from offline to online
// requests a pass.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.log.Info().Bool("was_online", wasOnline).Bool("is_online", isOnline).Msg("online status changed")
	if isOnline {
		s.request(ReasonRecovered)
	}
}

// TriggerSync requests a pass. It returns false when offline or when a
// request is already waiting; that request covers this one.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsOnline() {
		return false
	}
	return s.request(ReasonManual)
}

// SyncNow runs a pass on the caller's goroutine and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	if !s.IsOnline() {
		return nil, apperrors.New(apperrors.ErrSyncFailed, "offline")
	}
	return s.runPass(ctx, ReasonManual)
}

func (s *Scheduler) request(reason Reason) bool {
	select {
	case s.trigger <- reason:
		return true
	default:
		return false
	}
}

// runLoop is the only goroutine that starts background passes.
func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case reason := <-s.trigger:
			if !s.IsOnline() {
				continue
			}
			passCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-s.stopCh:
					cancel()
				case <-passCtx.Done():
				}
			}()
			_, err := s.runPass(passCtx, reason)
			cancel()
			if errors.Is(err, syncpkg.ErrPassInProgress) {
				// Someone else holds the engine; ask again once it is likely free.
				select {
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				case <-time.After(busyRetryDelay):
				}
				s.request(reason)
			}
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, reason Reason) (*syncpkg.PassResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.RunSyncPass(passCtx)
	if errors.Is(err, syncpkg.ErrPassInProgress) {
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.lastErr = err
	s.passes++
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("reason", string(reason)).Msg("sync pass interrupted")
		return result, err
	}
	s.log.Debug().
		Str("reason", string(reason)).
		Int("committed", result.Committed).
		Int("conflicted", result.Conflicted).
		Int("failed", result.Failed).
		Msg("sync pass completed")
	return result, nil
}

// periodicSyncLoop requests a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.IsOnline() {
				s.request(ReasonPeriodic)
			}
		}
	}
}

// queueWatchLoop requests a pass whenever the queue gains work while online.
func (s *Scheduler) queueWatchLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.queue == nil {
		return
	}
	changed := s.queue.Changed()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-changed:
			if s.IsOnline() {
				s.request(ReasonEnqueued)
			}
		}
	}
}

func (s *Scheduler) connectivityLoop(ctx context.Context, transitions <-chan connectivity.Transition, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			s.SetOnlineStatus(t.Online)
		}
	}
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.PassResult `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	Passes         int                 `json:"passes"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		LastResult:     s.lastResult,
		SyncInProgress: s.syncInProgress,
		Passes:         s.passes,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	if s.queue != nil {
		status.PendingItems = s.queue.Len()
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
