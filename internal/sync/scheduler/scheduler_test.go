// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ortholife/clinicsync/internal/logging"
	syncpkg "github.com/ortholife/clinicsync/internal/sync"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
	"github.com/ortholife/clinicsync/internal/sync/connectivity"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts passes and can hold a pass open.
type fakeEngine struct {
	passes  atomic.Int32
	running atomic.Int32
	overlap atomic.Bool
	hold    chan struct{} // when set, each pass waits for a receive
	started chan struct{}
}

func (e *fakeEngine) RunSyncPass(ctx context.Context) (*syncpkg.PassResult, error) {
	if e.running.Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.running.Add(-1)

	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.hold != nil {
		select {
		case <-e.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.passes.Add(1)
	return &syncpkg.PassResult{Committed: 1}, nil
}

func (e *fakeEngine) Status() syncpkg.Status            { return syncpkg.Status{} }
func (e *fakeEngine) Conflicts() []conflict.Conflict     { return nil }
func (e *fakeEngine) ResolveConsultationConflict(context.Context, string, conflict.ConsultationResolution) error {
	return nil
}
func (e *fakeEngine) ResolvePatientConflict(context.Context, string, conflict.PatientResolution) error {
	return nil
}

type fakeQueue struct {
	changed chan struct{}
	n       atomic.Int32
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{changed: make(chan struct{}, 1)}
}

func (q *fakeQueue) Changed() <-chan struct{} { return q.changed }
func (q *fakeQueue) Len() int                 { return int(q.n.Load()) }

func (q *fakeQueue) enqueue() {
	q.n.Add(1)
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

func createTestScheduler(t *testing.T, interval time.Duration) (*fakeEngine, *fakeQueue, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	q := newFakeQueue()
	s := NewScheduler(engine, q, &SchedulerConfig{SyncInterval: interval, PassTimeout: time.Second})
	s.SetLogger(logging.Nop())
	t.Cleanup(s.Stop)
	return engine, q, s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Configuration
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 10*time.Second {
		t.Errorf("SyncInterval = %v, want 10s", config.SyncInterval)
	}
	if config.PassTimeout != 5*time.Minute {
		t.Errorf("PassTimeout = %v, want 5m", config.PassTimeout)
	}
}

// TestNewScheduler_nilConfig verifies defaults apply.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, newFakeQueue(), nil)

	if s.syncInterval != 10*time.Second {
		t.Errorf("syncInterval = %v, want 10s", s.syncInterval)
	}
	if !s.IsOnline() {
		t.Error("scheduler should assume online initially")
	}
	if s.IsRunning() {
		t.Error("scheduler should not run before Start")
	}
}

// =====================================================
// Lifecycle
// =====================================================

// TestScheduler_StartStop verifies start and stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	_, _, s := createTestScheduler(t, time.Hour)

	s.Stop() // without start
	s.Start(context.Background(), nil)
	s.Start(context.Background(), nil)
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// TestScheduler_contextCancellation verifies loops exit with the context.
func TestScheduler_contextCancellation(t *testing.T) {
	_, _, s := createTestScheduler(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx, nil)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loops did not exit after cancellation")
	}
}

// =====================================================
// Triggers
// =====================================================

// TestScheduler_periodic verifies ticks run passes while online only.
func TestScheduler_periodic(t *testing.T) {
	engine, _, s := createTestScheduler(t, 10*time.Millisecond)
	s.Start(context.Background(), nil)

	waitFor(t, "periodic passes", func() bool { return engine.passes.Load() >= 2 })

	s.SetOnlineStatus(false)
	time.Sleep(30 * time.Millisecond) // let an in-flight pass drain
	before := engine.passes.Load()
	time.Sleep(50 * time.Millisecond)
	if got := engine.passes.Load(); got != before {
		t.Errorf("passes while offline = %d, want %d", got, before)
	}
}

// TestScheduler_enqueueTriggers verifies new queue work starts a pass.
func TestScheduler_enqueueTriggers(t *testing.T) {
	engine, q, s := createTestScheduler(t, time.Hour)
	s.Start(context.Background(), nil)

	q.enqueue()
	waitFor(t, "pass after enqueue", func() bool { return engine.passes.Load() == 1 })

	if got := s.GetStatus().PendingItems; got != 1 {
		t.Errorf("PendingItems = %d, want 1", got)
	}
}

// TestScheduler_enqueueOffline verifies offline edits wait for recovery.
func TestScheduler_enqueueOffline(t *testing.T) {
	engine, q, s := createTestScheduler(t, time.Hour)
	s.SetOnlineStatus(false)
	s.Start(context.Background(), nil)

	q.enqueue()
	time.Sleep(30 * time.Millisecond)
	if got := engine.passes.Load(); got != 0 {
		t.Fatalf("passes while offline = %d, want 0", got)
	}

	s.SetOnlineStatus(true)
	waitFor(t, "pass after recovery", func() bool { return engine.passes.Load() == 1 })
}

// TestScheduler_connectivityMonitor verifies the monitor drives the online
// status and recovery triggers a pass.
func TestScheduler_connectivityMonitor(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)
	m := connectivity.NewMonitor(false, connectivity.WithDebounce(0), connectivity.WithLogger(logging.Nop()))
	defer m.Close()

	s.Start(context.Background(), m)
	if s.IsOnline() {
		t.Fatal("IsOnline() = true, want monitor's offline state")
	}

	m.Report(true)
	waitFor(t, "online status", s.IsOnline)
	waitFor(t, "recovery pass", func() bool { return engine.passes.Load() == 1 })
}

// TestScheduler_coalescing verifies triggers during a pass collapse into a
// single follow-up pass and passes never overlap.
func TestScheduler_coalescing(t *testing.T) {
	engine, _, s := createTestScheduler(t, time.Hour)
	engine.hold = make(chan struct{})
	engine.started = make(chan struct{}, 1)
	s.Start(context.Background(), nil)

	if !s.TriggerSync() {
		t.Fatal("first TriggerSync() = false")
	}
	<-engine.started

	accepted := 0
	for i := 0; i < 5; i++ {
		if s.TriggerSync() {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted triggers during pass = %d, want 1", accepted)
	}

	engine.hold <- struct{}{} // finish first pass
	<-engine.started
	engine.hold <- struct{}{} // finish follow-up

	waitFor(t, "two passes", func() bool { return engine.passes.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := engine.passes.Load(); got != 2 {
		t.Errorf("passes = %d, want 2", got)
	}
	if engine.overlap.Load() {
		t.Error("passes overlapped")
	}
}

// TestScheduler_TriggerSync_offline verifies manual triggers are refused
// offline.
func TestScheduler_TriggerSync_offline(t *testing.T) {
	_, _, s := createTestScheduler(t, time.Hour)
	s.SetOnlineStatus(false)

	if s.TriggerSync() {
		t.Error("TriggerSync() = true while offline")
	}
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() error = nil while offline")
	}
}

// TestScheduler_SyncNow verifies a synchronous pass updates the status.
func TestScheduler_SyncNow(t *testing.T) {
	_, _, s := createTestScheduler(t, time.Hour)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Committed != 1 {
		t.Errorf("Committed = %d, want 1", result.Committed)
	}

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set")
	}
	if status.Passes != 1 {
		t.Errorf("Passes = %d, want 1", status.Passes)
	}
	if status.SyncInProgress {
		t.Error("SyncInProgress should be false after SyncNow")
	}
}

// TestScheduler_concurrentAccess verifies status reads race cleanly with
// triggers.
func TestScheduler_concurrentAccess(t *testing.T) {
	_, q, s := createTestScheduler(t, 5*time.Millisecond)
	s.Start(context.Background(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch j % 4 {
				case 0:
					s.TriggerSync()
				case 1:
					_ = s.GetStatus()
				case 2:
					q.enqueue()
				case 3:
					s.SetOnlineStatus(i%2 == 0)
				}
			}
		}(i)
	}
	wg.Wait()
}
