// Package sync tests for the sync engine.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ortholife/clinicsync/internal/db"
	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
	"github.com/ortholife/clinicsync/internal/sync/queue"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore is an in-memory EntityStore.
type fakeStore struct {
	mu            sync.Mutex
	clock         *manualClock
	consultations map[string]*models.ServerConsultation
	patients      []models.Patient
	registrations []*models.RegistrationRequest
	commits       int
	down          bool
	nextID        int

	// beforeCommit runs outside the lock before a consultation commit
	// applies. A non-nil error fails the commit.
	beforeCommit func(ctx context.Context) error
	// beforeFetch runs outside the lock before a consultation is read.
	beforeFetch func()
}

func newFakeStore(clock *manualClock) *fakeStore {
	return &fakeStore{clock: clock, consultations: make(map[string]*models.ServerConsultation)}
}

func (s *fakeStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeStore) FetchConsultation(ctx context.Context, id string) (*models.ServerConsultation, error) {
	if hook := s.beforeFetch; hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("connection refused")
	}
	c, ok := s.consultations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) CommitConsultation(ctx context.Context, id string, payload *models.ConsultationPayload) (time.Time, error) {
	if hook := s.beforeCommit; hook != nil {
		if err := hook(ctx); err != nil {
			return time.Time{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return time.Time{}, errors.New("connection refused")
	}
	now := s.clock.Now()
	c, ok := s.consultations[id]
	if !ok {
		c = &models.ServerConsultation{ID: id, CreatedAt: now}
		s.consultations[id] = c
	}
	c.PatientID = payload.PatientDetails.ID
	c.Data = payload.Data
	c.Status = payload.Status
	c.UpdatedAt = now
	s.commits++
	return now, nil
}

func (s *fakeStore) FetchPatientCandidates(ctx context.Context, q CandidateQuery) ([]models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("connection refused")
	}
	var out []models.Patient
	for _, p := range s.patients {
		if patientmatch.NormalizePhone(p.Phone) == q.Phone || strings.EqualFold(p.Name, q.Name) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) CommitPatient(ctx context.Context, req *models.RegistrationRequest) (*models.PatientCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("connection refused")
	}
	s.registrations = append(s.registrations, req)
	now := s.clock.Now()

	patientID := req.ExistingPatientID
	if patientID == "" {
		s.nextID++
		patientID = fmt.Sprintf("P-%d", s.nextID)
		p := req.Patient
		p.ID = patientID
		s.patients = append(s.patients, p)
	}
	s.nextID++
	consultationID := fmt.Sprintf("C-%d", s.nextID)
	s.consultations[consultationID] = &models.ServerConsultation{
		ID:        consultationID,
		PatientID: patientID,
		Data:      req.Consultation,
		Status:    req.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &models.PatientCommit{PatientID: patientID, ConsultationID: consultationID, UpdatedAt: now}, nil
}

func (s *fakeStore) consultation(id string) *models.ServerConsultation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consultations[id]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnSyncEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	clock  *manualClock
	kv     db.KVStore
	q      *queue.Queue
	store  *fakeStore
	engine *Engine
	events *recorder
	log    *db.ConflictLogRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	h := &harness{
		clock:  &manualClock{t: t0},
		kv:     db.NewSQLiteKV(database),
		events: &recorder{},
		log:    db.NewConflictLogRepository(database),
	}
	h.store = newFakeStore(h.clock)
	h.q = queue.New(h.kv, queue.WithLogger(logging.Nop()), queue.WithClock(h.clock.Now))
	h.engine = h.newEngine(h.q)
	return h
}

func (h *harness) newEngine(q *queue.Queue) *Engine {
	l := logging.Nop()
	e := NewEngine(q, h.store, &Config{
		ConflictLog: h.log,
		Logger:      &l,
		Now:         h.clock.Now,
	})
	e.SetEventSink(h.events)
	return e
}

func (h *harness) editConsultation(t *testing.T, consultationID, patientID, complaints string, at time.Time, status models.ConsultationStatus) *models.QueuedChange {
	t.Helper()
	c := &models.QueuedChange{
		Kind:           models.KindConsultationUpdate,
		EntityKey:      consultationID,
		LocalTimestamp: at,
	}
	require.NoError(t, c.SetPayload(models.ConsultationPayload{
		PatientDetails: models.Patient{ID: patientID, Name: "Jane Doe", Phone: "9876543210"},
		Data:           models.ConsultationData{Complaints: complaints},
		Status:         status,
		SavedAt:        at,
	}))
	queued, err := h.q.Enqueue(context.Background(), c)
	require.NoError(t, err)
	return queued
}

func (h *harness) registerOffline(t *testing.T, offlineID string, p models.Patient, complaints string) *models.QueuedChange {
	t.Helper()
	p.ID = offlineID
	c := &models.QueuedChange{
		Kind:           models.KindPatientCreate,
		EntityKey:      offlineID,
		LocalTimestamp: h.clock.Now(),
	}
	require.NoError(t, c.SetPayload(models.PatientPayload{
		Patient:      p,
		Consultation: models.ConsultationData{Complaints: complaints},
		Status:       models.ConsultationUnderEvaluation,
		SavedAt:      h.clock.Now(),
	}))
	queued, err := h.q.Enqueue(context.Background(), c)
	require.NoError(t, err)
	return queued
}

func (h *harness) seedConsultation(id, patientID, complaints string, updatedAt time.Time) {
	h.store.consultations[id] = &models.ServerConsultation{
		ID:        id,
		PatientID: patientID,
		Data:      models.ConsultationData{Complaints: complaints},
		Status:    models.ConsultationUnderEvaluation,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
}

func complaints(t *testing.T, c *models.QueuedChange) string {
	t.Helper()
	p, err := c.ConsultationPayload()
	require.NoError(t, err)
	return p.Data.Complaints
}

// TestRunSyncPass_commitsWhenServerUnchanged verifies an offline edit is
// written when nobody touched the server copy since.
func TestRunSyncPass_commitsWhenServerUnchanged(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "knee pain", t0.Add(-time.Hour))
	h.editConsultation(t, "C-1", "P-1", "knee pain, swelling", t0, models.ConsultationUnderEvaluation)

	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Committed)
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, "knee pain, swelling", h.store.consultation("C-1").Data.Complaints)
	assert.Equal(t, 1, h.events.count(EventItemCommitted))
	assert.Equal(t, 1, h.events.count(EventPassStarted))
	assert.Equal(t, 1, h.events.count(EventPassFinished))

	status := h.engine.Status()
	assert.Equal(t, SyncStatusIdle, status.State)
	assert.Zero(t, status.PendingCount)
	assert.False(t, status.HasConflict)
	require.NotNil(t, status.LastPassAt)
}

// TestRunSyncPass_commitsWhenServerAbsent verifies a missing server record
// is created from the local copy.
func TestRunSyncPass_commitsWhenServerAbsent(t *testing.T) {
	h := newHarness(t)
	h.editConsultation(t, "C-9", "P-1", "back pain", t0, models.ConsultationUnderEvaluation)

	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	require.NotNil(t, h.store.consultation("C-9"))
	assert.Equal(t, "back pain", h.store.consultation("C-9").Data.Complaints)
	assert.Zero(t, h.q.Len())
}

// TestRunSyncPass_detectsConsultationConflict verifies a server edit newer
// than the local one parks the change for a decision.
func TestRunSyncPass_detectsConsultationConflict(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)

	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicted)
	assert.Zero(t, h.store.commits)

	got, err := h.q.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConflicted, got.State)

	conflicts := h.engine.Conflicts()
	require.Len(t, conflicts, 1)
	cc, ok := conflicts[0].(*conflict.ConsultationConflict)
	require.True(t, ok)
	assert.Equal(t, "local edit", cc.Local.Data.Complaints)
	assert.Equal(t, "server edit", cc.Server.Data.Complaints)

	status := h.engine.Status()
	assert.True(t, status.HasConflict)
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, h.events.count(EventConflictDetected))

	open, err := h.log.Open(context.Background(), change.ID)
	require.NoError(t, err)
	assert.True(t, open)

	// New edits for a conflicted entity are refused.
	c := &models.QueuedChange{Kind: models.KindConsultationUpdate, EntityKey: "C-1", LocalTimestamp: t0}
	require.NoError(t, c.SetPayload(models.ConsultationPayload{PatientDetails: models.Patient{ID: "P-1"}}))
	_, err = h.q.Enqueue(context.Background(), c)
	assert.ErrorIs(t, err, queue.ErrEntityConflicted)

	// A later pass keeps the conflict open without writing.
	_, err = h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.store.commits)
	assert.Len(t, h.engine.Conflicts(), 1)
	assert.Equal(t, 1, h.events.count(EventConflictDetected))
}

// TestResolveConsultationConflict_keepLocal verifies the local payload
// overwrites the server.
func TestResolveConsultationConflict_keepLocal(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.engine.ResolveConsultationConflict(context.Background(), change.ID, conflict.KeepLocal))

	assert.Equal(t, "local edit", h.store.consultation("C-1").Data.Complaints)
	assert.Zero(t, h.q.Len())
	assert.Empty(t, h.engine.Conflicts())
	assert.False(t, h.engine.Status().HasConflict)

	ev, ok := h.events.last(EventConflictResolved)
	require.True(t, ok)
	assert.Equal(t, "local", ev.Resolution)

	open, err := h.log.Open(context.Background(), change.ID)
	require.NoError(t, err)
	assert.False(t, open)
}

// TestResolveConsultationConflict_keepServer verifies the local payload is
// discarded without a write.
func TestResolveConsultationConflict_keepServer(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.engine.ResolveConsultationConflict(context.Background(), change.ID, conflict.KeepServer))

	assert.Equal(t, "server edit", h.store.consultation("C-1").Data.Complaints)
	assert.Zero(t, h.store.commits)
	assert.Zero(t, h.q.Len())
	assert.Empty(t, h.engine.Conflicts())
}

// TestResolveConsultationConflict_transportFailure verifies the conflict
// stays open when the forced commit cannot reach the server.
func TestResolveConsultationConflict_transportFailure(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	h.store.setDown(true)
	err = h.engine.ResolveConsultationConflict(context.Background(), change.ID, conflict.KeepLocal)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncTransport))

	got, err := h.q.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConflicted, got.State)
	assert.Len(t, h.engine.Conflicts(), 1)
}

// TestResolveConsultationConflict_notConflicted verifies resolving an
// unknown or mismatched change is refused.
func TestResolveConsultationConflict_notConflicted(t *testing.T) {
	h := newHarness(t)
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)

	err := h.engine.ResolveConsultationConflict(context.Background(), change.ID, conflict.KeepLocal)
	assert.ErrorIs(t, err, ErrNotConflicted)

	err = h.engine.ResolvePatientConflict(context.Background(), change.ID, conflict.CreateNew())
	assert.ErrorIs(t, err, ErrNotConflicted)

	err = h.engine.ResolveConsultationConflict(context.Background(), change.ID, "both")
	assert.ErrorIs(t, err, conflict.ErrInvalidResolution)
}

// TestRunSyncPass_registersPatientWithoutMatch verifies an offline
// registration with no similar server patient becomes a new patient and
// queued edits follow the server ids.
func TestRunSyncPass_registersPatientWithoutMatch(t *testing.T) {
	h := newHarness(t)
	h.store.patients = []models.Patient{{ID: "P-77", Name: "Arjun Mehta", Phone: "9988776655"}}

	reg := h.registerOffline(t, "offline-a1", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "knee pain")
	h.editConsultation(t, "offline-a1", "offline-a1", "knee pain, xray advised", t0.Add(time.Second), models.ConsultationUnderEvaluation)

	h.clock.Advance(time.Minute)
	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	require.Len(t, h.store.registrations, 1)
	assert.Empty(t, h.store.registrations[0].ExistingPatientID)
	assert.Empty(t, h.store.registrations[0].Patient.ID)
	assert.Equal(t, 2, result.Committed)
	assert.Zero(t, result.Conflicted)

	_, err = h.q.Get(reg.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	ev, ok := h.events.last(EventPatientRegistered)
	require.True(t, ok)
	assert.Equal(t, "offline-a1", ev.EntityKey)

	// The later edit followed the server ids and landed on the
	// registration's consultation.
	assert.Zero(t, h.q.Len())
	server := h.store.consultation(ev.ConsultationID)
	require.NotNil(t, server)
	assert.Equal(t, ev.PatientID, server.PatientID)
	assert.Equal(t, "knee pain, xray advised", server.Data.Complaints)
}

// TestRunSyncPass_patientConflictMerge walks an offline registration that
// resembles a server patient through a merge decision.
func TestRunSyncPass_patientConflictMerge(t *testing.T) {
	h := newHarness(t)
	h.store.patients = []models.Patient{{ID: "P-100", Name: "Jane D", Phone: "+91 98765 43210"}}

	reg := h.registerOffline(t, "offline-b2", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "shoulder pain")
	edit := h.editConsultation(t, "C-5", "offline-b2", "follow-up", t0, models.ConsultationUnderEvaluation)

	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicted)
	assert.Equal(t, 1, result.Deferred)
	assert.Empty(t, h.store.registrations)

	c, err := h.engine.Conflict(reg.ID)
	require.NoError(t, err)
	pc, ok := c.(*conflict.PatientConflict)
	require.True(t, ok)
	require.Len(t, pc.ConflictingPatients, 1)
	assert.Equal(t, "P-100", pc.ConflictingPatients[0].Patient.ID)

	err = h.engine.ResolvePatientConflict(context.Background(), reg.ID, conflict.MergeWith("P-999"))
	assert.ErrorIs(t, err, conflict.ErrInvalidResolution)

	require.NoError(t, h.engine.ResolvePatientConflict(context.Background(), reg.ID, conflict.MergeWith("P-100")))

	require.Len(t, h.store.registrations, 1)
	assert.Equal(t, "P-100", h.store.registrations[0].ExistingPatientID)
	assert.Len(t, h.store.patients, 1)

	got, err := h.q.Get(edit.ID)
	require.NoError(t, err)
	p, err := got.ConsultationPayload()
	require.NoError(t, err)
	assert.Equal(t, "P-100", p.PatientDetails.ID)

	ev, ok := h.events.last(EventConflictResolved)
	require.True(t, ok)
	assert.Equal(t, "merge:P-100", ev.Resolution)

	_, err = h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "P-100", h.store.consultation("C-5").PatientID)
	assert.Zero(t, h.q.Len())
}

// TestResolvePatientConflict_mergeFailureKeepsDependentEdits verifies a merge
// that cannot reach the server leaves the registration under its offline id,
// so edits waiting on that patient survive the next pass.
func TestResolvePatientConflict_mergeFailureKeepsDependentEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.patients = []models.Patient{{ID: "P-100", Name: "Jane D", Phone: "+91 98765 43210"}}

	reg := h.registerOffline(t, "offline-b2", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "shoulder pain")
	edit := h.editConsultation(t, "C-5", "offline-b2", "follow-up", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(ctx)
	require.NoError(t, err)

	h.store.setDown(true)
	err = h.engine.ResolvePatientConflict(ctx, reg.ID, conflict.MergeWith("P-100"))
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncTransport), "got %v", err)

	got, err := h.q.Get(reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline-b2", got.EntityKey)
	assert.Equal(t, models.StateConflicted, got.State)
	_, err = h.engine.Conflict(reg.ID)
	require.NoError(t, err, "conflict stays open")

	h.store.setDown(false)
	result, err := h.engine.RunSyncPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Dropped)
	assert.Equal(t, 1, result.Deferred)
	_, err = h.q.Get(edit.ID)
	require.NoError(t, err, "dependent edit is still queued")

	require.NoError(t, h.engine.ResolvePatientConflict(ctx, reg.ID, conflict.MergeWith("P-100")))
	_, err = h.engine.RunSyncPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P-100", h.store.consultation("C-5").PatientID)
	assert.Equal(t, "follow-up", h.store.consultation("C-5").Data.Complaints)
	assert.Zero(t, h.q.Len())
}

// TestAwaitingRegistration_matchesMergeKeyedPayload verifies an edit keeps
// waiting on a registration already re-keyed to its merge target.
func TestAwaitingRegistration_matchesMergeKeyedPayload(t *testing.T) {
	h := newHarness(t)
	reg := h.registerOffline(t, "offline-d4", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "")
	_, err := h.q.Update(context.Background(), reg.ID, func(c *models.QueuedChange) error {
		c.EntityKey = "P-100"
		return nil
	})
	require.NoError(t, err)

	assert.True(t, h.engine.awaitingRegistration("offline-d4"))
	assert.False(t, h.engine.awaitingRegistration("offline-zz"))
}

// TestRunSyncPass_refreshKeepsEntityBlocked verifies edits to a conflicted
// consultation stay rejected while the engine re-reads the server copy.
func TestRunSyncPass_refreshKeepsEntityBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(ctx)
	require.NoError(t, err)

	var duringRefresh error
	h.store.beforeFetch = func() {
		c := &models.QueuedChange{Kind: models.KindConsultationUpdate, EntityKey: "C-1"}
		require.NoError(t, c.SetPayload(models.ConsultationPayload{PatientDetails: models.Patient{ID: "P-1"}}))
		_, duringRefresh = h.q.Enqueue(ctx, c)
	}
	result, err := h.engine.RunSyncPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicted)
	assert.ErrorIs(t, duringRefresh, queue.ErrEntityConflicted)

	got, err := h.q.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConflicted, got.State)
	assert.Equal(t, 1, got.Revision)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "local edit", complaints(t, got))
}

// TestResolvePatientConflict_createNew verifies the offline patient can be
// registered despite a resemblance.
func TestResolvePatientConflict_createNew(t *testing.T) {
	h := newHarness(t)
	h.store.patients = []models.Patient{{ID: "P-100", Name: "Jane D", Phone: "9876543210"}}
	reg := h.registerOffline(t, "offline-c3", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "")

	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.engine.ResolvePatientConflict(context.Background(), reg.ID, conflict.CreateNew()))

	require.Len(t, h.store.registrations, 1)
	assert.Empty(t, h.store.registrations[0].ExistingPatientID)
	assert.Len(t, h.store.patients, 2)
	assert.Zero(t, h.q.Len())
}

// TestRunSyncPass_failureAndRetry verifies transport failures are retried
// after the minimum interval.
func TestRunSyncPass_failureAndRetry(t *testing.T) {
	h := newHarness(t)
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)

	h.store.setDown(true)
	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := h.q.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "connection refused")
	assert.Equal(t, 1, h.events.count(EventItemFailed))

	h.store.setDown(false)
	result, err = h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, h.q.Len())

	h.clock.Advance(DefaultMinRetryInterval)
	result, err = h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Committed)
	assert.Zero(t, h.q.Len())
}

// TestRunSyncPass_supersededCommit verifies an edit made while the previous
// one was in flight is committed in the same pass without a false
// conflict.
func TestRunSyncPass_supersededCommit(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "v0", t0.Add(-time.Hour))
	h.editConsultation(t, "C-1", "P-1", "v1", t0, models.ConsultationUnderEvaluation)

	h.clock.Advance(2 * time.Minute)
	var once sync.Once
	h.store.beforeCommit = func(ctx context.Context) error {
		once.Do(func() {
			h.editConsultation(t, "C-1", "P-1", "v2", t0.Add(30*time.Second), models.ConsultationUnderEvaluation)
		})
		return nil
	}

	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Committed)
	assert.Zero(t, result.Conflicted)
	assert.Equal(t, "v2", h.store.consultation("C-1").Data.Complaints)
	assert.Zero(t, h.q.Len())
}

// TestRunSyncPass_dropsInvalidPayload verifies unusable changes leave the
// queue instead of blocking it.
func TestRunSyncPass_dropsInvalidPayload(t *testing.T) {
	h := newHarness(t)
	h.registerOffline(t, "offline-d4", models.Patient{Name: "No Phone"}, "")
	h.editConsultation(t, "C-2", "", "orphan", t0, models.ConsultationUnderEvaluation)

	result, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Dropped)
	assert.Zero(t, h.q.Len())
	assert.Equal(t, 2, h.events.count(EventItemDropped))
}

// TestRunSyncPass_completionNotification verifies a commit that completes a
// consultation is announced once.
func TestRunSyncPass_completionNotification(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "knee pain", t0.Add(-time.Hour))
	h.editConsultation(t, "C-1", "P-1", "knee pain", t0, models.ConsultationCompleted)

	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	ev, ok := h.events.last(EventConsultationCompleted)
	require.True(t, ok)
	assert.Equal(t, "C-1", ev.ConsultationID)
	assert.Contains(t, ev.Message, "Jane Doe")
	assert.Equal(t, 1, h.events.count(EventConsultationCompleted))
}

// TestRunSyncPass_passInProgress verifies passes never overlap.
func TestRunSyncPass_passInProgress(t *testing.T) {
	h := newHarness(t)
	h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.store.beforeCommit = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.RunSyncPass(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, h.engine.Status().Syncing)
	_, err := h.engine.RunSyncPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.engine.Status().Syncing)
}

// TestRunSyncPass_cancelled verifies cancellation mid-commit returns the
// change to Pending without counting a failure.
func TestRunSyncPass_cancelled(t *testing.T) {
	h := newHarness(t)
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	h.editConsultation(t, "C-2", "P-1", "other edit", t0, models.ConsultationUnderEvaluation)

	ctx, cancel := context.WithCancel(context.Background())
	h.store.beforeCommit = func(context.Context) error {
		cancel()
		return context.Canceled
	}

	_, err := h.engine.RunSyncPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := h.q.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 2, h.q.Len())
	assert.Equal(t, SyncStatusFailed, h.engine.Status().State)
}

// TestRunSyncPass_rebuildsConflictsAfterRestart verifies conflicts survive
// a restart through the persisted queue.
func TestRunSyncPass_rebuildsConflictsAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	change := h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	restarted := queue.New(h.kv, queue.WithLogger(logging.Nop()), queue.WithClock(h.clock.Now))
	require.NoError(t, restarted.Load(context.Background()))
	engine := h.newEngine(restarted)
	assert.Empty(t, engine.Conflicts())

	_, err = engine.RunSyncPass(context.Background())
	require.NoError(t, err)

	c, err := engine.Conflict(change.ID)
	require.NoError(t, err)
	assert.Equal(t, conflict.KindConsultation, c.ConflictKind())
	got, err := restarted.Get(change.ID)
	require.NoError(t, err)
	assert.Equal(t, "local edit", complaints(t, got))
}

type scriptedSurface struct {
	consultation conflict.ConsultationResolution
	cancelPatient bool
}

func (s scriptedSurface) DecideConsultation(context.Context, *conflict.ConsultationConflict) (conflict.ConsultationResolution, error) {
	return s.consultation, nil
}

func (s scriptedSurface) DecidePatient(context.Context, *conflict.PatientConflict) (conflict.PatientResolution, error) {
	if s.cancelPatient {
		return conflict.PatientResolution{}, conflict.ErrDecisionCancelled
	}
	return conflict.CreateNew(), nil
}

// TestResolveInteractive verifies a cancelled decision leaves only that
// conflict open.
func TestResolveInteractive(t *testing.T) {
	h := newHarness(t)
	h.seedConsultation("C-1", "P-1", "server edit", t0.Add(time.Minute))
	h.store.patients = []models.Patient{{ID: "P-100", Name: "Jane D", Phone: "9876543210"}}
	h.editConsultation(t, "C-1", "P-1", "local edit", t0, models.ConsultationUnderEvaluation)
	reg := h.registerOffline(t, "offline-e5", models.Patient{Name: "Jane Doe", Phone: "9876543210"}, "")

	_, err := h.engine.RunSyncPass(context.Background())
	require.NoError(t, err)
	require.Len(t, h.engine.Conflicts(), 2)

	resolved, err := h.engine.ResolveInteractive(context.Background(), scriptedSurface{
		consultation:  conflict.KeepServer,
		cancelPatient: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	remaining := h.engine.Conflicts()
	require.Len(t, remaining, 1)
	assert.Equal(t, reg.ID, remaining[0].QueuedChangeID())
}

// TestStatus_offline verifies the indicator reflects connectivity.
func TestStatus_offline(t *testing.T) {
	h := newHarness(t)
	l := logging.Nop()
	e := NewEngine(h.q, h.store, &Config{Connectivity: onlineFunc(func() bool { return false }), Logger: &l})

	assert.True(t, e.Status().IsOffline)
	assert.False(t, h.engine.Status().IsOffline)
}

type onlineFunc func() bool

func (f onlineFunc) Online() bool { return f() }
