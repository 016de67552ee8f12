package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
	"github.com/ortholife/clinicsync/internal/sync/queue"
	"github.com/ortholife/clinicsync/internal/uuid"
)

// DefaultMinRetryInterval is how long a Failed change waits before the next
// attempt.
const DefaultMinRetryInterval = 5 * time.Second

// maxReevaluations bounds how often one pass revisits an entity whose
// payload keeps changing under it.
const maxReevaluations = 3

// SyncStatus represents the current pass state.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Status is the read-only sync indicator.
type Status struct {
	State           SyncStatus `json:"state"`
	PendingCount    int        `json:"pending_count"`
	ConflictCount   int        `json:"conflict_count"`
	HasConflict     bool       `json:"has_conflict"`
	IsOffline       bool       `json:"is_offline"`
	Syncing         bool       `json:"syncing"`
	StorageDegraded bool       `json:"storage_degraded"`
	LastPassAt      *time.Time `json:"last_pass_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// PassResult summarizes one sync pass.
type PassResult struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Processed  int           `json:"processed"`
	Committed  int           `json:"committed"`
	Conflicted int           `json:"conflicted"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`  // Failed changes not yet due
	Deferred   int           `json:"deferred"` // waiting on a patient registration
	Dropped    int           `json:"dropped"`  // invalid payloads
}

// Config holds the engine's optional collaborators.
type Config struct {
	MinRetryInterval time.Duration
	Matcher          *patientmatch.Matcher
	ConflictLog      ConflictRecorder
	Connectivity     Connectivity
	Logger           *zerolog.Logger
	Now              func() time.Time
}

// Engine reconciles the local queue with an EntityStore.
type Engine struct {
	queue       *queue.Queue
	store       EntityStore
	matcher     *patientmatch.Matcher
	conflictLog ConflictRecorder
	conn        Connectivity
	log         zerolog.Logger
	now         func() time.Time
	minRetry    time.Duration

	// passMu serializes passes and resolutions.
	passMu sync.Mutex

	mu         sync.RWMutex
	sink       EventSink
	conflicts  map[string]conflict.Conflict // by change id
	syncing    bool
	lastPassAt *time.Time
	lastErr    error
}

// NewEngine creates an Engine. cfg may be nil.
func NewEngine(q *queue.Queue, store EntityStore, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		queue:       q,
		store:       store,
		matcher:     cfg.Matcher,
		conflictLog: cfg.ConflictLog,
		conn:        cfg.Connectivity,
		log:         logging.Component("sync"),
		now:         cfg.Now,
		minRetry:    cfg.MinRetryInterval,
		conflicts:   make(map[string]conflict.Conflict),
	}
	if cfg.Logger != nil {
		e.log = *cfg.Logger
	}
	if e.matcher == nil {
		e.matcher = patientmatch.New(patientmatch.DefaultThreshold)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.minRetry <= 0 {
		e.minRetry = DefaultMinRetryInterval
	}
	return e
}

// SetEventSink sets the receiver of sync events.
func (e *Engine) SetEventSink(sink EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	sink.OnSyncEvent(ev)
}

// RunSyncPass processes the queue once. It returns ErrPassInProgress when
// another pass holds the engine, and the context error when cancelled.
func (e *Engine) RunSyncPass(ctx context.Context) (*PassResult, error) {
	if !e.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()

	result := &PassResult{StartTime: e.now()}
	e.setSyncing(true)
	e.emit(Event{Type: EventPassStarted})

	if e.queue.Degraded() {
		if err := e.queue.Flush(ctx); err != nil {
			e.log.Warn().Err(err).Msg("queue storage still degraded")
		}
	}

	var passErr error
	for _, c := range e.queue.ListPending() {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		if err := e.process(ctx, c, result); err != nil {
			passErr = err
			break
		}
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.syncing = false
	end := result.EndTime
	e.lastPassAt = &end
	e.lastErr = passErr
	e.mu.Unlock()

	e.log.Info().
		Int("processed", result.Processed).
		Int("committed", result.Committed).
		Int("conflicted", result.Conflicted).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("sync pass finished")
	e.emit(Event{Type: EventPassFinished, Result: result})

	if passErr != nil {
		return result, passErr
	}
	return result, nil
}

// process evaluates one change, revisiting it while commits are superseded
// by newer edits. The change is re-read each time since earlier work in the
// pass may have re-pointed or removed it.
func (e *Engine) process(ctx context.Context, c *models.QueuedChange, result *PassResult) error {
	for i := 0; i < maxReevaluations; i++ {
		current, err := e.queue.Get(c.ID)
		if err != nil || current.State == models.StateInFlight {
			return nil
		}
		again, err := e.evaluate(ctx, current, result)
		if err != nil || !again {
			return err
		}
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, c *models.QueuedChange, result *PassResult) (bool, error) {
	if c.State == models.StateFailed && e.now().Before(c.LastAttemptAt.Add(e.minRetry)) {
		result.Skipped++
		return false, nil
	}
	if c.State == models.StateConflicted {
		if _, open := e.conflict(c.ID); open {
			result.Processed++
			result.Conflicted++
			return false, e.refresh(ctx, c)
		}
		// Conflicts are held in memory; after a restart they are rebuilt
		// by a fresh evaluation.
	}

	result.Processed++
	switch c.Kind {
	case models.KindConsultationUpdate:
		return e.evaluateConsultation(ctx, c, result)
	case models.KindPatientCreate:
		return e.evaluatePatient(ctx, c, result)
	}
	e.drop(ctx, c, fmt.Errorf("unknown kind %q", c.Kind), result)
	return false, nil
}

func (e *Engine) evaluateConsultation(ctx context.Context, c *models.QueuedChange, result *PassResult) (bool, error) {
	p, err := c.ConsultationPayload()
	if err != nil || p.PatientDetails.ID == "" {
		if err == nil {
			err = errors.New("payload has no patient id")
		}
		e.drop(ctx, c, err, result)
		return false, nil
	}
	if uuid.IsOfflineID(p.PatientDetails.ID) {
		if e.awaitingRegistration(p.PatientDetails.ID) {
			result.Deferred++
			return false, nil
		}
		e.drop(ctx, c, fmt.Errorf("patient %s was never registered", p.PatientDetails.ID), result)
		return false, nil
	}

	snap, err := e.queue.Begin(ctx, c.ID)
	if err != nil {
		return false, e.beginFailed(c, err)
	}
	p, err = snap.ConsultationPayload()
	if err != nil {
		e.drop(ctx, snap, err, result)
		return false, nil
	}

	server, err := e.store.FetchConsultation(ctx, snap.EntityKey)
	if err = absentIsNil(err); err != nil {
		return false, e.attemptFailed(ctx, snap, err, result)
	}

	if cf, ok := conflict.DetectConsultation(snap, p, server, e.now()); ok {
		return false, e.markConflicted(ctx, snap, cf, result)
	}
	return e.commitConsultation(ctx, snap, p, server, result)
}

func (e *Engine) commitConsultation(ctx context.Context, snap *models.QueuedChange, p *models.ConsultationPayload, server *models.ServerConsultation, result *PassResult) (bool, error) {
	updatedAt, err := e.store.CommitConsultation(ctx, snap.EntityKey, p)
	if err != nil {
		return false, e.attemptFailed(ctx, snap, err, result)
	}

	superseded, err := e.queue.MarkCommitted(ctx, snap.ID, snap.Revision, updatedAt)
	if err != nil {
		e.log.Error().Err(err).Str("change_id", snap.ID).Msg("failed to record commit")
		return false, nil
	}
	if result != nil {
		result.Committed++
	}
	e.log.Info().Str("change_id", snap.ID).Str("consultation_id", snap.EntityKey).Bool("superseded", superseded).Msg("consultation committed")
	e.emit(Event{
		Type:           EventItemCommitted,
		ChangeID:       snap.ID,
		Kind:           snap.Kind,
		EntityKey:      snap.EntityKey,
		PatientID:      p.PatientDetails.ID,
		ConsultationID: snap.EntityKey,
	})
	if p.Status == models.ConsultationCompleted && (server == nil || server.Status != models.ConsultationCompleted) {
		e.emit(Event{
			Type:           EventConsultationCompleted,
			ChangeID:       snap.ID,
			Kind:           snap.Kind,
			EntityKey:      snap.EntityKey,
			PatientID:      p.PatientDetails.ID,
			ConsultationID: snap.EntityKey,
			Message:        fmt.Sprintf("consultation for %s completed", p.PatientDetails.Name),
		})
	}
	return superseded, nil
}

func (e *Engine) evaluatePatient(ctx context.Context, c *models.QueuedChange, result *PassResult) (bool, error) {
	if _, err := validPatientPayload(c); err != nil {
		e.drop(ctx, c, err, result)
		return false, nil
	}

	snap, err := e.queue.Begin(ctx, c.ID)
	if err != nil {
		return false, e.beginFailed(c, err)
	}
	pp, err := validPatientPayload(snap)
	if err != nil {
		e.drop(ctx, snap, err, result)
		return false, nil
	}

	matches, err := e.findMatches(ctx, pp.Patient)
	if err != nil {
		return false, e.attemptFailed(ctx, snap, err, result)
	}
	if cf, ok := conflict.DetectPatient(snap, pp.Patient, matches, e.now()); ok {
		return false, e.markConflicted(ctx, snap, cf, result)
	}
	return e.registerPatient(ctx, snap, pp, "", result)
}

func (e *Engine) findMatches(ctx context.Context, p models.Patient) ([]patientmatch.Match, error) {
	candidates, err := e.store.FetchPatientCandidates(ctx, CandidateQuery{
		Phone: patientmatch.NormalizePhone(p.Phone),
		Name:  p.Name,
		DOB:   p.DOB,
	})
	if err = absentIsNil(err); err != nil {
		return nil, err
	}
	return e.matcher.Match(p, candidates), nil
}

// awaitingRegistration reports whether a queued registration still carries
// offlineID. A registration being merged is keyed by the target patient, so
// the payload is checked as well as the key.
func (e *Engine) awaitingRegistration(offlineID string) bool {
	if _, ok := e.queue.Lookup(models.KindPatientCreate, offlineID); ok {
		return true
	}
	for _, c := range e.queue.List() {
		if c.Kind != models.KindPatientCreate {
			continue
		}
		if pp, err := c.PatientPayload(); err == nil && pp.Patient.ID == offlineID {
			return true
		}
	}
	return false
}

// registerPatient commits an offline registration, either as a new patient
// or attached to existingID, and re-points queued work at the server ids.
func (e *Engine) registerPatient(ctx context.Context, snap *models.QueuedChange, pp *models.PatientPayload, existingID string, result *PassResult) (bool, error) {
	commit, err := e.store.CommitPatient(ctx, registration(pp, existingID))
	if err != nil {
		return false, e.attemptFailed(ctx, snap, err, result)
	}
	e.finishRegistration(ctx, snap, pp, existingID, commit)
	if result != nil {
		result.Committed++
	}
	return false, nil
}

func registration(pp *models.PatientPayload, existingID string) *models.RegistrationRequest {
	req := &models.RegistrationRequest{
		Patient:           pp.Patient,
		ExistingPatientID: existingID,
		Consultation:      pp.Consultation,
		Status:            pp.Status,
	}
	req.Patient.ID = ""
	return req
}

// finishRegistration settles the queue after the server accepted a
// registration.
func (e *Engine) finishRegistration(ctx context.Context, snap *models.QueuedChange, pp *models.PatientPayload, existingID string, commit *models.PatientCommit) {
	offlineID := pp.Patient.ID

	superseded, err := e.queue.MarkCommitted(ctx, snap.ID, snap.Revision, commit.UpdatedAt)
	if err != nil {
		e.log.Error().Err(err).Str("change_id", snap.ID).Msg("failed to record registration")
		return
	}
	if superseded {
		// The patient exists now; later edits continue as a consultation
		// update instead of a second registration.
		if err := e.convertRegistration(ctx, snap.ID, commit); err != nil {
			e.log.Error().Err(err).Str("change_id", snap.ID).Msg("failed to carry edits over to registered consultation")
		}
	}

	if _, err := e.queue.Repoint(ctx, offlineID, commit.PatientID); err != nil {
		e.log.Error().Err(err).Str("patient_id", offlineID).Msg("failed to re-point queued consultations")
	}
	if ref, ok := e.queue.Lookup(models.KindConsultationUpdate, offlineID); ok {
		if _, err := e.queue.Update(ctx, ref.ID, func(c *models.QueuedChange) error {
			c.EntityKey = commit.ConsultationID
			c.AckedServerUpdatedAt = commit.UpdatedAt
			return nil
		}); err != nil {
			e.log.Error().Err(err).Str("change_id", ref.ID).Msg("failed to re-key consultation edit")
		}
	}

	e.log.Info().
		Str("change_id", snap.ID).
		Str("offline_id", offlineID).
		Str("patient_id", commit.PatientID).
		Str("consultation_id", commit.ConsultationID).
		Bool("merged", existingID != "").
		Msg("patient registered")
	e.emit(Event{
		Type:           EventPatientRegistered,
		ChangeID:       snap.ID,
		Kind:           snap.Kind,
		EntityKey:      offlineID,
		PatientID:      commit.PatientID,
		ConsultationID: commit.ConsultationID,
	})
	if pp.Status == models.ConsultationCompleted {
		e.emit(Event{
			Type:           EventConsultationCompleted,
			ChangeID:       snap.ID,
			Kind:           snap.Kind,
			PatientID:      commit.PatientID,
			ConsultationID: commit.ConsultationID,
			Message:        fmt.Sprintf("consultation for %s completed", pp.Patient.Name),
		})
	}
}

// convertRegistration replaces a registration edited while it was in flight
// with a consultation update carrying the newer content.
func (e *Engine) convertRegistration(ctx context.Context, changeID string, commit *models.PatientCommit) error {
	latest, err := e.queue.Get(changeID)
	if err != nil {
		return err
	}
	pp, err := latest.PatientPayload()
	if err != nil {
		return err
	}

	patient := pp.Patient
	patient.ID = commit.PatientID
	update := &models.QueuedChange{
		Kind:           models.KindConsultationUpdate,
		EntityKey:      commit.ConsultationID,
		LocalTimestamp: latest.LocalTimestamp,
	}
	if err := update.SetPayload(&models.ConsultationPayload{
		PatientDetails: patient,
		Data:           pp.Consultation,
		Status:         pp.Status,
		SavedAt:        pp.SavedAt,
	}); err != nil {
		return err
	}

	if err := e.queue.Dequeue(ctx, changeID); err != nil {
		return err
	}
	queued, err := e.queue.Enqueue(ctx, update)
	if err != nil {
		return err
	}
	_, err = e.queue.Update(ctx, queued.ID, func(c *models.QueuedChange) error {
		c.AckedServerUpdatedAt = commit.UpdatedAt
		return nil
	})
	return err
}

// refresh re-reads the server side of an open conflict so the user decides
// against current data. The change stays Conflicted whatever happens: it
// reads a snapshot without a state transition so edits to the entity
// stay blocked throughout.
func (e *Engine) refresh(ctx context.Context, c *models.QueuedChange) error {
	snap, err := e.queue.Get(c.ID)
	if err != nil {
		return nil
	}

	var (
		fresh conflict.Conflict
		ok    bool
	)
	switch snap.Kind {
	case models.KindConsultationUpdate:
		p, perr := snap.ConsultationPayload()
		if perr != nil {
			return nil
		}
		server, ferr := e.store.FetchConsultation(ctx, snap.EntityKey)
		if ferr = absentIsNil(ferr); ferr != nil {
			return ctx.Err()
		}
		fresh, ok = conflict.DetectConsultation(snap, p, server, e.now())
	case models.KindPatientCreate:
		pp, perr := snap.PatientPayload()
		if perr != nil {
			return nil
		}
		matches, ferr := e.findMatches(ctx, pp.Patient)
		if ferr != nil {
			return ctx.Err()
		}
		fresh, ok = conflict.DetectPatient(snap, pp.Patient, matches, e.now())
	}
	if !ok {
		return nil
	}

	e.mu.Lock()
	if prev, exists := e.conflicts[snap.ID]; exists {
		keepDetectedAt(fresh, prev.Detected())
		e.conflicts[snap.ID] = fresh
	}
	e.mu.Unlock()
	return nil
}

func keepDetectedAt(c conflict.Conflict, at time.Time) {
	switch v := c.(type) {
	case *conflict.ConsultationConflict:
		v.DetectedAt = at
	case *conflict.PatientConflict:
		v.DetectedAt = at
	}
}

func (e *Engine) markConflicted(ctx context.Context, snap *models.QueuedChange, cf conflict.Conflict, result *PassResult) error {
	if err := e.queue.MarkConflicted(ctx, snap.ID); err != nil {
		e.log.Error().Err(err).Str("change_id", snap.ID).Msg("failed to park conflicted change")
		return nil
	}

	e.mu.Lock()
	e.conflicts[snap.ID] = cf
	e.mu.Unlock()

	if result != nil {
		result.Conflicted++
	}
	e.recordConflict(ctx, snap, cf)
	e.log.Warn().Str("change_id", snap.ID).Str("kind", string(snap.Kind)).Str("entity", snap.EntityKey).Msg("conflict detected")
	e.emit(Event{
		Type:      EventConflictDetected,
		ChangeID:  snap.ID,
		Kind:      snap.Kind,
		EntityKey: snap.EntityKey,
	})
	return nil
}

func (e *Engine) recordConflict(ctx context.Context, snap *models.QueuedChange, cf conflict.Conflict) {
	if e.conflictLog == nil {
		return
	}
	entry := &models.ConflictLog{
		ChangeID:       snap.ID,
		Kind:           snap.Kind,
		EntityKey:      snap.EntityKey,
		LocalTimestamp: snap.LocalTimestamp.Unix(),
		DetectedAt:     cf.Detected().Unix(),
	}
	switch v := cf.(type) {
	case *conflict.ConsultationConflict:
		entry.RemoteTimestamp = v.Server.LastModified().Unix()
	case *conflict.PatientConflict:
		entry.Candidates = len(v.ConflictingPatients)
	}
	if err := e.conflictLog.Record(ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("change_id", snap.ID).Msg("failed to record conflict")
	}
}

// attemptFailed moves an InFlight change to Failed, or back to Pending when
// the failure came from cancellation. It returns the context error, if any.
func (e *Engine) attemptFailed(ctx context.Context, snap *models.QueuedChange, cause error, result *PassResult) error {
	if err := ctx.Err(); err != nil {
		if rerr := e.queue.Release(context.WithoutCancel(ctx), snap.ID); rerr != nil {
			e.log.Error().Err(rerr).Str("change_id", snap.ID).Msg("failed to release change")
		}
		return err
	}

	if err := e.queue.MarkFailed(ctx, snap.ID, cause); err != nil {
		e.log.Error().Err(err).Str("change_id", snap.ID).Msg("failed to record failure")
	}
	if result != nil {
		result.Failed++
	}
	e.log.Warn().Err(cause).Str("change_id", snap.ID).Str("entity", snap.EntityKey).Int("attempts", snap.Attempts).Msg("sync attempt failed")
	e.emit(Event{
		Type:      EventItemFailed,
		ChangeID:  snap.ID,
		Kind:      snap.Kind,
		EntityKey: snap.EntityKey,
		Message:   cause.Error(),
	})
	return nil
}

// beginFailed handles a change that vanished or moved between listing and
// Begin, e.g. dequeued by a discard.
func (e *Engine) beginFailed(c *models.QueuedChange, err error) error {
	e.log.Debug().Err(err).Str("change_id", c.ID).Msg("change no longer eligible")
	return nil
}

func (e *Engine) drop(ctx context.Context, c *models.QueuedChange, cause error, result *PassResult) {
	if err := e.queue.Dequeue(ctx, c.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		e.log.Error().Err(err).Str("change_id", c.ID).Msg("failed to drop invalid change")
		return
	}
	e.mu.Lock()
	delete(e.conflicts, c.ID)
	e.mu.Unlock()

	if result != nil {
		result.Dropped++
	}
	e.log.Warn().Err(cause).Str("change_id", c.ID).Str("kind", string(c.Kind)).Msg("dropping invalid queued change")
	e.emit(Event{
		Type:      EventItemDropped,
		ChangeID:  c.ID,
		Kind:      c.Kind,
		EntityKey: c.EntityKey,
		Message:   cause.Error(),
	})
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

func (e *Engine) conflict(changeID string) (conflict.Conflict, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conflicts[changeID]
	return c, ok
}

// Status returns the sync indicator.
func (e *Engine) Status() Status {
	stats := e.queue.Stats()

	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		State:           SyncStatusIdle,
		PendingCount:    stats.Total,
		ConflictCount:   stats.Conflicted,
		HasConflict:     stats.Conflicted > 0,
		IsOffline:       e.conn != nil && !e.conn.Online(),
		Syncing:         e.syncing,
		StorageDegraded: e.queue.Degraded(),
	}
	if e.lastPassAt != nil {
		t := *e.lastPassAt
		s.LastPassAt = &t
	}
	if e.lastErr != nil {
		s.State = SyncStatusFailed
		s.LastError = e.lastErr.Error()
	}
	if e.syncing {
		s.State = SyncStatusSyncing
	}
	return s
}

// Conflicts returns the open conflicts, oldest detection first.
func (e *Engine) Conflicts() []conflict.Conflict {
	e.mu.RLock()
	out := make([]conflict.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Detected().Equal(out[j].Detected()) {
			return out[i].Detected().Before(out[j].Detected())
		}
		return out[i].QueuedChangeID() < out[j].QueuedChangeID()
	})
	return out
}

// Conflict returns the open conflict for a queued change.
func (e *Engine) Conflict(changeID string) (conflict.Conflict, error) {
	c, ok := e.conflict(changeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConflicted, changeID)
	}
	return c, nil
}

func validPatientPayload(c *models.QueuedChange) (*models.PatientPayload, error) {
	pp, err := c.PatientPayload()
	if err != nil {
		return nil, err
	}
	if err := pp.Patient.Validate(); err != nil {
		return nil, err
	}
	if pp.Patient.ID == "" {
		pp.Patient.ID = c.EntityKey
	}
	return pp, nil
}

// absentIsNil maps not-found and undecodable answers to "no record".
func absentIsNil(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedResponse) {
		return nil
	}
	return err
}
