// Package queue holds changes made while offline until the sync engine has
// reconciled them with the server.
//
// Every mutation is written through to a durable key-value store before the
// call returns. When the store rejects a write the change is kept in memory,
// a warning is logged, and Degraded reports true until Flush succeeds.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/db"
	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/uuid"
)

// KeyPrefix namespaces queue entries in the key-value store.
const KeyPrefix = "queue/"

// DefaultMaxSize caps the number of distinct entities held in the queue.
const DefaultMaxSize = 10000

var (
	// ErrNotFound is returned for an unknown change id.
	ErrNotFound = errors.New("queued change not found")
	// ErrEntityConflicted is returned when enqueuing an edit for an entity
	// whose queued change awaits a conflict decision.
	ErrEntityConflicted = errors.New("entity has an unresolved conflict")
	// ErrQueueFull is returned when a new entity would exceed the size cap.
	ErrQueueFull = errors.New("queue is full")
	// ErrKeyTaken is returned when re-keying onto an entity that already has
	// a live change of the same kind.
	ErrKeyTaken = errors.New("entity already has a queued change")
)

// Stats counts live changes per attempt state.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
}

// Queue is the local persistent queue. It is safe for concurrent use.
type Queue struct {
	store   db.KVStore
	log     zerolog.Logger
	now     func() time.Time
	maxSize int

	mu    sync.RWMutex
	items map[string]*models.QueuedChange // by change id
	byKey map[string]string               // entity ref -> change id
	seq   uint64
	dirty map[string]struct{} // ids whose durable copy is stale

	notify chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxSize caps the number of queued entities.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// New creates an empty queue writing through to store. Call Load to restore
// changes persisted by a previous run.
func New(store db.KVStore, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		log:     logging.Component("queue"),
		now:     time.Now,
		maxSize: DefaultMaxSize,
		items:   make(map[string]*models.QueuedChange),
		byKey:   make(map[string]string),
		dirty:   make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load rebuilds the queue from the durable store. Changes left InFlight by a
// crash are reset to Pending.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, db.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("load %s: %w", key, err)
		}

		var c models.QueuedChange
		if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" || !c.Kind.Valid() {
			q.log.Warn().Str("key", key).Err(err).Msg("dropping unreadable queued change")
			if rmErr := q.store.Remove(ctx, key); rmErr != nil {
				q.log.Warn().Str("key", key).Err(rmErr).Msg("failed to remove unreadable queued change")
			}
			continue
		}

		if c.State == models.StateInFlight || c.State == "" {
			c.State = models.StatePending
		}

		ref := c.Key()
		if otherID, ok := q.byKey[ref]; ok {
			// Two live changes for one entity; keep the most recent edit.
			other := q.items[otherID]
			if other.Seq > c.Seq {
				q.log.Warn().Str("change_id", c.ID).Str("entity", ref).Msg("dropping shadowed queued change")
				q.removeDurable(ctx, c.ID)
				continue
			}
			delete(q.items, otherID)
			q.removeDurable(ctx, otherID)
		}

		cp := c
		q.items[c.ID] = &cp
		q.byKey[ref] = c.ID
		if c.Seq > q.seq {
			q.seq = c.Seq
		}
	}

	q.log.Info().Int("count", len(q.items)).Msg("queue loaded")
	if len(q.items) > 0 {
		q.signal()
	}
	return nil
}

// Enqueue upserts a change by (kind, entity key). A live change for the same
// entity keeps its id and position and takes the new payload and local
// timestamp. A change currently InFlight stays InFlight; the engine notices
// the new revision when the commit returns.
func (q *Queue) Enqueue(ctx context.Context, change *models.QueuedChange) (*models.QueuedChange, error) {
	if !change.Kind.Valid() {
		return nil, fmt.Errorf("enqueue: unknown kind %q", change.Kind)
	}
	if change.EntityKey == "" {
		return nil, errors.New("enqueue: empty entity key")
	}
	if len(change.Payload) == 0 {
		return nil, errors.New("enqueue: empty payload")
	}

	ts := change.LocalTimestamp
	if ts.IsZero() {
		ts = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ref := change.Key()
	if id, ok := q.byKey[ref]; ok {
		existing := q.items[id]
		if existing.State == models.StateConflicted {
			return nil, fmt.Errorf("%w: %s", ErrEntityConflicted, ref)
		}
		existing.Payload = append(json.RawMessage(nil), change.Payload...)
		existing.LocalTimestamp = ts
		existing.Revision++
		if existing.State == models.StateFailed {
			// A fresh edit is worth an immediate attempt.
			existing.State = models.StatePending
			existing.LastError = ""
		}
		q.persist(ctx, existing)
		q.log.Debug().Str("change_id", id).Str("entity", ref).Int("revision", existing.Revision).Msg("queued change updated")
		q.signal()
		return existing.Clone(), nil
	}

	if len(q.items) >= q.maxSize {
		return nil, fmt.Errorf("%w (max size: %d)", ErrQueueFull, q.maxSize)
	}

	id := change.ID
	if id == "" {
		id = uuid.New()
	}
	if _, taken := q.items[id]; taken {
		return nil, fmt.Errorf("enqueue: change id %s already used by another entity", id)
	}

	q.seq++
	c := &models.QueuedChange{
		ID:             id,
		Kind:           change.Kind,
		EntityKey:      change.EntityKey,
		Payload:        append(json.RawMessage(nil), change.Payload...),
		LocalTimestamp: ts,
		State:          models.StatePending,
		Seq:            q.seq,
		Revision:       1,
	}
	q.items[id] = c
	q.byKey[ref] = id
	q.persist(ctx, c)

	q.log.Info().Str("change_id", id).Str("kind", string(c.Kind)).Str("entity", c.EntityKey).Msg("change queued")
	q.signal()
	return c.Clone(), nil
}

// Dequeue removes a change after a successful commit or a confirmed discard.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.drop(ctx, c)
	return nil
}

// ListPending returns the changes waiting for the server, oldest first:
// Pending, Conflicted and Failed (a failed attempt is retried like a pending
// one). InFlight changes are excluded.
func (q *Queue) ListPending() []*models.QueuedChange {
	return q.list(func(c *models.QueuedChange) bool {
		return c.State != models.StateInFlight
	})
}

// List returns every live change, oldest first.
func (q *Queue) List() []*models.QueuedChange {
	return q.list(func(*models.QueuedChange) bool { return true })
}

func (q *Queue) list(keep func(*models.QueuedChange) bool) []*models.QueuedChange {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.QueuedChange, 0, len(q.items))
	for _, c := range q.items {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get returns a copy of a change.
func (q *Queue) Get(id string) (*models.QueuedChange, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	c, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// Lookup returns the live change for an entity, if any.
func (q *Queue) Lookup(kind models.ChangeKind, entityKey string) (*models.QueuedChange, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	id, ok := q.byKey[models.EntityRef(kind, entityKey)]
	if !ok {
		return nil, false
	}
	return q.items[id].Clone(), true
}

// Begin moves a change to InFlight and records the attempt. The returned
// snapshot carries the revision being committed.
func (q *Queue) Begin(ctx context.Context, id string) (*models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := c.Transition(models.StateInFlight); err != nil {
		return nil, err
	}
	c.Attempts++
	c.LastAttemptAt = q.now()
	q.persist(ctx, c)
	return c.Clone(), nil
}

// MarkCommitted finishes an InFlight change. When the payload was replaced
// while the commit was in flight the change goes back to Pending, remembers
// serverUpdatedAt as our own write, and superseded is true; otherwise the
// change is dequeued.
func (q *Queue) MarkCommitted(ctx context.Context, id string, revision int, serverUpdatedAt time.Time) (superseded bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.items[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if c.Revision != revision {
		if err := c.Transition(models.StatePending); err != nil {
			return false, err
		}
		c.AckedServerUpdatedAt = serverUpdatedAt
		c.LastError = ""
		q.persist(ctx, c)
		q.log.Debug().Str("change_id", id).Int("revision", c.Revision).Msg("commit superseded by newer edit")
		return true, nil
	}

	if err := c.Transition(models.StateCommitted); err != nil {
		return false, err
	}
	q.drop(ctx, c)
	return false, nil
}

// MarkConflicted parks a change until the user decides.
func (q *Queue) MarkConflicted(ctx context.Context, id string) error {
	return q.move(ctx, id, models.StateConflicted, "")
}

// MarkFailed records a transport failure; the change is retried later.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.move(ctx, id, models.StateFailed, msg)
}

// Release returns an InFlight change to Pending without counting it as a
// failure, e.g. when a pass is cancelled.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.move(ctx, id, models.StatePending, "")
}

func (q *Queue) move(ctx context.Context, id string, to models.AttemptState, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := c.Transition(to); err != nil {
		return err
	}
	c.LastError = lastErr
	q.persist(ctx, c)
	return nil
}

// Update applies fn to a change in place and persists the result. A payload
// change bumps the revision. fn may also re-key the change.
func (q *Queue) Update(ctx context.Context, id string, fn func(*models.QueuedChange) error) (*models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	work := c.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	oldRef, newRef := c.Key(), work.Key()
	if newRef != oldRef {
		if _, taken := q.byKey[newRef]; taken {
			return nil, fmt.Errorf("%w: %s", ErrKeyTaken, newRef)
		}
		delete(q.byKey, oldRef)
		q.byKey[newRef] = id
	}

	// Identity and bookkeeping stay under queue control.
	work.ID, work.Seq, work.State, work.Attempts = c.ID, c.Seq, c.State, c.Attempts
	work.Revision = c.Revision
	if string(work.Payload) != string(c.Payload) {
		work.Revision++
	}

	q.items[id] = work
	q.persist(ctx, work)
	return work.Clone(), nil
}

// Repoint rewrites every queued consultation edit that references
// oldPatientID so it references newPatientID. It returns the number of
// changes rewritten.
func (q *Queue) Repoint(ctx context.Context, oldPatientID, newPatientID string) (int, error) {
	if oldPatientID == "" || oldPatientID == newPatientID {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, c := range q.items {
		if c.Kind != models.KindConsultationUpdate {
			continue
		}
		p, err := c.ConsultationPayload()
		if err != nil {
			q.log.Warn().Str("change_id", c.ID).Err(err).Msg("skipping unreadable payload during repoint")
			continue
		}
		if p.PatientDetails.ID != oldPatientID {
			continue
		}
		p.PatientDetails.ID = newPatientID
		if err := c.SetPayload(p); err != nil {
			return n, err
		}
		c.Revision++
		q.persist(ctx, c)
		n++
	}

	if n > 0 {
		q.log.Info().Str("from", oldPatientID).Str("to", newPatientID).Int("count", n).Msg("queued consultations re-pointed")
	}
	return n, nil
}

// Stats returns counts per attempt state.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, c := range q.items {
		s.Total++
		switch c.State {
		case models.StatePending:
			s.Pending++
		case models.StateInFlight:
			s.InFlight++
		case models.StateConflicted:
			s.Conflicted++
		case models.StateFailed:
			s.Failed++
		}
	}
	return s
}

// Len returns the number of live changes.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Degraded reports whether some change exists only in memory.
func (q *Queue) Degraded() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.dirty) > 0
}

// Flush retries durable writes that failed earlier.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []string
	for id := range q.dirty {
		var err error
		if c, ok := q.items[id]; ok {
			err = q.write(ctx, c)
		} else {
			err = q.store.Remove(ctx, KeyPrefix+id)
		}
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		delete(q.dirty, id)
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush queue: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Changed is signalled after every enqueue. The scheduler listens on it to
// start a pass while online.
func (q *Queue) Changed() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drop removes c from memory and storage. Caller holds q.mu.
func (q *Queue) drop(ctx context.Context, c *models.QueuedChange) {
	delete(q.items, c.ID)
	if q.byKey[c.Key()] == c.ID {
		delete(q.byKey, c.Key())
	}
	q.removeDurable(ctx, c.ID)
	q.log.Debug().Str("change_id", c.ID).Msg("change dequeued")
}

// persist writes c through to storage. Caller holds q.mu.
func (q *Queue) persist(ctx context.Context, c *models.QueuedChange) {
	if err := q.write(ctx, c); err != nil {
		q.dirty[c.ID] = struct{}{}
		q.log.Warn().Err(err).Str("change_id", c.ID).Msg("durable write failed; change held in memory only")
		return
	}
	delete(q.dirty, c.ID)
}

func (q *Queue) write(ctx context.Context, c *models.QueuedChange) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, KeyPrefix+c.ID, raw)
}

func (q *Queue) removeDurable(ctx context.Context, id string) {
	if err := q.store.Remove(ctx, KeyPrefix+id); err != nil {
		q.dirty[id] = struct{}{}
		q.log.Warn().Err(err).Str("change_id", id).Msg("durable remove failed")
		return
	}
	delete(q.dirty, id)
}
