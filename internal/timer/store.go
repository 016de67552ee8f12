package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ortholife/clinicsync/internal/db"
)

// KeyPrefix namespaces stored durations in the key-value store.
const KeyPrefix = "timer/"

// DurationStore remembers elapsed seconds per consultation so a session can
// resume across reloads.
type DurationStore interface {
	// Load returns the stored seconds; ok is false when none are stored.
	Load(ctx context.Context, consultationID string) (seconds int, ok bool, err error)
	Save(ctx context.Context, consultationID string, seconds int) error
	Delete(ctx context.Context, consultationID string) error
}

type storedDuration struct {
	ElapsedSeconds int       `json:"elapsed_seconds"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// KVDurationStore keeps durations in a db.KVStore.
type KVDurationStore struct {
	kv db.KVStore
}

// NewKVDurationStore creates a DurationStore over kv.
func NewKVDurationStore(kv db.KVStore) *KVDurationStore {
	return &KVDurationStore{kv: kv}
}

func (s *KVDurationStore) Load(ctx context.Context, consultationID string) (int, bool, error) {
	raw, err := s.kv.Get(ctx, KeyPrefix+consultationID)
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var d storedDuration
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false, fmt.Errorf("decode duration for %s: %w", consultationID, err)
	}
	return d.ElapsedSeconds, true, nil
}

func (s *KVDurationStore) Save(ctx context.Context, consultationID string, seconds int) error {
	raw, err := json.Marshal(storedDuration{ElapsedSeconds: seconds, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyPrefix+consultationID, raw)
}

func (s *KVDurationStore) Delete(ctx context.Context, consultationID string) error {
	return s.kv.Remove(ctx, KeyPrefix+consultationID)
}
