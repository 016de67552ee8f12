package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ortholife/clinicsync/internal/crypto"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KVStore is a durable key-value store. Set must be durable before it
// returns.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys returns the keys starting with prefix in lexical order. An empty
	// prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SQLiteKV is a KVStore backed by the kv_store table.
type SQLiteKV struct {
	db     *sql.DB
	cipher *crypto.PayloadCipher
	now    func() time.Time
}

// KVOption configures a SQLiteKV.
type KVOption func(*SQLiteKV)

// WithCipher seals every value before it is written.
func WithCipher(c *crypto.PayloadCipher) KVOption {
	return func(kv *SQLiteKV) {
		kv.cipher = c
	}
}

// NewSQLiteKV creates a KV store on a migrated database.
func NewSQLiteKV(db *DB, opts ...KVOption) *SQLiteKV {
	kv := &SQLiteKV{db: db.DB, now: time.Now}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

// Get returns the value stored under key.
func (kv *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var stored string
	err := kv.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	if kv.cipher == nil {
		if crypto.IsSealed(stored) {
			return nil, fmt.Errorf("get %q: value is encrypted and no key is configured", key)
		}
		return []byte(stored), nil
	}
	value, err := kv.cipher.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (kv *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("set: empty key")
	}

	stored := string(value)
	if kv.cipher != nil {
		sealed, err := kv.cipher.Seal(value)
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		stored = sealed
	}

	_, err := kv.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, stored, kv.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (kv *SQLiteKV) Remove(ctx context.Context, key string) error {
	if _, err := kv.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys returns the keys with the given prefix.
func (kv *SQLiteKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := kv.db.QueryContext(ctx,
		"SELECT key FROM kv_store WHERE substr(key, 1, ?) = ? ORDER BY key",
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
