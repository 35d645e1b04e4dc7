// Package settings persists the engine's mutable configuration as independent
// key/value blobs: the remote target, the file selection and the schedule.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheGojiOG/pvebackup/internal/crypto"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/schedule"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
)

// Keys of the settings table
const (
	KeyTarget    = "target"
	KeySelection = "selection"
	KeySchedule  = "schedule"
)

// Store reads and writes JSON blobs in the settings table
type Store struct {
	db  *sql.DB
	enc *crypto.EncryptionManager
}

// NewStore creates a settings store. enc protects the target secret.
func NewStore(db *sql.DB, enc *crypto.EncryptionManager) *Store {
	return &Store{db: db, enc: enc}
}

// Get decodes the blob under key into dst. It reports false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, failure.New("settings", "get", failure.Internal, fmt.Errorf("failed to read %s: %w", key, err))
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return false, failure.New("settings", "get", failure.Internal, fmt.Errorf("failed to decode %s: %w", key, err))
	}
	return true, nil
}

// Put encodes value and replaces the blob under key
func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return failure.New("settings", "put", failure.Internal, fmt.Errorf("failed to encode %s: %w", key, err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, data)
	if err != nil {
		return failure.New("settings", "put", failure.Internal, fmt.Errorf("failed to write %s: %w", key, err))
	}
	return nil
}

// LoadTarget returns the stored target with its secret decrypted
func (s *Store) LoadTarget(ctx context.Context) (transfer.Target, bool, error) {
	var target transfer.Target
	ok, err := s.Get(ctx, KeyTarget, &target)
	if err != nil || !ok {
		return transfer.Target{}, ok, err
	}
	if s.enc != nil {
		secret, err := s.enc.DecryptSecret(target.Secret)
		if err != nil {
			return transfer.Target{}, false, failure.New("settings", "get", failure.Internal, fmt.Errorf("failed to decrypt target secret: %w", err))
		}
		target.Secret = secret
	}
	return target, true, nil
}

// SaveTarget stores the target with its secret encrypted
func (s *Store) SaveTarget(ctx context.Context, target transfer.Target) error {
	if s.enc != nil {
		secret, err := s.enc.EncryptSecret(target.Secret)
		if err != nil {
			return failure.New("settings", "put", failure.Internal, fmt.Errorf("failed to encrypt target secret: %w", err))
		}
		target.Secret = secret
	}
	return s.Put(ctx, KeyTarget, target)
}

// LoadSelection returns the stored selection entries
func (s *Store) LoadSelection(ctx context.Context) ([]selection.Entry, bool, error) {
	var entries []selection.Entry
	ok, err := s.Get(ctx, KeySelection, &entries)
	return entries, ok, err
}

// SaveSelection stores the selection entries
func (s *Store) SaveSelection(ctx context.Context, entries []selection.Entry) error {
	return s.Put(ctx, KeySelection, entries)
}

// LoadSchedule returns the stored schedule definition
func (s *Store) LoadSchedule(ctx context.Context) (schedule.Definition, bool, error) {
	var def schedule.Definition
	ok, err := s.Get(ctx, KeySchedule, &def)
	return def, ok, err
}

// SaveSchedule stores the schedule definition
func (s *Store) SaveSchedule(ctx context.Context, def schedule.Definition) error {
	return s.Put(ctx, KeySchedule, def)
}
