package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Row keys in the identity table.
const (
	keyPlatformID = "platform_id"
	keySequence   = "sequence"
)

// ErrCorrupt is returned when a stored value cannot be parsed.
var ErrCorrupt = errors.New("identity: stored value is corrupt")

// Store is the SQLite-backed identity store.
//
// Thread Safety:
//   - NextSequence is a single UPSERT ... RETURNING statement, atomic
//     under SQLite's single-writer model.
type Store struct {
	db    *sql.DB
	newID func() string
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, newID: uuid.NewString}
}

// DeviceID returns the persisted platform id, generating and storing a
// random UUID on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.get(ctx, keyPlatformID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	// OR IGNORE keeps the first writer's id if two callers race.
	const insert = `INSERT OR IGNORE INTO identity (key, value) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, keyPlatformID, s.newID()); err != nil {
		return "", fmt.Errorf("storing platform id: %w", err)
	}
	id, err = s.get(ctx, keyPlatformID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// NextSequence increments the counter and returns the new value. The
// first call returns 1.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	const query = `INSERT INTO identity (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
		RETURNING value`
	var raw string
	if err := s.db.QueryRowContext(ctx, query, keySequence).Scan(&raw); err != nil {
		return 0, fmt.Errorf("incrementing sequence: %w", err)
	}
	return parseSequence(raw)
}

// PeekSequence returns the last issued sequence, or 0 if none was issued.
func (s *Store) PeekSequence(ctx context.Context) (int64, error) {
	raw, err := s.get(ctx, keySequence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseSequence(raw)
}

// SetSequence overwrites the counter. The next NextSequence returns n+1.
func (s *Store) SetSequence(ctx context.Context, n int64) error {
	if n < 0 {
		return fmt.Errorf("setting sequence: negative value %d", n)
	}
	const query = `INSERT INTO identity (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, keySequence, strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("setting sequence: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM identity WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

func parseSequence(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence %q", ErrCorrupt, raw)
	}
	return n, nil
}
