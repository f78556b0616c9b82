package names

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is a persisted device name.
type Entry struct {
	DeviceID  string
	Name      string
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its refresh time.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists names in the name_cache table.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the stored entry for id, expired or not.
func (s *Store) Get(id string) (Entry, bool, error) {
	var name string
	var expiresAt int64

	err := s.db.QueryRow(`
		SELECT name, expires_at FROM name_cache
		WHERE device_id = ?
	`, id).Scan(&name, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read name: %w", err)
	}

	return Entry{DeviceID: id, Name: name, ExpiresAt: time.Unix(expiresAt, 0).UTC()}, true, nil
}

// Put stores or replaces the entry.
func (s *Store) Put(e Entry, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO name_cache (device_id, name, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, e.DeviceID, e.Name, e.ExpiresAt.UTC().Unix(), now.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to store name: %w", err)
	}
	return nil
}

// Delete removes the entry for id.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM name_cache WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete name: %w", err)
	}
	return nil
}

// Prune drops entries that expired more than grace ago.
func (s *Store) Prune(now time.Time, grace time.Duration) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM name_cache WHERE expires_at < ?
	`, now.Add(-grace).UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune names: %w", err)
	}
	return result.RowsAffected()
}

// Clear removes every entry.
func (s *Store) Clear() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM name_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear names: %w", err)
	}
	return result.RowsAffected()
}
