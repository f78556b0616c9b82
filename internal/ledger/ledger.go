// Package ledger keeps an append-only history of device commands for auditing.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is the result of a command as seen by roomd.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Entry represents a single command in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload"`
	Outcome   Outcome        `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
}

// Ledger provides append-only command logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records a command sent to a device.
func (l *Ledger) Append(deviceID string, payload map[string]any, outcome Outcome) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO command_log (device_id, payload, outcome, timestamp)
		VALUES (?, ?, ?, ?)
	`, deviceID, string(payloadJSON), string(outcome), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append command: %w", err)
	}
	return nil
}

// Recent returns the newest commands of a device, newest first.
func (l *Ledger) Recent(deviceID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, device_id, payload, outcome, timestamp
		FROM command_log
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM command_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payload string
		var outcome string
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.DeviceID, &payload, &outcome, &timestamp); err != nil {
			return nil, err
		}

		entry.Outcome = Outcome(outcome)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
