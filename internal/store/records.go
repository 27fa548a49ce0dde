package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

// AddRecord persists a confirmed health record. Records are immutable; a
// duplicate ID is an error.
func (s *DB) AddRecord(r *types.HealthRecord) error {
	if r.ID == "" || r.UserID == "" {
		return fmt.Errorf("record id and user are required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown record kind: %q", r.Kind)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO records (id, user_id, kind, timestamp, day, notes, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, string(r.Kind), r.Timestamp, r.Timestamp.Format("2006-01-02"), r.Notes, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// GetRecord loads a single record by ID.
func (s *DB) GetRecord(id string) (*types.HealthRecord, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM records WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	var r types.HealthRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

// ListRecords returns records for a user in [from, to), oldest first. An empty
// kind matches all kinds.
func (s *DB) ListRecords(userID string, kind types.RecordKind, from, to time.Time) ([]*types.HealthRecord, error) {
	query := `SELECT payload FROM records WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`
	args := []any{userID, from, to}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*types.HealthRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r types.HealthRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CountRecords counts records for a user. An empty kind counts all kinds.
func (s *DB) CountRecords(userID string, kind types.RecordKind) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE user_id = ?`
	args := []any{userID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// RecordDays returns the set of calendar days (YYYY-MM-DD) on which the user
// has at least one record of the given kind in [from, to). An empty kind
// matches all kinds.
func (s *DB) RecordDays(userID string, kind types.RecordKind, from, to time.Time) (map[string]bool, error) {
	query := `SELECT DISTINCT day FROM records WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`
	args := []any{userID, from, to}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query record days: %w", err)
	}
	defer rows.Close()

	days := make(map[string]bool)
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days[day] = true
	}
	return days, rows.Err()
}

// KindsPerDay returns, per calendar day in [from, to), the number of distinct
// record kinds the user logged. Used by the perfect-week predicate.
func (s *DB) KindsPerDay(userID string, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT day, COUNT(DISTINCT kind) FROM records
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY day`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query kinds per day: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		out[day] = n
	}
	return out, rows.Err()
}

// LatestRecord returns the newest record of the given kind, or nil when the
// user has none.
func (s *DB) LatestRecord(userID string, kind types.RecordKind) (*types.HealthRecord, error) {
	var payload string
	err := s.db.QueryRow(`
		SELECT payload FROM records WHERE user_id = ? AND kind = ?
		ORDER BY timestamp DESC LIMIT 1`, userID, string(kind)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest record: %w", err)
	}
	var r types.HealthRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}
