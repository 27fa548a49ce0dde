package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

// ErrTerminalState is returned when a transition is attempted on an entry
// already in a terminal state. Terminal states are never left.
var ErrTerminalState = errors.New("notification already in terminal state")

// QueueEntry is one row of the notification queue.
type QueueEntry struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body,omitempty"`
	Channel     types.Channel     `json:"channel,omitempty"`
	Status      types.QueueStatus `json:"status"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	SentAt      time.Time         `json:"sent_at,omitempty"`
	Attempts    int               `json:"attempts"`
	Payload     map[string]any    `json:"payload,omitempty"`
}

// Enqueue inserts a pending queue entry.
func (s *DB) Enqueue(e *QueueEntry) error {
	if e.ID == "" || e.UserID == "" || e.Type == "" {
		return fmt.Errorf("id, user and type are required")
	}
	if e.Status == "" {
		e.Status = types.StatusPending
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO notifications (id, user_id, type, title, body, channel, status, scheduled_at, attempts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Type, e.Title, e.Body, string(e.Channel), string(e.Status),
		e.ScheduledAt, e.Attempts, string(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Transition moves a pending entry to a new state. Moving out of a terminal
// state fails with ErrTerminalState; the state machine only leaves pending.
func (s *DB) Transition(id string, to types.QueueStatus, at time.Time) error {
	var sentAt any
	if to == types.StatusSent {
		sentAt = at
	}
	res, err := s.db.Exec(`
		UPDATE notifications SET status = ?, sent_at = COALESCE(?, sent_at)
		WHERE id = ? AND status = 'pending'`, string(to), sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to transition notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTerminalState
	}
	return nil
}

// Reschedule pushes a pending entry's scheduled time later and counts the
// deferral in its payload, so repeated postponements stay bounded.
func (s *DB) Reschedule(id string, to time.Time) error {
	res, err := s.db.Exec(`
		UPDATE notifications
		SET scheduled_at = ?,
		    payload = json_set(COALESCE(NULLIF(payload, ''), '{}'), '$.deferrals',
		              COALESCE(json_extract(NULLIF(payload, ''), '$.deferrals'), 0) + 1)
		WHERE id = ? AND status = 'pending'`, to, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule notification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTerminalState
	}
	return nil
}

// IncrementAttempts bumps the delivery attempt counter.
func (s *DB) IncrementAttempts(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// HasRecentSameType reports whether a pending or recently-sent entry of the
// same (user, type) exists whose scheduled hour matches. Used for dedup.
func (s *DB) HasRecentSameType(userID, typ string, scheduledAt time.Time) (bool, error) {
	hourStart := scheduledAt.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE user_id = ? AND type = ? AND status IN ('pending', 'sent')
		AND scheduled_at >= ? AND scheduled_at < ?`,
		userID, typ, hourStart, hourEnd).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check dedup: %w", err)
	}
	return n > 0, nil
}

// CountSentToday counts entries sent for the user since midnight local. An
// empty type counts all types.
func (s *DB) CountSentToday(userID, typ string, now time.Time) (int, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND status = 'sent' AND sent_at >= ?`
	args := []any{userID, midnight}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// LastSentOfType returns when a notification of this type was last sent to
// the user, or zero time if never.
func (s *DB) LastSentOfType(userID, typ string) (time.Time, error) {
	var sentAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT sent_at FROM notifications
		WHERE user_id = ? AND type = ? AND status = 'sent'
		ORDER BY sent_at DESC LIMIT 1`, userID, typ).Scan(&sentAt)
	if err == sql.ErrNoRows || !sentAt.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sent: %w", err)
	}
	return sentAt.Time, nil
}

// CancelPending moves every pending entry for the user to cancelled. Used by
// the user-scoped cancel token and quiet-hours entry. Returns the count.
func (s *DB) CancelPending(userID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE notifications SET status = 'cancelled' WHERE user_id = ? AND status = 'pending'`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SweepPending moves all pending entries to cancelled. Run on startup so
// entries orphaned by a shutdown reach a terminal state.
func (s *DB) SweepPending() (int, error) {
	res, err := s.db.Exec(`UPDATE notifications SET status = 'cancelled' WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pending: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListDuePending returns pending entries whose scheduled time has arrived,
// oldest first. The delivery loop drains these.
func (s *DB) ListDuePending(now time.Time) ([]*QueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, type, COALESCE(title, ''), COALESCE(body, ''), COALESCE(channel, ''), status, scheduled_at, sent_at, attempts, COALESCE(payload, '')
		FROM notifications WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due pending: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetQueueEntry loads one queue entry.
func (s *DB) GetQueueEntry(id string) (*QueueEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, type, COALESCE(title, ''), COALESCE(body, ''), COALESCE(channel, ''), status, scheduled_at, sent_at, attempts, COALESCE(payload, '')
		FROM notifications WHERE id = ?`, id)
	return scanQueueEntry(row)
}

// ListQueue returns queue entries for a user filtered by status (empty status
// matches all), newest scheduled first.
func (s *DB) ListQueue(userID string, status types.QueueStatus) ([]*QueueEntry, error) {
	query := `
		SELECT id, user_id, type, COALESCE(title, ''), COALESCE(body, ''), COALESCE(channel, ''), status, scheduled_at, sent_at, attempts, COALESCE(payload, '')
		FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	e := &QueueEntry{}
	var channel, status, payload string
	var sentAt sql.NullTime
	if err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.Title, &e.Body, &channel, &status,
		&e.ScheduledAt, &sentAt, &e.Attempts, &payload); err != nil {
		return nil, err
	}
	e.Channel = types.Channel(channel)
	e.Status = types.QueueStatus(status)
	if sentAt.Valid {
		e.SentAt = sentAt.Time
	}
	if payload != "" {
		json.Unmarshal([]byte(payload), &e.Payload)
	}
	return e, nil
}
