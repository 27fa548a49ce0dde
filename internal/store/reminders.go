package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReminderSetting is one user-configured reminder row. A reminder fires either
// at a fixed time of day on enabled weekdays, or every IntervalSecs seconds
// when IntervalSecs > 0.
type ReminderSetting struct {
	UserID       string         `json:"user_id"`
	Type         string         `json:"type"`
	Enabled      bool           `json:"enabled"`
	TimeOfDay    string         `json:"time_of_day,omitempty"` // "HH:MM"
	IntervalSecs int            `json:"interval_secs,omitempty"`
	Weekdays     []time.Weekday `json:"weekdays,omitempty"` // empty = every day
	Metadata     map[string]any `json:"metadata,omitempty"`
	NextFireAt   time.Time      `json:"next_fire_at"`
}

// weekdayEnabled reports whether the reminder may fire on day d.
func (r *ReminderSetting) weekdayEnabled(d time.Weekday) bool {
	if len(r.Weekdays) == 0 {
		return true
	}
	for _, w := range r.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// NextFire computes the first fire time strictly after now, skipping disabled
// weekdays. Interval reminders fire on a fixed cadence from now.
func (r *ReminderSetting) NextFire(now time.Time) time.Time {
	if r.IntervalSecs > 0 {
		return now.Add(time.Duration(r.IntervalSecs) * time.Second)
	}

	hh, mm := 9, 0
	if t, err := time.Parse("15:04", r.TimeOfDay); err == nil {
		hh, mm = t.Hour(), t.Minute()
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	for i := 0; i < 8; i++ {
		if candidate.After(now) && r.weekdayEnabled(candidate.Weekday()) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// UpsertReminder writes a reminder setting, recomputing its next fire time.
func (s *DB) UpsertReminder(r *ReminderSetting, now time.Time) error {
	if r.UserID == "" || r.Type == "" {
		return fmt.Errorf("user and type are required")
	}
	r.NextFireAt = r.NextFire(now)

	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO reminders (user_id, type, enabled, time_of_day, interval_secs, weekdays, metadata, next_fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET
			enabled = excluded.enabled,
			time_of_day = excluded.time_of_day,
			interval_secs = excluded.interval_secs,
			weekdays = excluded.weekdays,
			metadata = excluded.metadata,
			next_fire_at = excluded.next_fire_at`,
		r.UserID, r.Type, boolToInt(r.Enabled), r.TimeOfDay, r.IntervalSecs,
		weekdaysToString(r.Weekdays), string(meta), r.NextFireAt)
	if err != nil {
		return fmt.Errorf("failed to upsert reminder: %w", err)
	}
	return nil
}

// GetReminder loads a single reminder setting, or nil when absent.
func (s *DB) GetReminder(userID, typ string) (*ReminderSetting, error) {
	row := s.db.QueryRow(`
		SELECT user_id, type, enabled, COALESCE(time_of_day, ''), interval_secs, weekdays, COALESCE(metadata, ''), next_fire_at
		FROM reminders WHERE user_id = ? AND type = ?`, userID, typ)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListReminders returns all reminder settings for a user.
func (s *DB) ListReminders(userID string) ([]*ReminderSetting, error) {
	rows, err := s.db.Query(`
		SELECT user_id, type, enabled, COALESCE(time_of_day, ''), interval_secs, weekdays, COALESCE(metadata, ''), next_fire_at
		FROM reminders WHERE user_id = ? ORDER BY type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()
	return scanReminderRows(rows)
}

// DeleteReminder removes a reminder setting.
func (s *DB) DeleteReminder(userID, typ string) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE user_id = ? AND type = ?`, userID, typ)
	return err
}

// ListDue returns all enabled reminders whose next fire time is at or before
// now. The (enabled, next_fire_at) index keeps this O(log n + due).
func (s *DB) ListDue(now time.Time) ([]*ReminderSetting, error) {
	rows, err := s.db.Query(`
		SELECT user_id, type, enabled, COALESCE(time_of_day, ''), interval_secs, weekdays, COALESCE(metadata, ''), next_fire_at
		FROM reminders WHERE enabled = 1 AND next_fire_at <= ?
		ORDER BY next_fire_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminderRows(rows)
}

// AdvanceReminder moves a reminder's next fire time past now. Called after a
// due reminder has been enqueued so it does not fire again this cycle.
func (s *DB) AdvanceReminder(userID, typ string, now time.Time) error {
	r, err := s.GetReminder(userID, typ)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	_, err = s.db.Exec(`UPDATE reminders SET next_fire_at = ? WHERE user_id = ? AND type = ?`,
		r.NextFire(now), userID, typ)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*ReminderSetting, error) {
	r := &ReminderSetting{}
	var enabled int
	var weekdays, meta string
	if err := row.Scan(&r.UserID, &r.Type, &enabled, &r.TimeOfDay, &r.IntervalSecs, &weekdays, &meta, &r.NextFireAt); err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.Weekdays = parseWeekdays(weekdays)
	if meta != "" {
		json.Unmarshal([]byte(meta), &r.Metadata)
	}
	return r, nil
}

func scanReminderRows(rows *sql.Rows) ([]*ReminderSetting, error) {
	var out []*ReminderSetting
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func weekdaysToString(days []time.Weekday) string {
	if len(days) == 0 {
		return "0,1,2,3,4,5,6"
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func parseWeekdays(s string) []time.Weekday {
	if s == "" || s == "0,1,2,3,4,5,6" {
		return nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n >= 0 && n <= 6 {
			out = append(out, time.Weekday(n))
		}
	}
	return out
}
