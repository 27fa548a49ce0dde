package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerdictRecord is the persisted audit form of a decision engine verdict.
// Every sent notification has a matching record with outcome "send".
type VerdictRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Outcome     string          `json:"outcome"` // send | defer | drop
	Reason      string          `json:"reason,omitempty"`
	Score       float64         `json:"score"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	DeferUntil  time.Time       `json:"defer_until,omitempty"`
	Factors     []VerdictFactor `json:"factors,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// VerdictFactor names one contributing factor and its numeric contribution.
type VerdictFactor struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// SaveVerdict persists a verdict record for audit.
func (s *DB) SaveVerdict(v *VerdictRecord) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	factors, err := json.Marshal(v.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	var deferUntil any
	if !v.DeferUntil.IsZero() {
		deferUntil = v.DeferUntil
	}
	_, err = s.db.Exec(`
		INSERT INTO verdicts (id, user_id, type, outcome, reason, score, scheduled_at, defer_until, factors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Type, v.Outcome, v.Reason, v.Score, v.ScheduledAt, deferUntil,
		string(factors), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

// FindVerdict returns the verdict recorded for (user, type, scheduled_at), or
// nil when none exists.
func (s *DB) FindVerdict(userID, typ string, scheduledAt time.Time) (*VerdictRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, type, outcome, COALESCE(reason, ''), score, scheduled_at, defer_until, COALESCE(factors, ''), created_at
		FROM verdicts WHERE user_id = ? AND type = ? AND scheduled_at = ?
		ORDER BY created_at DESC LIMIT 1`, userID, typ, scheduledAt)

	v := &VerdictRecord{}
	var deferUntil sql.NullTime
	var factors string
	err := row.Scan(&v.ID, &v.UserID, &v.Type, &v.Outcome, &v.Reason, &v.Score,
		&v.ScheduledAt, &deferUntil, &factors, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verdict: %w", err)
	}
	if deferUntil.Valid {
		v.DeferUntil = deferUntil.Time
	}
	if factors != "" {
		json.Unmarshal([]byte(factors), &v.Factors)
	}
	return v, nil
}
