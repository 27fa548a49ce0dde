package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

// SaveProfile upserts a user profile blob. Points and the achievement set are
// derived state and ignored on write (see GetProfile).
func (s *DB) SaveProfile(p *types.UserProfile) error {
	if p.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// GetProfile loads a user profile. Points totals come from the ledger and the
// achievement set from user_achievements, so the blob can never drift from
// the authoritative stores.
func (s *DB) GetProfile(userID string) (*types.UserProfile, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown user: %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	var p types.UserProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	balance, err := s.Balance(userID)
	if err != nil {
		return nil, err
	}
	earned, spent, err := s.Totals(userID)
	if err != nil {
		return nil, err
	}
	p.Points = balance
	p.PointsEarned = earned
	p.PointsSpent = spent

	achievements, err := s.ListAchievements(userID)
	if err != nil {
		return nil, err
	}
	p.Achievements = achievements

	return &p, nil
}

// ListUsers returns every known user id. The daily rollover walks this.
func (s *DB) ListUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HasProfile reports whether the user exists.
func (s *DB) HasProfile(userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles WHERE user_id = ?`, userID).Scan(&n)
	return n > 0, err
}

// AddAchievement records an unlock. Returns false when the achievement was
// already in the user's set (the unlock is idempotent).
func (s *DB) AddAchievement(userID, achievementID string, unlockedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO user_achievements (user_id, achievement_id, unlocked_at)
		VALUES (?, ?, ?)`, userID, achievementID, unlockedAt)
	if err != nil {
		return false, fmt.Errorf("failed to add achievement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveAchievement deletes an unlock. Used to roll back when the paired
// reward write fails (unlock and reward commit together or not at all).
func (s *DB) RemoveAchievement(userID, achievementID string) error {
	_, err := s.db.Exec(`DELETE FROM user_achievements WHERE user_id = ? AND achievement_id = ?`,
		userID, achievementID)
	return err
}

// ListAchievements returns the user's achievement ids in unlock order.
func (s *DB) ListAchievements(userID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT achievement_id FROM user_achievements WHERE user_id = ?
		ORDER BY unlocked_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HasAchievement reports whether the user already unlocked the achievement.
func (s *DB) HasAchievement(userID, achievementID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM user_achievements WHERE user_id = ? AND achievement_id = ?`,
		userID, achievementID).Scan(&n)
	return n > 0, err
}
