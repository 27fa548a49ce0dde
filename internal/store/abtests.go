package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pulseloop/coach/internal/types"
)

// SaveABTest inserts or replaces an experiment definition. The definition is
// validated first; a malformed weight split never reaches the database.
func (s *DB) SaveABTest(t *types.ABTest) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO ab_tests (id, notif_type, active, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET notif_type = excluded.notif_type,
			active = excluded.active, data = excluded.data`,
		t.ID, t.NotifType, boolToInt(t.Active), string(data))
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// GetABTest loads one experiment by id, or nil when it does not exist.
func (s *DB) GetABTest(id string) (*types.ABTest, error) {
	return s.scanABTest(s.db.QueryRow(`SELECT data FROM ab_tests WHERE id = ?`, id))
}

// ActiveABTest returns the active experiment for a notification type, or nil
// when none is running. At most one experiment per type is active; ties go to
// the most recently saved.
func (s *DB) ActiveABTest(notifType string) (*types.ABTest, error) {
	return s.scanABTest(s.db.QueryRow(`
		SELECT data FROM ab_tests WHERE notif_type = ? AND active = 1
		ORDER BY rowid DESC LIMIT 1`, notifType))
}

func (s *DB) scanABTest(row *sql.Row) (*types.ABTest, error) {
	var data string
	if err := row.Scan(&data); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	t := &types.ABTest{}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return nil, fmt.Errorf("failed to decode experiment: %w", err)
	}
	return t, nil
}

// RecordABOutcome appends one delivery or interaction outcome to the
// experiment log.
func (s *DB) RecordABOutcome(r *types.ABResult) error {
	if r.TestID == "" || r.VariantID == "" || r.UserID == "" || r.Outcome == "" {
		return fmt.Errorf("test, variant, user and outcome are required")
	}
	_, err := s.db.Exec(`
		INSERT INTO ab_results (id, test_id, variant_id, user_id, outcome, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), r.TestID, r.VariantID, r.UserID, r.Outcome, r.At)
	if err != nil {
		return fmt.Errorf("failed to record experiment outcome: %w", err)
	}
	return nil
}

// CountABOutcomes counts logged outcomes for a variant. An empty outcome
// counts everything.
func (s *DB) CountABOutcomes(testID, variantID, outcome string) (int, error) {
	query := `SELECT COUNT(*) FROM ab_results WHERE test_id = ? AND variant_id = ?`
	args := []any{testID, variantID}
	if outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, outcome)
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// ListABResults returns a user's experiment outcomes, newest first.
func (s *DB) ListABResults(userID string) ([]*types.ABResult, error) {
	rows, err := s.db.Query(`
		SELECT test_id, variant_id, user_id, outcome, at
		FROM ab_results WHERE user_id = ? ORDER BY at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiment outcomes: %w", err)
	}
	defer rows.Close()

	var out []*types.ABResult
	for rows.Next() {
		r := &types.ABResult{}
		if err := rows.Scan(&r.TestID, &r.VariantID, &r.UserID, &r.Outcome, &r.At); err != nil {
			return nil, fmt.Errorf("failed to scan experiment outcome: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
