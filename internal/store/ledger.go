package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to callers with a machine-readable kind.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAlreadyAwardedToday = errors.New("already awarded today")
)

// LedgerKind distinguishes earn from spend entries.
type LedgerKind string

const (
	LedgerEarn  LedgerKind = "earn"
	LedgerSpend LedgerKind = "spend"
)

// LedgerEntry is one immutable row of the append-only points history.
type LedgerEntry struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Kind          LedgerKind `json:"kind"`
	Amount        int        `json:"amount"`
	Reason        string     `json:"reason"`
	Description   string     `json:"description,omitempty"`
	RelatedRecord string     `json:"related_record,omitempty"`
	BalanceAfter  int        `json:"balance_after"`
	Timestamp     time.Time  `json:"timestamp"`
}

// dailyUniqueReasons are awarded at most once per (user, calendar day).
var dailyUniqueReasons = map[string]bool{
	"daily_login":      true,
	"daily_checkin":    true,
	"water_goal_met":   true,
	"calorie_goal_met": true,
	"sleep_goal_met":   true,
	"perfect_day":      true,
}

var streakBonusRe = regexp.MustCompile(`^streak_\d+_bonus$`)

// IsDailyUnique reports whether a reason belongs to the once-per-day set.
func IsDailyUnique(reason string) bool {
	return dailyUniqueReasons[reason] || streakBonusRe.MatchString(reason)
}

// EarnOpts carries the optional fields of an earn.
type EarnOpts struct {
	Description   string
	RelatedRecord string
}

// Earn appends an earn entry and returns it with the updated balance. For
// daily-unique reasons a second call the same calendar day returns
// ErrAlreadyAwardedToday without writing. Concurrent earns for the same
// (user, reason, day) serialize on the partial unique index.
func (s *DB) Earn(userID, reason string, amount int, now time.Time, opts EarnOpts) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if userID == "" || reason == "" {
		return nil, fmt.Errorf("user and reason are required")
	}

	day := now.Format("2006-01-02")
	unique := IsDailyUnique(reason)

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if unique {
		var n int
		err := tx.QueryRow(`SELECT COUNT(*) FROM ledger WHERE user_id = ? AND reason = ? AND day = ? AND daily_unique = 1`,
			userID, reason, day).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to check daily award: %w", err)
		}
		if n > 0 {
			return nil, ErrAlreadyAwardedToday
		}
	}

	balance, err := balanceTx(tx, userID)
	if err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          LedgerEarn,
		Amount:        amount,
		Reason:        reason,
		Description:   opts.Description,
		RelatedRecord: opts.RelatedRecord,
		BalanceAfter:  balance + amount,
		Timestamp:     now,
	}

	_, err = tx.Exec(`
		INSERT INTO ledger (id, user_id, kind, amount, reason, description, related_record, balance_after, day, daily_unique, timestamp)
		VALUES (?, ?, 'earn', ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, userID, amount, reason, entry.Description, entry.RelatedRecord,
		entry.BalanceAfter, day, boolToInt(unique), now)
	if err != nil {
		// The unique index catches the race where two earns for the same
		// daily-unique reason pass the pre-check concurrently.
		if unique && isUniqueViolation(err) {
			return nil, ErrAlreadyAwardedToday
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit earn: %w", err)
	}
	return entry, nil
}

// Spend appends a spend entry. Fails with ErrInsufficientFunds when the
// balance would go negative.
func (s *DB) Spend(userID, reason string, amount int, now time.Time) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	balance, err := balanceTx(tx, userID)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, ErrInsufficientFunds
	}

	entry := &LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         LedgerSpend,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: balance - amount,
		Timestamp:    now,
	}

	_, err = tx.Exec(`
		INSERT INTO ledger (id, user_id, kind, amount, reason, balance_after, day, daily_unique, timestamp)
		VALUES (?, ?, 'spend', ?, ?, ?, ?, 0, ?)`,
		entry.ID, userID, amount, reason, entry.BalanceAfter, now.Format("2006-01-02"), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit spend: %w", err)
	}
	return entry, nil
}

// Balance returns the current points balance for a user.
func (s *DB) Balance(userID string) (int, error) {
	var balance sql.NullInt64
	err := s.db.QueryRow(`
		SELECT balance_after FROM ledger WHERE user_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return int(balance.Int64), nil
}

// Totals returns the lifetime earned and spent sums for a user.
func (s *DB) Totals(userID string) (earned, spent int, err error) {
	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'earn' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'spend' THEN amount ELSE 0 END), 0)
		FROM ledger WHERE user_id = ?`, userID).Scan(&earned, &spent)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read totals: %w", err)
	}
	return earned, spent, nil
}

// History returns ledger entries for a user, newest first, plus the total
// count for pagination.
func (s *DB) History(userID string, limit, offset int) ([]*LedgerEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ledger WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, kind, amount, reason, COALESCE(description, ''), COALESCE(related_record, ''), balance_after, timestamp
		FROM ledger WHERE user_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Reason,
			&e.Description, &e.RelatedRecord, &e.BalanceAfter, &e.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// CountByReasonDay counts earn entries for (user, reason, day). Used by
// invariant checks in tests.
func (s *DB) CountByReasonDay(userID, reason string, day string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM ledger
		WHERE user_id = ? AND reason = ? AND day = ? AND kind = 'earn'`,
		userID, reason, day).Scan(&n)
	return n, err
}

// CountEarnsByReason counts all earn entries for (user, reason) across time.
// The share-count achievement predicate reads this.
func (s *DB) CountEarnsByReason(userID, reason string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM ledger
		WHERE user_id = ? AND reason = ? AND kind = 'earn'`, userID, reason).Scan(&n)
	return n, err
}

func balanceTx(tx *sql.Tx, userID string) (int, error) {
	var balance sql.NullInt64
	err := tx.QueryRow(`
		SELECT balance_after FROM ledger WHERE user_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return int(balance.Int64), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
