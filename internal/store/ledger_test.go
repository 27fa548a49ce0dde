package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLedger_EarnUpdatesBalance(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	entry, err := db.Earn("u1", "record_weight", 10, now, EarnOpts{RelatedRecord: "r1"})
	if err != nil {
		t.Fatalf("earn failed: %v", err)
	}
	if entry.BalanceAfter != 10 {
		t.Errorf("expected balance 10, got %d", entry.BalanceAfter)
	}

	entry, err = db.Earn("u1", "record_meal", 10, now.Add(time.Minute), EarnOpts{})
	if err != nil {
		t.Fatalf("second earn failed: %v", err)
	}
	if entry.BalanceAfter != 20 {
		t.Errorf("expected balance 20, got %d", entry.BalanceAfter)
	}

	balance, err := db.Balance("u1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 20 {
		t.Errorf("expected balance 20, got %d", balance)
	}
}

func TestLedger_DailyUniqueRejectsSecondAward(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := db.Earn("u1", "daily_login", 5, now, EarnOpts{}); err != nil {
		t.Fatalf("first daily_login failed: %v", err)
	}
	_, err := db.Earn("u1", "daily_login", 5, now.Add(3*time.Hour), EarnOpts{})
	if !errors.Is(err, ErrAlreadyAwardedToday) {
		t.Fatalf("expected ErrAlreadyAwardedToday, got %v", err)
	}

	// Next calendar day is a fresh award.
	if _, err := db.Earn("u1", "daily_login", 5, now.AddDate(0, 0, 1), EarnOpts{}); err != nil {
		t.Fatalf("next-day daily_login failed: %v", err)
	}

	n, err := db.CountByReasonDay("u1", "daily_login", "2026-03-10")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 award on 2026-03-10, got %d", n)
	}
}

func TestLedger_StreakBonusIsDailyUnique(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := db.Earn("u1", "streak_7_bonus", 50, now, EarnOpts{}); err != nil {
		t.Fatalf("streak bonus failed: %v", err)
	}
	_, err := db.Earn("u1", "streak_7_bonus", 50, now.Add(time.Hour), EarnOpts{})
	if !errors.Is(err, ErrAlreadyAwardedToday) {
		t.Fatalf("expected ErrAlreadyAwardedToday for repeated streak bonus, got %v", err)
	}
}

func TestLedger_SpendInsufficientFunds(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if _, err := db.Earn("u1", "record_water", 10, now, EarnOpts{}); err != nil {
		t.Fatalf("earn failed: %v", err)
	}

	_, err := db.Spend("u1", "theme_unlock", 50, now)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched by the failed spend.
	balance, _ := db.Balance("u1")
	if balance != 10 {
		t.Errorf("expected balance 10 after failed spend, got %d", balance)
	}

	entry, err := db.Spend("u1", "sticker", 4, now)
	if err != nil {
		t.Fatalf("valid spend failed: %v", err)
	}
	if entry.BalanceAfter != 6 {
		t.Errorf("expected balance 6, got %d", entry.BalanceAfter)
	}
}

func TestLedger_InvalidAmount(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if _, err := db.Earn("u1", "record_weight", 0, now, EarnOpts{}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero earn, got %v", err)
	}
	if _, err := db.Earn("u1", "record_weight", -5, now, EarnOpts{}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative earn, got %v", err)
	}
	if _, err := db.Spend("u1", "x", -1, now); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative spend, got %v", err)
	}
}

func TestLedger_TotalsAndHistory(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	db.Earn("u1", "record_weight", 10, base, EarnOpts{})
	db.Earn("u1", "record_meal", 10, base.Add(time.Minute), EarnOpts{})
	db.Spend("u1", "sticker", 5, base.Add(2*time.Minute))

	earned, spent, err := db.Totals("u1")
	if err != nil {
		t.Fatalf("totals failed: %v", err)
	}
	if earned != 20 || spent != 5 {
		t.Errorf("expected earned=20 spent=5, got earned=%d spent=%d", earned, spent)
	}

	entries, total, err := db.History("u1", 2, 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Reason != "sticker" {
		t.Errorf("expected newest entry first, got %s", entries[0].Reason)
	}
}

func TestLedger_BalancesIsolatedPerUser(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.Earn("u1", "record_weight", 10, now, EarnOpts{})
	db.Earn("u2", "record_weight", 10, now, EarnOpts{})
	db.Earn("u2", "record_meal", 10, now.Add(time.Minute), EarnOpts{})

	b1, _ := db.Balance("u1")
	b2, _ := db.Balance("u2")
	if b1 != 10 || b2 != 20 {
		t.Errorf("expected u1=10 u2=20, got u1=%d u2=%d", b1, b2)
	}
}

func TestIsDailyUnique(t *testing.T) {
	cases := []struct {
		reason string
		want   bool
	}{
		{"daily_login", true},
		{"perfect_day", true},
		{"streak_7_bonus", true},
		{"streak_100_bonus", true},
		{"record_weight", false},
		{"first_record", false},
		{"streak_bonus", false},
	}
	for _, c := range cases {
		if got := IsDailyUnique(c.reason); got != c.want {
			t.Errorf("IsDailyUnique(%q) = %v, want %v", c.reason, got, c.want)
		}
	}
}

func TestLedger_ConcurrentEarnsSerialize(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.Earn("u1", fmt.Sprintf("record_kind_%d", i), 5, now, EarnOpts{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent earn failed: %v", err)
		}
	}

	// Writers took the lock up front, so no balance update was lost.
	balance, err := db.Balance("u1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 50 {
		t.Errorf("expected balance 50 after 10 concurrent earns, got %d", balance)
	}
}
