package store

import (
	"testing"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

func TestProfiles_PointsDerivedFromLedger(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	// A blob claiming a balance it does not have.
	if err := db.SaveProfile(&types.UserProfile{
		UserID: "u1", MotivationType: types.MotivationDataDriven,
		Points: 9999, PointsEarned: 9999,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	db.Earn("u1", "record_weight", 10, now, EarnOpts{})
	db.Spend("u1", "sticker", 3, now.Add(time.Minute))

	p, err := db.GetProfile("u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p.Points != 7 {
		t.Errorf("expected ledger-derived balance 7, got %d", p.Points)
	}
	if p.PointsEarned != 10 || p.PointsSpent != 3 {
		t.Errorf("expected earned=10 spent=3, got earned=%d spent=%d", p.PointsEarned, p.PointsSpent)
	}
}

func TestProfiles_AchievementsDerivedFromUnlockTable(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.SaveProfile(&types.UserProfile{
		UserID:       "u1",
		Achievements: []string{"forged_in_blob"},
	})
	db.AddAchievement("u1", "first_step", now)

	p, err := db.GetProfile("u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(p.Achievements) != 1 || p.Achievements[0] != "first_step" {
		t.Errorf("expected [first_step] from the unlock table, got %v", p.Achievements)
	}
}

func TestProfiles_AddAchievementIdempotent(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	added, err := db.AddAchievement("u1", "streak_7", now)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !added {
		t.Error("first unlock should report newly added")
	}

	added, err = db.AddAchievement("u1", "streak_7", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if added {
		t.Error("second unlock must be a no-op")
	}

	has, _ := db.HasAchievement("u1", "streak_7")
	if !has {
		t.Error("expected achievement present")
	}
}

func TestProfiles_RemoveAchievementRollsBack(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.AddAchievement("u1", "streak_7", now)
	if err := db.RemoveAchievement("u1", "streak_7"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	has, _ := db.HasAchievement("u1", "streak_7")
	if has {
		t.Error("expected achievement removed")
	}
}

func TestProfiles_ListUsers(t *testing.T) {
	db := openTestDB(t)
	db.SaveProfile(&types.UserProfile{UserID: "bob"})
	db.SaveProfile(&types.UserProfile{UserID: "alice"})

	users, err := db.ListUsers()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("expected [alice bob], got %v", users)
	}
}
