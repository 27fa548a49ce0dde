package store

import (
	"testing"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

func TestRecords_AddAndRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)

	r := &types.HealthRecord{
		ID: "r1", UserID: "u1", Kind: types.RecordWeight, Timestamp: now,
		Weight: &types.WeightPayload{WeightKg: 72.5},
	}
	if err := db.AddRecord(r); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	got, err := db.GetRecord("r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Kind != types.RecordWeight || got.Weight == nil || got.Weight.WeightKg != 72.5 {
		t.Errorf("round trip mangled the record: %+v", got)
	}

	// Records are immutable; a duplicate ID is rejected.
	if err := db.AddRecord(r); err == nil {
		t.Error("expected duplicate ID to fail")
	}
}

func TestRecords_RejectsUnknownKind(t *testing.T) {
	db := openTestDB(t)
	err := db.AddRecord(&types.HealthRecord{ID: "r1", UserID: "u1", Kind: "blood_type", Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestRecords_RecordDays(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)

	for i, day := range []int{0, 0, 1, 3} {
		db.AddRecord(&types.HealthRecord{
			ID: string(rune('a' + i)), UserID: "u1", Kind: types.RecordWater,
			Timestamp: base.AddDate(0, 0, day),
			Water:     &types.WaterPayload{AmountMl: 250},
		})
	}

	days, err := db.RecordDays("u1", types.RecordWater, base, base.AddDate(0, 0, 5))
	if err != nil {
		t.Fatalf("record days failed: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("expected 3 distinct days, got %d", len(days))
	}
	if !days["2026-03-08"] || !days["2026-03-09"] || !days["2026-03-11"] {
		t.Errorf("unexpected day set: %v", days)
	}
}

func TestRecords_KindsPerDay(t *testing.T) {
	db := openTestDB(t)
	day := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	db.AddRecord(&types.HealthRecord{ID: "r1", UserID: "u1", Kind: types.RecordWeight, Timestamp: day, Weight: &types.WeightPayload{WeightKg: 72}})
	db.AddRecord(&types.HealthRecord{ID: "r2", UserID: "u1", Kind: types.RecordMeal, Timestamp: day.Add(4 * time.Hour), Meal: &types.MealPayload{Description: "lunch", Calories: 600}})
	db.AddRecord(&types.HealthRecord{ID: "r3", UserID: "u1", Kind: types.RecordMeal, Timestamp: day.Add(9 * time.Hour), Meal: &types.MealPayload{Description: "dinner", Calories: 700}})
	db.AddRecord(&types.HealthRecord{ID: "r4", UserID: "u1", Kind: types.RecordWater, Timestamp: day.Add(2 * time.Hour), Water: &types.WaterPayload{AmountMl: 500}})

	kinds, err := db.KindsPerDay("u1", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("kinds per day failed: %v", err)
	}
	if kinds["2026-03-10"] != 3 {
		t.Errorf("expected 3 distinct kinds, got %d", kinds["2026-03-10"])
	}
}

func TestRecords_LatestRecordNilWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	latest, err := db.LatestRecord("u1", types.RecordWeight)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil for a user with no records, got %+v", latest)
	}
}
