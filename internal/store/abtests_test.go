package store

import (
	"testing"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

func sampleABTest(id string, active bool) *types.ABTest {
	return &types.ABTest{
		ID: id, NotifType: "meal_reminder", Active: active,
		Variants: []types.ABVariant{
			{ID: "control", Weight: 0.5, Title: "Lunch time", Body: "Log your meal."},
			{ID: "playful", Weight: 0.5, Title: "Feed the log", Body: "What's on the plate?"},
		},
	}
}

func TestABTest_SaveAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveABTest(sampleABTest("t1", true)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := db.GetABTest("t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.NotifType != "meal_reminder" || len(got.Variants) != 2 {
		t.Fatalf("unexpected experiment: %+v", got)
	}
	if got.Variants[1].Title != "Feed the log" {
		t.Errorf("variant content lost in round trip: %+v", got.Variants[1])
	}

	if missing, err := db.GetABTest("nope"); err != nil || missing != nil {
		t.Errorf("unknown id must return nil, nil; got %+v, %v", missing, err)
	}
}

func TestABTest_SaveRejectsBadWeights(t *testing.T) {
	db := openTestDB(t)

	bad := sampleABTest("t1", true)
	bad.Variants[0].Weight = 0.9 // sums to 1.4
	if err := db.SaveABTest(bad); err == nil {
		t.Error("weights not summing to 1.0 must not persist")
	}
	if got, _ := db.GetABTest("t1"); got != nil {
		t.Errorf("rejected experiment must not be stored, got %+v", got)
	}
}

func TestActiveABTest_FiltersByTypeAndFlag(t *testing.T) {
	db := openTestDB(t)

	inactive := sampleABTest("old", false)
	if err := db.SaveABTest(inactive); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	other := sampleABTest("other", true)
	other.NotifType = "water_reminder"
	if err := db.SaveABTest(other); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if got, err := db.ActiveABTest("meal_reminder"); err != nil || got != nil {
		t.Errorf("expected no active meal experiment, got %+v, %v", got, err)
	}

	if err := db.SaveABTest(sampleABTest("live", true)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := db.ActiveABTest("meal_reminder")
	if err != nil {
		t.Fatalf("active lookup failed: %v", err)
	}
	if got == nil || got.ID != "live" {
		t.Errorf("expected the live experiment, got %+v", got)
	}
}

func TestABResults_RecordAndQuery(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	outcomes := []string{"sent", "sent", "click"}
	for i, outcome := range outcomes {
		err := db.RecordABOutcome(&types.ABResult{
			TestID: "t1", VariantID: "control", UserID: "u1",
			Outcome: outcome, At: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	if n, _ := db.CountABOutcomes("t1", "control", "sent"); n != 2 {
		t.Errorf("expected 2 sent outcomes, got %d", n)
	}
	if n, _ := db.CountABOutcomes("t1", "control", ""); n != 3 {
		t.Errorf("expected 3 outcomes in total, got %d", n)
	}
	if n, _ := db.CountABOutcomes("t1", "playful", ""); n != 0 {
		t.Errorf("expected no outcomes for the other arm, got %d", n)
	}

	results, err := db.ListABResults("u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Outcome != "click" {
		t.Errorf("expected newest first, got %s", results[0].Outcome)
	}

	if err := db.RecordABOutcome(&types.ABResult{TestID: "t1", UserID: "u1"}); err == nil {
		t.Error("an outcome without a variant must be rejected")
	}
}
