package types

import (
	"fmt"
	"testing"
)

func twoArmTest(id string, weightA float64) *ABTest {
	return &ABTest{
		ID: id, NotifType: "meal_reminder", Active: true,
		Variants: []ABVariant{
			{ID: "a", Weight: weightA},
			{ID: "b", Weight: 1 - weightA},
		},
	}
}

func TestABTest_Validate(t *testing.T) {
	if err := twoArmTest("t1", 0.5).Validate(); err != nil {
		t.Errorf("valid experiment rejected: %v", err)
	}

	bad := twoArmTest("t1", 0.5)
	bad.Variants[1].Weight = 0.6 // sums to 1.1
	if err := bad.Validate(); err == nil {
		t.Error("weights not summing to 1.0 must be rejected")
	}

	empty := &ABTest{ID: "t1", NotifType: "meal_reminder"}
	if err := empty.Validate(); err == nil {
		t.Error("an experiment without variants must be rejected")
	}

	unnamed := twoArmTest("t1", 0.5)
	unnamed.Variants[0].ID = ""
	if err := unnamed.Validate(); err == nil {
		t.Error("a variant without an id must be rejected")
	}
}

func TestAssignVariant_IsStablePerUser(t *testing.T) {
	test := twoArmTest("t1", 0.5)
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("u%d", i)
		first := test.AssignVariant(userID)
		for j := 0; j < 5; j++ {
			if got := test.AssignVariant(userID); got.ID != first.ID {
				t.Fatalf("user %s flapped between variants %s and %s", userID, first.ID, got.ID)
			}
		}
	}
}

func TestAssignVariant_FullWeightTakesAll(t *testing.T) {
	test := twoArmTest("t1", 1.0)
	for i := 0; i < 50; i++ {
		if v := test.AssignVariant(fmt.Sprintf("u%d", i)); v.ID != "a" {
			t.Fatalf("weight 1.0 must capture every user, u%d got %s", i, v.ID)
		}
	}
}

func TestAssignVariant_SplitsPopulation(t *testing.T) {
	test := twoArmTest("t1", 0.5)
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		counts[test.AssignVariant(fmt.Sprintf("user-%d", i)).ID]++
	}
	// An even split over 200 users lands well inside 30/70.
	if counts["a"] < 60 || counts["a"] > 140 {
		t.Errorf("unexpected split: %v", counts)
	}
}

func TestAssignVariant_DifferentTestsShuffleIndependently(t *testing.T) {
	t1 := twoArmTest("t1", 0.5)
	t2 := twoArmTest("t2", 0.5)

	same := 0
	for i := 0; i < 100; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if t1.AssignVariant(userID).ID == t2.AssignVariant(userID).ID {
			same++
		}
	}
	if same == 100 {
		t.Error("two experiments must not pin every user to the same arm")
	}
}
