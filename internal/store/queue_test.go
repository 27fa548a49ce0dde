package store

import (
	"errors"
	"testing"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

func TestQueue_TransitionIsTerminal(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	entry := &QueueEntry{ID: "n1", UserID: "u1", Type: "water_reminder", ScheduledAt: now}
	if err := db.Enqueue(entry); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := db.Transition("n1", types.StatusSent, now); err != nil {
		t.Fatalf("transition to sent failed: %v", err)
	}

	// Terminal states are never left.
	for _, to := range []types.QueueStatus{types.StatusCancelled, types.StatusFailed, types.StatusPending} {
		if err := db.Transition("n1", to, now); !errors.Is(err, ErrTerminalState) {
			t.Errorf("transition sent->%s: expected ErrTerminalState, got %v", to, err)
		}
	}

	got, err := db.GetQueueEntry("n1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != types.StatusSent {
		t.Errorf("expected status sent, got %s", got.Status)
	}
	if got.SentAt.IsZero() {
		t.Error("expected sent_at to be set")
	}
}

func TestQueue_HasRecentSameType(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

	db.Enqueue(&QueueEntry{ID: "n1", UserID: "u1", Type: "water_reminder", ScheduledAt: at})

	// Same hour window dedups.
	dup, err := db.HasRecentSameType("u1", "water_reminder", at.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("dedup check failed: %v", err)
	}
	if !dup {
		t.Error("expected duplicate within the same hour")
	}

	// Different hour does not.
	dup, _ = db.HasRecentSameType("u1", "water_reminder", at.Add(2*time.Hour))
	if dup {
		t.Error("did not expect duplicate two hours later")
	}

	// Different type does not.
	dup, _ = db.HasRecentSameType("u1", "meal_reminder", at)
	if dup {
		t.Error("did not expect duplicate for a different type")
	}

	// Cancelled entries do not dedup.
	db.Transition("n1", types.StatusCancelled, at)
	dup, _ = db.HasRecentSameType("u1", "water_reminder", at)
	if dup {
		t.Error("cancelled entry should not count for dedup")
	}
}

func TestQueue_CountSentToday(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	db.Enqueue(&QueueEntry{ID: "n1", UserID: "u1", Type: "water_reminder", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n2", UserID: "u1", Type: "meal_reminder", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n3", UserID: "u1", Type: "water_reminder", ScheduledAt: now})

	db.Transition("n1", types.StatusSent, now.Add(-2*time.Hour))
	db.Transition("n2", types.StatusSent, now)
	// n3 stays pending.

	n, err := db.CountSentToday("u1", "", now)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sent today, got %d", n)
	}

	n, _ = db.CountSentToday("u1", "water_reminder", now)
	if n != 1 {
		t.Errorf("expected 1 water_reminder sent today, got %d", n)
	}
}

func TestQueue_SweepPending(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.Enqueue(&QueueEntry{ID: "n1", UserID: "u1", Type: "a", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n2", UserID: "u2", Type: "b", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n3", UserID: "u1", Type: "c", ScheduledAt: now})
	db.Transition("n3", types.StatusSent, now)

	swept, err := db.SweepPending()
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 2 {
		t.Errorf("expected 2 swept, got %d", swept)
	}

	got, _ := db.GetQueueEntry("n3")
	if got.Status != types.StatusSent {
		t.Errorf("sweep must not touch terminal entries, got %s", got.Status)
	}
}

func TestQueue_CancelPending(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.Enqueue(&QueueEntry{ID: "n1", UserID: "u1", Type: "a", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n2", UserID: "u1", Type: "b", ScheduledAt: now})
	db.Enqueue(&QueueEntry{ID: "n3", UserID: "u2", Type: "a", ScheduledAt: now})

	n, err := db.CancelPending("u1")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}

	other, _ := db.GetQueueEntry("n3")
	if other.Status != types.StatusPending {
		t.Errorf("other user's entry must stay pending, got %s", other.Status)
	}
}

func TestQueue_ListDuePending(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	db.Enqueue(&QueueEntry{ID: "past", UserID: "u1", Type: "a", ScheduledAt: now.Add(-time.Minute)})
	db.Enqueue(&QueueEntry{ID: "future", UserID: "u1", Type: "b", ScheduledAt: now.Add(time.Hour)})
	db.Enqueue(&QueueEntry{ID: "done", UserID: "u1", Type: "c", ScheduledAt: now.Add(-time.Hour)})
	db.Transition("done", types.StatusSent, now)

	due, err := db.ListDuePending(now)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Fatalf("expected exactly [past], got %d entries", len(due))
	}
}

func TestQueue_Reschedule(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	db.Enqueue(&QueueEntry{ID: "n1", UserID: "u1", Type: "a", ScheduledAt: now})
	later := now.Add(5 * time.Minute)
	if err := db.Reschedule("n1", later); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}

	due, _ := db.ListDuePending(now)
	if len(due) != 0 {
		t.Error("rescheduled entry should not be due yet")
	}

	// Each reschedule is counted in the payload, starting from an empty one.
	entry, err := db.GetQueueEntry("n1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v, ok := entry.Payload["deferrals"].(float64); !ok || v != 1 {
		t.Errorf("expected deferrals 1 in payload, got %v", entry.Payload["deferrals"])
	}
	if err := db.Reschedule("n1", later.Add(5*time.Minute)); err != nil {
		t.Fatalf("second reschedule failed: %v", err)
	}
	entry, _ = db.GetQueueEntry("n1")
	if v, _ := entry.Payload["deferrals"].(float64); v != 2 {
		t.Errorf("expected deferrals 2 in payload, got %v", entry.Payload["deferrals"])
	}

	db.Transition("n1", types.StatusCancelled, now)
	if err := db.Reschedule("n1", later); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState rescheduling a cancelled entry, got %v", err)
	}
}
