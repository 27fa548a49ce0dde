package clock

import (
	"context"
	"testing"
	"time"
)

func TestVirtual_AdvanceReleasesWaiters(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clk := NewVirtual(start)

	done := make(chan error, 1)
	go func() {
		done <- clk.SleepUntil(context.Background(), start.Add(time.Hour))
	}()

	// Not enough time passed.
	clk.Advance(30 * time.Minute)
	select {
	case <-done:
		t.Fatal("waiter released before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(30 * time.Minute)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never released")
	}
}

func TestVirtual_SleepUntilPastDeadlineReturnsImmediately(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clk := NewVirtual(start)
	if err := clk.SleepUntil(context.Background(), start.Add(-time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVirtual_SleepUntilHonorsCancellation(t *testing.T) {
	clk := NewVirtual(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- clk.SleepUntil(ctx, clk.Now().Add(time.Hour))
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestVirtual_TickFiresPerInterval(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clk := NewVirtual(start)

	ticks, stop := clk.Tick(time.Minute)
	defer stop()

	clk.Advance(3 * time.Minute)

	got := 0
	for {
		select {
		case <-ticks:
			got++
		default:
			if got != 3 {
				t.Fatalf("expected 3 ticks, got %d", got)
			}
			return
		}
	}
}

func TestVirtual_StoppedTickerStopsFiring(t *testing.T) {
	clk := NewVirtual(time.Now())
	ticks, stop := clk.Tick(time.Minute)
	stop()
	clk.Advance(5 * time.Minute)

	select {
	case <-ticks:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestVirtual_MonotonicTracksAdvance(t *testing.T) {
	clk := NewVirtual(time.Now())
	clk.Advance(90 * time.Second)
	if clk.Monotonic() != 90*time.Second {
		t.Errorf("expected 90s, got %s", clk.Monotonic())
	}
}
