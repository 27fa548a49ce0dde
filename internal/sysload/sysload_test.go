package sysload

import "testing"

func TestGuard_NoSamplesNotOverloaded(t *testing.T) {
	g := NewGuard(85)
	if g.Overloaded() {
		t.Error("a guard without samples must not report overload")
	}
	if g.Average() != 0 {
		t.Errorf("expected average 0, got %.1f", g.Average())
	}
}

func TestGuard_AverageAboveLimitTrips(t *testing.T) {
	g := NewGuard(85)
	for _, pct := range []float64{90, 95, 92} {
		g.record(pct)
	}
	if !g.Overloaded() {
		t.Errorf("average %.1f over limit 85 must trip", g.Average())
	}

	// A few idle samples pull the average back under.
	for _, pct := range []float64{10, 5, 8} {
		g.record(pct)
	}
	if g.Overloaded() {
		t.Errorf("average %.1f under limit 85 must not trip", g.Average())
	}
}

func TestGuard_RingKeepsRecentSamples(t *testing.T) {
	g := NewGuard(85)
	// Six old spikes, then six idle samples: only the idle window remains.
	for i := 0; i < 6; i++ {
		g.record(100)
	}
	for i := 0; i < 6; i++ {
		g.record(5)
	}
	if g.Average() != 5 {
		t.Errorf("expected only the recent window, average %.1f", g.Average())
	}
}

func TestGuard_ZeroLimitDefaults(t *testing.T) {
	g := NewGuard(0)
	for i := 0; i < 6; i++ {
		g.record(80)
	}
	if g.Overloaded() {
		t.Error("80%% average must not trip the default 85%% limit")
	}
	g.record(100)
	g.record(100)
	g.record(100)
	// Window is now 80,80,80,100,100,100 = 90 average.
	if !g.Overloaded() {
		t.Errorf("expected overload at average %.1f", g.Average())
	}
}
