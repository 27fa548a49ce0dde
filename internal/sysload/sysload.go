package sysload

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/pulseloop/coach/internal/logging"
)

// Guard samples system CPU usage and reports when the host is too loaded for
// discretionary work. The scheduler consults it before dispatching
// notification batches.
type Guard struct {
	mu       sync.RWMutex
	readings []float64
	max      int
	limit    float64
}

// NewGuard creates a load guard that trips when the average of the recent CPU
// samples exceeds limit percent. A zero limit defaults to 85.
func NewGuard(limit float64) *Guard {
	if limit <= 0 {
		limit = 85
	}
	return &Guard{max: 6, limit: limit}
}

// Run polls CPU usage until the context ends. Each sample covers the polling
// interval itself, so the loop needs no extra sleep.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		pcts, err := cpu.PercentWithContext(ctx, interval, false)
		if ctx.Err() != nil {
			return
		}
		if err != nil || len(pcts) == 0 {
			logging.Debug("sysload", "cpu sample failed: %v", err)
			continue
		}
		g.record(pcts[0])
	}
}

func (g *Guard) record(pct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readings = append(g.readings, pct)
	if len(g.readings) > g.max {
		g.readings = g.readings[len(g.readings)-g.max:]
	}
}

// Overloaded reports whether the recent average CPU usage exceeds the limit.
// With no samples yet it reports false.
func (g *Guard) Overloaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.readings) == 0 {
		return false
	}
	sum := 0.0
	for _, r := range g.readings {
		sum += r
	}
	return sum/float64(len(g.readings)) > g.limit
}

// Average returns the current rolling average, for diagnostics.
func (g *Guard) Average() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.readings) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range g.readings {
		sum += r
	}
	return sum / float64(len(g.readings))
}
