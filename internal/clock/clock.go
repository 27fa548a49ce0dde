package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the single time source for the core. Components never read the OS
// clock directly; tests substitute a Virtual clock to drive timers
// deterministically.
type Clock interface {
	// Now returns the current wall-clock time (timezone-aware).
	Now() time.Time
	// Monotonic returns a non-decreasing duration since an arbitrary epoch.
	Monotonic() time.Duration
	// SleepUntil suspends the caller until deadline or ctx cancellation.
	// Returns ctx.Err() if cancelled first.
	SleepUntil(ctx context.Context, deadline time.Time) error
	// Tick returns a channel delivering ticks at the given interval.
	// The returned stop function releases the ticker.
	Tick(interval time.Duration) (<-chan time.Time, func())
}

// Real is the production clock backed by the time package.
type Real struct {
	epoch time.Time
}

// NewReal creates a production clock.
func NewReal() *Real {
	return &Real{epoch: time.Now()}
}

func (r *Real) Now() time.Time { return time.Now() }

func (r *Real) Monotonic() time.Duration { return time.Since(r.epoch) }

func (r *Real) SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Real) Tick(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Virtual is a test clock. Time only moves when Advance is called; waiters
// suspended in SleepUntil or blocked on a tick channel are released as the
// virtual time passes their deadlines.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	epoch   time.Time
	waiters []*waiter
	tickers []*vticker
}

type waiter struct {
	deadline time.Time
	ch       chan struct{}
}

type vticker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

// NewVirtual creates a virtual clock starting at the given instant.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start, epoch: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Monotonic() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now.Sub(v.epoch)
}

func (v *Virtual) SleepUntil(ctx context.Context, deadline time.Time) error {
	v.mu.Lock()
	if !v.now.Before(deadline) {
		v.mu.Unlock()
		return nil
	}
	w := &waiter{deadline: deadline, ch: make(chan struct{})}
	v.waiters = append(v.waiters, w)
	v.mu.Unlock()

	select {
	case <-ctx.Done():
		v.removeWaiter(w)
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (v *Virtual) Tick(interval time.Duration) (<-chan time.Time, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &vticker{
		interval: interval,
		next:     v.now.Add(interval),
		ch:       make(chan time.Time, 16),
	}
	v.tickers = append(v.tickers, t)
	stop := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		t.stopped = true
	}
	return t.ch, stop
}

// Advance moves virtual time forward by d, releasing any waiters and firing
// any tickers whose deadlines are passed, in deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	for {
		next, ok := v.nextDeadlineLocked(target)
		if !ok {
			break
		}
		v.now = next
		v.fireLocked()
	}
	v.now = target
	v.fireLocked()
	v.mu.Unlock()
}

// Set jumps virtual time to t (must not move backwards).
func (v *Virtual) Set(t time.Time) {
	if d := t.Sub(v.Now()); d > 0 {
		v.Advance(d)
	}
}

// nextDeadlineLocked finds the earliest pending deadline at or before limit.
func (v *Virtual) nextDeadlineLocked(limit time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(t time.Time) {
		if t.After(v.now) && !t.After(limit) && (!found || t.Before(best)) {
			best = t
			found = true
		}
	}
	for _, w := range v.waiters {
		consider(w.deadline)
	}
	for _, t := range v.tickers {
		if !t.stopped {
			consider(t.next)
		}
	}
	return best, found
}

// fireLocked releases waiters and tickers due at the current virtual time.
func (v *Virtual) fireLocked() {
	var remaining []*waiter
	for _, w := range v.waiters {
		if !v.now.Before(w.deadline) {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	v.waiters = remaining

	for _, t := range v.tickers {
		if t.stopped {
			continue
		}
		for !v.now.Before(t.next) {
			select {
			case t.ch <- t.next:
			default:
				// Slow consumer; drop the tick like time.Ticker does.
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

func (v *Virtual) removeWaiter(w *waiter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, x := range v.waiters {
		if x == w {
			v.waiters = append(v.waiters[:i], v.waiters[i+1:]...)
			return
		}
	}
}
