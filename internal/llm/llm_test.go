package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// gatedProvider blocks each call until released, tracking peak concurrency.
type gatedProvider struct {
	mu      sync.Mutex
	active  int
	peak    int
	release chan struct{}
}

func (p *gatedProvider) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()

	select {
	case <-p.release:
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return "ok", ctx.Err()
}

func TestPooled_BoundsConcurrency(t *testing.T) {
	inner := &gatedProvider{release: make(chan struct{})}
	p := NewPooled(inner, 2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ChatCompletion(context.Background(), nil)
		}()
	}

	// Let the first two acquire, then release everyone.
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	inner.mu.Lock()
	peak := inner.peak
	inner.mu.Unlock()
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestPooled_DeadlineWhileQueued(t *testing.T) {
	inner := &gatedProvider{release: make(chan struct{})}
	defer close(inner.release)
	p := NewPooled(inner, 1, 30*time.Millisecond)

	// Occupy the only slot.
	go p.ChatCompletion(context.Background(), nil)
	time.Sleep(5 * time.Millisecond)

	_, err := p.ChatCompletion(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while queued, got %v", err)
	}
}

func TestStub_ReplaysResponses(t *testing.T) {
	s := &Stub{Responses: []string{"one", "two"}}

	for _, want := range []string{"one", "two", "one"} {
		got, err := s.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
		if err != nil {
			t.Fatalf("stub errored: %v", err)
		}
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if s.CallCount() != 3 {
		t.Errorf("expected 3 recorded calls, got %d", s.CallCount())
	}
}
