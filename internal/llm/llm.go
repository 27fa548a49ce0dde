package llm

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Provider is the single LLM contract the core depends on. Any provider is
// pluggable; the decision and scheduler paths never require streaming.
type Provider interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
}

// Pooled wraps a Provider with a bounded concurrency pool. Excess requests
// queue up to the per-call deadline; on deadline exceed the caller falls back
// to its deterministic path.
type Pooled struct {
	inner   Provider
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewPooled creates a bounded provider. maxConcurrent <= 0 means 4.
func NewPooled(inner Provider, maxConcurrent int, timeout time.Duration) *Pooled {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pooled{
		inner:   inner,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
	}
}

func (p *Pooled) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	return p.inner.ChatCompletion(ctx, messages)
}
