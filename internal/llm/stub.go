package llm

import (
	"context"
	"sync"
)

// Stub is a deterministic Provider for tests. It replays canned responses in
// order and records every request.
type Stub struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     [][]Message
	idx       int
}

func (s *Stub) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, messages)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "", nil
	}
	resp := s.Responses[s.idx%len(s.Responses)]
	s.idx++
	return resp, nil
}

// CallCount returns how many completions were requested.
func (s *Stub) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
