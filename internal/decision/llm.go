package decision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pulseloop/coach/internal/llm"
)

// LLMScorer asks the model for a 0-1 suitability score for a notification
// candidate. It implements the engine's optional llmScorer layer.
type LLMScorer struct {
	provider llm.Provider
}

// NewLLMScorer wraps an LLM provider as a candidate scorer.
func NewLLMScorer(provider llm.Provider) *LLMScorer {
	return &LLMScorer{provider: provider}
}

// ScoreCandidate prompts for a single number. Anything unparseable is an
// error; the engine then falls back to the rule score.
func (s *LLMScorer) ScoreCandidate(ctx context.Context, req Request, contextSummary string) (float64, error) {
	prompt := fmt.Sprintf("Notification type: %s\nScheduled: %s\n", req.Type, req.ScheduledAt.Format("Mon 15:04"))
	if contextSummary != "" {
		prompt += "User context:\n" + contextSummary + "\n"
	}

	resp, err := s.provider.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: "Rate from 0.0 to 1.0 how suitable it is to send this health-coaching notification to this user right now. Respond with ONLY the number."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return 0, err
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable llm score %q: %w", resp, err)
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("llm score out of range: %.2f", score)
	}
	return score, nil
}
