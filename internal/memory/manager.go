package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/embedding"
	"github.com/pulseloop/coach/internal/llm"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/types"
)

// Manager is the unified write/read facade over short-term buffer, long-term
// vector store and user profile. External failures degrade to short-term-only
// behavior; they never fail the caller.
type Manager struct {
	buffer     *Buffer
	db         *store.DB
	embedder   embedding.Embedder
	summarizer llm.Provider
	clk        clock.Clock

	summaryTrigger    int
	retentionCheckin  int // days
	retentionDialogue int // days
	contextBudget     int // chars
}

// ManagerConfig carries the memory policy knobs.
type ManagerConfig struct {
	SummaryTriggerDialogueCount int
	RetentionDaysCheckin        int
	RetentionDaysDialogue       int
	ContextCharBudget           int
}

// NewManager wires the memory facade.
func NewManager(buffer *Buffer, db *store.DB, embedder embedding.Embedder, summarizer llm.Provider, clk clock.Clock, cfg ManagerConfig) *Manager {
	if cfg.SummaryTriggerDialogueCount <= 0 {
		cfg.SummaryTriggerDialogueCount = 20
	}
	if cfg.RetentionDaysCheckin <= 0 {
		cfg.RetentionDaysCheckin = 365
	}
	if cfg.RetentionDaysDialogue <= 0 {
		cfg.RetentionDaysDialogue = 90
	}
	if cfg.ContextCharBudget <= 0 {
		cfg.ContextCharBudget = 4000
	}
	return &Manager{
		buffer:            buffer,
		db:                db,
		embedder:          embedder,
		summarizer:        summarizer,
		clk:               clk,
		summaryTrigger:    cfg.SummaryTriggerDialogueCount,
		retentionCheckin:  cfg.RetentionDaysCheckin,
		retentionDialogue: cfg.RetentionDaysDialogue,
		contextBudget:     cfg.ContextCharBudget,
	}
}

// AddCheckin records a logged health event: canonical sentence into the
// short-term buffer, original text into long-term with high importance.
func (m *Manager) AddCheckin(ctx context.Context, r *types.HealthRecord) error {
	sentence := FormatCheckin(r)

	m.buffer.Add(r.UserID, Entry{
		Kind:      KindCheckin,
		Content:   sentence,
		Timestamp: r.Timestamp,
		Metadata:  map[string]any{"record_id": r.ID, "record_kind": string(r.Kind)},
	})

	emb, err := m.embedder.Embed(ctx, sentence)
	if err != nil {
		logging.Degraded("memory", "embedding failed, check-in kept short-term only: %v", err)
		return nil
	}

	doc := &store.MemoryDoc{
		UserID:         r.UserID,
		Kind:           store.MemoryCheckin,
		Content:        sentence,
		Importance:     store.ImportanceHigh,
		Timestamp:      r.Timestamp,
		RetentionUntil: r.Timestamp.AddDate(0, 0, m.retentionCheckin),
		Embedding:      emb,
	}
	if err := m.db.AddMemory(doc); err != nil {
		logging.Degraded("memory", "long-term write failed, check-in kept short-term only: %v", err)
	}
	return nil
}

// AddDialogue records a dialogue turn in the short-term buffer. Every
// summaryTrigger new turns, the oldest unsummarized span is summarized via
// the LLM and written to long-term as one dialogue_summary document. Raw
// dialogue turns are never embedded.
func (m *Manager) AddDialogue(ctx context.Context, msg types.ChatMessage) error {
	m.buffer.Add(msg.UserID, Entry{
		Kind:      KindDialogue,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})

	if m.buffer.UnsummarizedCount(msg.UserID) >= m.summaryTrigger {
		m.summarizeSpan(ctx, msg.UserID)
	}
	return nil
}

// summarizeSpan condenses the oldest unsummarized dialogue span into one
// long-term document. On LLM failure the span is consumed without a long-term
// write; the turns remain in short-term.
func (m *Manager) summarizeSpan(ctx context.Context, userID string) {
	span := m.buffer.TakeUnsummarized(userID, m.summaryTrigger)
	if len(span) == 0 {
		return
	}

	var lines []string
	for _, e := range span {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Content))
	}

	summary, err := m.summarizer.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: "Summarize this health-coaching conversation span in 1-2 sentences. Capture facts worth remembering: symptoms, plans, preferences, goals. Output only the summary."},
		{Role: "user", Content: strings.Join(lines, "\n")},
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		logging.Degraded("memory", "dialogue summarization failed for %s: %v", userID, err)
		return
	}
	summary = strings.TrimSpace(summary)

	emb, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		logging.Degraded("memory", "summary embedding failed for %s: %v", userID, err)
		return
	}

	now := m.clk.Now()
	doc := &store.MemoryDoc{
		UserID:         userID,
		Kind:           store.MemoryDialogueSummary,
		Content:        summary,
		Importance:     store.ImportanceMedium,
		Timestamp:      now,
		RetentionUntil: now.AddDate(0, 0, m.retentionDialogue),
		Embedding:      emb,
	}
	if err := m.db.AddMemory(doc); err != nil {
		logging.Degraded("memory", "summary write failed for %s: %v", userID, err)
	}
}

// ContextOptions tunes context assembly. Zero values take the documented
// defaults.
type ContextOptions struct {
	CheckinLimit    int
	DialogueLimit   int
	IncludeLongTerm bool
	LongTermK       int
}

// GetContext assembles the prompt context: short-term combined entries first,
// then long-term hits for the query, then profile highlights; most recent
// last within each section, truncated to the character budget.
func (m *Manager) GetContext(ctx context.Context, userID, query string, opts ContextOptions) string {
	if opts.CheckinLimit <= 0 {
		opts.CheckinLimit = 15
	}
	if opts.DialogueLimit <= 0 {
		opts.DialogueLimit = 20
	}
	if opts.LongTermK <= 0 {
		opts.LongTermK = 5
	}

	var sections []string

	entries := m.buffer.CombinedContext(userID, opts.CheckinLimit, opts.DialogueLimit)
	if len(entries) > 0 {
		var lines []string
		lines = append(lines, "[Recent activity]")
		for _, e := range entries {
			lines = append(lines, formatEntry(e))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if query != "" && opts.IncludeLongTerm {
		if hits := m.searchLongTerm(ctx, userID, query, opts.LongTermK); len(hits) > 0 {
			var lines []string
			lines = append(lines, "[Relevant memories]")
			for _, h := range hits {
				lines = append(lines, "- "+h.Doc.Content)
			}
			sections = append(sections, strings.Join(lines, "\n"))
		}
	}

	if highlights := m.profileHighlights(userID); highlights != "" {
		sections = append(sections, highlights)
	}

	out := strings.Join(sections, "\n\n")
	if len(out) > m.contextBudget {
		// Back up to a rune boundary so a multi-byte character is never
		// split mid-sequence.
		cut := m.contextBudget
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// searchLongTerm embeds the query and searches the user's collection. Vector
// store or embedding failures return empty: short-term context stands alone.
func (m *Manager) searchLongTerm(ctx context.Context, userID, query string, k int) []store.MemoryHit {
	emb, err := m.embedder.Embed(ctx, query)
	if err != nil {
		logging.Degraded("memory", "query embedding failed: %v", err)
		return nil
	}
	hits, err := m.db.SearchMemories(userID, emb, k, store.MemoryFilter{})
	if err != nil {
		logging.Degraded("memory", "long-term search failed: %v", err)
		return nil
	}
	return hits
}

func (m *Manager) profileHighlights(userID string) string {
	profile, err := m.db.GetProfile(userID)
	if err != nil {
		return ""
	}
	var lines []string
	lines = append(lines, "[Profile]")
	lines = append(lines, fmt.Sprintf("motivation: %s", profile.MotivationType))
	if profile.GoalWeightKg > 0 {
		lines = append(lines, fmt.Sprintf("goal weight: %.1f kg", profile.GoalWeightKg))
	}
	if profile.CommunicationStyle != "" {
		lines = append(lines, fmt.Sprintf("style: %s", profile.CommunicationStyle))
	}
	return strings.Join(lines, "\n")
}

func formatEntry(e Entry) string {
	ts := e.Timestamp.Format("01-02 15:04")
	if e.Kind == KindDialogue {
		return fmt.Sprintf("[%s] %s: %s", ts, e.Role, e.Content)
	}
	return fmt.Sprintf("[%s] %s", ts, e.Content)
}

// FormatCheckin renders the canonical one-line sentence for a health record.
func FormatCheckin(r *types.HealthRecord) string {
	ts := r.Timestamp.Format("15:04")
	switch r.Kind {
	case types.RecordWeight:
		if r.Weight != nil {
			return fmt.Sprintf("[weight] at %s, weighed %.1f kg", ts, r.Weight.WeightKg)
		}
	case types.RecordMeal:
		if r.Meal != nil {
			return fmt.Sprintf("[meal] at %s, ate %s, ~%.0f kcal", ts, r.Meal.Description, r.Meal.Calories)
		}
	case types.RecordExercise:
		if r.Exercise != nil {
			return fmt.Sprintf("[exercise] at %s, %s for %.0f min, ~%.0f kcal burned",
				ts, r.Exercise.Activity, r.Exercise.DurationMin, r.Exercise.CaloriesBurned)
		}
	case types.RecordWater:
		if r.Water != nil {
			return fmt.Sprintf("[water] at %s, drank %.0f ml", ts, r.Water.AmountMl)
		}
	case types.RecordSleep:
		if r.Sleep != nil {
			return fmt.Sprintf("[sleep] at %s, slept %.1f h", ts, r.Sleep.DurationHours)
		}
	}
	return fmt.Sprintf("[%s] at %s", r.Kind, ts)
}
