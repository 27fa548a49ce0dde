package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/llm"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/types"
)

// stubEmbedder returns a fixed-dimension deterministic vector per text.
type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	v := make([]float64, 4)
	for i, r := range text {
		v[i%4] += float64(r)
	}
	return v, nil
}

func newTestManager(t *testing.T, summarizer llm.Provider, embedder *stubEmbedder) (*Manager, *Buffer, *store.DB, *clock.Virtual) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	buffer := NewBuffer(dir, 30, 200)
	clk := clock.NewVirtual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	m := NewManager(buffer, db, embedder, summarizer, clk, ManagerConfig{
		SummaryTriggerDialogueCount: 3,
	})
	return m, buffer, db, clk
}

func TestManager_AddCheckinWritesBothTiers(t *testing.T) {
	embedder := &stubEmbedder{}
	m, buffer, db, clk := newTestManager(t, &llm.Stub{}, embedder)

	r := &types.HealthRecord{
		ID: "r1", UserID: "u1", Kind: types.RecordMeal, Timestamp: clk.Now(),
		Meal: &types.MealPayload{Description: "oatmeal", Calories: 320},
	}
	if err := m.AddCheckin(context.Background(), r); err != nil {
		t.Fatalf("add check-in failed: %v", err)
	}

	checkins, _ := buffer.Counts("u1")
	if checkins != 1 {
		t.Fatalf("expected 1 short-term check-in, got %d", checkins)
	}

	docs, err := db.ListMemories("u1", store.MemoryCheckin, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 long-term document, got %d", len(docs))
	}
	if docs[0].Importance != store.ImportanceHigh {
		t.Errorf("check-ins store with high importance, got %s", docs[0].Importance)
	}
	wantRetention := r.Timestamp.AddDate(0, 0, 365)
	if !docs[0].RetentionUntil.Equal(wantRetention) {
		t.Errorf("expected 365d retention %s, got %s", wantRetention, docs[0].RetentionUntil)
	}
}

func TestManager_EmbeddingFailureKeepsShortTermOnly(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("ollama down")}
	m, buffer, db, clk := newTestManager(t, &llm.Stub{}, embedder)

	r := &types.HealthRecord{
		ID: "r1", UserID: "u1", Kind: types.RecordWater, Timestamp: clk.Now(),
		Water: &types.WaterPayload{AmountMl: 500},
	}
	if err := m.AddCheckin(context.Background(), r); err != nil {
		t.Fatalf("external failure must not fail the caller: %v", err)
	}

	checkins, _ := buffer.Counts("u1")
	if checkins != 1 {
		t.Error("short-term write must survive embedding failure")
	}
	docs, _ := db.ListMemories("u1", store.MemoryCheckin, 10)
	if len(docs) != 0 {
		t.Error("no long-term document expected on embedding failure")
	}
}

func TestManager_DialogueSummarizedAtTrigger(t *testing.T) {
	summarizer := &llm.Stub{Responses: []string{"User prefers morning workouts and is fighting a cold."}}
	embedder := &stubEmbedder{}
	m, _, db, clk := newTestManager(t, summarizer, embedder)

	for i := 0; i < 3; i++ {
		err := m.AddDialogue(context.Background(), types.ChatMessage{
			UserID: "u1", Role: types.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: clk.Now(),
		})
		if err != nil {
			t.Fatalf("add dialogue failed: %v", err)
		}
	}

	if summarizer.CallCount() != 1 {
		t.Fatalf("expected exactly 1 summarization at the trigger, got %d", summarizer.CallCount())
	}

	docs, _ := db.ListMemories("u1", store.MemoryDialogueSummary, 10)
	if len(docs) != 1 {
		t.Fatalf("expected 1 dialogue summary, got %d", len(docs))
	}
	if docs[0].Importance != store.ImportanceMedium {
		t.Errorf("summaries store with medium importance, got %s", docs[0].Importance)
	}
	wantRetention := clk.Now().AddDate(0, 0, 90)
	if !docs[0].RetentionUntil.Equal(wantRetention) {
		t.Errorf("expected 90d retention, got %s", docs[0].RetentionUntil)
	}
}

func TestManager_SummarizerFailureConsumesSpan(t *testing.T) {
	summarizer := &llm.Stub{Err: errors.New("timeout")}
	m, buffer, db, clk := newTestManager(t, summarizer, &stubEmbedder{})

	for i := 0; i < 3; i++ {
		m.AddDialogue(context.Background(), types.ChatMessage{
			UserID: "u1", Role: types.RoleUser, Content: fmt.Sprintf("m%d", i), Timestamp: clk.Now(),
		})
	}

	docs, _ := db.ListMemories("u1", store.MemoryDialogueSummary, 10)
	if len(docs) != 0 {
		t.Error("no summary expected when the LLM fails")
	}
	// The span is consumed; the next turn does not immediately re-trigger.
	if n := buffer.UnsummarizedCount("u1"); n != 0 {
		t.Errorf("expected consumed span, %d unsummarized left", n)
	}
	_, dialogue := buffer.Counts("u1")
	if dialogue != 3 {
		t.Error("turns must remain in short-term after a failed summary")
	}
}

func TestManager_GetContextDeterministicOrder(t *testing.T) {
	m, _, _, clk := newTestManager(t, &llm.Stub{}, &stubEmbedder{})
	base := clk.Now()

	m.AddCheckin(context.Background(), &types.HealthRecord{
		ID: "r1", UserID: "u1", Kind: types.RecordWeight, Timestamp: base,
		Weight: &types.WeightPayload{WeightKg: 71.2},
	})
	m.AddDialogue(context.Background(), types.ChatMessage{
		UserID: "u1", Role: types.RoleUser, Content: "how am I doing", Timestamp: base.Add(time.Minute),
	})

	first := m.GetContext(context.Background(), "u1", "", ContextOptions{})
	second := m.GetContext(context.Background(), "u1", "", ContextOptions{})
	if first != second {
		t.Error("identical state must yield identical context")
	}
	if !strings.Contains(first, "71.2") {
		t.Errorf("expected the weigh-in in context, got:\n%s", first)
	}
	if !strings.Contains(first, "how am I doing") {
		t.Errorf("expected the dialogue turn in context, got:\n%s", first)
	}
	if strings.Index(first, "71.2") > strings.Index(first, "how am I doing") {
		t.Error("expected chronological order, oldest first")
	}
}

func TestManager_GetContextRespectsBudget(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewVirtual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	m := NewManager(NewBuffer(dir, 30, 200), db, &stubEmbedder{}, &llm.Stub{}, clk, ManagerConfig{
		ContextCharBudget: 100,
	})

	for i := 0; i < 20; i++ {
		m.AddDialogue(context.Background(), types.ChatMessage{
			UserID: "u1", Role: types.RoleUser,
			Content:   strings.Repeat("blah ", 20),
			Timestamp: clk.Now().Add(time.Duration(i) * time.Second),
		})
	}

	out := m.GetContext(context.Background(), "u1", "", ContextOptions{})
	if len(out) > 100 {
		t.Errorf("context exceeds budget: %d chars", len(out))
	}
}

func TestManager_GetContextCutsAtRuneBoundary(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewVirtual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	m := NewManager(NewBuffer(dir, 30, 200), db, &stubEmbedder{}, &llm.Stub{}, clk, ManagerConfig{
		ContextCharBudget: 50,
	})

	m.AddDialogue(context.Background(), types.ChatMessage{
		UserID: "u1", Role: types.RoleUser,
		Content:   strings.Repeat("今天感觉很好", 10),
		Timestamp: clk.Now(),
	})

	out := m.GetContext(context.Background(), "u1", "", ContextOptions{})
	if len(out) > 50 {
		t.Errorf("context exceeds budget: %d bytes", len(out))
	}
	if !utf8.ValidString(out) {
		t.Errorf("truncation split a multi-byte rune: %q", out)
	}
}

func TestFormatCheckin(t *testing.T) {
	ts := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	cases := []struct {
		r    *types.HealthRecord
		want string
	}{
		{
			&types.HealthRecord{Kind: types.RecordWeight, Timestamp: ts, Weight: &types.WeightPayload{WeightKg: 72.5}},
			"[weight] at 07:30, weighed 72.5 kg",
		},
		{
			&types.HealthRecord{Kind: types.RecordWater, Timestamp: ts, Water: &types.WaterPayload{AmountMl: 500}},
			"[water] at 07:30, drank 500 ml",
		},
		{
			&types.HealthRecord{Kind: types.RecordSleep, Timestamp: ts, Sleep: &types.SleepPayload{DurationHours: 7.5}},
			"[sleep] at 07:30, slept 7.5 h",
		},
	}
	for _, c := range cases {
		if got := FormatCheckin(c.r); got != c.want {
			t.Errorf("FormatCheckin = %q, want %q", got, c.want)
		}
	}
}
