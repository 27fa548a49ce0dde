package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/llm"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/memory"
	"github.com/pulseloop/coach/internal/types"
)

const (
	defaultWindowHours = 24
	// The LLM layer only runs when the pattern layer's best confidence
	// falls in this ambiguous band.
	ambiguousLow  = 0.35
	ambiguousHigh = 0.65
	// Travel without an explicit end date gets a default horizon.
	defaultTravelTTL = 72 * time.Hour
)

// Detector derives context-event flags from recent dialogue and records.
// Detection is layered: a deterministic keyword/regex pass, then an optional
// LLM pass gated by the user's decision mode when the pattern result is
// ambiguous. Detected events are cached per user and pruned lazily on read.
type Detector struct {
	buffer   *memory.Buffer
	provider llm.Provider
	clk      clock.Clock
	ttls     map[types.EventKind]time.Duration
	window   time.Duration

	mu     sync.Mutex
	active map[string][]types.ContextEvent
}

// NewDetector creates a context-event detector. ttls holds the per-kind
// lifetimes; travel entries without an explicit end date use a 72h default.
func NewDetector(buffer *memory.Buffer, provider llm.Provider, clk clock.Clock, ttls map[types.EventKind]time.Duration) *Detector {
	if ttls == nil {
		ttls = map[types.EventKind]time.Duration{
			types.EventIllness:    48 * time.Hour,
			types.EventSocial:     12 * time.Hour,
			types.EventHighStress: 24 * time.Hour,
		}
	}
	return &Detector{
		buffer:   buffer,
		provider: provider,
		clk:      clk,
		ttls:     ttls,
		window:   defaultWindowHours * time.Hour,
		active:   make(map[string][]types.ContextEvent),
	}
}

// Detect scans the user's recent dialogue, refreshes the active-event cache,
// and returns the events in effect now. mode gates the LLM layer:
// conservative users get the pattern layer only.
func (d *Detector) Detect(ctx context.Context, userID string, mode types.DecisionMode) []types.ContextEvent {
	now := d.clk.Now()
	cutoff := now.Add(-d.window)

	var lines []string
	for _, e := range d.buffer.CombinedContext(userID, 10, 100) {
		if e.Kind == memory.KindDialogue && e.Timestamp.After(cutoff) {
			lines = append(lines, e.Content)
		}
	}
	text := strings.Join(lines, "\n")

	var detected []types.ContextEvent
	if text != "" {
		matches := scanPatterns(text)
		detected = d.coerce(matches, now)

		if d.shouldConsultLLM(matches, mode) {
			if llmEvents := d.llmLayer(ctx, text, now); llmEvents != nil {
				detected = mergeEvents(detected, llmEvents)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[userID] = mergeEvents(pruneExpired(d.active[userID], now), detected)
	out := make([]types.ContextEvent, len(d.active[userID]))
	copy(out, d.active[userID])
	return out
}

// Active returns the user's unexpired events without re-scanning.
func (d *Detector) Active(userID string) []types.ContextEvent {
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[userID] = pruneExpired(d.active[userID], now)
	out := make([]types.ContextEvent, len(d.active[userID]))
	copy(out, d.active[userID])
	return out
}

// Inject records an externally known event (e.g. a travel itinerary with an
// explicit end date).
func (d *Detector) Inject(userID string, ev types.ContextEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[userID] = mergeEvents(d.active[userID], []types.ContextEvent{ev})
}

// shouldConsultLLM applies the ambiguity gate: only balanced and intelligent
// modes pay for the LLM pass, and only when the best pattern confidence sits
// in the ambiguous band (or nothing matched at all but mode is intelligent).
func (d *Detector) shouldConsultLLM(matches []patternMatch, mode types.DecisionMode) bool {
	if d.provider == nil || mode == types.ModeConservative {
		return false
	}
	if len(matches) == 0 {
		return mode == types.ModeIntelligent
	}
	best := 0.0
	for _, m := range matches {
		if m.confidence > best {
			best = m.confidence
		}
	}
	return best >= ambiguousLow && best <= ambiguousHigh
}

// llmLayer asks the provider to classify the dialogue into the same tagged
// event shape. Failures degrade to the pattern result.
func (d *Detector) llmLayer(ctx context.Context, text string, now time.Time) []types.ContextEvent {
	resp, err := d.provider.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: `Detect the user's current life context from the dialogue. Respond with ONLY a JSON array of objects like [{"kind":"illness","confidence":0.8}]. Allowed kinds: illness, travel, social_engagement, high_stress. Empty array if none apply.`},
		{Role: "user", Content: text},
	})
	if err != nil {
		logging.Degraded("events", "llm layer failed: %v", err)
		return nil
	}

	// Tolerate prose around the JSON array.
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &raw); err != nil {
		logging.Degraded("events", "llm layer returned unparseable result: %v", err)
		return nil
	}

	var out []types.ContextEvent
	for _, r := range raw {
		kind := types.EventKind(r.Kind)
		switch kind {
		case types.EventIllness, types.EventTravel, types.EventSocial, types.EventHighStress:
		default:
			continue
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			continue
		}
		out = append(out, types.ContextEvent{
			Kind:       kind,
			Confidence: r.Confidence,
			DetectedAt: now,
			ExpiresAt:  now.Add(d.ttlFor(kind, time.Time{})),
			Evidence:   "llm",
		})
	}
	return out
}

func (d *Detector) coerce(matches []patternMatch, now time.Time) []types.ContextEvent {
	var out []types.ContextEvent
	for _, m := range matches {
		ev := types.ContextEvent{
			Kind:       m.kind,
			Confidence: m.confidence,
			DetectedAt: now,
			Evidence:   m.evidence,
		}
		if m.kind == types.EventTravel && !m.travelEnd.IsZero() {
			ev.ExpiresAt = m.travelEnd
		} else {
			ev.ExpiresAt = now.Add(d.ttlFor(m.kind, m.travelEnd))
		}
		out = append(out, ev)
	}
	return out
}

func (d *Detector) ttlFor(kind types.EventKind, travelEnd time.Time) time.Duration {
	if kind == types.EventTravel {
		return defaultTravelTTL
	}
	if ttl, ok := d.ttls[kind]; ok && ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

// mergeEvents combines two event lists, keeping one event per kind: the one
// with higher confidence, and the later expiry of the two.
func mergeEvents(a, b []types.ContextEvent) []types.ContextEvent {
	byKind := make(map[types.EventKind]types.ContextEvent)
	for _, ev := range a {
		byKind[ev.Kind] = ev
	}
	for _, ev := range b {
		if prev, ok := byKind[ev.Kind]; ok {
			if ev.Confidence < prev.Confidence {
				ev.Confidence = prev.Confidence
			}
			if ev.ExpiresAt.Before(prev.ExpiresAt) {
				ev.ExpiresAt = prev.ExpiresAt
			}
		}
		byKind[ev.Kind] = ev
	}
	var out []types.ContextEvent
	for _, ev := range byKind {
		out = append(out, ev)
	}
	return out
}

func pruneExpired(evs []types.ContextEvent, now time.Time) []types.ContextEvent {
	var out []types.ContextEvent
	for _, ev := range evs {
		if ev.Active(now) {
			out = append(out, ev)
		}
	}
	return out
}
