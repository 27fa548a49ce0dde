package engagement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/config"
	"github.com/pulseloop/coach/internal/types"
)

// Level buckets the engagement score.
type Level string

const (
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelInactive Level = "inactive"
)

// Effectiveness buckets the per-type notification response rate.
type Effectiveness string

const (
	Effective   Effectiveness = "effective"
	Neutral     Effectiveness = "neutral"
	Weak        Effectiveness = "weak"
	Ineffective Effectiveness = "ineffective"
)

// retentionDays bounds how far back raw activity events are kept. The longest
// scoring window is 30 days.
const retentionDays = 30

// Default send hours when a user has too little interaction history to rank
// their own.
var defaultSendHours = []int{9, 12, 19}

// minHourSamples is how many positive interactions a user needs before their
// own hour ranking replaces the defaults.
const minHourSamples = 10

// minSendSamples is how many sends of a type are needed before the measured
// effectiveness replaces the neutral prior.
const minSendSamples = 5

type activityEvent struct {
	At time.Time `json:"at"`
}

type sendEvent struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

type interactionEvent struct {
	Kind types.InteractionKind `json:"kind"`
	Type string                `json:"type"`
	At   time.Time             `json:"at"`
}

// userActivity is the raw per-user event log the scores derive from.
type userActivity struct {
	Logins       []activityEvent    `json:"logins"`
	Records      []activityEvent    `json:"records"`
	GoalsMet     []activityEvent    `json:"goals_met"`
	Sends        []sendEvent        `json:"sends"`
	Interactions []interactionEvent `json:"interactions"`
}

// Tracker maintains rolling activity windows per user and derives the
// engagement score, level, per-type effectiveness and preferred send hours.
// State persists as JSON alongside the other file-backed pools.
type Tracker struct {
	mu      sync.RWMutex
	users   map[string]*userActivity
	path    string
	clk     clock.Clock
	weights config.EngagementWeights
}

// NewTracker creates an engagement tracker. Zero weights take the canonical
// 25/25/25/25 split.
func NewTracker(statePath string, clk clock.Clock, weights config.EngagementWeights) *Tracker {
	if weights.Login == 0 && weights.Record == 0 && weights.Goal == 0 && weights.Interaction == 0 {
		weights = config.EngagementWeights{Login: 25, Record: 25, Goal: 25, Interaction: 25}
	}
	return &Tracker{
		users:   make(map[string]*userActivity),
		path:    statePath,
		clk:     clk,
		weights: weights,
	}
}

// RecordLogin notes an app open or API session start.
func (t *Tracker) RecordLogin(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(userID)
	u.Logins = append(u.Logins, activityEvent{At: at})
	t.pruneLocked(userID)
}

// RecordActivity notes a health record creation.
func (t *Tracker) RecordActivity(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(userID)
	u.Records = append(u.Records, activityEvent{At: at})
	t.pruneLocked(userID)
}

// RecordGoalMet notes a completed daily goal.
func (t *Tracker) RecordGoalMet(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(userID)
	u.GoalsMet = append(u.GoalsMet, activityEvent{At: at})
	t.pruneLocked(userID)
}

// RecordSend notes a delivered notification of the given type.
func (t *Tracker) RecordSend(userID, notifType string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(userID)
	u.Sends = append(u.Sends, sendEvent{Type: notifType, At: at})
	t.pruneLocked(userID)
}

// RecordInteraction notes the user's reaction to a delivered notification.
func (t *Tracker) RecordInteraction(userID, notifType string, kind types.InteractionKind, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(userID)
	u.Interactions = append(u.Interactions, interactionEvent{Kind: kind, Type: notifType, At: at})
	t.pruneLocked(userID)
}

// Score computes the 0-100 engagement score: four factors, each scored 0-1
// over its window and scaled by its weight.
func (t *Tracker) Score(userID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := t.users[userID]
	if u == nil {
		return 0
	}
	now := t.clk.Now()

	// Login: distinct active days over the last 7.
	loginFactor := float64(distinctDays(u.Logins, now, 7)) / 7.0

	// Record: distinct logging days over the last 7.
	recordFactor := float64(distinctDays(u.Records, now, 7)) / 7.0

	// Goal: goals met over the last 7 days, one per day counts as full.
	goalFactor := float64(distinctDays(u.GoalsMet, now, 7)) / 7.0

	// Interaction: positive reactions per send over the last 30 days. No
	// sends yet means nothing to react to; treat as neutral.
	interactionFactor := 0.5
	sends := countSince(sendTimes(u.Sends), now, 30)
	if sends > 0 {
		positive := 0
		cutoff := now.AddDate(0, 0, -30)
		for _, iv := range u.Interactions {
			if iv.At.After(cutoff) && (iv.Kind == types.InteractOpen || iv.Kind == types.InteractClick) {
				positive++
			}
		}
		interactionFactor = clamp01(float64(positive) / float64(sends))
	}

	return loginFactor*t.weights.Login +
		recordFactor*t.weights.Record +
		goalFactor*t.weights.Goal +
		interactionFactor*t.weights.Interaction
}

// LevelFor buckets the user's score: high >= 70, medium >= 40, low >= 15,
// inactive below.
func (t *Tracker) LevelFor(userID string) Level {
	score := t.Score(userID)
	switch {
	case score >= 70:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 15:
		return LevelLow
	default:
		return LevelInactive
	}
}

// EffectivenessFor scores how well a notification type lands with this user:
// (opens + 2*clicks - 3*negatives) / sends, clamped to [0,1], over the last
// 30 days. Fewer than minSendSamples sends returns the neutral prior 0.5.
func (t *Tracker) EffectivenessFor(userID, notifType string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := t.users[userID]
	if u == nil {
		return 0.5
	}
	now := t.clk.Now()
	cutoff := now.AddDate(0, 0, -30)

	sends := 0
	for _, s := range u.Sends {
		if s.Type == notifType && s.At.After(cutoff) {
			sends++
		}
	}
	if sends < minSendSamples {
		return 0.5
	}

	raw := 0.0
	for _, iv := range u.Interactions {
		if iv.Type != notifType || !iv.At.After(cutoff) {
			continue
		}
		switch iv.Kind {
		case types.InteractOpen:
			raw += 1
		case types.InteractClick:
			raw += 2
		case types.InteractNegative:
			raw -= 3
		}
	}
	return clamp01(raw / float64(sends))
}

// EffectivenessBucket names the effectiveness band: effective >= 0.6,
// neutral >= 0.3, weak >= 0.1, ineffective below.
func EffectivenessBucket(score float64) Effectiveness {
	switch {
	case score >= 0.6:
		return Effective
	case score >= 0.3:
		return Neutral
	case score >= 0.1:
		return Weak
	default:
		return Ineffective
	}
}

// OptimalSendHours returns the user's top three hours ranked by positive
// interactions. Users with fewer than minHourSamples positive interactions
// get the defaults.
func (t *Tracker) OptimalSendHours(userID string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := t.users[userID]
	if u == nil {
		return append([]int(nil), defaultSendHours...)
	}

	byHour := make(map[int]int)
	total := 0
	for _, iv := range u.Interactions {
		if iv.Kind == types.InteractOpen || iv.Kind == types.InteractClick {
			byHour[iv.At.Hour()]++
			total++
		}
	}
	if total < minHourSamples {
		return append([]int(nil), defaultSendHours...)
	}

	hours := make([]int, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if byHour[hours[i]] != byHour[hours[j]] {
			return byHour[hours[i]] > byHour[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > 3 {
		hours = hours[:3]
	}
	sort.Ints(hours)
	return hours
}

// TimeFit scores how well sending at t matches the user's preferred hours:
// 1.0 in a preferred hour, 0.7 adjacent, 0.3 otherwise.
func (t *Tracker) TimeFit(userID string, at time.Time) float64 {
	hour := at.Hour()
	best := 0.3
	for _, h := range t.OptimalSendHours(userID) {
		switch {
		case h == hour:
			return 1.0
		case h == (hour+1)%24 || h == (hour+23)%24:
			if best < 0.7 {
				best = 0.7
			}
		}
	}
	return best
}

func (t *Tracker) user(userID string) *userActivity {
	u, ok := t.users[userID]
	if !ok {
		u = &userActivity{}
		t.users[userID] = u
	}
	return u
}

// pruneLocked drops events older than the retention horizon. Caller holds mu.
func (t *Tracker) pruneLocked(userID string) {
	u := t.users[userID]
	cutoff := t.clk.Now().AddDate(0, 0, -retentionDays)

	u.Logins = pruneActivity(u.Logins, cutoff)
	u.Records = pruneActivity(u.Records, cutoff)
	u.GoalsMet = pruneActivity(u.GoalsMet, cutoff)

	sends := u.Sends[:0]
	for _, s := range u.Sends {
		if s.At.After(cutoff) {
			sends = append(sends, s)
		}
	}
	u.Sends = sends

	ivs := u.Interactions[:0]
	for _, iv := range u.Interactions {
		if iv.At.After(cutoff) {
			ivs = append(ivs, iv)
		}
	}
	u.Interactions = ivs
}

// Load restores tracker state from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	filePath := filepath.Join(t.path, "engagement.json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No saved state
		}
		return fmt.Errorf("failed to read engagement state: %w", err)
	}

	var users map[string]*userActivity
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("failed to unmarshal engagement state: %w", err)
	}
	t.users = users
	return nil
}

// Save persists tracker state to disk.
func (t *Tracker) Save() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data, err := json.MarshalIndent(t.users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal engagement state: %w", err)
	}

	filePath := filepath.Join(t.path, "engagement.json")
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write engagement state: %w", err)
	}
	return nil
}

func pruneActivity(evs []activityEvent, cutoff time.Time) []activityEvent {
	out := evs[:0]
	for _, e := range evs {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func distinctDays(evs []activityEvent, now time.Time, windowDays int) int {
	cutoff := now.AddDate(0, 0, -windowDays)
	days := make(map[string]bool)
	for _, e := range evs {
		if e.At.After(cutoff) {
			days[e.At.Format("2006-01-02")] = true
		}
	}
	if len(days) > windowDays {
		return windowDays
	}
	return len(days)
}

func sendTimes(sends []sendEvent) []activityEvent {
	out := make([]activityEvent, len(sends))
	for i, s := range sends {
		out[i] = activityEvent{At: s.At}
	}
	return out
}

func countSince(evs []activityEvent, now time.Time, windowDays int) int {
	cutoff := now.AddDate(0, 0, -windowDays)
	n := 0
	for _, e := range evs {
		if e.At.After(cutoff) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
