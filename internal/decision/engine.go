package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/config"
	"github.com/pulseloop/coach/internal/engagement"
	"github.com/pulseloop/coach/internal/events"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/metrics"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/types"
)

// Outcome is the engine's ruling for one notification candidate.
type Outcome string

const (
	OutcomeSend  Outcome = "send"
	OutcomeDefer Outcome = "defer"
	OutcomeDrop  Outcome = "drop"
)

// Factor weights of the rule-layer score. They sum to 1.
const (
	weightEngagement    = 0.30
	weightEffectiveness = 0.25
	weightTimeFit       = 0.20
	weightHeadroom      = 0.15
	weightProfileFit    = 0.10
)

// Request is one notification candidate awaiting a verdict.
type Request struct {
	UserID      string
	Type        string
	ScheduledAt time.Time
	Profile     *types.UserProfile
	// Essential notifications bypass quiet hours and daily caps
	// (e.g. safety-relevant alerts).
	Essential bool
}

// Verdict is the engine's ruling plus the rationale behind it.
type Verdict struct {
	Outcome    Outcome
	Reason     string
	Score      float64
	DeferUntil time.Time
	Factors    []store.VerdictFactor
}

// Engine decides whether a notification candidate is sent, deferred or
// dropped. Hard gates run first; survivors get a weighted rule score, blended
// with an optional LLM assessment per the user's decision mode, then compared
// against the send and defer thresholds.
type Engine struct {
	db       *store.DB
	tracker  *engagement.Tracker
	detector *events.Detector
	cfg      *config.Config
	clk      clock.Clock
	sink     metrics.Sink
	llm      llmScorer
}

// llmScorer is the optional LLM layer: it returns a 0-1 suitability score for
// the candidate given the user's situation.
type llmScorer interface {
	ScoreCandidate(ctx context.Context, req Request, contextSummary string) (float64, error)
}

// NewEngine wires the decision engine. llm may be nil; the rule layer then
// stands alone regardless of mode.
func NewEngine(db *store.DB, tracker *engagement.Tracker, detector *events.Detector, cfg *config.Config, clk clock.Clock, sink metrics.Sink, llm llmScorer) *Engine {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Engine{db: db, tracker: tracker, detector: detector, cfg: cfg, clk: clk, sink: sink, llm: llm}
}

// Decide rules on one candidate and persists the verdict for audit.
func (e *Engine) Decide(ctx context.Context, req Request) (*Verdict, error) {
	v := e.decide(ctx, req)

	rec := &store.VerdictRecord{
		UserID:      req.UserID,
		Type:        req.Type,
		Outcome:     string(v.Outcome),
		Reason:      v.Reason,
		Score:       v.Score,
		ScheduledAt: req.ScheduledAt,
		DeferUntil:  v.DeferUntil,
		Factors:     v.Factors,
		CreatedAt:   e.clk.Now(),
	}
	if err := e.db.SaveVerdict(rec); err != nil {
		logging.Degraded("decision", "verdict persistence failed: %v", err)
	}

	e.sink.Incr(fmt.Sprintf("notification.verdict.%s", v.Outcome), map[string]string{"type": req.Type})
	return v, nil
}

func (e *Engine) decide(ctx context.Context, req Request) *Verdict {
	now := e.clk.Now()
	profile := req.Profile

	// Hard gates. Each one short-circuits to a terminal verdict.
	if profile == nil || profile.Deactivated {
		return drop("user_deactivated")
	}
	if !profile.NotificationsEnabled {
		return drop("notifications_disabled")
	}
	if profile.DisabledTypes[req.Type] {
		return drop("type_disabled")
	}

	if !req.Essential {
		quiet := e.cfg.QuietHoursDefault
		if profile.QuietHours != nil {
			quiet = *profile.QuietHours
		}
		if quiet.Contains(req.ScheduledAt) {
			e.sink.Incr("notification.dropped.quiet_hours", map[string]string{"type": req.Type})
			return drop("quiet_hours")
		}

		level := e.tracker.LevelFor(req.UserID)
		cap := e.cfg.DailyCapsByLevel[string(level)]
		if cap > 0 {
			sent, err := e.db.CountSentToday(req.UserID, "", now)
			if err != nil {
				logging.Degraded("decision", "daily cap check failed, allowing: %v", err)
			} else if sent >= cap {
				e.sink.Incr("notification.dropped.daily_cap", map[string]string{"type": req.Type})
				return drop(fmt.Sprintf("daily_cap_%s", level))
			}
		}
	}

	last, err := e.db.LastSentOfType(req.UserID, req.Type)
	if err != nil {
		logging.Degraded("decision", "min-interval check failed, allowing: %v", err)
	} else if !last.IsZero() && req.ScheduledAt.Sub(last) < e.cfg.MinInterval() {
		e.sink.Incr("notification.dropped.min_interval", map[string]string{"type": req.Type})
		return drop("min_interval_same_type")
	}

	// Context event gates: illness suppresses exercise pushes; travel defers
	// everything non-essential until the trip ends.
	for _, ev := range e.detector.Active(req.UserID) {
		switch ev.Kind {
		case types.EventIllness:
			if req.Type == "exercise_reminder" && ev.Confidence >= 0.7 {
				e.sink.Incr("notification.dropped.illness", map[string]string{"type": req.Type})
				return drop("illness_active")
			}
		case types.EventTravel:
			if !req.Essential && ev.Confidence >= 0.7 {
				e.sink.Incr("notification.deferred.travel", map[string]string{"type": req.Type})
				return &Verdict{
					Outcome:    OutcomeDefer,
					Reason:     "travel_active",
					DeferUntil: ev.ExpiresAt,
				}
			}
		}
	}

	// Weighted rule score over five factors.
	factors := e.scoreFactors(req, now)
	ruleScore := 0.0
	for _, f := range factors {
		ruleScore += f.Contribution
	}

	// Mode blending: alpha is the rule layer's share; the remainder goes to
	// the LLM assessment when available.
	score := ruleScore
	mode := profile.DecisionMode
	if mode == "" {
		mode = types.ModeBalanced
	}
	alpha, ok := e.cfg.DecisionModeWeights[mode]
	if !ok {
		alpha = 0.5
	}
	if e.llm != nil && alpha < 1 {
		if llmScore, err := e.llm.ScoreCandidate(ctx, req, ""); err == nil {
			score = alpha*ruleScore + (1-alpha)*llmScore
			factors = append(factors, store.VerdictFactor{
				Name: "llm_assessment", Score: llmScore, Weight: 1 - alpha, Contribution: (1 - alpha) * llmScore,
			})
			// Rescale rule contributions for the audit record.
			for i := range factors[:len(factors)-1] {
				factors[i].Contribution *= alpha
			}
		} else {
			logging.Degraded("decision", "llm scoring failed, rule score stands: %v", err)
		}
	}

	switch {
	case score >= e.cfg.SendThreshold:
		return &Verdict{Outcome: OutcomeSend, Reason: "score_above_send", Score: score, Factors: factors}
	case score >= e.cfg.DeferThreshold:
		return &Verdict{
			Outcome:    OutcomeDefer,
			Reason:     "score_in_defer_band",
			Score:      score,
			DeferUntil: e.nextPreferredSlot(req.UserID, req.ScheduledAt),
			Factors:    factors,
		}
	default:
		e.sink.Incr("notification.dropped.low_score", map[string]string{"type": req.Type})
		return &Verdict{Outcome: OutcomeDrop, Reason: "score_below_defer", Score: score, Factors: factors}
	}
}

// scoreFactors computes the five weighted rule factors.
func (e *Engine) scoreFactors(req Request, now time.Time) []store.VerdictFactor {
	engScore := e.tracker.Score(req.UserID) / 100.0
	effScore := e.tracker.EffectivenessFor(req.UserID, req.Type)
	timeFit := e.tracker.TimeFit(req.UserID, req.ScheduledAt)
	headroom := e.headroom(req.UserID, now)
	profileFit := ProfileFit(req.Type, req.Profile.MotivationType)

	return []store.VerdictFactor{
		{Name: "engagement", Score: engScore, Weight: weightEngagement, Contribution: engScore * weightEngagement},
		{Name: "effectiveness", Score: effScore, Weight: weightEffectiveness, Contribution: effScore * weightEffectiveness},
		{Name: "time_fit", Score: timeFit, Weight: weightTimeFit, Contribution: timeFit * weightTimeFit},
		{Name: "headroom", Score: headroom, Weight: weightHeadroom, Contribution: headroom * weightHeadroom},
		{Name: "profile_fit", Score: profileFit, Weight: weightProfileFit, Contribution: profileFit * weightProfileFit},
	}
}

// headroom scores how much of the user's daily cap remains: 1.0 untouched,
// 0.0 exhausted.
func (e *Engine) headroom(userID string, now time.Time) float64 {
	level := e.tracker.LevelFor(userID)
	cap := e.cfg.DailyCapsByLevel[string(level)]
	if cap <= 0 {
		return 1.0
	}
	sent, err := e.db.CountSentToday(userID, "", now)
	if err != nil {
		return 1.0
	}
	remaining := float64(cap-sent) / float64(cap)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// minDeferLead is the closest a deferral target may sit to the scheduled
// time; a slot minutes away is not a meaningful deferral.
const minDeferLead = 10 * time.Minute

// nextPreferredSlot picks the deferral target: the next of the user's
// preferred send hours at least minDeferLead after the scheduled time.
func (e *Engine) nextPreferredSlot(userID string, after time.Time) time.Time {
	earliest := after.Add(minDeferLead)
	hours := e.tracker.OptimalSendHours(userID)
	for add := 0; add < 2; add++ {
		day := after.AddDate(0, 0, add)
		for _, h := range hours {
			slot := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, after.Location())
			if !slot.Before(earliest) {
				return slot
			}
		}
	}
	return after.Add(2 * time.Hour)
}

func drop(reason string) *Verdict {
	return &Verdict{Outcome: OutcomeDrop, Reason: reason}
}
