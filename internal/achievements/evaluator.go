package achievements

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulseloop/coach/internal/bus"
	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/metrics"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/types"
)

// recordReward is the base earn for logging any record, keyed by reason
// "record_<kind>".
const recordReward = 10

// dailyLoginReward is the once-per-day check-in bonus under reason
// "daily_login".
const dailyLoginReward = 5

// shareReason is the ledger reason counted by the share predicate.
const shareReason = "share_progress"

// Evaluator awards record points and unlocks achievements. It runs on every
// record creation and once per user at the daily rollover.
type Evaluator struct {
	db   *store.DB
	bus  *bus.Bus
	clk  clock.Clock
	sink metrics.Sink
}

// NewEvaluator wires the achievement evaluator.
func NewEvaluator(db *store.DB, b *bus.Bus, clk clock.Clock, sink metrics.Sink) *Evaluator {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Evaluator{db: db, bus: b, clk: clk, sink: sink}
}

// OnRecordCreated awards the base record points and re-evaluates every
// predicate that a new record can change. Re-running for the same record is
// harmless: unlocks are idempotent and streak bonuses are daily-unique.
func (e *Evaluator) OnRecordCreated(r *types.HealthRecord) {
	now := e.clk.Now()

	reason := fmt.Sprintf("record_%s", r.Kind)
	if _, err := e.db.Earn(r.UserID, reason, recordReward, now, store.EarnOpts{RelatedRecord: r.ID}); err != nil {
		logging.Degraded("achievements", "record reward failed for %s: %v", r.UserID, err)
	}

	e.Evaluate(r.UserID, now)
}

// OnDailyCheckin awards the daily login bonus, at most once per calendar day,
// and re-evaluates the catalog so streaks the check-in may have extended
// unlock immediately. The second call the same day is a no-op on the ledger.
func (e *Evaluator) OnDailyCheckin(userID string) {
	now := e.clk.Now()
	_, err := e.db.Earn(userID, "daily_login", dailyLoginReward, now, store.EarnOpts{})
	if err != nil && !errors.Is(err, store.ErrAlreadyAwardedToday) {
		logging.Degraded("achievements", "daily login reward failed for %s: %v", userID, err)
	}
	e.Evaluate(userID, now)
}

// OnDailyRollover re-evaluates the time-based predicates for a user at the
// start of a new day.
func (e *Evaluator) OnDailyRollover(userID string) {
	e.Evaluate(userID, e.clk.Now())
}

// Evaluate checks the whole catalog for a user and unlocks everything newly
// satisfied.
func (e *Evaluator) Evaluate(userID string, now time.Time) {
	for i := range Catalog {
		a := &Catalog[i]
		unlocked, err := e.db.HasAchievement(userID, a.ID)
		if err != nil {
			logging.Degraded("achievements", "unlock check failed: %v", err)
			continue
		}
		if unlocked {
			continue
		}
		ok, err := e.satisfied(userID, a, now)
		if err != nil {
			logging.Degraded("achievements", "predicate %s failed: %v", a.ID, err)
			continue
		}
		if ok {
			e.unlock(userID, a, now)
		}
	}
}

// unlock records the achievement and its paired reward. The two commit
// together: a failed reward write rolls the unlock back so a retry can award
// both.
func (e *Evaluator) unlock(userID string, a *Achievement, now time.Time) {
	added, err := e.db.AddAchievement(userID, a.ID, now)
	if err != nil {
		logging.Degraded("achievements", "unlock write failed for %s: %v", a.ID, err)
		return
	}
	if !added {
		return
	}

	if a.Reward > 0 {
		reason := a.RewardReason
		if reason == "" {
			reason = "achievement_" + a.ID
		}
		_, err := e.db.Earn(userID, reason, a.Reward, now, store.EarnOpts{Description: a.Name})
		if err != nil && !errors.Is(err, store.ErrAlreadyAwardedToday) {
			if rbErr := e.db.RemoveAchievement(userID, a.ID); rbErr != nil {
				logging.Info("achievements", "rollback failed for %s/%s: %v", userID, a.ID, rbErr)
			}
			logging.Degraded("achievements", "reward failed, unlock rolled back for %s: %v", a.ID, err)
			return
		}
	}

	logging.Info("achievements", "%s unlocked %s (+%d)", userID, a.ID, a.Reward)
	e.sink.Incr("achievement.unlocked", map[string]string{"id": a.ID})
	e.bus.Publish(bus.Event{
		Kind:      bus.KindAchievementUnlocked,
		UserID:    userID,
		Timestamp: now,
		Achievement: &bus.AchievementUnlocked{
			AchievementID: a.ID,
			Name:          a.Name,
			Reward:        a.Reward,
		},
	})
}

func (e *Evaluator) satisfied(userID string, a *Achievement, now time.Time) (bool, error) {
	switch {
	case a.FirstRecord:
		n, err := e.db.CountRecords(userID, "")
		return n >= 1, err

	case a.TotalRecords > 0:
		n, err := e.db.CountRecords(userID, "")
		return n >= a.TotalRecords, err

	case a.OfKind != nil:
		n, err := e.db.CountRecords(userID, a.OfKind.Kind)
		return n >= a.OfKind.Total, err

	case a.Streak != nil:
		streak, err := e.currentStreak(userID, a.Streak, now)
		return streak >= a.Streak.Days, err

	case a.PerfectWeek:
		return e.perfectWeek(userID, now)

	case a.GoalReached:
		return e.goalReached(userID)

	case a.Shares > 0:
		n, err := e.db.CountEarnsByReason(userID, shareReason)
		return n >= a.Shares, err
	}
	return false, nil
}

// currentStreak counts consecutive qualifying days ending today. A day
// qualifies when at least one record passes the spec's filters; for sleep
// specs a record without a duration does not count, so a night logged with
// only bed and wake notes breaks the run.
func (e *Evaluator) currentStreak(userID string, spec *StreakSpec, now time.Time) (int, error) {
	from := now.AddDate(0, 0, -(spec.Days + 1))
	days, err := e.qualifyingDays(userID, spec, from, now)
	if err != nil {
		return 0, err
	}

	streak := 0
	for d := 0; ; d++ {
		day := now.AddDate(0, 0, -d).Format("2006-01-02")
		if !days[day] {
			break
		}
		streak++
	}
	return streak, nil
}

func (e *Evaluator) qualifyingDays(userID string, spec *StreakSpec, from, to time.Time) (map[string]bool, error) {
	// Plain day presence is enough when no record-level filter applies.
	if spec.BeforeHour == 0 && !spec.RequireSleepDuration {
		return e.db.RecordDays(userID, spec.Kind, from, to.AddDate(0, 0, 1))
	}

	records, err := e.db.ListRecords(userID, spec.Kind, from, to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	days := make(map[string]bool)
	for _, r := range records {
		if spec.BeforeHour > 0 && r.Timestamp.Hour() >= spec.BeforeHour {
			continue
		}
		if spec.RequireSleepDuration && (r.Sleep == nil || r.Sleep.DurationHours <= 0) {
			continue
		}
		days[r.Timestamp.Format("2006-01-02")] = true
	}
	return days, nil
}

// perfectWeek checks the trailing 7 calendar days each had at least 3
// distinct record kinds.
func (e *Evaluator) perfectWeek(userID string, now time.Time) (bool, error) {
	from := now.AddDate(0, 0, -7)
	kinds, err := e.db.KindsPerDay(userID, from, now.AddDate(0, 0, 1))
	if err != nil {
		return false, err
	}
	for d := 0; d < 7; d++ {
		day := now.AddDate(0, 0, -d).Format("2006-01-02")
		if kinds[day] < 3 {
			return false, nil
		}
	}
	return true, nil
}

// goalReached checks the latest weigh-in against the profile goal. Only a
// loss goal is recognized: reaching or passing the target from above counts.
func (e *Evaluator) goalReached(userID string) (bool, error) {
	profile, err := e.db.GetProfile(userID)
	if err != nil {
		return false, nil // no profile yet, nothing to reach
	}
	if profile.GoalWeightKg <= 0 {
		return false, nil
	}
	latest, err := e.db.LatestRecord(userID, types.RecordWeight)
	if err != nil || latest == nil || latest.Weight == nil {
		return false, err
	}
	return latest.Weight.WeightKg <= profile.GoalWeightKg, nil
}
