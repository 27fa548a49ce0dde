package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pulseloop/coach/internal/bus"
	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/config"
	"github.com/pulseloop/coach/internal/decision"
	"github.com/pulseloop/coach/internal/engagement"
	"github.com/pulseloop/coach/internal/generator"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/metrics"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/types"
)

// tickInterval is the cadence of the timer producer and the delivery loop.
const tickInterval = time.Minute

// sysloadDeferral is how far a due delivery slides when the host is loaded.
const sysloadDeferral = 5 * time.Minute

// maxDefers bounds how often one entry can be pushed later, counting the
// decision deferral and every sysload reschedule, before it is cancelled.
const maxDefers = 3

// Candidate is one notification opportunity entering the pipeline.
type Candidate struct {
	UserID      string
	Type        string
	Intent      string
	ScheduledAt time.Time
	Essential   bool
	Payload     map[string]any
}

// loadGuard is the scheduler's view of the system load watcher.
type loadGuard interface {
	Overloaded() bool
}

// Scheduler drives the notification pipeline: producers feed candidates into
// per-user mailboxes, a bounded worker pool runs dedup, decision and
// generation, and the delivery loop drains due queue entries to channel
// adapters. Each user's candidates process strictly in order.
type Scheduler struct {
	db       *store.DB
	engine   *decision.Engine
	gen      *generator.Generator
	tracker  *engagement.Tracker
	bus      *bus.Bus
	clk      clock.Clock
	cfg      *config.Config
	sink     metrics.Sink
	guard    loadGuard
	adapters map[types.Channel]ChannelAdapter
	fallback ChannelAdapter

	sem *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string]chan Candidate
	cancelled map[string]bool
	lastDay   string

	runCtx context.Context // guarded by mu; Background until Run starts
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New wires the scheduler. guard may be nil (no load deferrals).
func New(db *store.DB, engine *decision.Engine, gen *generator.Generator, tracker *engagement.Tracker, b *bus.Bus, clk clock.Clock, cfg *config.Config, sink metrics.Sink, guard loadGuard, adapters []ChannelAdapter) *Scheduler {
	if sink == nil {
		sink = metrics.Nop{}
	}
	byChannel := make(map[types.Channel]ChannelAdapter)
	var fallback ChannelAdapter
	for _, a := range adapters {
		byChannel[a.Channel()] = a
		if fallback == nil {
			fallback = a
		}
	}
	return &Scheduler{
		db:        db,
		engine:    engine,
		gen:       gen,
		tracker:   tracker,
		bus:       b,
		clk:       clk,
		cfg:       cfg,
		sink:      sink,
		guard:     guard,
		adapters:  byChannel,
		fallback:  fallback,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		mailboxes: make(map[string]chan Candidate),
		cancelled: make(map[string]bool),
		runCtx:    context.Background(),
		quit:      make(chan struct{}),
	}
}

// Run starts the producers and the delivery loop and blocks until ctx ends.
// Pending entries orphaned by a previous shutdown are swept to cancelled
// before anything new is produced.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.lastDay = s.clk.Now().Format("2006-01-02")
	s.mu.Unlock()

	if n, err := s.db.SweepPending(); err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	} else if n > 0 {
		logging.Info("scheduler", "swept %d orphaned pending notifications", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.timerLoop(ctx) })
	g.Go(func() error { return s.eventLoop(ctx) })
	g.Go(func() error { return s.deliveryLoop(ctx) })

	err := g.Wait()
	close(s.quit)
	s.wg.Wait() // drain mailbox workers
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit routes a candidate to its user's mailbox, spawning the mailbox
// worker on first use.
func (s *Scheduler) Submit(c Candidate) {
	if c.ScheduledAt.IsZero() {
		c.ScheduledAt = s.clk.Now()
	}

	s.mu.Lock()
	s.cancelled[c.UserID] = false
	box, ok := s.mailboxes[c.UserID]
	if !ok {
		box = make(chan Candidate, 32)
		s.mailboxes[c.UserID] = box
		s.wg.Add(1)
		go s.mailboxWorker(c.UserID, box)
	}
	s.mu.Unlock()

	select {
	case box <- c:
	default:
		s.sink.Incr("notification.dropped.mailbox_full", map[string]string{"type": c.Type})
		logging.Info("scheduler", "mailbox full for %s, dropping %s", c.UserID, c.Type)
	}
}

// Cancel cancels every pending notification for a user and flags the mailbox
// so queued candidates are discarded.
func (s *Scheduler) Cancel(userID string) (int, error) {
	s.mu.Lock()
	s.cancelled[userID] = true
	s.mu.Unlock()

	n, err := s.db.CancelPending(userID)
	if n > 0 {
		s.sink.Incr("notification.cancelled.user", map[string]string{"count": fmt.Sprint(n)})
	}
	return n, err
}

// mailboxWorker processes one user's candidates in arrival order. The shared
// semaphore bounds how many users process concurrently. Workers may spawn
// before Run; they re-read the run context per candidate and stop on quit.
func (s *Scheduler) mailboxWorker(userID string, box chan Candidate) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case c := <-box:
			s.mu.Lock()
			skip := s.cancelled[userID]
			ctx := s.runCtx
			s.mu.Unlock()
			if skip {
				continue
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.process(ctx, c)
			s.sem.Release(1)
		}
	}
}

// process runs one candidate through dedup, decision, generation and
// enqueueing. Delivery happens in the delivery loop once the entry is due.
func (s *Scheduler) process(ctx context.Context, c Candidate) {
	now := s.clk.Now()

	dup, err := s.db.HasRecentSameType(c.UserID, c.Type, c.ScheduledAt)
	if err != nil {
		logging.Degraded("scheduler", "dedup check failed, continuing: %v", err)
	}
	if dup {
		s.enqueueTerminal(c, types.StatusDeduped, now)
		s.sink.Incr("notification.deduped", map[string]string{"type": c.Type})
		return
	}

	profile, err := s.db.GetProfile(c.UserID)
	if err != nil {
		logging.Info("scheduler", "no profile for %s, dropping %s: %v", c.UserID, c.Type, err)
		return
	}

	verdict, err := s.engine.Decide(ctx, decision.Request{
		UserID:      c.UserID,
		Type:        c.Type,
		ScheduledAt: c.ScheduledAt,
		Profile:     profile,
		Essential:   c.Essential,
	})
	if err != nil {
		logging.Degraded("scheduler", "decision failed for %s: %v", c.Type, err)
		return
	}

	variant := s.assignVariant(&c)

	switch verdict.Outcome {
	case decision.OutcomeDrop:
		logging.Debug("scheduler", "dropped %s for %s: %s", c.Type, c.UserID, verdict.Reason)
		return

	case decision.OutcomeDefer:
		n := s.gen.Generate(ctx, generator.Request{
			UserID: c.UserID, Type: c.Type, Intent: c.Intent, Profile: profile, Payload: c.Payload, Variant: variant,
		})
		s.enqueue(c, n, verdict.DeferUntil, true)
		logging.Debug("scheduler", "deferred %s for %s until %s (%s)",
			c.Type, c.UserID, verdict.DeferUntil.Format(time.RFC3339), verdict.Reason)

	case decision.OutcomeSend:
		// Content renders now; the delivery loop picks the entry up on its
		// next tick. One delivery path means one owner per entry.
		n := s.gen.Generate(ctx, generator.Request{
			UserID: c.UserID, Type: c.Type, Intent: c.Intent, Profile: profile, Payload: c.Payload, Variant: variant,
		})
		s.enqueue(c, n, now, false)
	}
}

// assignVariant stamps the active experiment's variant for this notification
// type onto the candidate payload, so the delivery outcome can be attributed.
func (s *Scheduler) assignVariant(c *Candidate) *types.ABVariant {
	test, err := s.db.ActiveABTest(c.Type)
	if err != nil {
		logging.Degraded("scheduler", "experiment lookup failed for %s: %v", c.Type, err)
		return nil
	}
	if test == nil {
		return nil
	}
	variant := test.AssignVariant(c.UserID)
	if variant == nil {
		return nil
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}
	c.Payload["ab_test"] = test.ID
	c.Payload["ab_variant"] = variant.ID
	return variant
}

func (s *Scheduler) enqueue(c Candidate, n *types.Notification, at time.Time, deferred bool) *store.QueueEntry {
	payload := map[string]any{}
	for k, v := range c.Payload {
		payload[k] = v
	}
	if c.Essential {
		payload["essential"] = true
	}
	if deferred {
		payload["deferrals"] = 1
	}
	if c.Intent != "" {
		payload["intent"] = c.Intent
	}

	entry := &store.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      c.UserID,
		Type:        c.Type,
		Title:       n.Title,
		Body:        n.Body,
		Channel:     n.ChannelHint,
		Status:      types.StatusPending,
		ScheduledAt: at,
		Payload:     payload,
	}
	if err := s.db.Enqueue(entry); err != nil {
		logging.Degraded("scheduler", "enqueue failed for %s: %v", c.Type, err)
		return nil
	}
	return entry
}

func (s *Scheduler) enqueueTerminal(c Candidate, status types.QueueStatus, at time.Time) {
	entry := &store.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      c.UserID,
		Type:        c.Type,
		Status:      status,
		ScheduledAt: at,
	}
	if err := s.db.Enqueue(entry); err != nil {
		logging.Degraded("scheduler", "enqueue failed for %s: %v", c.Type, err)
	}
}

// deliver pushes a queue entry to its channel adapter with bounded retries.
// The entry ends in exactly one terminal state.
func (s *Scheduler) deliver(ctx context.Context, entry *store.QueueEntry, n *types.Notification) {
	now := s.clk.Now()

	if s.guard != nil && s.guard.Overloaded() && !isEssential(entry) {
		if deferralCount(entry) >= maxDefers {
			s.transition(entry.ID, types.StatusCancelled, now)
			s.sink.Incr("notification.cancelled.defer_limit", map[string]string{"type": entry.Type})
			return
		}
		// Reschedule also counts the deferral in the entry payload.
		if err := s.db.Reschedule(entry.ID, now.Add(sysloadDeferral)); err == nil {
			s.sink.Incr("notification.deferred.sysload", map[string]string{"type": entry.Type})
			return
		}
	}

	adapter := s.adapters[entry.Channel]
	if adapter == nil {
		adapter = s.fallback
	}
	if adapter == nil {
		logging.Degraded("scheduler", "no channel adapter, failing %s", entry.ID)
		s.transition(entry.ID, types.StatusFailed, now)
		return
	}

	backoff := time.Second
	for attempt := 0; attempt <= s.cfg.MaxDeliveryRetry; attempt++ {
		if attempt > 0 {
			if err := s.clk.SleepUntil(ctx, s.clk.Now().Add(backoff)); err != nil {
				return
			}
			backoff *= 2
		}
		s.db.IncrementAttempts(entry.ID)

		if err := adapter.Deliver(ctx, n); err != nil {
			logging.Debug("scheduler", "delivery attempt %d failed for %s: %v", attempt+1, entry.ID, err)
			continue
		}

		sentAt := s.clk.Now()
		s.transition(entry.ID, types.StatusSent, sentAt)
		s.tracker.RecordSend(entry.UserID, entry.Type, sentAt)
		s.recordExperimentOutcome(entry, "sent", sentAt)
		s.sink.Incr("notification.sent", map[string]string{"type": entry.Type, "channel": string(adapter.Channel())})
		logging.Info("scheduler", "sent %s to %s via %s", entry.Type, entry.UserID, adapter.Channel())
		return
	}

	s.transition(entry.ID, types.StatusFailed, s.clk.Now())
	s.sink.Incr("notification.failed", map[string]string{"type": entry.Type})
}

func (s *Scheduler) transition(id string, to types.QueueStatus, at time.Time) {
	if err := s.db.Transition(id, to, at); err != nil && !errors.Is(err, store.ErrTerminalState) {
		logging.Degraded("scheduler", "transition to %s failed for %s: %v", to, id, err)
	}
}

// timerLoop fires due reminders every tick and runs the daily rollover when
// the calendar day changes.
func (s *Scheduler) timerLoop(ctx context.Context) error {
	ticks, stop := s.clk.Tick(tickInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			now := s.clk.Now()
			s.fireDueReminders(now)
			s.maybeRollover(now)
		}
	}
}

func (s *Scheduler) fireDueReminders(now time.Time) {
	due, err := s.db.ListDue(now)
	if err != nil {
		logging.Degraded("scheduler", "due reminder listing failed: %v", err)
		return
	}
	for _, r := range due {
		if err := s.db.AdvanceReminder(r.UserID, r.Type, now); err != nil {
			logging.Degraded("scheduler", "reminder advance failed: %v", err)
			continue
		}
		s.Submit(Candidate{
			UserID:      r.UserID,
			Type:        r.Type,
			ScheduledAt: now,
			Payload:     r.Metadata,
		})
	}
}

// maybeRollover notifies rollover listeners once per calendar day.
func (s *Scheduler) maybeRollover(now time.Time) {
	day := now.Format("2006-01-02")
	s.mu.Lock()
	changed := day != s.lastDay
	s.lastDay = day
	s.mu.Unlock()
	if !changed {
		return
	}

	users, err := s.db.ListUsers()
	if err != nil {
		logging.Degraded("scheduler", "rollover user listing failed: %v", err)
		return
	}
	for _, u := range users {
		s.bus.Publish(bus.Event{Kind: bus.KindDayRollover, UserID: u, Timestamp: now})
	}
}

// eventLoop turns bus events into notification candidates.
func (s *Scheduler) eventLoop(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case bus.KindAchievementUnlocked:
				s.Submit(Candidate{
					UserID: ev.UserID,
					Type:   "achievement_unlocked",
					Intent: fmt.Sprintf("congratulate the user on unlocking %q (+%d points)", ev.Achievement.Name, ev.Achievement.Reward),
					Payload: map[string]any{
						"achievement_id": ev.Achievement.AchievementID,
						"reward":         ev.Achievement.Reward,
					},
				})
			case bus.KindGoalThresholdCrossed:
				s.Submit(Candidate{
					UserID: ev.UserID,
					Type:   "goal_progress",
					Intent: fmt.Sprintf("the user's %s reached %.1f of target %.1f", ev.Goal.Metric, ev.Goal.Value, ev.Goal.Target),
				})
			}
		}
	}
}

// deliveryLoop drains due pending queue entries: deferred sends whose time
// has come, and sysload-postponed deliveries. Quiet hours are re-checked at
// delivery time; an entry landing inside them is cancelled.
func (s *Scheduler) deliveryLoop(ctx context.Context) error {
	ticks, stop := s.clk.Tick(tickInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			s.drainDue(ctx)
		}
	}
}

func (s *Scheduler) drainDue(ctx context.Context) {
	now := s.clk.Now()
	due, err := s.db.ListDuePending(now)
	if err != nil {
		logging.Degraded("scheduler", "due pending listing failed: %v", err)
		return
	}
	for _, entry := range due {
		if !isEssential(entry) && s.inQuietHours(entry.UserID, now) {
			s.transition(entry.ID, types.StatusCancelled, now)
			s.sink.Incr("notification.cancelled.quiet_hours", map[string]string{"type": entry.Type})
			continue
		}
		n := &types.Notification{
			UserID:      entry.UserID,
			Type:        entry.Type,
			Title:       entry.Title,
			Body:        entry.Body,
			ChannelHint: entry.Channel,
			Payload:     entry.Payload,
		}
		s.deliver(ctx, entry, n)
	}
}

func (s *Scheduler) inQuietHours(userID string, now time.Time) bool {
	quiet := s.cfg.QuietHoursDefault
	if profile, err := s.db.GetProfile(userID); err == nil && profile.QuietHours != nil {
		quiet = *profile.QuietHours
	}
	return quiet.Contains(now)
}

func isEssential(entry *store.QueueEntry) bool {
	v, _ := entry.Payload["essential"].(bool)
	return v
}

// deferralCount reads how often the entry has been pushed later. The payload
// round-trips through JSON, so the number arrives as a float64.
func deferralCount(entry *store.QueueEntry) int {
	switch v := entry.Payload["deferrals"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// recordExperimentOutcome logs the delivery result against the entry's
// experiment variant, when one was assigned.
func (s *Scheduler) recordExperimentOutcome(entry *store.QueueEntry, outcome string, at time.Time) {
	testID, _ := entry.Payload["ab_test"].(string)
	variantID, _ := entry.Payload["ab_variant"].(string)
	if testID == "" || variantID == "" {
		return
	}
	err := s.db.RecordABOutcome(&types.ABResult{
		TestID:    testID,
		VariantID: variantID,
		UserID:    entry.UserID,
		Outcome:   outcome,
		At:        at,
	})
	if err != nil {
		logging.Degraded("scheduler", "experiment outcome write failed for %s: %v", entry.ID, err)
	}
}
