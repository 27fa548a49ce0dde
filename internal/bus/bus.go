package bus

import (
	"sync"
	"time"

	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/types"
)

// Event is the process-wide bus payload. Exactly one pointer field is set,
// matching Kind.
type Event struct {
	Kind      Kind
	UserID    string
	Timestamp time.Time

	Record      *types.HealthRecord
	Dialogue    *types.ChatMessage
	Achievement *AchievementUnlocked
	Goal        *GoalCrossed
}

// Kind discriminates bus events.
type Kind string

const (
	KindRecordCreated        Kind = "record_created"
	KindDialogueMessage      Kind = "dialogue_message"
	KindUserCheckin          Kind = "user_checkin"
	KindAchievementUnlocked  Kind = "achievement_unlocked"
	KindGoalThresholdCrossed Kind = "goal_threshold_crossed"
	KindAnomalyDetected      Kind = "anomaly_detected"
	KindDayRollover          Kind = "day_rollover"
)

// AchievementUnlocked carries the unlock payload.
type AchievementUnlocked struct {
	AchievementID string
	Name          string
	Reward        int
}

// GoalCrossed signals the user crossed a goal threshold.
type GoalCrossed struct {
	Metric string
	Value  float64
	Target float64
}

// Bus is a small in-process pub/sub fanout. Subscribers get buffered channels;
// a slow subscriber drops events rather than blocking producers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// New creates an event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// Publish fans the event out to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Debug("bus", "dropped %s event for slow subscriber", ev.Kind)
		}
	}
}
