package types

import "time"

// RecordKind discriminates the health record variants.
type RecordKind string

const (
	RecordWeight   RecordKind = "weight"
	RecordMeal     RecordKind = "meal"
	RecordExercise RecordKind = "exercise"
	RecordWater    RecordKind = "water"
	RecordSleep    RecordKind = "sleep"
)

// AllRecordKinds lists every record variant, in catalog order.
var AllRecordKinds = []RecordKind{RecordWeight, RecordMeal, RecordExercise, RecordWater, RecordSleep}

// Valid reports whether k names a known record kind.
func (k RecordKind) Valid() bool {
	switch k {
	case RecordWeight, RecordMeal, RecordExercise, RecordWater, RecordSleep:
		return true
	}
	return false
}

// WeightPayload is the numeric payload of a weight record.
type WeightPayload struct {
	WeightKg float64 `json:"weight_kg"`
}

// MealPayload is the numeric payload of a meal record.
type MealPayload struct {
	Description string  `json:"description"`
	Calories    float64 `json:"calories"`
}

// ExercisePayload is the numeric payload of an exercise record.
type ExercisePayload struct {
	Activity       string  `json:"activity"`
	DurationMin    float64 `json:"duration_min"`
	CaloriesBurned float64 `json:"calories_burned"`
}

// WaterPayload is the numeric payload of a water record.
type WaterPayload struct {
	AmountMl float64 `json:"amount_ml"`
}

// SleepPayload is the numeric payload of a sleep record. DurationHours may be
// unset (zero) when the user logged bed/wake times without a duration.
type SleepPayload struct {
	DurationHours float64 `json:"duration_hours"`
	Quality       string  `json:"quality,omitempty"`
}

// HealthRecord is the tagged union over the five record variants. Exactly one
// payload pointer matching Kind is non-nil. Records are immutable once
// confirmed.
type HealthRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      RecordKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Notes     string     `json:"notes,omitempty"`

	Weight   *WeightPayload   `json:"weight,omitempty"`
	Meal     *MealPayload     `json:"meal,omitempty"`
	Exercise *ExercisePayload `json:"exercise,omitempty"`
	Water    *WaterPayload    `json:"water,omitempty"`
	Sleep    *SleepPayload    `json:"sleep,omitempty"`
}

// MotivationType selects the coaching persona a user responds to.
type MotivationType string

const (
	MotivationDataDriven       MotivationType = "data_driven"
	MotivationEmotionalSupport MotivationType = "emotional_support"
	MotivationGoalOriented     MotivationType = "goal_oriented"
)

// DecisionMode selects how much weight the LLM layer carries in the decision
// engine, versus the deterministic rule layer.
type DecisionMode string

const (
	ModeConservative DecisionMode = "conservative"
	ModeBalanced     DecisionMode = "balanced"
	ModeIntelligent  DecisionMode = "intelligent"
)

// QuietHours is a daily local-time window during which non-essential
// notifications are suppressed. Start and End are "HH:MM"; the window may wrap
// midnight (e.g. 22:00-08:00).
type QuietHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Contains reports whether the local time t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	start, err1 := parseHHMM(q.Start)
	end, err2 := parseHHMM(q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Wraps midnight
	return minute >= start || minute < end
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// UserProfile carries the per-user coaching state the core reads and, for
// points and achievements, mutates.
type UserProfile struct {
	UserID             string         `json:"user_id"`
	Age                int            `json:"age,omitempty"`
	Sex                string         `json:"sex,omitempty"`
	HeightCm           float64        `json:"height_cm,omitempty"`
	BMR                float64        `json:"bmr,omitempty"`
	Preferences        map[string]any `json:"preferences,omitempty"`
	MotivationType     MotivationType `json:"motivation_type"`
	CommunicationStyle string         `json:"communication_style,omitempty"`
	DecisionMode       DecisionMode   `json:"decision_mode"`
	GoalWeightKg       float64        `json:"goal_weight_kg,omitempty"`

	Points       int `json:"points"`
	PointsEarned int `json:"points_earned"`
	PointsSpent  int `json:"points_spent"`

	Achievements []string `json:"achievements,omitempty"`

	NotificationsEnabled bool            `json:"notifications_enabled"`
	DisabledTypes        map[string]bool `json:"disabled_types,omitempty"`
	QuietHours           *QuietHours     `json:"quiet_hours,omitempty"`
	Deactivated          bool            `json:"deactivated,omitempty"`
}

// HasAchievement reports whether id is already in the achievement set.
func (p *UserProfile) HasAchievement(id string) bool {
	for _, a := range p.Achievements {
		if a == id {
			return true
		}
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one immutable dialogue turn.
type ChatMessage struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EventKind classifies a detected context event.
type EventKind string

const (
	EventIllness    EventKind = "illness"
	EventTravel     EventKind = "travel"
	EventSocial     EventKind = "social_engagement"
	EventHighStress EventKind = "high_stress"
)

// ContextEvent is a short-lived flag describing the user's current situation.
// Expired events are pruned lazily on read.
type ContextEvent struct {
	Kind       EventKind `json:"kind"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Evidence   string    `json:"evidence,omitempty"`
}

// Active reports whether the event is still in effect at t.
func (e ContextEvent) Active(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// Channel names a delivery surface for notifications.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// QueueStatus is the lifecycle state of a queued notification. Every entry
// reaches exactly one terminal state (everything except pending).
type QueueStatus string

const (
	StatusPending   QueueStatus = "pending"
	StatusSent      QueueStatus = "sent"
	StatusFailed    QueueStatus = "failed"
	StatusCancelled QueueStatus = "cancelled"
	StatusDeduped   QueueStatus = "deduped"
)

// Terminal reports whether s is a terminal queue state.
func (s QueueStatus) Terminal() bool {
	return s != StatusPending
}

// Notification is the rendered message handed to a channel adapter.
type Notification struct {
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	ChannelHint Channel        `json:"channel_hint"`
	RichActions []RichAction   `json:"rich_actions,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// RichKind enumerates the allowed rich content kinds.
type RichKind string

const (
	RichText       RichKind = "text"
	RichCard       RichKind = "card"
	RichQuickReply RichKind = "quick_reply"
	RichForm       RichKind = "form"
)

// RichAction is one interactive element attached to a notification.
type RichAction struct {
	Kind  RichKind `json:"kind"`
	Label string   `json:"label"`
	Value string   `json:"value,omitempty"`
}

// InteractionKind classifies a user's reaction to a delivered notification.
type InteractionKind string

const (
	InteractOpen     InteractionKind = "open"
	InteractClick    InteractionKind = "click"
	InteractDismiss  InteractionKind = "dismiss"
	InteractNegative InteractionKind = "negative"
)
