package achievements

import "github.com/pulseloop/coach/internal/types"

// StreakSpec describes a consecutive-day predicate. An empty Kind counts any
// record; BeforeHour, when positive, only counts records logged before that
// local hour; RequireSleepDuration only counts sleep records with a set
// duration.
type StreakSpec struct {
	Kind                 types.RecordKind
	Days                 int
	BeforeHour           int
	RequireSleepDuration bool
}

// KindCount is a lifetime total predicate for one record kind.
type KindCount struct {
	Kind  types.RecordKind
	Total int
}

// Achievement is one catalog entry. Exactly one predicate field is set; the
// rest stay zero. RewardReason overrides the ledger reason for the paired
// earn (default "achievement_<id>").
type Achievement struct {
	ID           string
	Name         string
	Description  string
	Reward       int
	RewardReason string

	FirstRecord  bool
	TotalRecords int
	OfKind       *KindCount
	Streak       *StreakSpec
	PerfectWeek  bool
	GoalReached  bool
	Shares       int
}

// Catalog is the static achievement set, in display order. IDs are stable;
// they are what user_achievements rows reference.
var Catalog = []Achievement{
	{
		ID: "first_step", Name: "First Step",
		Description:  "Log your very first health record.",
		Reward:       10,
		RewardReason: "first_record",
		FirstRecord:  true,
	},
	{
		ID: "streak_7", Name: "One Week Strong",
		Description:  "Log at least one record every day for 7 days.",
		Reward:       50,
		RewardReason: "streak_7_bonus",
		Streak:       &StreakSpec{Days: 7},
	},
	{
		ID: "streak_30", Name: "Habit Formed",
		Description:  "Log at least one record every day for 30 days.",
		Reward:       200,
		RewardReason: "streak_30_bonus",
		Streak:       &StreakSpec{Days: 30},
	},
	{
		ID: "streak_100", Name: "Centurion",
		Description:  "Log at least one record every day for 100 days.",
		Reward:       1000,
		RewardReason: "streak_100_bonus",
		Streak:       &StreakSpec{Days: 100},
	},
	{
		ID: "records_100", Name: "Data Devotee",
		Description: "Log 100 health records in total.",
		Reward:      100, TotalRecords: 100,
	},
	{
		ID: "hydration_week", Name: "Well Watered",
		Description: "Log water every day for 7 days.",
		Reward:      30,
		Streak:      &StreakSpec{Kind: types.RecordWater, Days: 7},
	},
	{
		ID: "sleep_week", Name: "Rested",
		Description: "Log a full night's sleep every day for 7 days.",
		Reward:      30,
		Streak:      &StreakSpec{Kind: types.RecordSleep, Days: 7, RequireSleepDuration: true},
	},
	{
		ID: "early_bird", Name: "Early Bird",
		Description: "Exercise before 8am on 5 consecutive days.",
		Reward:      40,
		Streak:      &StreakSpec{Kind: types.RecordExercise, Days: 5, BeforeHour: 8},
	},
	{
		ID: "meals_50", Name: "Mindful Eater",
		Description: "Log 50 meals.",
		Reward:      50, OfKind: &KindCount{Kind: types.RecordMeal, Total: 50},
	},
	{
		ID: "perfect_week", Name: "Perfect Week",
		Description: "Log at least 3 different record kinds every day for 7 days.",
		Reward:      100, PerfectWeek: true,
	},
	{
		ID: "goal_reached", Name: "Goal!",
		Description: "Reach your goal weight.",
		Reward:      500, GoalReached: true,
	},
	{
		ID: "social_butterfly", Name: "Social Butterfly",
		Description: "Share your progress 10 times.",
		Reward:      50, Shares: 10,
	},
}

// ByID returns the catalog entry for an achievement id, or nil.
func ByID(id string) *Achievement {
	for i := range Catalog {
		if Catalog[i].ID == id {
			return &Catalog[i]
		}
	}
	return nil
}
