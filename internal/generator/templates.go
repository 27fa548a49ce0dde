package generator

import "github.com/pulseloop/coach/internal/types"

// Template is one entry of the static fallback catalog.
type Template struct {
	Title string
	Body  string
}

type templateKey struct {
	Type       string
	Motivation types.MotivationType
}

// templateCatalog is the static fallback, keyed by notification type and
// motivation persona. Every shipped notification type has at least the
// emotional_support entry; lookup falls through to it.
var templateCatalog = map[templateKey]Template{
	{"weight_reminder", types.MotivationDataDriven}: {
		Title: "Morning weigh-in",
		Body:  "Time for today's data point. Consistent measurements make your trend line meaningful.",
	},
	{"weight_reminder", types.MotivationGoalOriented}: {
		Title: "Weigh-in time",
		Body:  "Step on the scale and see how much closer you are to your goal.",
	},
	{"weight_reminder", types.MotivationEmotionalSupport}: {
		Title: "Good morning",
		Body:  "A quick weigh-in when you're ready. Whatever the number says, you're showing up, and that counts.",
	},
	{"meal_reminder", types.MotivationDataDriven}: {
		Title: "Meal log",
		Body:  "Log your meal to keep today's calorie picture accurate.",
	},
	{"meal_reminder", types.MotivationEmotionalSupport}: {
		Title: "Mealtime",
		Body:  "Don't forget to log your meal. Enjoy it first, write it down after.",
	},
	{"exercise_reminder", types.MotivationGoalOriented}: {
		Title: "Time to move",
		Body:  "A workout today keeps your streak alive and your goal in reach.",
	},
	{"exercise_reminder", types.MotivationEmotionalSupport}: {
		Title: "A little movement?",
		Body:  "Even ten minutes counts. Your body will thank you.",
	},
	{"water_reminder", types.MotivationEmotionalSupport}: {
		Title: "Hydration check",
		Body:  "Time for a glass of water. Small sips, big difference.",
	},
	{"sleep_reminder", types.MotivationEmotionalSupport}: {
		Title: "Wind down",
		Body:  "Bedtime is coming up. A good night's sleep sets up tomorrow.",
	},
	{"progress_summary", types.MotivationDataDriven}: {
		Title: "Your weekly numbers",
		Body:  "Your weekly summary is ready. Open the app to see your trends.",
	},
	{"progress_summary", types.MotivationEmotionalSupport}: {
		Title: "Look how far you've come",
		Body:  "Your weekly summary is ready. Take a moment to appreciate your progress.",
	},
	{"encouragement", types.MotivationEmotionalSupport}: {
		Title: "Keep going",
		Body:  "Progress isn't always visible day to day, but it's happening. Proud of you.",
	},
	{"achievement_unlocked", types.MotivationEmotionalSupport}: {
		Title: "Achievement unlocked!",
		Body:  "You just earned a new achievement. Open the app to see it.",
	},
	{"goal_progress", types.MotivationGoalOriented}: {
		Title: "Milestone reached",
		Body:  "You just crossed a milestone on the way to your goal. Keep the momentum.",
	},
	{"streak_risk", types.MotivationGoalOriented}: {
		Title: "Streak at risk",
		Body:  "Your streak ends at midnight without a log today. One entry keeps it alive.",
	},
	{"streak_risk", types.MotivationEmotionalSupport}: {
		Title: "Quick reminder",
		Body:  "You haven't logged today. No pressure, but your streak would love one more day.",
	},
}

// genericTemplate is the last-resort fallback for unknown types.
var genericTemplate = Template{
	Title: "Check in",
	Body:  "A quick check-in from your coach. Open the app when you have a moment.",
}

func lookupTemplate(notifType string, motivation types.MotivationType) Template {
	if tpl, ok := templateCatalog[templateKey{notifType, motivation}]; ok {
		return tpl
	}
	if tpl, ok := templateCatalog[templateKey{notifType, types.MotivationEmotionalSupport}]; ok {
		return tpl
	}
	if tpl, ok := templateCatalog[templateKey{notifType, types.MotivationGoalOriented}]; ok {
		return tpl
	}
	if tpl, ok := templateCatalog[templateKey{notifType, types.MotivationDataDriven}]; ok {
		return tpl
	}
	return genericTemplate
}
