package decision

import "github.com/pulseloop/coach/internal/types"

// profileFitTable maps (notification type, motivation type) to a static fit
// score. Unlisted pairs score the neutral 0.5.
var profileFitTable = map[string]map[types.MotivationType]float64{
	"weight_reminder": {
		types.MotivationDataDriven:       0.9,
		types.MotivationGoalOriented:     0.8,
		types.MotivationEmotionalSupport: 0.5,
	},
	"meal_reminder": {
		types.MotivationDataDriven:       0.7,
		types.MotivationGoalOriented:     0.6,
		types.MotivationEmotionalSupport: 0.6,
	},
	"exercise_reminder": {
		types.MotivationDataDriven:       0.7,
		types.MotivationGoalOriented:     0.9,
		types.MotivationEmotionalSupport: 0.6,
	},
	"water_reminder": {
		types.MotivationDataDriven:       0.6,
		types.MotivationGoalOriented:     0.5,
		types.MotivationEmotionalSupport: 0.5,
	},
	"sleep_reminder": {
		types.MotivationDataDriven:       0.7,
		types.MotivationGoalOriented:     0.6,
		types.MotivationEmotionalSupport: 0.7,
	},
	"progress_summary": {
		types.MotivationDataDriven:       0.95,
		types.MotivationGoalOriented:     0.8,
		types.MotivationEmotionalSupport: 0.6,
	},
	"encouragement": {
		types.MotivationDataDriven:       0.4,
		types.MotivationGoalOriented:     0.6,
		types.MotivationEmotionalSupport: 0.95,
	},
	"achievement_unlocked": {
		types.MotivationDataDriven:       0.7,
		types.MotivationGoalOriented:     0.9,
		types.MotivationEmotionalSupport: 0.8,
	},
	"goal_progress": {
		types.MotivationDataDriven:       0.8,
		types.MotivationGoalOriented:     0.95,
		types.MotivationEmotionalSupport: 0.6,
	},
	"streak_risk": {
		types.MotivationDataDriven:       0.6,
		types.MotivationGoalOriented:     0.9,
		types.MotivationEmotionalSupport: 0.7,
	},
}

// ProfileFit returns the static fit score for a notification type and
// motivation persona.
func ProfileFit(notifType string, motivation types.MotivationType) float64 {
	if row, ok := profileFitTable[notifType]; ok {
		if v, ok := row[motivation]; ok {
			return v
		}
	}
	return 0.5
}
