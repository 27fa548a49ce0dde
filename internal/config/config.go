package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulseloop/coach/internal/types"
)

// Config carries every tunable of the notification and memory core. Defaults
// match the documented operating values; a YAML file overrides them.
type Config struct {
	// Decision engine
	DecisionModeWeights map[types.DecisionMode]float64 `yaml:"decision_mode_weights"`
	SendThreshold       float64                        `yaml:"send_threshold"`
	DeferThreshold      float64                        `yaml:"defer_threshold"`

	// Rate limits
	DailyCapsByLevel         map[string]int `yaml:"daily_caps_by_level"`
	MinIntervalSameTypeSecs  int            `yaml:"min_interval_same_type_seconds"`

	// Quiet hours
	QuietHoursDefault types.QuietHours `yaml:"quiet_hours_default"`

	// Memory
	SummaryTriggerDialogueCount int `yaml:"summary_trigger_dialogue_count"`
	RetentionDaysCheckin        int `yaml:"retention_days_checkin"`
	RetentionDaysDialogue       int `yaml:"retention_days_dialogue_summary"`
	ShortTermCheckinCap         int `yaml:"short_term_checkin_cap"`
	ShortTermDialogueCap        int `yaml:"short_term_dialogue_cap"`
	ContextCharBudget           int `yaml:"context_char_budget"`

	// Context events (hours; travel runs until its end date)
	EventTTLHours map[types.EventKind]int `yaml:"context_event_ttl_hours"`

	// Engagement weights (canonical 25/25/25/25, operator-overridable)
	EngagementWeights EngagementWeights `yaml:"engagement_weights"`

	// LLM
	LLMFallbackTimeoutMS int    `yaml:"llm_fallback_timeout_ms"`
	LLMBaseURL           string `yaml:"llm_base_url"`
	LLMModel             string `yaml:"llm_model"`
	EmbeddingModel       string `yaml:"embedding_model"`
	LLMMaxConcurrent     int    `yaml:"llm_max_concurrent"`

	// Scheduler
	Workers           int `yaml:"workers"`
	MaxDeliveryRetry  int `yaml:"max_delivery_retries"`
	ShutdownGraceSecs int `yaml:"shutdown_grace_seconds"`

	// Storage
	StatePath string `yaml:"state_path"`
}

// EngagementWeights are the four engagement score factors; they should sum to
// 100.
type EngagementWeights struct {
	Login       float64 `yaml:"login"`
	Record      float64 `yaml:"record"`
	Goal        float64 `yaml:"goal"`
	Interaction float64 `yaml:"interaction"`
}

// Default returns the documented operating configuration.
func Default() *Config {
	return &Config{
		DecisionModeWeights: map[types.DecisionMode]float64{
			types.ModeConservative: 0.8,
			types.ModeBalanced:     0.5,
			types.ModeIntelligent:  0.2,
		},
		SendThreshold:  0.55,
		DeferThreshold: 0.35,
		DailyCapsByLevel: map[string]int{
			"high":     6,
			"medium":   4,
			"low":      2,
			"inactive": 2,
		},
		MinIntervalSameTypeSecs:     7200,
		QuietHoursDefault:           types.QuietHours{Start: "22:00", End: "08:00"},
		SummaryTriggerDialogueCount: 20,
		RetentionDaysCheckin:        365,
		RetentionDaysDialogue:       90,
		ShortTermCheckinCap:         30,
		ShortTermDialogueCap:        200,
		ContextCharBudget:           4000,
		EventTTLHours: map[types.EventKind]int{
			types.EventIllness:    48,
			types.EventSocial:     12,
			types.EventHighStress: 24,
			// Travel has no fixed TTL; it runs until its end date.
		},
		EngagementWeights: EngagementWeights{
			Login:       25,
			Record:      25,
			Goal:        25,
			Interaction: 25,
		},
		LLMFallbackTimeoutMS: 5000,
		LLMBaseURL:           "http://localhost:11434",
		LLMModel:             "qwen2.5:7b",
		EmbeddingModel:       "nomic-embed-text",
		LLMMaxConcurrent:     4,
		Workers:              8,
		MaxDeliveryRetry:     3,
		ShutdownGraceSecs:    5,
		StatePath:            "state",
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.SendThreshold <= c.DeferThreshold {
		return fmt.Errorf("send_threshold (%.2f) must exceed defer_threshold (%.2f)", c.SendThreshold, c.DeferThreshold)
	}
	for mode, alpha := range c.DecisionModeWeights {
		if alpha < 0 || alpha > 1 {
			return fmt.Errorf("decision mode weight for %s out of range: %.2f", mode, alpha)
		}
	}
	if c.SummaryTriggerDialogueCount <= 0 {
		return fmt.Errorf("summary_trigger_dialogue_count must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

// MinInterval returns the same-type minimum interval as a duration.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSameTypeSecs) * time.Second
}

// LLMTimeout returns the LLM fallback timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMFallbackTimeoutMS) * time.Millisecond
}

// EventTTL returns the TTL for an event kind, or zero when the kind has no
// fixed TTL (travel).
func (c *Config) EventTTL(kind types.EventKind) time.Duration {
	return time.Duration(c.EventTTLHours[kind]) * time.Hour
}
