package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pulseloop/coach/internal/types"
)

func TestDefault_DocumentedValues(t *testing.T) {
	cfg := Default()

	if cfg.SendThreshold != 0.55 || cfg.DeferThreshold != 0.35 {
		t.Errorf("unexpected thresholds: send=%.2f defer=%.2f", cfg.SendThreshold, cfg.DeferThreshold)
	}
	if cfg.DecisionModeWeights[types.ModeConservative] != 0.8 ||
		cfg.DecisionModeWeights[types.ModeBalanced] != 0.5 ||
		cfg.DecisionModeWeights[types.ModeIntelligent] != 0.2 {
		t.Errorf("unexpected mode weights: %v", cfg.DecisionModeWeights)
	}
	if cfg.DailyCapsByLevel["high"] != 6 || cfg.DailyCapsByLevel["inactive"] != 2 {
		t.Errorf("unexpected daily caps: %v", cfg.DailyCapsByLevel)
	}
	if cfg.EventTTLHours[types.EventIllness] != 48 || cfg.EventTTLHours[types.EventSocial] != 12 {
		t.Errorf("unexpected event TTLs: %v", cfg.EventTTLHours)
	}
	if cfg.ShortTermCheckinCap != 30 || cfg.ShortTermDialogueCap != 200 {
		t.Errorf("unexpected short-term caps: %d/%d", cfg.ShortTermCheckinCap, cfg.ShortTermDialogueCap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.SendThreshold != 0.55 {
		t.Errorf("expected defaults, got send threshold %.2f", cfg.SendThreshold)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	content := []byte("send_threshold: 0.7\nworkers: 2\nquiet_hours_default:\n  start: \"23:00\"\n  end: \"07:00\"\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SendThreshold != 0.7 {
		t.Errorf("expected overridden send threshold 0.7, got %.2f", cfg.SendThreshold)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Workers)
	}
	if cfg.QuietHoursDefault.Start != "23:00" {
		t.Errorf("expected overridden quiet hours, got %+v", cfg.QuietHoursDefault)
	}
	// Untouched keys keep their defaults.
	if cfg.DeferThreshold != 0.35 {
		t.Errorf("expected default defer threshold, got %.2f", cfg.DeferThreshold)
	}
}

func TestValidate_RejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.SendThreshold = 0.3
	if err := cfg.Validate(); err == nil {
		t.Error("expected inverted thresholds to fail validation")
	}
}

func TestValidate_RejectsOutOfRangeAlpha(t *testing.T) {
	cfg := Default()
	cfg.DecisionModeWeights[types.ModeBalanced] = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected out-of-range alpha to fail validation")
	}
}
