package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCORE_WEIGHT_TOKEN", "")
	t.Setenv("SCORE_WEIGHT_SEMANTIC", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScoreWeightToken != 0.4 || cfg.ScoreWeightSemantic != 0.6 {
		t.Fatalf("weights=%v/%v", cfg.ScoreWeightToken, cfg.ScoreWeightSemantic)
	}
	if cfg.BatchMaxIterations != 100 {
		t.Fatalf("max iterations=%d", cfg.BatchMaxIterations)
	}
	if cfg.ReconcileStuckThreshold != 10*time.Minute {
		t.Fatalf("threshold=%v", cfg.ReconcileStuckThreshold)
	}
}

func TestLoadDurations(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "go duration", value: "90s", want: 90 * time.Second},
		{name: "bare seconds", value: "120", want: 2 * time.Minute},
		{name: "garbage falls back", value: "soon", want: 10 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("RECONCILE_STUCK_THRESHOLD", tc.value)
			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			if cfg.ReconcileStuckThreshold != tc.want {
				t.Fatalf("got %v want %v", cfg.ReconcileStuckThreshold, tc.want)
			}
		})
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("SCORE_MID_THRESHOLD", "90")
	t.Setenv("SCORE_HIGH_THRESHOLD", "80")
	if _, err := Load(); err == nil {
		t.Fatal("expected error")
	}
}
