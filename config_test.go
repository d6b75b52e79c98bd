package twinsentry

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConfigDefaults(t *testing.T) {
	got := Config{Workers: 8, Retry: RetryPolicy{MaxAttempts: 2}}.withDefaults()

	want := DefaultConfig()
	want.Workers = 8
	want.Retry.MaxAttempts = 2
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("withDefaults mismatch (-want +got):\n%s", diff)
	}
	if err := (Config{}).Validate(); err != nil {
		t.Errorf("zero Config is invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"workers", Config{Workers: -1}, "workers must be positive"},
		{"alpha", Config{Alpha: 1.5}, "alpha must be in (0, 1]"},
		{"min samples", Config{MinSamples: 1}, "min_samples must be at least 2"},
		{"retry delays", Config{Retry: RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Second}}, "exceeds retry.max_delay"},
		{"stale baselines", Config{StaleBaselineAfter: -time.Second}, "stale_baseline_after must not be negative"},
		{"beacon window", Config{Patterns: PatternConfig{BeaconWindow: 1}}, "patterns.beacon_window"},
		{"schema", Config{Schemas: Schemas{"pump": {Metrics: map[string]MetricSpec{
			"rpm": {Normal: &Range{Min: 10, Max: 1}},
		}}}}, `kind "pump": metric "rpm"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil; want an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q; want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigValidateReportsEverything(t *testing.T) {
	err := Config{Workers: -1, QueueSize: -1, Epsilon: -1}.Validate()
	if err == nil {
		t.Fatal("Validate() = nil; want errors")
	}
	if n := len(strings.Split(err.Error(), "\n")); n != 3 {
		t.Errorf("Validate() reported %d problems; want 3:\n%v", n, err)
	}
}
