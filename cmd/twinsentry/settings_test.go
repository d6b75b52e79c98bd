package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addSettingsFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings(parseFlags(t), "")
	if err != nil {
		t.Fatal(err)
	}
	want := settings{
		LogLevel: "info",
		Neo4j:    neo4jSettings{Database: "twinsentry"},
	}
	want.Engine.Workers = 4
	want.Engine.MinSamples = 30
	want.Engine.LivenessTimeout = time.Minute
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("loadSettings() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsLayers(t *testing.T) {
	config := writeFile(t, "twinsentry.yaml", `
telemetry_url: nats://plant.telemetry
alerts_url: nats://plant.alerts
neo4j:
  url: bolt://config:7687
engine:
  workers: 8
  suppression_window: 2m
  retry:
    max_attempts: 3
`)
	t.Setenv("TWINSENTRY_NEO4J_URL", "bolt://env:7687")
	t.Setenv("TWINSENTRY_ALERTS_URL", "nats://env.alerts")
	fs := parseFlags(t, "--alerts-url", "mem://alerts", "--min-samples", "10")

	s, err := loadSettings(fs, config)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"config file", s.TelemetryURL, "nats://plant.telemetry"},
		{"env over config", s.Neo4j.URL, "bolt://env:7687"},
		{"flag over env", s.AlertsURL, "mem://alerts"},
		{"config over flag default", s.Engine.Workers, 8},
		{"explicit flag", s.Engine.MinSamples, 10},
		{"duration", s.Engine.SuppressionWindow, 2 * time.Minute},
		{"nested", s.Engine.Retry.MaxAttempts, 3},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestLoadSettingsInvalidEngine(t *testing.T) {
	config := writeFile(t, "twinsentry.yaml", "engine:\n  alpha: 2\n")
	if _, err := loadSettings(parseFlags(t), config); err == nil {
		t.Error("loadSettings() with alpha 2 succeeded")
	}
}

func TestLoadSettingsMissingConfig(t *testing.T) {
	if _, err := loadSettings(parseFlags(t), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadSettings() with a missing config file succeeded")
	}
}

func TestSettingsLevel(t *testing.T) {
	s := settings{LogLevel: "debug"}
	if l, err := s.level(); err != nil || l.String() != "DEBUG" {
		t.Errorf("level() = %v, %v; want DEBUG", l, err)
	}
	s.LogLevel = "loud"
	if _, err := s.level(); err == nil {
		t.Error("level() of an unknown level succeeded")
	}
}
