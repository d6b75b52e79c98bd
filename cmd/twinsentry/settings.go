package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-digitaltwin/twinsentry"
)

const envPrefix = "TWINSENTRY"

// settings gathers everything the executable is configured with.
type settings struct {
	LogLevel      string `mapstructure:"log_level"`
	Trace         bool   `mapstructure:"trace"`
	SchemasFile   string `mapstructure:"schemas"`
	TelemetryURL  string `mapstructure:"telemetry_url"`
	AlertsURL     string `mapstructure:"alerts_url"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`

	Neo4j     neo4jSettings     `mapstructure:"neo4j"`
	Timescale timescaleSettings `mapstructure:"timescale"`

	Engine twinsentry.Config `mapstructure:"engine"`
}

type neo4jSettings struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type timescaleSettings struct {
	DSN         string `mapstructure:"dsn"`
	Hypertables bool   `mapstructure:"hypertables"`
}

// flagKeys maps command-line flags to their settings keys.
var flagKeys = map[string]string{
	"log-level":             "log_level",
	"trace":                 "trace",
	"schemas":               "schemas",
	"telemetry-url":         "telemetry_url",
	"alerts-url":            "alerts_url",
	"metrics-addr":          "metrics_addr",
	"checkpoint-dir":        "checkpoint_dir",
	"neo4j-url":             "neo4j.url",
	"neo4j-username":        "neo4j.username",
	"neo4j-password":        "neo4j.password",
	"neo4j-database":        "neo4j.database",
	"timescale-dsn":         "timescale.dsn",
	"timescale-hypertables": "timescale.hypertables",
	"workers":               "engine.workers",
	"min-samples":           "engine.min_samples",
	"liveness-timeout":      "engine.liveness_timeout",
	"topic-filter":          "engine.topic_filter",
}

func addSettingsFlags(fs *pflag.FlagSet) {
	d := twinsentry.DefaultConfig()
	fs.String("log-level", "info", "minimum level of logged records (debug, info, warn, error)")
	fs.Bool("trace", false, "export traces to stderr")
	fs.String("schemas", "", "YAML `file` declaring the metrics of each twin kind")
	fs.String("telemetry-url", "", "pubsub subscription `URL` of device messages (required by run)")
	fs.String("alerts-url", "", "pubsub topic `URL` to publish alert records to")
	fs.String("metrics-addr", "", "listen `address` of the Prometheus /metrics endpoint")
	fs.String("checkpoint-dir", "", "badger `directory` holding engine checkpoints")
	fs.String("neo4j-url", "", "bolt `URL` of the Neo4j journal")
	fs.String("neo4j-username", "", "Neo4j username; empty disables authentication")
	fs.String("neo4j-password", "", "Neo4j password")
	fs.String("neo4j-database", "twinsentry", "Neo4j database of the journal")
	fs.String("timescale-dsn", "", "PostgreSQL `DSN` of the TimescaleDB journal and alert log")
	fs.Bool("timescale-hypertables", false, "convert the TimescaleDB tables into hypertables")
	fs.Int("workers", d.Workers, "size of the engine worker pool")
	fs.Int("min-samples", d.MinSamples, "observations before a baseline is used for detection")
	fs.Duration("liveness-timeout", d.LivenessTimeout, "silence after which a twin goes OFFLINE")
	fs.String("topic-filter", "", "MQTT-style filter of accepted topics")
}

// loadSettings layers, from lowest to highest precedence, the flag defaults,
// the config file, TWINSENTRY_ environment variables and explicitly set flags.
func loadSettings(fs *pflag.FlagSet, configFile string) (settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return settings{}, fmt.Errorf("bind flag %v: %w", name, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Engine.Validate(); err != nil {
		return settings{}, fmt.Errorf("engine config: %w", err)
	}
	return s, nil
}

func (s settings) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// shutdownTimeout bounds the release of external resources once the engine has
// stopped.
const shutdownTimeout = 10 * time.Second
