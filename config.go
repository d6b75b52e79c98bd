package twinsentry

import (
	"errors"
	"fmt"
	"time"
)

// Config configures an Engine. Zero values are replaced by defaults (see
// DefaultConfig), so callers only set what they want to change.
type Config struct {
	// Workers is the size of the hash-partitioned worker pool.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// QueueSize bounds the shared ingestion queue; messages arriving while it is
	// full are shed and counted as overflow.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// WorkerQueueSize bounds each worker's partition.
	WorkerQueueSize int `mapstructure:"worker_queue_size" yaml:"worker_queue_size"`
	// TopicFilter optionally restricts accepted topics, MQTT-style.
	TopicFilter string `mapstructure:"topic_filter" yaml:"topic_filter"`
	// DisableAutoRegister makes samples of unknown twins fail with
	// ErrUnknownTwin instead of registering them with UnknownKind.
	DisableAutoRegister bool `mapstructure:"disable_auto_register" yaml:"disable_auto_register"`

	MinSamples int     `mapstructure:"min_samples" yaml:"min_samples"`
	Alpha      float64 `mapstructure:"alpha" yaml:"alpha"`
	Epsilon    float64 `mapstructure:"epsilon" yaml:"epsilon"`
	// StaleBaselineAfter discards a twin's baselines when it comes back from an
	// OFFLINE period longer than this. Zero keeps baselines until reset manually.
	StaleBaselineAfter time.Duration `mapstructure:"stale_baseline_after" yaml:"stale_baseline_after"`

	LivenessTimeout time.Duration `mapstructure:"liveness_timeout" yaml:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	SuppressionWindow time.Duration `mapstructure:"suppression_window" yaml:"suppression_window"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	DeliveryQueueSize int           `mapstructure:"delivery_queue_size" yaml:"delivery_queue_size"`
	Retry             RetryPolicy   `mapstructure:"retry" yaml:"retry"`
	Breaker           BreakerPolicy `mapstructure:"breaker" yaml:"breaker"`

	JournalQueueSize     int           `mapstructure:"journal_queue_size" yaml:"journal_queue_size"`
	JournalBatchSize     int           `mapstructure:"journal_batch_size" yaml:"journal_batch_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval" yaml:"journal_flush_interval"`

	// CheckpointInterval enables periodic checkpoints when a CheckpointStore is
	// configured. A checkpoint is always taken at shutdown.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Patterns PatternConfig `mapstructure:"patterns" yaml:"patterns"`
	Schemas  Schemas       `mapstructure:"-" yaml:"-"`
}

// RetryPolicy bounds the exponential backoff of alert deliveries.
type RetryPolicy struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// BreakerPolicy configures the circuit breaker guarding the alert sink.
type BreakerPolicy struct {
	// Threshold is the number of consecutive failed attempts that opens the
	// circuit.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
	// Cooldown is how long the circuit stays open before a trial attempt.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// PatternConfig names the flow metrics read by the pattern rules and sets
// their thresholds.
type PatternConfig struct {
	PacketRateMetric    string `mapstructure:"packet_rate_metric" yaml:"packet_rate_metric"`
	AttemptsMetric      string `mapstructure:"attempts_metric" yaml:"attempts_metric"`
	FailuresMetric      string `mapstructure:"failures_metric" yaml:"failures_metric"`
	ProtocolRatioMetric string `mapstructure:"protocol_ratio_metric" yaml:"protocol_ratio_metric"`
	BeaconMetric        string `mapstructure:"beacon_metric" yaml:"beacon_metric"`
	PayloadSizeMetric   string `mapstructure:"payload_size_metric" yaml:"payload_size_metric"`

	SpikeScore float64 `mapstructure:"spike_score" yaml:"spike_score"`

	FloodFailureRate float64 `mapstructure:"flood_failure_rate" yaml:"flood_failure_rate"`
	FloodMinAttempts float64 `mapstructure:"flood_min_attempts" yaml:"flood_min_attempts"`

	BeaconBurstScore         float64 `mapstructure:"beacon_burst_score" yaml:"beacon_burst_score"`
	BeaconWindow             int     `mapstructure:"beacon_window" yaml:"beacon_window"`
	BeaconMaxJitter          float64 `mapstructure:"beacon_max_jitter" yaml:"beacon_max_jitter"`
	BeaconMinAutocorrelation float64 `mapstructure:"beacon_min_autocorrelation" yaml:"beacon_min_autocorrelation"`

	EntropyWindow    int     `mapstructure:"entropy_window" yaml:"entropy_window"`
	EntropyBucket    float64 `mapstructure:"entropy_bucket" yaml:"entropy_bucket"`
	EntropyThreshold float64 `mapstructure:"entropy_threshold" yaml:"entropy_threshold"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		QueueSize:            1024,
		WorkerQueueSize:      64,
		MinSamples:           30,
		Alpha:                0.1,
		Epsilon:              1e-6,
		LivenessTimeout:      60 * time.Second,
		SweepInterval:        5 * time.Second,
		SuppressionWindow:    60 * time.Second,
		FlushInterval:        10 * time.Second,
		DeliveryQueueSize:    256,
		Retry:                RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5},
		Breaker:              BreakerPolicy{Threshold: 5, Cooldown: 30 * time.Second},
		JournalQueueSize:     1024,
		JournalBatchSize:     128,
		JournalFlushInterval: time.Second,
		ShutdownTimeout:      30 * time.Second,
		Patterns: PatternConfig{
			PacketRateMetric:         "packet_rate",
			AttemptsMetric:           "connection_attempts",
			FailuresMetric:           "connection_failures",
			ProtocolRatioMetric:      "protocol_ratio",
			BeaconMetric:             "outbound_connections",
			PayloadSizeMetric:        "avg_payload_size",
			SpikeScore:               3,
			FloodFailureRate:         0.5,
			FloodMinAttempts:         100,
			BeaconBurstScore:         3,
			BeaconWindow:             16,
			BeaconMaxJitter:          0.1,
			BeaconMinAutocorrelation: 0.8,
			EntropyWindow:            64,
			EntropyBucket:            32,
			EntropyThreshold:         0.9,
		},
	}
}

// withDefaults returns c with every zero field replaced by its default.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDefault(&c.Workers, d.Workers)
	setDefault(&c.QueueSize, d.QueueSize)
	setDefault(&c.WorkerQueueSize, d.WorkerQueueSize)
	setDefault(&c.MinSamples, d.MinSamples)
	setDefault(&c.Alpha, d.Alpha)
	setDefault(&c.Epsilon, d.Epsilon)
	setDefault(&c.LivenessTimeout, d.LivenessTimeout)
	setDefault(&c.SweepInterval, d.SweepInterval)
	setDefault(&c.SuppressionWindow, d.SuppressionWindow)
	setDefault(&c.FlushInterval, d.FlushInterval)
	setDefault(&c.DeliveryQueueSize, d.DeliveryQueueSize)
	setDefault(&c.Retry.BaseDelay, d.Retry.BaseDelay)
	setDefault(&c.Retry.MaxDelay, d.Retry.MaxDelay)
	setDefault(&c.Retry.MaxAttempts, d.Retry.MaxAttempts)
	setDefault(&c.Breaker.Threshold, d.Breaker.Threshold)
	setDefault(&c.Breaker.Cooldown, d.Breaker.Cooldown)
	setDefault(&c.JournalQueueSize, d.JournalQueueSize)
	setDefault(&c.JournalBatchSize, d.JournalBatchSize)
	setDefault(&c.JournalFlushInterval, d.JournalFlushInterval)
	setDefault(&c.ShutdownTimeout, d.ShutdownTimeout)

	p, dp := &c.Patterns, d.Patterns
	setDefault(&p.PacketRateMetric, dp.PacketRateMetric)
	setDefault(&p.AttemptsMetric, dp.AttemptsMetric)
	setDefault(&p.FailuresMetric, dp.FailuresMetric)
	setDefault(&p.ProtocolRatioMetric, dp.ProtocolRatioMetric)
	setDefault(&p.BeaconMetric, dp.BeaconMetric)
	setDefault(&p.PayloadSizeMetric, dp.PayloadSizeMetric)
	setDefault(&p.SpikeScore, dp.SpikeScore)
	setDefault(&p.FloodFailureRate, dp.FloodFailureRate)
	setDefault(&p.FloodMinAttempts, dp.FloodMinAttempts)
	setDefault(&p.BeaconBurstScore, dp.BeaconBurstScore)
	setDefault(&p.BeaconWindow, dp.BeaconWindow)
	setDefault(&p.BeaconMaxJitter, dp.BeaconMaxJitter)
	setDefault(&p.BeaconMinAutocorrelation, dp.BeaconMinAutocorrelation)
	setDefault(&p.EntropyWindow, dp.EntropyWindow)
	setDefault(&p.EntropyBucket, dp.EntropyBucket)
	setDefault(&p.EntropyThreshold, dp.EntropyThreshold)
	return c
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate reports every invalid setting of c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.QueueSize > 0, "queue_size must be positive, got %d", c.QueueSize)
	check(c.WorkerQueueSize > 0, "worker_queue_size must be positive, got %d", c.WorkerQueueSize)
	check(c.MinSamples >= 2, "min_samples must be at least 2, got %d", c.MinSamples)
	check(c.Alpha > 0 && c.Alpha <= 1, "alpha must be in (0, 1], got %v", c.Alpha)
	check(c.Epsilon > 0, "epsilon must be positive, got %v", c.Epsilon)
	check(c.StaleBaselineAfter >= 0, "stale_baseline_after must not be negative")
	check(c.LivenessTimeout > 0, "liveness_timeout must be positive")
	check(c.SweepInterval > 0, "sweep_interval must be positive")
	check(c.SuppressionWindow > 0, "suppression_window must be positive")
	check(c.FlushInterval > 0, "flush_interval must be positive")
	check(c.Retry.BaseDelay <= c.Retry.MaxDelay, "retry.base_delay %v exceeds retry.max_delay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	check(c.Breaker.Threshold > 0, "breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	check(c.CheckpointInterval >= 0, "checkpoint_interval must not be negative")
	check(c.Patterns.FloodFailureRate > 0 && c.Patterns.FloodFailureRate <= 1, "patterns.flood_failure_rate must be in (0, 1], got %v", c.Patterns.FloodFailureRate)
	check(c.Patterns.BeaconWindow >= 2, "patterns.beacon_window must be at least 2, got %d", c.Patterns.BeaconWindow)
	check(c.Patterns.EntropyWindow >= 2, "patterns.entropy_window must be at least 2, got %d", c.Patterns.EntropyWindow)
	check(c.Patterns.EntropyBucket > 0, "patterns.entropy_bucket must be positive, got %v", c.Patterns.EntropyBucket)
	if err := c.Schemas.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("schemas: %w", err))
	}
	return errors.Join(errs...)
}
