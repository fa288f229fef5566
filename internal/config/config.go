// Package config holds the explicitly constructed, immutable runtime
// configuration. Every empirically chosen constant in the detection core
// (anomaly threshold, fingerprint distance, timing factors, backoff bounds)
// is a tunable here rather than a literal in the code that uses it.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole application configuration. It is built once at
// startup and passed into the engine; nothing mutates it after that except
// the CLI populating Scan from flags.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Tamper    TamperConfig    `mapstructure:"tamper" yaml:"tamper"`
	WAF       WAFConfig       `mapstructure:"waf" yaml:"waf"`
	OOB       OOBConfig       `mapstructure:"oob" yaml:"oob"`

	// Scan gets its marching orders from CLI flags, not the config file.
	Scan ScanConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig configures the injection-point worker pool.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	PointTimeout      time.Duration `mapstructure:"point_timeout" yaml:"point_timeout"`
}

// NetworkConfig tunes the HTTP transport and the shared pacing discipline.
type NetworkConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Cookie          string        `mapstructure:"cookie" yaml:"cookie"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`

	// Global request pacer shared by all workers, requests per second.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Rate-limit backoff discipline (429/503 driven).
	BackoffFloor   time.Duration `mapstructure:"backoff_floor" yaml:"backoff_floor"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"`
	CleanToHalve   int           `mapstructure:"clean_to_halve" yaml:"clean_to_halve"`
	JitterFraction float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction"`
}

// DetectionConfig carries the empirically chosen detection thresholds. The
// defaults mirror values that worked in practice; none of them is assumed
// optimal.
type DetectionConfig struct {
	BaselineSamples int `mapstructure:"baseline_samples" yaml:"baseline_samples"`

	// Simhash Hamming distance bounds: below SameDistance two bodies are
	// the same page, above DifferentDistance they are distinct.
	SameDistance      int `mapstructure:"same_distance" yaml:"same_distance"`
	DifferentDistance int `mapstructure:"different_distance" yaml:"different_distance"`

	SleepSeconds      int     `mapstructure:"sleep_seconds" yaml:"sleep_seconds"`
	TimeConfirmFactor float64 `mapstructure:"time_confirm_factor" yaml:"time_confirm_factor"`
	TimeSamples       int     `mapstructure:"time_samples" yaml:"time_samples"`

	AnomalyThreshold float64 `mapstructure:"anomaly_threshold" yaml:"anomaly_threshold"`

	UnionMaxColumns int `mapstructure:"union_max_columns" yaml:"union_max_columns"`

	// DialectHint short-circuits dialect inference when set.
	DialectHint string `mapstructure:"dialect_hint" yaml:"dialect_hint"`
}

// TamperConfig configures both chain-selection strategies.
type TamperConfig struct {
	Epsilon        float64 `mapstructure:"epsilon" yaml:"epsilon"`
	MaxChainLength int     `mapstructure:"max_chain_length" yaml:"max_chain_length"`
	OptimizerCalls int     `mapstructure:"optimizer_calls" yaml:"optimizer_calls"`
	WarmupPoints   int     `mapstructure:"warmup_points" yaml:"warmup_points"`
}

// WAFConfig tunes the fingerprinting pass.
type WAFConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	DelayRatioMin  float64       `mapstructure:"delay_ratio_min" yaml:"delay_ratio_min"`
	FallbackMinBar float64       `mapstructure:"fallback_min_bar" yaml:"fallback_min_bar"`
}

// OOBConfig configures out-of-band probing via a collaborator server.
type OOBConfig struct {
	Collaborator string        `mapstructure:"collaborator" yaml:"collaborator"`
	PollDelay    time.Duration `mapstructure:"poll_delay" yaml:"poll_delay"`
}

// ScanConfig holds settings populated from CLI flags for one scan job.
type ScanConfig struct {
	Targets []string
	Output  string
	Debug   bool
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sqlhound")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 10)
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.point_timeout", "600s")

	// -- Network --
	v.SetDefault("network.request_timeout", "30s")
	v.SetDefault("network.user_agent", "Mozilla/5.0 (X11; Linux x86_64) sqlhound")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.requests_per_second", 20.0)
	v.SetDefault("network.backoff_floor", "1s")
	v.SetDefault("network.backoff_ceiling", "60s")
	v.SetDefault("network.clean_to_halve", 10)
	v.SetDefault("network.jitter_fraction", 0.2)

	// -- Detection --
	v.SetDefault("detection.baseline_samples", 3)
	v.SetDefault("detection.same_distance", 3)
	v.SetDefault("detection.different_distance", 3)
	v.SetDefault("detection.sleep_seconds", 5)
	v.SetDefault("detection.time_confirm_factor", 0.8)
	v.SetDefault("detection.time_samples", 2)
	v.SetDefault("detection.anomaly_threshold", 0.8)
	v.SetDefault("detection.union_max_columns", 20)
	v.SetDefault("detection.dialect_hint", "")

	// -- Tamper --
	v.SetDefault("tamper.epsilon", 0.2)
	v.SetDefault("tamper.max_chain_length", 3)
	v.SetDefault("tamper.optimizer_calls", 30)
	v.SetDefault("tamper.warmup_points", 10)

	// -- WAF --
	v.SetDefault("waf.enabled", true)
	v.SetDefault("waf.probe_timeout", "15s")
	v.SetDefault("waf.delay_ratio_min", 3.0)
	v.SetDefault("waf.fallback_min_bar", 1.0)

	// -- OOB --
	v.SetDefault("oob.collaborator", "")
	v.SetDefault("oob.poll_delay", "10s")
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read file, env, and flag sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Detection.BaselineSamples < 3 {
		return fmt.Errorf("detection.baseline_samples must be at least 3")
	}
	if c.Detection.TimeConfirmFactor < 0.5 || c.Detection.TimeConfirmFactor > 1.0 {
		return fmt.Errorf("detection.time_confirm_factor must be within [0.5, 1.0]")
	}
	if c.Detection.AnomalyThreshold < 0 || c.Detection.AnomalyThreshold > 1 {
		return fmt.Errorf("detection.anomaly_threshold must be within [0, 1]")
	}
	if c.Tamper.Epsilon < 0 || c.Tamper.Epsilon > 1 {
		return fmt.Errorf("tamper.epsilon must be within [0, 1]")
	}
	if c.Tamper.OptimizerCalls < 2*c.Tamper.WarmupPoints {
		return fmt.Errorf("tamper.optimizer_calls must be at least twice tamper.warmup_points")
	}
	if c.Network.BackoffFloor <= 0 || c.Network.BackoffCeiling < c.Network.BackoffFloor {
		return fmt.Errorf("network backoff bounds are inverted")
	}
	return nil
}
