package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mailward/tuner/rollout"
)

// Config is the full daemon configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Storage StorageConfig `yaml:"storage"`
	Weights WeightsConfig `yaml:"weights"`
	Sampler SamplerConfig `yaml:"sampler"`
	Trainer TrainerConfig `yaml:"trainer"`
	Guard   GuardConfig   `yaml:"guard"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	Environment    string `yaml:"environment"`
}

// StorageConfig locates the SQLite databases.
type StorageConfig struct {
	SettingsPath string `yaml:"settings_path"`
	FeedPath     string `yaml:"feed_path"`
}

// WeightsConfig drives the judge reliability estimator.
type WeightsConfig struct {
	LookbackDays      int `yaml:"lookback_days"`
	DecayHalflifeDays int `yaml:"decay_halflife_days"`
	CacheSize         int `yaml:"cache_size"`
}

// SamplerConfig drives the uncertainty sampler.
type SamplerConfig struct {
	LookbackDays   int     `yaml:"lookback_days"`
	MinUncertainty float64 `yaml:"min_uncertainty"`
	TopN           int     `yaml:"top_n"`
}

// TrainerConfig drives the heuristic trainer.
type TrainerConfig struct {
	MinExamples int    `yaml:"min_examples"`
	ModelType   string `yaml:"model_type"`
}

// GuardConfig drives the staged-rollout control loop.
type GuardConfig struct {
	InitialPercent     float64            `yaml:"initial_percent"`
	Stages             []float64          `yaml:"stages"`
	WindowRuns         int                `yaml:"window_runs"`
	Thresholds         rollout.Thresholds `yaml:"thresholds"`
	CheckIntervalHours int                `yaml:"check_interval_hours"`
	MetricsPort        string             `yaml:"metrics_port"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Tracing: TracingConfig{Enabled: false, Environment: "production"},
		Storage: StorageConfig{SettingsPath: "tuner-settings.db", FeedPath: "tuner-feed.db"},
		Weights: WeightsConfig{LookbackDays: 30, DecayHalflifeDays: 14, CacheSize: 128},
		Sampler: SamplerConfig{LookbackDays: 7, MinUncertainty: 0.3, TopN: 20},
		Trainer: TrainerConfig{MinExamples: 50, ModelType: "logistic"},
		Guard: GuardConfig{
			InitialPercent:     10,
			Stages:             rollout.DefaultStages,
			WindowRuns:         200,
			Thresholds:         rollout.DefaultThresholds(),
			CheckIntervalHours: 24,
			MetricsPort:        "9090",
		},
	}
}

// Load reads the config file and applies environment overrides. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if envPath := os.Getenv("TUNER_CONFIG"); envPath != "" {
		path = envPath
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for common knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUNER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TUNER_SETTINGS_DB"); v != "" {
		cfg.Storage.SettingsPath = v
	}
	if v := os.Getenv("TUNER_FEED_DB"); v != "" {
		cfg.Storage.FeedPath = v
	}
	if v := os.Getenv("TUNER_METRICS_PORT"); v != "" {
		cfg.Guard.MetricsPort = v
	}
	if v := os.Getenv("TUNER_JAEGER_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TUNER_INITIAL_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Guard.InitialPercent = f
		}
	}
}
