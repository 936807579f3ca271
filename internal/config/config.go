// Package config provides configuration loading for learnd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. All pipeline thresholds (quality cutoffs, trigger levels,
// forgetting ceiling, health windows) are configuration, not code, so they
// can be retuned without redeploying the daemon.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config holds the complete learnd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Queue         QueueConfig         `koanf:"queue"`
	Storage       StorageConfig       `koanf:"storage"`
	Model         ModelConfig         `koanf:"model"`
	Quality       QualityConfig       `koanf:"quality"`
	Trigger       TriggerConfig       `koanf:"trigger"`
	Dataset       DatasetConfig       `koanf:"dataset"`
	Rehearsal     RehearsalConfig     `koanf:"rehearsal"`
	Finetune      FinetuneConfig      `koanf:"finetune"`
	Validation    ValidationConfig    `koanf:"validation"`
	Deploy        DeployConfig        `koanf:"deploy"`
	Resources     ResourceConfig      `koanf:"resources"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds telemetry configuration.
type ObservabilityConfig struct {
	Enabled        bool   `koanf:"enabled"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
}

// QueueConfig holds the NATS ingestion queue configuration.
//
// With Embedded=true the daemon runs an in-process NATS server and the
// URL is ignored; this is the default for single-host deployments.
type QueueConfig struct {
	Embedded      bool          `koanf:"embedded"`
	URL           string        `koanf:"url"`
	Subject       string        `koanf:"subject"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// StorageConfig holds paths for the embedded stores.
type StorageConfig struct {
	// Dir is the badger database directory (records, scores, registry).
	Dir string `koanf:"dir"`

	// HistoryDir is the chromem vector store directory (domain history).
	HistoryDir string `koanf:"history_dir"`

	// ServingDir holds the stage pointer files the serving runtime watches.
	ServingDir string `koanf:"serving_dir"`
}

// ModelConfig holds the serving-boundary configuration for the local model.
type ModelConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Name       string        `koanf:"name"`
	APIKey     Secret        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
	MaxRetries int           `koanf:"max_retries"`
}

// QualityConfig holds quality assessment configuration.
type QualityConfig struct {
	// Weights are the aggregation weights per dimension. Must sum to 1.0.
	Weights WeightConfig `koanf:"weights"`

	// AssessTimeout is the hard deadline per assessment; on expiry the
	// engine emits the low-confidence fallback score instead of failing.
	AssessTimeout time.Duration `koanf:"assess_timeout"`

	// MinConfidence is the floor below which a score cannot qualify a
	// record for training.
	MinConfidence float64 `koanf:"min_confidence"`

	// AssessorVersion invalidates cached scores when bumped.
	AssessorVersion string `koanf:"assessor_version"`
}

// WeightConfig holds per-dimension aggregation weights.
type WeightConfig struct {
	UserSatisfaction      float64 `koanf:"user_satisfaction"`
	FunctionalCorrectness float64 `koanf:"functional_correctness"`
	CodeQuality           float64 `koanf:"code_quality"`
	ContextRelevance      float64 `koanf:"context_relevance"`
	Efficiency            float64 `koanf:"efficiency"`
}

// Sum returns the total of all weights.
func (w WeightConfig) Sum() float64 {
	return w.UserSatisfaction + w.FunctionalCorrectness + w.CodeQuality +
		w.ContextRelevance + w.Efficiency
}

// TriggerConfig holds training decision engine configuration.
type TriggerConfig struct {
	// MinCandidates is the data-volume trigger threshold.
	MinCandidates int `koanf:"min_candidates"`

	// TrendThreshold and TrendWindow define the quality-trend trigger:
	// rolling mean over the window must exceed the threshold and be rising.
	TrendThreshold float64 `koanf:"trend_threshold"`
	TrendWindow    int     `koanf:"trend_window"`

	// MaxInterval is the time-bound trigger: a run starts at most this
	// long after the previous one, data volume permitting.
	MaxInterval time.Duration `koanf:"max_interval"`

	// EvaluateInterval is how often accumulated candidates are re-checked.
	EvaluateInterval time.Duration `koanf:"evaluate_interval"`

	// CooldownBackoff is the wait after a completed or aborted run.
	CooldownBackoff time.Duration `koanf:"cooldown_backoff"`

	// MaxConsecutiveAborts escalates to manual intervention when reached.
	MaxConsecutiveAborts int `koanf:"max_consecutive_aborts"`
}

// DatasetConfig holds dataset builder configuration.
type DatasetConfig struct {
	// BaseThreshold is the starting quality cutoff; the per-domain
	// dynamic threshold is derived from it and clamped to
	// [MinThreshold, MaxThreshold].
	BaseThreshold float64 `koanf:"base_threshold"`
	MinThreshold  float64 `koanf:"min_threshold"`
	MaxThreshold  float64 `koanf:"max_threshold"`

	// MaxDomainShare caps any single domain's fraction of a batch.
	MaxDomainShare float64 `koanf:"max_domain_share"`

	// ReasoningRatio is the target share of reasoning examples;
	// RatioBand is the permitted deviation either side.
	ReasoningRatio float64 `koanf:"reasoning_ratio"`
	RatioBand      float64 `koanf:"ratio_band"`

	// ValidationSplit is the held-out fraction (original used 0.15).
	ValidationSplit float64 `koanf:"validation_split"`

	// MinExamples is the smallest batch worth training on.
	MinExamples int `koanf:"min_examples"`
}

// RehearsalConfig holds rehearsal synthesizer configuration.
type RehearsalConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxSynthetic bounds generated examples per run.
	MaxSynthetic int `koanf:"max_synthetic"`

	// FewShot is the number of historical exemplars per prompt.
	FewShot int `koanf:"few_shot"`

	// MinHistoryCount is how established a domain must be in history
	// before it is rehearsed.
	MinHistoryCount int `koanf:"min_history_count"`
}

// FinetuneConfig holds fine-tuning engine configuration.
type FinetuneConfig struct {
	// FreezeQuantile is the top-importance fraction of parameter groups
	// protected from updates (default 0.20).
	FreezeQuantile float64 `koanf:"freeze_quantile"`

	// WallClockBudget aborts the run when exceeded; the partial
	// checkpoint is discarded.
	WallClockBudget time.Duration `koanf:"wall_clock_budget"`

	// Epochs and LearningRate are passed through to the trainer.
	Epochs       int     `koanf:"epochs"`
	LearningRate float64 `koanf:"learning_rate"`

	// HeldOutFraction is the slice of the dataset used for importance
	// estimation, never for updates.
	HeldOutFraction float64 `koanf:"held_out_fraction"`
}

// ValidationConfig holds validation pipeline tolerances.
type ValidationConfig struct {
	// MaxAccuracyDrop is the largest tolerated accuracy regression
	// versus the production checkpoint (e.g. 0.02 = 2 points).
	MaxAccuracyDrop float64 `koanf:"max_accuracy_drop"`

	// MaxLatencyIncrease is the tolerated relative latency growth.
	MaxLatencyIncrease float64 `koanf:"max_latency_increase"`

	// MaxMemoryIncrease is the tolerated relative memory growth.
	MaxMemoryIncrease float64 `koanf:"max_memory_increase"`

	// ForgettingCeiling is the maximum tolerated forgetting rate on
	// tasks absent from the training batch.
	ForgettingCeiling float64 `koanf:"forgetting_ceiling"`

	// SuiteTimeout bounds each individual suite.
	SuiteTimeout time.Duration `koanf:"suite_timeout"`
}

// DeployConfig holds deployment manager configuration.
type DeployConfig struct {
	// HealthWindow is the bounded observation period for a staged
	// checkpoint; surviving it without threshold failures promotes.
	HealthWindow time.Duration `koanf:"health_window"`

	// ProbeInterval is the smoke-test cadence during HEALTH_CHECK.
	ProbeInterval time.Duration `koanf:"probe_interval"`

	// FailureThreshold is consecutive probe failures before rollback.
	FailureThreshold int `koanf:"failure_threshold"`

	// RetainCheckpoints is the rollback depth; older checkpoints are pruned.
	RetainCheckpoints int `koanf:"retain_checkpoints"`
}

// ResourceConfig holds training resource budget limits.
type ResourceConfig struct {
	// MaxConcurrentJobs is fixed at 1 by the single-run guard; kept in
	// config so the invariant is visible and validated.
	MaxConcurrentJobs int `koanf:"max_concurrent_jobs"`

	// MaxMemoryMB is the training memory budget checked before a run.
	MaxMemoryMB int `koanf:"max_memory_mb"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "learnd"
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = "dev"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.Queue.URL == "" {
		cfg.Queue.URL = "nats://127.0.0.1:4222"
		cfg.Queue.Embedded = true
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = "learnd.interactions"
	}
	if cfg.Queue.MaxReconnects == 0 {
		cfg.Queue.MaxReconnects = 5
	}
	if cfg.Queue.ReconnectWait == 0 {
		cfg.Queue.ReconnectWait = time.Second
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "~/.local/share/learnd/db"
	}
	if cfg.Storage.HistoryDir == "" {
		cfg.Storage.HistoryDir = "~/.local/share/learnd/history"
	}
	if cfg.Storage.ServingDir == "" {
		cfg.Storage.ServingDir = "~/.local/share/learnd/serving"
	}

	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "qwen2.5-coder:7b"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 60 * time.Second
	}
	if cfg.Model.RateLimit == 0 {
		cfg.Model.RateLimit = 50.0 / 60.0
	}
	if cfg.Model.Burst == 0 {
		cfg.Model.Burst = 5
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 3
	}

	if cfg.Quality.Weights.Sum() == 0 {
		cfg.Quality.Weights = WeightConfig{
			UserSatisfaction:      0.30,
			FunctionalCorrectness: 0.25,
			CodeQuality:           0.20,
			ContextRelevance:      0.15,
			Efficiency:            0.10,
		}
	}
	if cfg.Quality.AssessTimeout == 0 {
		cfg.Quality.AssessTimeout = 500 * time.Millisecond
	}
	if cfg.Quality.MinConfidence == 0 {
		cfg.Quality.MinConfidence = 0.4
	}
	if cfg.Quality.AssessorVersion == "" {
		cfg.Quality.AssessorVersion = "v1"
	}

	if cfg.Trigger.MinCandidates == 0 {
		cfg.Trigger.MinCandidates = 50
	}
	if cfg.Trigger.TrendThreshold == 0 {
		cfg.Trigger.TrendThreshold = 0.75
	}
	if cfg.Trigger.TrendWindow == 0 {
		cfg.Trigger.TrendWindow = 20
	}
	if cfg.Trigger.MaxInterval == 0 {
		cfg.Trigger.MaxInterval = 7 * 24 * time.Hour
	}
	if cfg.Trigger.EvaluateInterval == 0 {
		cfg.Trigger.EvaluateInterval = time.Minute
	}
	if cfg.Trigger.CooldownBackoff == 0 {
		cfg.Trigger.CooldownBackoff = 15 * time.Minute
	}
	if cfg.Trigger.MaxConsecutiveAborts == 0 {
		cfg.Trigger.MaxConsecutiveAborts = 3
	}

	if cfg.Dataset.BaseThreshold == 0 {
		cfg.Dataset.BaseThreshold = 0.70
	}
	if cfg.Dataset.MinThreshold == 0 {
		cfg.Dataset.MinThreshold = 0.50
	}
	if cfg.Dataset.MaxThreshold == 0 {
		cfg.Dataset.MaxThreshold = 0.95
	}
	if cfg.Dataset.MaxDomainShare == 0 {
		cfg.Dataset.MaxDomainShare = 0.40
	}
	if cfg.Dataset.ReasoningRatio == 0 {
		cfg.Dataset.ReasoningRatio = 0.75
	}
	if cfg.Dataset.RatioBand == 0 {
		cfg.Dataset.RatioBand = 0.10
	}
	if cfg.Dataset.ValidationSplit == 0 {
		cfg.Dataset.ValidationSplit = 0.15
	}
	if cfg.Dataset.MinExamples == 0 {
		cfg.Dataset.MinExamples = 50
	}

	if cfg.Rehearsal.MaxSynthetic == 0 {
		cfg.Rehearsal.MaxSynthetic = 20
	}
	if cfg.Rehearsal.FewShot == 0 {
		cfg.Rehearsal.FewShot = 3
	}
	if cfg.Rehearsal.MinHistoryCount == 0 {
		cfg.Rehearsal.MinHistoryCount = 10
	}

	if cfg.Finetune.FreezeQuantile == 0 {
		cfg.Finetune.FreezeQuantile = 0.20
	}
	if cfg.Finetune.WallClockBudget == 0 {
		cfg.Finetune.WallClockBudget = 2 * time.Hour
	}
	if cfg.Finetune.Epochs == 0 {
		cfg.Finetune.Epochs = 3
	}
	if cfg.Finetune.LearningRate == 0 {
		cfg.Finetune.LearningRate = 2e-4
	}
	if cfg.Finetune.HeldOutFraction == 0 {
		cfg.Finetune.HeldOutFraction = 0.10
	}

	if cfg.Validation.MaxAccuracyDrop == 0 {
		cfg.Validation.MaxAccuracyDrop = 0.02
	}
	if cfg.Validation.MaxLatencyIncrease == 0 {
		cfg.Validation.MaxLatencyIncrease = 0.20
	}
	if cfg.Validation.MaxMemoryIncrease == 0 {
		cfg.Validation.MaxMemoryIncrease = 0.10
	}
	if cfg.Validation.ForgettingCeiling == 0 {
		cfg.Validation.ForgettingCeiling = 0.05
	}
	if cfg.Validation.SuiteTimeout == 0 {
		cfg.Validation.SuiteTimeout = 10 * time.Minute
	}

	if cfg.Deploy.HealthWindow == 0 {
		cfg.Deploy.HealthWindow = 10 * time.Minute
	}
	if cfg.Deploy.ProbeInterval == 0 {
		cfg.Deploy.ProbeInterval = 30 * time.Second
	}
	if cfg.Deploy.FailureThreshold == 0 {
		cfg.Deploy.FailureThreshold = 3
	}
	if cfg.Deploy.RetainCheckpoints == 0 {
		cfg.Deploy.RetainCheckpoints = 5
	}

	if cfg.Resources.MaxConcurrentJobs == 0 {
		cfg.Resources.MaxConcurrentJobs = 1
	}
	if cfg.Resources.MaxMemoryMB == 0 {
		cfg.Resources.MaxMemoryMB = 12288
	}
}

// weightSumTolerance is the floating-point slack allowed on the weight sum.
const weightSumTolerance = 1e-6

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.Enabled && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if !c.Queue.Embedded && c.Queue.URL == "" {
		return errors.New("queue URL required when embedded server is disabled")
	}
	if c.Queue.Subject == "" {
		return errors.New("queue subject cannot be empty")
	}

	if sum := c.Quality.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("quality weights must sum to 1.0, got %v", sum)
	}
	if err := validateUnit(c.Quality.MinConfidence, "quality.min_confidence"); err != nil {
		return err
	}
	if c.Quality.AssessTimeout <= 0 {
		return errors.New("quality assess timeout must be positive")
	}

	if c.Trigger.MinCandidates <= 0 {
		return errors.New("trigger min_candidates must be positive")
	}
	if err := validateUnit(c.Trigger.TrendThreshold, "trigger.trend_threshold"); err != nil {
		return err
	}

	if c.Dataset.MinThreshold > c.Dataset.MaxThreshold {
		return fmt.Errorf("dataset min_threshold %v exceeds max_threshold %v",
			c.Dataset.MinThreshold, c.Dataset.MaxThreshold)
	}
	for _, v := range []struct {
		val  float64
		name string
	}{
		{c.Dataset.BaseThreshold, "dataset.base_threshold"},
		{c.Dataset.MinThreshold, "dataset.min_threshold"},
		{c.Dataset.MaxThreshold, "dataset.max_threshold"},
		{c.Dataset.MaxDomainShare, "dataset.max_domain_share"},
		{c.Dataset.ReasoningRatio, "dataset.reasoning_ratio"},
		{c.Dataset.RatioBand, "dataset.ratio_band"},
		{c.Dataset.ValidationSplit, "dataset.validation_split"},
	} {
		if err := validateUnit(v.val, v.name); err != nil {
			return err
		}
	}

	if c.Finetune.FreezeQuantile < 0 || c.Finetune.FreezeQuantile >= 1 {
		return fmt.Errorf("finetune freeze_quantile must be in [0,1), got %v", c.Finetune.FreezeQuantile)
	}
	if c.Finetune.WallClockBudget <= 0 {
		return errors.New("finetune wall_clock_budget must be positive")
	}

	if err := validateUnit(c.Validation.ForgettingCeiling, "validation.forgetting_ceiling"); err != nil {
		return err
	}

	if c.Deploy.HealthWindow <= 0 || c.Deploy.ProbeInterval <= 0 {
		return errors.New("deploy health_window and probe_interval must be positive")
	}
	if c.Deploy.ProbeInterval > c.Deploy.HealthWindow {
		return errors.New("deploy probe_interval cannot exceed health_window")
	}
	if c.Deploy.FailureThreshold <= 0 {
		return errors.New("deploy failure_threshold must be positive")
	}
	if c.Deploy.RetainCheckpoints < 1 {
		return errors.New("deploy retain_checkpoints must be >= 1")
	}

	// The single active training run invariant is structural; config may
	// only restate it, never widen it.
	if c.Resources.MaxConcurrentJobs != 1 {
		return fmt.Errorf("resources max_concurrent_jobs must be 1, got %d", c.Resources.MaxConcurrentJobs)
	}

	return nil
}

// validateUnit checks a value is within [0,1].
func validateUnit(v float64, name string) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %v", name, v)
	}
	return nil
}
