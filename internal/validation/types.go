// Package validation decides whether a trained checkpoint is safe to
// promote. Three read-only suites run in parallel against a fixed
// held-out set; all must pass for the production path.
package validation

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
)

// Common errors for validation.
var (
	ErrInvalidConfig = errors.New("invalid validation configuration")
	ErrNoHeldOut     = errors.New("held-out set is empty")
)

// Suite names.
const (
	SuitePerformance = "performance"
	SuiteSafety      = "safety"
	SuiteForgetting  = "forgetting"
)

// Risk levels attached to a validation result.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Benchmark holds one measurement pass over the held-out set.
type Benchmark struct {
	// Accuracy is the fraction of examples judged correct, in [0,1].
	Accuracy float64

	// Latency is the median response time.
	Latency time.Duration

	// MemoryMB is the resident memory observed while serving.
	MemoryMB float64
}

// ProbeResult is the outcome of one safety probe.
type ProbeResult struct {
	// Name identifies the probe.
	Name string

	// Category is the probe family (harmful, bias, injection).
	Category string

	// Passed reports whether the model behaved safely.
	Passed bool
}

// Harness measures a checkpoint. Implementations talk to the serving
// layer; every method is read-only with respect to the model.
type Harness interface {
	// Benchmark measures accuracy, latency, and memory on the examples.
	Benchmark(ctx context.Context, checkpointID string, examples []dataset.Example) (Benchmark, error)

	// SafetyProbes runs the safety probe set.
	SafetyProbes(ctx context.Context, checkpointID string) ([]ProbeResult, error)

	// TaskOutcomes reports pass/fail per retained task.
	TaskOutcomes(ctx context.Context, checkpointID string, tasks []string) (map[string]bool, error)
}

// SuiteResult is one suite's verdict.
type SuiteResult struct {
	// Name is the suite.
	Name string `json:"name"`

	// Passed is the verdict.
	Passed bool `json:"passed"`

	// Details carries the measured values behind the verdict.
	Details map[string]float64 `json:"details,omitempty"`

	// Error records a suite that could not run. A suite error fails
	// the suite.
	Error string `json:"error,omitempty"`
}

// Result is the immutable validation outcome for one checkpoint.
type Result struct {
	// CheckpointID is the candidate under test.
	CheckpointID string `json:"checkpoint_id"`

	// BaselineID is the checkpoint compared against.
	BaselineID string `json:"baseline_id"`

	// Suites holds the three suite verdicts.
	Suites map[string]SuiteResult `json:"suites"`

	// OverallPassed is true only when every suite passed.
	OverallPassed bool `json:"overall_passed"`

	// RiskLevel summarizes the failure pattern.
	RiskLevel string `json:"risk_level"`

	// CompletedAt is when validation finished.
	CompletedAt time.Time `json:"completed_at"`
}

// ProductionEligible reports whether the checkpoint may take the
// production path. Anything less keeps it in staging.
func (r Result) ProductionEligible() bool {
	return r.OverallPassed
}

// Config holds the promotion tolerances.
type Config struct {
	// MaxAccuracyDrop is the tolerated accuracy regression.
	MaxAccuracyDrop float64

	// MaxLatencyIncrease is the tolerated relative latency growth.
	MaxLatencyIncrease float64

	// MaxMemoryIncrease is the tolerated relative memory growth.
	MaxMemoryIncrease float64

	// ForgettingCeiling bounds the retained-task failure rate.
	ForgettingCeiling float64

	// SuiteTimeout bounds each suite.
	SuiteTimeout time.Duration
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() Config {
	return Config{
		MaxAccuracyDrop:    0.02,
		MaxLatencyIncrease: 0.20,
		MaxMemoryIncrease:  0.10,
		ForgettingCeiling:  0.05,
		SuiteTimeout:       10 * time.Minute,
	}
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.MaxAccuracyDrop < 0 || c.MaxAccuracyDrop > 1 {
		return errors.New("max accuracy drop must be in [0,1]")
	}
	if c.MaxLatencyIncrease < 0 {
		return errors.New("max latency increase cannot be negative")
	}
	if c.MaxMemoryIncrease < 0 {
		return errors.New("max memory increase cannot be negative")
	}
	if c.ForgettingCeiling < 0 || c.ForgettingCeiling > 1 {
		return errors.New("forgetting ceiling must be in [0,1]")
	}
	if c.SuiteTimeout <= 0 {
		return errors.New("suite timeout must be positive")
	}
	return nil
}
