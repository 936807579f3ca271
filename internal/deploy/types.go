// Package deploy manages the checkpoint rollout lifecycle: staged
// activation, health monitoring, promotion, and rollback.
package deploy

import (
	"context"
	"errors"
	"time"
)

// Common errors for deployment.
var (
	ErrInvalidConfig     = errors.New("invalid deploy configuration")
	ErrHalted            = errors.New("promotions halted after rollback failure")
	ErrUnknownCheckpoint = errors.New("checkpoint not in registry")
	ErrNoProduction      = errors.New("no production deployment")
	ErrRollbackFailed    = errors.New("rollback failed")
)

// Stage is a deployment lifecycle position.
type Stage string

const (
	// StageCandidate is a trained checkpoint awaiting validation outcome.
	StageCandidate Stage = "CANDIDATE"

	// StageStaging serves shadow traffic only.
	StageStaging Stage = "STAGING"

	// StageHealthCheck is staging under the bounded health window.
	StageHealthCheck Stage = "HEALTH_CHECK"

	// StageProduction serves live traffic. At most one record holds it.
	StageProduction Stage = "PRODUCTION"

	// StageRolledBack is a deployment withdrawn after health failures.
	StageRolledBack Stage = "ROLLED_BACK"

	// StageRetired is a former production superseded by a newer one.
	StageRetired Stage = "RETIRED"
)

// HealthProbe is one observation from the health window.
type HealthProbe struct {
	// At is when the probe ran.
	At time.Time `json:"at"`

	// Healthy is the probe verdict.
	Healthy bool `json:"healthy"`

	// Detail carries the failure cause, if any.
	Detail string `json:"detail,omitempty"`
}

// Record tracks one checkpoint's deployment. It is the only mutable
// current-state in the pipeline.
type Record struct {
	// CheckpointID is the deployed checkpoint.
	CheckpointID string `json:"checkpoint_id"`

	// Stage is the current lifecycle position.
	Stage Stage `json:"stage"`

	// ActivatedAt is when the record entered its current stage.
	ActivatedAt time.Time `json:"activated_at"`

	// HealthHistory holds the probes observed during HEALTH_CHECK.
	HealthHistory []HealthProbe `json:"health_history,omitempty"`

	// RolledBackAt is set once on rollback.
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// Activator is the serving-layer boundary. Activating a checkpoint for
// a stage routes that stage's traffic to it.
type Activator interface {
	Activate(ctx context.Context, checkpointID string, stage Stage) error
}

// HealthProber checks a staged checkpoint. A nil return is a healthy
// observation.
type HealthProber interface {
	Probe(ctx context.Context, checkpointID string) error
}

// Config controls deployment behavior.
type Config struct {
	// HealthWindow bounds the health-check phase.
	HealthWindow time.Duration

	// ProbeInterval paces health probes.
	ProbeInterval time.Duration

	// FailureThreshold is the consecutive probe failures that trigger
	// rollback.
	FailureThreshold int

	// RetainCheckpoints is the rollback depth kept by retention.
	RetainCheckpoints int
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() Config {
	return Config{
		HealthWindow:      10 * time.Minute,
		ProbeInterval:     30 * time.Second,
		FailureThreshold:  3,
		RetainCheckpoints: 5,
	}
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.HealthWindow <= 0 {
		return errors.New("health window must be positive")
	}
	if c.ProbeInterval <= 0 || c.ProbeInterval > c.HealthWindow {
		return errors.New("probe interval must be positive and within the health window")
	}
	if c.FailureThreshold < 1 {
		return errors.New("failure threshold must be positive")
	}
	if c.RetainCheckpoints < 1 {
		return errors.New("retain checkpoints must be positive")
	}
	return nil
}
