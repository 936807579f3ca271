// Package trigger decides when the pipeline trains.
//
// A single coordinating goroutine owns every state transition, so the
// "at most one active training run" invariant is structural rather than
// locked. Triggers are OR-combined: data volume, quality trend, elapsed
// interval, or a manual request.
package trigger

import (
	"errors"
	"time"
)

// Common errors for trigger operations.
var (
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrNotRunning     = errors.New("engine is not running")
	ErrQueueFull      = errors.New("a trigger is already queued")
	ErrEscalated      = errors.New("engine is escalated, manual clear required")
)

// State is the pipeline state machine position.
type State string

const (
	// StateCollecting accumulates candidates between evaluations.
	StateCollecting State = "COLLECTING"

	// StateEvaluating checks the trigger conditions.
	StateEvaluating State = "EVALUATING"

	// StateResourceCheck verifies the training budget before a run.
	StateResourceCheck State = "RESOURCE_CHECK"

	// StateDatasetPrep builds the training dataset.
	StateDatasetPrep State = "DATASET_PREP"

	// StateTrainingActive is the single active training run.
	StateTrainingActive State = "TRAINING_ACTIVE"

	// StateCooldown is the backoff after a completed or aborted run.
	StateCooldown State = "COOLDOWN"
)

// Gauge returns the numeric encoding published on the state metric.
func (s State) Gauge() int64 {
	switch s {
	case StateCollecting:
		return 0
	case StateEvaluating:
		return 1
	case StateResourceCheck:
		return 2
	case StateDatasetPrep:
		return 3
	case StateTrainingActive:
		return 4
	case StateCooldown:
		return 5
	default:
		return -1
	}
}

// Reason is what fired a training run.
type Reason string

const (
	// ReasonVolume fired on accumulated qualifying candidates.
	ReasonVolume Reason = "volume"

	// ReasonTrend fired on a rising quality trend.
	ReasonTrend Reason = "trend"

	// ReasonInterval fired on elapsed time since the last run.
	ReasonInterval Reason = "interval"

	// ReasonManual fired on an operator request.
	ReasonManual Reason = "manual"
)

// Decision records a fired trigger.
type Decision struct {
	// Reason is which trigger fired.
	Reason Reason `json:"reason"`

	// FiredAt is when the decision was made.
	FiredAt time.Time `json:"fired_at"`

	// CandidateCount is the qualifying candidate count at decision time.
	CandidateCount int `json:"candidate_count"`
}
