// Package finetune orchestrates parameter-efficient model updates:
// importance masking, adapter-only training, and the wall-clock budget.
// The numeric trainer itself sits behind the Trainer boundary.
package finetune

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
)

// Common errors for fine-tuning.
var (
	ErrInvalidConfig  = errors.New("invalid finetune configuration")
	ErrEmptyDataset   = errors.New("dataset has no training examples")
	ErrBudgetExceeded = errors.New("training exceeded wall-clock budget")
	ErrNoAdapters     = errors.New("trainer exposes no adapter parameter groups")
)

// Checkpoint is one trained model version. Checkpoints form a linear,
// append-only chain through ParentID.
type Checkpoint struct {
	// ID identifies the checkpoint.
	ID string `json:"id"`

	// ParentID is the checkpoint this one was trained from.
	ParentID string `json:"parent_id,omitempty"`

	// CreatedAt is when training finished.
	CreatedAt time.Time `json:"created_at"`

	// DatasetID links to the dataset that produced it.
	DatasetID string `json:"dataset_id"`

	// Artifact is the trainer's reference to the stored weights.
	Artifact string `json:"artifact,omitempty"`

	// Metrics holds training outcomes (final loss, epochs, frozen groups).
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ParameterGroup is one trainable unit of the model as the trainer
// exposes it.
type ParameterGroup struct {
	// Name identifies the group.
	Name string

	// Adapter marks groups belonging to the adapter subset. Only
	// adapter groups ever receive updates.
	Adapter bool
}

// Trainer is the numeric training boundary. Implementations run the
// actual optimization; the orchestrator decides what they may touch.
type Trainer interface {
	// ParameterGroups lists the model's trainable groups.
	ParameterGroups() []ParameterGroup

	// GradientNorms returns the squared gradient magnitude per group,
	// computed on the given batch without applying updates.
	GradientNorms(ctx context.Context, batch []dataset.Example) (map[string]float64, error)

	// TrainEpoch applies one optimization pass over the batch to the
	// groups in update, skipping everything else. Returns the epoch loss.
	TrainEpoch(ctx context.Context, batch []dataset.Example, learningRate float64, update map[string]bool) (float64, error)

	// Snapshot persists the current weights and returns an artifact
	// reference. Only called after a run completes inside budget.
	Snapshot(ctx context.Context, checkpointID string) (string, error)
}

// Config controls the training orchestration.
type Config struct {
	// FreezeQuantile is the top importance fraction to freeze.
	FreezeQuantile float64

	// WallClockBudget bounds one training run end to end.
	WallClockBudget time.Duration

	// Epochs is the number of passes over the training split.
	Epochs int

	// LearningRate is handed to the trainer per epoch.
	LearningRate float64

	// HeldOutFraction is the share of training examples reserved for
	// the importance estimate.
	HeldOutFraction float64
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() Config {
	return Config{
		FreezeQuantile:  0.20,
		WallClockBudget: 2 * time.Hour,
		Epochs:          3,
		LearningRate:    2e-4,
		HeldOutFraction: 0.10,
	}
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.FreezeQuantile < 0 || c.FreezeQuantile >= 1 {
		return errors.New("freeze quantile must be in [0,1)")
	}
	if c.WallClockBudget <= 0 {
		return errors.New("wall-clock budget must be positive")
	}
	if c.Epochs < 1 {
		return errors.New("epochs must be positive")
	}
	if c.LearningRate <= 0 {
		return errors.New("learning rate must be positive")
	}
	if c.HeldOutFraction <= 0 || c.HeldOutFraction >= 1 {
		return errors.New("held-out fraction must be in (0,1)")
	}
	return nil
}
