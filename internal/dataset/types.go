// Package dataset turns scored interactions into balanced training datasets.
//
// The builder filters candidates against per-domain quality thresholds,
// caps any single domain's share, classifies examples as reasoning or
// direct, enforces the reasoning ratio band by down-sampling, and splits
// the result into train and validation sets.
package dataset

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
)

// Common errors for dataset construction.
var (
	ErrNoCandidates   = errors.New("no candidates available")
	ErrTooFewExamples = errors.New("not enough examples after filtering")
	ErrInvalidConfig  = errors.New("invalid dataset configuration")
)

// Candidate is a scored interaction eligible for training.
type Candidate struct {
	// Interaction is the captured exchange.
	Interaction record.Interaction `json:"interaction"`

	// Score is the quality assessment that qualified it.
	Score quality.Score `json:"score"`

	// Domain is the resolved task domain.
	Domain string `json:"domain"`

	// ReasoningRequired marks exchanges that demand multi-step reasoning.
	ReasoningRequired bool `json:"reasoning_required"`

	// SelectedAt is when the candidate passed the quality gate.
	SelectedAt time.Time `json:"selected_at"`
}

// Example is one training pair derived from a candidate or synthesized
// by the rehearsal generator.
type Example struct {
	// RecordID links back to the source interaction; empty for synthetic.
	RecordID string `json:"record_id,omitempty"`

	// Input is the prompt side of the pair.
	Input string `json:"input"`

	// Output is the completion side of the pair.
	Output string `json:"output"`

	// Domain is the task domain.
	Domain string `json:"domain"`

	// Reasoning marks multi-step reasoning examples.
	Reasoning bool `json:"reasoning"`

	// Synthetic marks rehearsal-generated examples.
	Synthetic bool `json:"synthetic,omitempty"`

	// Quality is the overall score the example carried in.
	Quality float64 `json:"quality"`
}

// Dataset is a finished training dataset.
type Dataset struct {
	// ID identifies the dataset for checkpoint lineage.
	ID string `json:"id"`

	// CreatedAt is when the builder produced it.
	CreatedAt time.Time `json:"created_at"`

	// TrainExamples is the training split.
	TrainExamples []Example `json:"train_examples"`

	// ValidationExamples is the held-out split.
	ValidationExamples []Example `json:"validation_examples"`

	// ReasoningRatio is the reasoning share of the emitted examples.
	ReasoningRatio float64 `json:"reasoning_ratio"`

	// Metadata carries build provenance (counts, thresholds, domains).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Size returns the total number of examples across both splits.
func (d Dataset) Size() int {
	return len(d.TrainExamples) + len(d.ValidationExamples)
}

// Config controls dataset construction.
type Config struct {
	// BaseThreshold is the quality cutoff before complexity adjustment.
	BaseThreshold float64

	// MinThreshold and MaxThreshold clamp the adjusted cutoff.
	MinThreshold float64
	MaxThreshold float64

	// MaxDomainShare caps any single domain's fraction of the dataset.
	MaxDomainShare float64

	// ReasoningRatio is the target reasoning share of examples.
	ReasoningRatio float64

	// RatioBand is the tolerated deviation around ReasoningRatio.
	RatioBand float64

	// ValidationSplit is the held-out fraction.
	ValidationSplit float64

	// MinExamples is the smallest dataset worth training on.
	MinExamples int
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() Config {
	return Config{
		BaseThreshold:   0.70,
		MinThreshold:    0.50,
		MaxThreshold:    0.95,
		MaxDomainShare:  0.40,
		ReasoningRatio:  0.75,
		RatioBand:       0.10,
		ValidationSplit: 0.15,
		MinExamples:     50,
	}
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.MinThreshold < 0 || c.MaxThreshold > 1 || c.MinThreshold > c.MaxThreshold {
		return errors.New("threshold clamp must satisfy 0 <= min <= max <= 1")
	}
	if c.BaseThreshold < c.MinThreshold || c.BaseThreshold > c.MaxThreshold {
		return errors.New("base threshold must lie within the clamp range")
	}
	if c.MaxDomainShare <= 0 || c.MaxDomainShare > 1 {
		return errors.New("max domain share must be in (0,1]")
	}
	if c.ReasoningRatio < 0 || c.ReasoningRatio > 1 {
		return errors.New("reasoning ratio must be in [0,1]")
	}
	if c.RatioBand < 0 || c.RatioBand > 0.5 {
		return errors.New("ratio band must be in [0,0.5]")
	}
	if c.ValidationSplit <= 0 || c.ValidationSplit >= 1 {
		return errors.New("validation split must be in (0,1)")
	}
	if c.MinExamples < 1 {
		return errors.New("min examples must be positive")
	}
	return nil
}
