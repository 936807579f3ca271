// Package quality scores captured interactions for training suitability.
//
// Each interaction is assessed along five dimensions by independent
// assessors running in parallel. The composite score is a weighted sum;
// dimensions with no observable signal contribute a neutral value and
// lower confidence instead of failing the assessment.
package quality

import (
	"errors"
	"math"
	"time"
)

// Common errors for quality assessment.
var (
	ErrInvalidWeights = errors.New("weights must sum to 1.0")
	ErrNoScore        = errors.New("no cached score for record")
)

// weightSumTolerance is the floating-point slack allowed on the weight sum.
const weightSumTolerance = 1e-6

// Components holds the per-dimension values of a score, each in [0,1].
type Components struct {
	// UserSatisfaction reflects explicit feedback markers and sentiment.
	UserSatisfaction float64 `json:"user_satisfaction"`

	// FunctionalCorrectness reflects error markers and tool exit codes.
	FunctionalCorrectness float64 `json:"functional_correctness"`

	// CodeQuality reflects structure and naming of emitted code.
	CodeQuality float64 `json:"code_quality"`

	// ContextRelevance reflects overlap between snapshot and output.
	ContextRelevance float64 `json:"context_relevance"`

	// Efficiency reflects latency proportional to output size.
	Efficiency float64 `json:"efficiency"`
}

// Score is the quality assessment of one interaction.
//
// Scores are immutable once computed and cached by record ID; they are
// recomputed only when the assessor version changes.
type Score struct {
	// RecordID identifies the assessed interaction.
	RecordID string `json:"record_id"`

	// Overall is the weighted composite in [0,1].
	Overall float64 `json:"overall"`

	// Components are the per-dimension values.
	Components Components `json:"components"`

	// Confidence is how much signal backed the assessment, in [0,1].
	Confidence float64 `json:"confidence"`

	// Fallback marks a score produced by the timeout path.
	Fallback bool `json:"fallback,omitempty"`

	// AssessedAt is when the assessment ran.
	AssessedAt time.Time `json:"assessed_at"`

	// AssessorVersion is the heuristic version that produced the score.
	AssessorVersion string `json:"assessor_version"`
}

// Weights are the per-dimension aggregation weights. Must sum to 1.0.
type Weights struct {
	UserSatisfaction      float64 `json:"user_satisfaction"`
	FunctionalCorrectness float64 `json:"functional_correctness"`
	CodeQuality           float64 `json:"code_quality"`
	ContextRelevance      float64 `json:"context_relevance"`
	Efficiency            float64 `json:"efficiency"`
}

// DefaultWeights returns the standard aggregation weights.
func DefaultWeights() Weights {
	return Weights{
		UserSatisfaction:      0.30,
		FunctionalCorrectness: 0.25,
		CodeQuality:           0.20,
		ContextRelevance:      0.15,
		Efficiency:            0.10,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.UserSatisfaction + w.FunctionalCorrectness + w.CodeQuality +
		w.ContextRelevance + w.Efficiency
}

// Validate checks the weights sum to 1.0.
func (w Weights) Validate() error {
	if math.Abs(w.Sum()-1.0) > weightSumTolerance {
		return ErrInvalidWeights
	}
	return nil
}

// Composite computes the weighted sum of the given components.
func (w Weights) Composite(c Components) float64 {
	return c.UserSatisfaction*w.UserSatisfaction +
		c.FunctionalCorrectness*w.FunctionalCorrectness +
		c.CodeQuality*w.CodeQuality +
		c.ContextRelevance*w.ContextRelevance +
		c.Efficiency*w.Efficiency
}
