package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// FallbackConfidence is the confidence assigned by the timeout path and
// the floor of the signal-derived confidence scale.
const FallbackConfidence = 0.3

// Config holds quality engine configuration.
type Config struct {
	// Weights are the aggregation weights. Must sum to 1.0.
	Weights Weights

	// AssessTimeout is the hard deadline per assessment.
	AssessTimeout time.Duration

	// AssessorVersion keys the score cache; bumping it invalidates
	// previously cached scores.
	AssessorVersion string
}

// NewDefaultConfig returns engine defaults.
func NewDefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		AssessTimeout:   500 * time.Millisecond,
		AssessorVersion: "v1",
	}
}

// Engine runs the five assessors and aggregates their output.
//
// Weights are hot-reloadable through SetWeights; everything else is fixed
// at construction.
type Engine struct {
	mu      sync.RWMutex
	weights Weights

	assessors []Assessor
	timeout   time.Duration
	version   string
	cache     *ScoreCache
	logger    *zap.Logger
	metrics   *telemetry.PipelineMetrics
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithCache attaches a score cache consulted before assessment.
func WithCache(cache *ScoreCache) EngineOption {
	return func(e *Engine) { e.cache = cache }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithAssessors overrides the default assessor set. Intended for tests.
func WithAssessors(assessors []Assessor) EngineOption {
	return func(e *Engine) { e.assessors = assessors }
}

// NewEngine creates a quality engine.
func NewEngine(cfg Config, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AssessTimeout <= 0 {
		cfg.AssessTimeout = 500 * time.Millisecond
	}
	if cfg.AssessorVersion == "" {
		cfg.AssessorVersion = "v1"
	}

	e := &Engine{
		weights:   cfg.Weights,
		assessors: defaultAssessors(),
		timeout:   cfg.AssessTimeout,
		version:   cfg.AssessorVersion,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetWeights swaps the aggregation weights. Invalid sets are rejected.
func (e *Engine) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()

	e.logger.Info("Quality weights updated",
		zap.Float64("user_satisfaction", w.UserSatisfaction),
		zap.Float64("functional_correctness", w.FunctionalCorrectness),
		zap.Float64("code_quality", w.CodeQuality),
		zap.Float64("context_relevance", w.ContextRelevance),
		zap.Float64("efficiency", w.Efficiency))
	return nil
}

// Weights returns the current aggregation weights.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// Version returns the assessor version string.
func (e *Engine) Version() string {
	return e.version
}

// assessorResult carries one assessor's output back to the collector.
type assessorResult struct {
	name      string
	value     float64
	hasSignal bool
}

// Assess scores one interaction.
//
// Assessors run in parallel under a hard deadline; if the deadline
// expires before all report, the engine returns the low-confidence
// fallback score rather than blocking the pipeline. Cached scores are
// returned as-is when the assessor version matches.
//
// Confidence scales linearly with the fraction of assessors that found
// signal, from FallbackConfidence at zero signals to 1.0 when every
// dimension reported. Zero signals therefore yields exactly the
// fallback confidence.
func (e *Engine) Assess(ctx context.Context, interaction record.Interaction) Score {
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, interaction.ID, e.version); err == nil {
			return cached
		}
	}

	score := e.assess(ctx, interaction)

	if e.cache != nil && !score.Fallback {
		if err := e.cache.Put(ctx, score); err != nil {
			e.logger.Warn("Failed to cache score",
				zap.Error(err),
				zap.String("record_id", interaction.ID))
		}
	}

	outcome := "ok"
	if score.Fallback {
		outcome = "fallback"
	}
	e.metrics.RecordAssessment(ctx, outcome, score.Overall)

	return score
}

func (e *Engine) assess(ctx context.Context, interaction record.Interaction) Score {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	results := make(chan assessorResult, len(e.assessors))
	for _, a := range e.assessors {
		go func(a Assessor) {
			value, hasSignal := a.Assess(interaction)
			select {
			case results <- assessorResult{name: a.Name(), value: value, hasSignal: hasSignal}:
			case <-ctx.Done():
			}
		}(a)
	}

	byName := make(map[string]assessorResult, len(e.assessors))
	for range e.assessors {
		select {
		case r := <-results:
			byName[r.name] = r
		case <-ctx.Done():
			e.logger.Warn("Assessment deadline expired, using fallback score",
				zap.String("record_id", interaction.ID),
				zap.Duration("timeout", e.timeout))
			return e.fallbackScore(interaction.ID)
		}
	}

	components := Components{
		UserSatisfaction:      neutralValue,
		FunctionalCorrectness: neutralValue,
		CodeQuality:           neutralValue,
		ContextRelevance:      neutralValue,
		Efficiency:            neutralValue,
	}
	signalled := 0
	apply := func(target *float64, r assessorResult) {
		if r.hasSignal {
			*target = r.value
			signalled++
		}
	}
	apply(&components.UserSatisfaction, byName["user_satisfaction"])
	apply(&components.FunctionalCorrectness, byName["functional_correctness"])
	apply(&components.CodeQuality, byName["code_quality"])
	apply(&components.ContextRelevance, byName["context_relevance"])
	apply(&components.Efficiency, byName["efficiency"])

	weights := e.Weights()

	// Confidence scales with how many dimensions had real signal; zero
	// signal lands on the same floor as the timeout fallback.
	confidence := FallbackConfidence +
		(1-FallbackConfidence)*float64(signalled)/float64(len(e.assessors))

	return Score{
		RecordID:        interaction.ID,
		Overall:         weights.Composite(components),
		Components:      components,
		Confidence:      confidence,
		AssessedAt:      time.Now().UTC(),
		AssessorVersion: e.version,
	}
}

// fallbackScore is the all-neutral, low-confidence score for assessments
// that could not complete.
func (e *Engine) fallbackScore(recordID string) Score {
	components := Components{
		UserSatisfaction:      neutralValue,
		FunctionalCorrectness: neutralValue,
		CodeQuality:           neutralValue,
		ContextRelevance:      neutralValue,
		Efficiency:            neutralValue,
	}
	return Score{
		RecordID:        recordID,
		Overall:         e.Weights().Composite(components),
		Components:      components,
		Confidence:      FallbackConfidence,
		Fallback:        true,
		AssessedAt:      time.Now().UTC(),
		AssessorVersion: e.version,
	}
}
