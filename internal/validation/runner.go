package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// Runner executes the three validation suites.
type Runner struct {
	cfg     Config
	harness Harness
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics
}

// RunnerOption customizes the runner.
type RunnerOption func(*Runner)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a validation runner.
func NewRunner(cfg Config, harness Harness, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if harness == nil {
		return nil, fmt.Errorf("%w: harness is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, harness: harness, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Validate runs all suites in parallel against the held-out set and
// retained tasks. Suite failures are verdicts, not errors; the returned
// error covers only setup problems or cancellation.
func (r *Runner) Validate(ctx context.Context, candidate, baseline finetune.Checkpoint, heldOut []dataset.Example, retainedTasks []string) (Result, error) {
	if len(heldOut) == 0 {
		return Result{}, ErrNoHeldOut
	}

	var mu sync.Mutex
	suites := make(map[string]SuiteResult, 3)
	record := func(s SuiteResult) {
		mu.Lock()
		suites[s.Name] = s
		mu.Unlock()

		outcome := "failed"
		if s.Passed {
			outcome = "passed"
		}
		r.metrics.RecordValidationSuite(ctx, s.Name, outcome)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		record(r.runSuite(gctx, SuitePerformance, func(sctx context.Context) SuiteResult {
			return r.performance(sctx, candidate.ID, baseline.ID, heldOut)
		}))
		return gctx.Err()
	})
	g.Go(func() error {
		record(r.runSuite(gctx, SuiteSafety, func(sctx context.Context) SuiteResult {
			return r.safety(sctx, candidate.ID)
		}))
		return gctx.Err()
	})
	g.Go(func() error {
		record(r.runSuite(gctx, SuiteForgetting, func(sctx context.Context) SuiteResult {
			return r.forgetting(sctx, candidate.ID, baseline.ID, retainedTasks)
		}))
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{
		CheckpointID: candidate.ID,
		BaselineID:   baseline.ID,
		Suites:       suites,
		CompletedAt:  time.Now().UTC(),
	}
	result.OverallPassed = suites[SuitePerformance].Passed &&
		suites[SuiteSafety].Passed &&
		suites[SuiteForgetting].Passed
	result.RiskLevel = riskLevel(suites)

	r.logger.Info("Validation finished",
		zap.String("checkpoint_id", candidate.ID),
		zap.Bool("passed", result.OverallPassed),
		zap.String("risk", result.RiskLevel))

	return result, nil
}

// runSuite applies the per-suite timeout.
func (r *Runner) runSuite(ctx context.Context, name string, fn func(context.Context) SuiteResult) SuiteResult {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SuiteTimeout)
	defer cancel()

	result := fn(sctx)
	result.Name = name
	if result.Error != "" {
		r.logger.Warn("Validation suite errored",
			zap.String("suite", name),
			zap.String("error", result.Error))
	}
	return result
}

func (r *Runner) performance(ctx context.Context, candidateID, baselineID string, heldOut []dataset.Example) SuiteResult {
	base, err := r.harness.Benchmark(ctx, baselineID, heldOut)
	if err != nil {
		return SuiteResult{Error: fmt.Sprintf("baseline benchmark: %v", err)}
	}
	cand, err := r.harness.Benchmark(ctx, candidateID, heldOut)
	if err != nil {
		return SuiteResult{Error: fmt.Sprintf("candidate benchmark: %v", err)}
	}

	accuracyDrop := base.Accuracy - cand.Accuracy
	latencyGrowth := relativeGrowth(float64(base.Latency), float64(cand.Latency))
	memoryGrowth := relativeGrowth(base.MemoryMB, cand.MemoryMB)

	return SuiteResult{
		Passed: accuracyDrop <= r.cfg.MaxAccuracyDrop &&
			latencyGrowth <= r.cfg.MaxLatencyIncrease &&
			memoryGrowth <= r.cfg.MaxMemoryIncrease,
		Details: map[string]float64{
			"accuracy_base":      base.Accuracy,
			"accuracy_candidate": cand.Accuracy,
			"accuracy_drop":      accuracyDrop,
			"latency_growth":     latencyGrowth,
			"memory_growth":      memoryGrowth,
		},
	}
}

func (r *Runner) safety(ctx context.Context, candidateID string) SuiteResult {
	probes, err := r.harness.SafetyProbes(ctx, candidateID)
	if err != nil {
		return SuiteResult{Error: fmt.Sprintf("safety probes: %v", err)}
	}

	failed := 0
	for _, p := range probes {
		if !p.Passed {
			failed++
			r.logger.Warn("Safety probe failed",
				zap.String("probe", p.Name),
				zap.String("category", p.Category),
				zap.String("checkpoint_id", candidateID))
		}
	}
	return SuiteResult{
		// Safety has no tolerance: one failed probe fails the suite
		Passed: len(probes) > 0 && failed == 0,
		Details: map[string]float64{
			"probes": float64(len(probes)),
			"failed": float64(failed),
		},
	}
}

func (r *Runner) forgetting(ctx context.Context, candidateID, baselineID string, tasks []string) SuiteResult {
	if len(tasks) == 0 {
		// Nothing retained yet; vacuously safe
		return SuiteResult{Passed: true, Details: map[string]float64{"tasks": 0}}
	}

	base, err := r.harness.TaskOutcomes(ctx, baselineID, tasks)
	if err != nil {
		return SuiteResult{Error: fmt.Sprintf("baseline outcomes: %v", err)}
	}
	cand, err := r.harness.TaskOutcomes(ctx, candidateID, tasks)
	if err != nil {
		return SuiteResult{Error: fmt.Sprintf("candidate outcomes: %v", err)}
	}

	retained := 0
	forgotten := 0
	for _, task := range tasks {
		if !base[task] {
			continue // cannot forget what was never known
		}
		retained++
		if !cand[task] {
			forgotten++
		}
	}

	rate := 0.0
	if retained > 0 {
		rate = float64(forgotten) / float64(retained)
	}
	return SuiteResult{
		Passed: rate <= r.cfg.ForgettingCeiling,
		Details: map[string]float64{
			"tasks":           float64(len(tasks)),
			"retained":        float64(retained),
			"forgotten":       float64(forgotten),
			"forgetting_rate": rate,
		},
	}
}

// relativeGrowth returns (after-before)/before, never negative.
func relativeGrowth(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	g := (after - before) / before
	if g < 0 {
		return 0
	}
	return g
}

// riskLevel summarizes the failure pattern. A safety failure is always
// high risk.
func riskLevel(suites map[string]SuiteResult) string {
	if !suites[SuiteSafety].Passed {
		return RiskHigh
	}
	failures := 0
	for _, s := range suites {
		if !s.Passed {
			failures++
		}
	}
	switch failures {
	case 0:
		return RiskLow
	case 1:
		return RiskMedium
	default:
		return RiskHigh
	}
}
