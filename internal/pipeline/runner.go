// Package pipeline wires the stages together: the assessment worker
// feeds the candidate store, and the runner executes one training run
// end to end when the decision engine fires.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/deploy"
	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/rehearsal"
	"github.com/fyrsmithlabs/learnd/internal/trigger"
	"github.com/fyrsmithlabs/learnd/internal/validation"
)

// Trainer produces a checkpoint from a dataset. Satisfied by
// finetune.Service.
type Trainer interface {
	Train(ctx context.Context, ds dataset.Dataset, base finetune.Checkpoint) (finetune.Checkpoint, error)
}

// Validator evaluates a candidate checkpoint. Satisfied by
// validation.Runner.
type Validator interface {
	Validate(ctx context.Context, candidate, baseline finetune.Checkpoint, heldOut []dataset.Example, retainedTasks []string) (validation.Result, error)
}

// Deployer stages a validated checkpoint. Satisfied by deploy.Manager.
type Deployer interface {
	Deploy(ctx context.Context, cp finetune.Checkpoint, result validation.Result) (deploy.Record, error)
}

// Synthesizer generates rehearsal examples. Satisfied by
// rehearsal.Synthesizer.
type Synthesizer interface {
	Synthesize(ctx context.Context, batchCounts map[string]int) ([]dataset.Example, error)
}

// RunnerConfig holds the run orchestration knobs.
type RunnerConfig struct {
	// ExemplarThreshold is the quality above which a training example
	// also enters the rehearsal history.
	ExemplarThreshold float64

	// RetainedTaskSample is how many historical tasks per domain the
	// forgetting suite probes.
	RetainedTaskSample int
}

// NewDefaultRunnerConfig returns the standard orchestration settings.
func NewDefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ExemplarThreshold:  0.85,
		RetainedTaskSample: 5,
	}
}

// Runner executes one training run end to end. It satisfies
// trigger.Runner.
type Runner struct {
	cfg         RunnerConfig
	candidates  *dataset.CandidateStore
	builder     *dataset.Builder
	synthesizer Synthesizer
	history     *rehearsal.History
	trainer     Trainer
	validator   Validator
	deployer    Deployer
	registry    *deploy.Registry
	logger      *zap.Logger
}

// RunnerOption customizes the runner.
type RunnerOption func(*Runner)

// WithSynthesizer enables rehearsal synthesis for the run.
func WithSynthesizer(s Synthesizer) RunnerOption {
	return func(r *Runner) { r.synthesizer = s }
}

// WithHistory enables exemplar feedback into the rehearsal history.
func WithHistory(h *rehearsal.History) RunnerOption {
	return func(r *Runner) { r.history = h }
}

// NewRunner creates the run orchestrator.
func NewRunner(
	cfg RunnerConfig,
	candidates *dataset.CandidateStore,
	builder *dataset.Builder,
	trainer Trainer,
	validator Validator,
	deployer Deployer,
	registry *deploy.Registry,
	logger *zap.Logger,
	opts ...RunnerOption,
) (*Runner, error) {
	if candidates == nil {
		return nil, fmt.Errorf("candidate store is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("dataset builder is required")
	}
	if trainer == nil {
		return nil, fmt.Errorf("trainer is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if deployer == nil {
		return nil, fmt.Errorf("deployer is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("checkpoint registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExemplarThreshold <= 0 {
		cfg.ExemplarThreshold = 0.85
	}
	if cfg.RetainedTaskSample <= 0 {
		cfg.RetainedTaskSample = 5
	}

	r := &Runner{
		cfg:        cfg,
		candidates: candidates,
		builder:    builder,
		trainer:    trainer,
		validator:  validator,
		deployer:   deployer,
		registry:   registry,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes dataset preparation, training, validation, and deployment
// for one fired trigger. Candidates are consumed only after the run
// completes, so an aborted run leaves the accumulation intact for the
// next attempt.
func (r *Runner) Run(ctx context.Context, reason trigger.Reason, advance func(trigger.State)) error {
	start := time.Now()
	r.logger.Info("Training run started", zap.String("reason", string(reason)))

	advance(trigger.StateDatasetPrep)

	candidates, err := r.candidates.All(ctx)
	if err != nil {
		return r.abort(fmt.Errorf("failed to load candidates: %w", err))
	}

	synthetic := r.synthesize(ctx, candidates)

	ds, err := r.builder.Build(ctx, candidates, synthetic)
	if err != nil {
		return r.abort(fmt.Errorf("dataset build failed: %w", err))
	}

	base, err := r.baseline(ctx)
	if err != nil {
		return r.abort(fmt.Errorf("failed to resolve baseline: %w", err))
	}

	advance(trigger.StateTrainingActive)

	cp, err := r.trainer.Train(ctx, ds, base)
	if err != nil {
		return r.abort(fmt.Errorf("training failed: %w", err))
	}

	result, err := r.validator.Validate(ctx, cp, base, ds.ValidationExamples, r.retainedTasks(ctx))
	if err != nil {
		return r.abort(fmt.Errorf("validation failed: %w", err))
	}

	rec, err := r.deployer.Deploy(ctx, cp, result)
	if err != nil {
		return r.abort(fmt.Errorf("deployment failed: %w", err))
	}

	if _, err := r.candidates.Consume(ctx); err != nil {
		r.logger.Error("Failed to clear consumed candidates", zap.Error(err))
	}
	r.feedHistory(ctx, ds)

	r.logger.Info("Training run finished",
		zap.String("checkpoint_id", cp.ID),
		zap.String("stage", string(rec.Stage)),
		zap.Bool("validation_passed", result.OverallPassed),
		zap.Int("dataset_size", ds.Size()),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

// abort logs and propagates; the decision engine owns the run-outcome
// counter when the error reaches it.
func (r *Runner) abort(err error) error {
	r.logger.Warn("Training run aborted", zap.Error(err))
	return err
}

// synthesize asks the rehearsal synthesizer to fill scarce domains.
// Synthesis failures degrade the run rather than aborting it.
func (r *Runner) synthesize(ctx context.Context, candidates []dataset.Candidate) []dataset.Example {
	if r.synthesizer == nil {
		return nil
	}

	batchCounts := make(map[string]int)
	for _, c := range candidates {
		batchCounts[c.Domain]++
	}

	synthetic, err := r.synthesizer.Synthesize(ctx, batchCounts)
	if err != nil {
		r.logger.Warn("Rehearsal synthesis failed, continuing without synthetic examples",
			zap.Error(err))
		return nil
	}
	return synthetic
}

// baseline resolves the current production checkpoint. The first run of
// a fresh install trains from the unadapted base model.
func (r *Runner) baseline(ctx context.Context) (finetune.Checkpoint, error) {
	prod, err := r.registry.Production(ctx)
	if errors.Is(err, deploy.ErrNoProduction) {
		return finetune.Checkpoint{}, nil
	}
	if err != nil {
		return finetune.Checkpoint{}, err
	}
	return r.registry.GetCheckpoint(ctx, prod.CheckpointID)
}

// retainedTasks samples historical exemplar inputs per domain for the
// forgetting suite.
func (r *Runner) retainedTasks(ctx context.Context) []string {
	if r.history == nil {
		return nil
	}

	var tasks []string
	for _, domain := range r.history.Domains() {
		exemplars, err := r.history.Retrieve(ctx, domain, domain, r.cfg.RetainedTaskSample)
		if err != nil {
			r.logger.Warn("Failed to sample retained tasks",
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}
		for _, ex := range exemplars {
			tasks = append(tasks, ex.Input)
		}
	}
	return tasks
}

// feedHistory stores the run's strongest organic examples as future
// rehearsal exemplars.
func (r *Runner) feedHistory(ctx context.Context, ds dataset.Dataset) {
	if r.history == nil {
		return
	}

	stored := 0
	for _, ex := range ds.TrainExamples {
		if ex.Synthetic || ex.Quality < r.cfg.ExemplarThreshold {
			continue
		}
		err := r.history.Add(ctx, rehearsal.Exemplar{
			ID:      ex.RecordID,
			Domain:  ex.Domain,
			Input:   ex.Input,
			Output:  ex.Output,
			Quality: ex.Quality,
		})
		if err != nil {
			r.logger.Warn("Failed to store rehearsal exemplar",
				zap.String("record_id", ex.RecordID),
				zap.Error(err))
			continue
		}
		stored++
	}
	if stored > 0 {
		r.logger.Debug("Stored rehearsal exemplars", zap.Int("count", stored))
	}
}
