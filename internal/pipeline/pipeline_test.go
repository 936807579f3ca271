package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/deploy"
	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/trigger"
	"github.com/fyrsmithlabs/learnd/internal/validation"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.NewDefaultConfig(t.TempDir())
	cfg.InMemory = true
	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeTrainer struct {
	cp      finetune.Checkpoint
	err     error
	gotBase finetune.Checkpoint
	gotDS   dataset.Dataset
}

func (f *fakeTrainer) Train(_ context.Context, ds dataset.Dataset, base finetune.Checkpoint) (finetune.Checkpoint, error) {
	f.gotDS = ds
	f.gotBase = base
	if f.err != nil {
		return finetune.Checkpoint{}, f.err
	}
	cp := f.cp
	cp.ParentID = base.ID
	cp.DatasetID = ds.ID
	return cp, nil
}

type fakeValidator struct {
	result validation.Result
	err    error
}

func (f *fakeValidator) Validate(_ context.Context, candidate, baseline finetune.Checkpoint, _ []dataset.Example, _ []string) (validation.Result, error) {
	if f.err != nil {
		return validation.Result{}, f.err
	}
	r := f.result
	r.CheckpointID = candidate.ID
	r.BaselineID = baseline.ID
	return r, nil
}

type fakeDeployer struct {
	rec       deploy.Record
	err       error
	gotResult validation.Result
}

func (f *fakeDeployer) Deploy(_ context.Context, cp finetune.Checkpoint, result validation.Result) (deploy.Record, error) {
	f.gotResult = result
	if f.err != nil {
		return deploy.Record{}, f.err
	}
	rec := f.rec
	rec.CheckpointID = cp.ID
	return rec, nil
}

type fakeSynthesizer struct {
	examples  []dataset.Example
	err       error
	gotCounts map[string]int
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, batchCounts map[string]int) ([]dataset.Example, error) {
	f.gotCounts = batchCounts
	return f.examples, f.err
}

type runFixture struct {
	runner     *Runner
	candidates *dataset.CandidateStore
	trainer    *fakeTrainer
	validator  *fakeValidator
	deployer   *fakeDeployer
	registry   *deploy.Registry
}

func newRunFixture(t *testing.T, opts ...RunnerOption) *runFixture {
	t.Helper()

	s := newTestStore(t)
	candidates := dataset.NewCandidateStore(s, nil)
	registry := deploy.NewRegistry(s, nil)

	dsCfg := dataset.NewDefaultConfig()
	dsCfg.MinExamples = 5
	builder, err := dataset.NewBuilder(dsCfg, zap.NewNop())
	require.NoError(t, err)

	trainer := &fakeTrainer{cp: finetune.Checkpoint{ID: "cp-new", Artifact: "inproc://cp-new"}}
	validator := &fakeValidator{result: validation.Result{OverallPassed: true, RiskLevel: validation.RiskLow}}
	deployer := &fakeDeployer{rec: deploy.Record{Stage: deploy.StageProduction}}

	runner, err := NewRunner(NewDefaultRunnerConfig(), candidates, builder, trainer, validator, deployer, registry, zap.NewNop(), opts...)
	require.NoError(t, err)

	return &runFixture{
		runner:     runner,
		candidates: candidates,
		trainer:    trainer,
		validator:  validator,
		deployer:   deployer,
		registry:   registry,
	}
}

func seedCandidates(t *testing.T, cs *dataset.CandidateStore, n int) {
	t.Helper()

	domains := []string{"coding", "debugging", "testing"}
	for i := 0; i < n; i++ {
		interaction := record.Interaction{
			ID:        fmt.Sprintf("rec-%03d", i),
			SessionID: "session-1",
			Timestamp: time.Now().UTC(),
			Input:     fmt.Sprintf("input %d", i),
			Output:    fmt.Sprintf("output %d", i),
			ContextSnapshot: record.Snapshot{
				Domain: domains[i%len(domains)],
			},
		}
		c := dataset.Candidate{
			Interaction: interaction,
			Score:       quality.Score{RecordID: interaction.ID, Overall: 0.80, Confidence: 0.9},
			Domain:      domains[i%len(domains)],
			SelectedAt:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, cs.Add(context.Background(), c))
	}
}

func TestRunner_SuccessfulRunConsumesCandidates(t *testing.T) {
	t.Parallel()

	f := newRunFixture(t)
	seedCandidates(t, f.candidates, 12)

	var states []trigger.State
	err := f.runner.Run(context.Background(), trigger.ReasonVolume, func(s trigger.State) {
		states = append(states, s)
	})
	require.NoError(t, err)

	assert.Equal(t, []trigger.State{trigger.StateDatasetPrep, trigger.StateTrainingActive}, states)
	assert.Equal(t, 12, f.trainer.gotDS.Size())
	assert.Empty(t, f.trainer.gotBase.ID)
	assert.True(t, f.deployer.gotResult.OverallPassed)

	count, err := f.candidates.QualifyingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "completed run should consume the accumulation")
}

func TestRunner_BuildFailureRetainsCandidates(t *testing.T) {
	t.Parallel()

	f := newRunFixture(t)
	seedCandidates(t, f.candidates, 2)

	err := f.runner.Run(context.Background(), trigger.ReasonManual, func(trigger.State) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrTooFewExamples)

	count, err := f.candidates.QualifyingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count, "aborted run must leave the accumulation intact")
}

func TestRunner_TrainingFailureRetainsCandidates(t *testing.T) {
	t.Parallel()

	f := newRunFixture(t)
	f.trainer.err = errors.New("trainer exploded")
	seedCandidates(t, f.candidates, 12)

	err := f.runner.Run(context.Background(), trigger.ReasonVolume, func(trigger.State) {})
	require.Error(t, err)

	count, err := f.candidates.QualifyingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestRunner_BaselineIsCurrentProduction(t *testing.T) {
	t.Parallel()

	f := newRunFixture(t)
	ctx := context.Background()

	base := finetune.Checkpoint{ID: "cp-base", Artifact: "inproc://cp-base"}
	require.NoError(t, f.registry.SaveCheckpoint(ctx, base))
	require.NoError(t, f.registry.SaveRecord(ctx, deploy.Record{
		CheckpointID: base.ID,
		Stage:        deploy.StageProduction,
		ActivatedAt:  time.Now().UTC(),
	}))
	require.NoError(t, f.registry.SetProduction(ctx, base.ID))

	seedCandidates(t, f.candidates, 12)

	err := f.runner.Run(ctx, trigger.ReasonInterval, func(trigger.State) {})
	require.NoError(t, err)

	assert.Equal(t, "cp-base", f.trainer.gotBase.ID)
}

func TestRunner_SynthesisFailureDegradesRun(t *testing.T) {
	t.Parallel()

	synth := &fakeSynthesizer{err: errors.New("model offline")}
	f := newRunFixture(t, WithSynthesizer(synth))
	seedCandidates(t, f.candidates, 12)

	err := f.runner.Run(context.Background(), trigger.ReasonVolume, func(trigger.State) {})
	require.NoError(t, err, "synthesis failure must not abort the run")
	assert.Equal(t, 4, synth.gotCounts["coding"])
}

func TestRunner_SyntheticExamplesReachBuilder(t *testing.T) {
	t.Parallel()

	synth := &fakeSynthesizer{examples: []dataset.Example{
		{RecordID: "syn-1", Input: "synthetic input", Output: "synthetic output", Domain: "infra", Synthetic: true, Quality: 0.9},
	}}
	f := newRunFixture(t, WithSynthesizer(synth))
	seedCandidates(t, f.candidates, 12)

	err := f.runner.Run(context.Background(), trigger.ReasonVolume, func(trigger.State) {})
	require.NoError(t, err)

	assert.Equal(t, 13, f.trainer.gotDS.Size())
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(NewDefaultRunnerConfig(), nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

type stubSubscriber struct{}

func (stubSubscriber) Subscribe(context.Context, func(context.Context, record.Interaction)) (*nats.Subscription, error) {
	return nil, nil
}

func newTestWorker(t *testing.T, gate quality.Gate) (*Worker, *dataset.CandidateStore) {
	t.Helper()

	engine, err := quality.NewEngine(quality.NewDefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	candidates := dataset.NewCandidateStore(newTestStore(t), nil)
	w, err := NewWorker(stubSubscriber{}, engine, gate, candidates, zap.NewNop())
	require.NoError(t, err)
	return w, candidates
}

func workerInteraction(id string) record.Interaction {
	return record.Interaction{
		ID:        id,
		SessionID: "session-1",
		Timestamp: time.Now().UTC(),
		Input:     "please refactor the retry loop so transient failures back off",
		Output:    "Moved the retry loop behind a backoff helper. Thanks to the cap the worst case is bounded.",
		ContextSnapshot: record.Snapshot{
			WorkingSet: "internal/worker/retry.go",
		},
	}
}

func TestWorker_HandleAdmitsPassingInteraction(t *testing.T) {
	t.Parallel()

	w, candidates := newTestWorker(t, quality.Gate{MinOverall: 0.05, MinConfidence: 0.0})
	w.Handle(context.Background(), workerInteraction("rec-1"))

	count, err := candidates.QualifyingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWorker_HandleRejectsGatedInteraction(t *testing.T) {
	t.Parallel()

	w, candidates := newTestWorker(t, quality.Gate{MinOverall: 1.1, MinConfidence: 0.0})
	w.Handle(context.Background(), workerInteraction("rec-1"))

	count, err := candidates.QualifyingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWorker_SubscribesToQueue(t *testing.T) {
	t.Parallel()

	q, err := record.NewQueue(record.QueueConfig{Embedded: true}, nil)
	require.NoError(t, err)
	defer q.Close()

	engine, err := quality.NewEngine(quality.NewDefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	candidates := dataset.NewCandidateStore(newTestStore(t), nil)
	w, err := NewWorker(q, engine, quality.Gate{MinOverall: 0.05}, candidates, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	payload, err := json.Marshal(workerInteraction("rec-q-1"))
	require.NoError(t, err)
	require.NoError(t, q.Publish(payload))
	require.NoError(t, q.Flush())

	require.Eventually(t, func() bool {
		count, err := candidates.QualifyingCount(context.Background())
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestResourceChecker_PassesWithinBudget(t *testing.T) {
	t.Parallel()

	c := NewResourceChecker(ResourceConfig{})
	assert.NoError(t, c.Check(context.Background()))
}

func TestResourceChecker_MemoryOverBudget(t *testing.T) {
	t.Parallel()

	c := NewResourceChecker(ResourceConfig{MaxMemoryMB: 512})
	c.memoryMB = func() uint64 { return 1024 }

	err := c.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestResourceChecker_DiskBelowFloor(t *testing.T) {
	t.Parallel()

	c := NewResourceChecker(ResourceConfig{MinDiskMB: 100, DataDir: t.TempDir()})
	c.freeMB = func(string) (uint64, error) { return 10, nil }

	err := c.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk")
}

func TestResourceChecker_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewResourceChecker(ResourceConfig{})
	assert.Error(t, c.Check(ctx))
}
