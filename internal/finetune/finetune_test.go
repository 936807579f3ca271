package finetune

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
)

func testDataset(n int) dataset.Dataset {
	ds := dataset.Dataset{ID: "ds-1"}
	for i := 0; i < n; i++ {
		ds.TrainExamples = append(ds.TrainExamples, dataset.Example{
			Input:   fmt.Sprintf("input %d", i),
			Output:  fmt.Sprintf("output %d", i),
			Domain:  "coding",
			Quality: 0.8,
		})
	}
	return ds
}

func fastConfig() Config {
	cfg := NewDefaultConfig()
	cfg.WallClockBudget = 5 * time.Second
	return cfg
}

func TestService_TrainProducesCheckpoint(t *testing.T) {
	t.Parallel()

	trainer := NewReferenceTrainer(6, 4)
	svc, err := NewService(fastConfig(), trainer, nil)
	require.NoError(t, err)

	base := Checkpoint{ID: "base-1"}
	cp, err := svc.Train(context.Background(), testDataset(40), base)
	require.NoError(t, err)

	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "base-1", cp.ParentID)
	assert.Equal(t, "ds-1", cp.DatasetID)
	assert.Equal(t, "inproc://"+cp.ID, cp.Artifact)
	assert.Greater(t, cp.Metrics["final_loss"], 0.0)
	assert.Equal(t, float64(3), cp.Metrics["epochs"])
	assert.Equal(t, 1, trainer.SnapshotCount())
}

func TestService_OnlyAdapterGroupsUpdated(t *testing.T) {
	t.Parallel()

	trainer := NewReferenceTrainer(6, 4)
	before := trainer.Weights()

	svc, err := NewService(fastConfig(), trainer, nil)
	require.NoError(t, err)

	_, err = svc.Train(context.Background(), testDataset(40), Checkpoint{ID: "base"})
	require.NoError(t, err)

	after := trainer.Weights()
	for name, v := range after {
		if strings.HasPrefix(name, "base") {
			assert.Equalf(t, before[name], v, "base group %s must not change", name)
		}
	}

	// At least one adapter group moved
	moved := false
	for name, v := range after {
		if strings.HasPrefix(name, "adapter") && v != before[name] {
			moved = true
		}
	}
	assert.True(t, moved)
}

func TestService_FreezeMaskTopQuantile(t *testing.T) {
	t.Parallel()

	svc, err := NewService(fastConfig(), NewReferenceTrainer(0, 1), nil)
	require.NoError(t, err)

	importance := map[string]float64{
		"a": 0.9, "b": 0.7, "c": 0.5, "d": 0.3, "e": 0.1,
	}
	frozen := svc.freezeMask(importance)

	// Top 20% of five groups is one group, the most important
	assert.Equal(t, map[string]bool{"a": true}, frozen)
}

func TestService_FrozenAdapterGroupNotUpdated(t *testing.T) {
	t.Parallel()

	// All groups are adapters, so the freeze mask bites an adapter
	trainer := NewReferenceTrainer(0, 5)
	before := trainer.Weights()

	cfg := fastConfig()
	cfg.Epochs = 1
	svc, err := NewService(cfg, trainer, nil)
	require.NoError(t, err)

	ds := testDataset(40)
	heldOut, _ := svc.splitHeldOut(ds.TrainExamples)
	importance, err := trainer.GradientNorms(context.Background(), heldOut)
	require.NoError(t, err)
	frozen := svc.freezeMask(importance)
	require.Len(t, frozen, 1)

	_, err = svc.Train(context.Background(), ds, Checkpoint{ID: "base"})
	require.NoError(t, err)

	after := trainer.Weights()
	for name := range frozen {
		assert.Equal(t, before[name], after[name], "frozen group must keep its weight")
	}
}

// stalledTrainer blocks in TrainEpoch until its context expires.
type stalledTrainer struct {
	*ReferenceTrainer
}

func (t *stalledTrainer) TrainEpoch(ctx context.Context, batch []dataset.Example, lr float64, update map[string]bool) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestService_BudgetAbortPersistsNothing(t *testing.T) {
	t.Parallel()

	trainer := &stalledTrainer{NewReferenceTrainer(2, 2)}
	cfg := fastConfig()
	cfg.WallClockBudget = 50 * time.Millisecond
	svc, err := NewService(cfg, trainer, nil)
	require.NoError(t, err)

	_, err = svc.Train(context.Background(), testDataset(20), Checkpoint{ID: "base"})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Zero(t, trainer.SnapshotCount(), "aborted run must not persist a checkpoint")
}

// failingTrainer errors on a chosen epoch.
type failingTrainer struct {
	*ReferenceTrainer
	failOn int
	epoch  int
}

func (t *failingTrainer) TrainEpoch(ctx context.Context, batch []dataset.Example, lr float64, update map[string]bool) (float64, error) {
	t.epoch++
	if t.epoch == t.failOn {
		return 0, errors.New("optimizer diverged")
	}
	return t.ReferenceTrainer.TrainEpoch(ctx, batch, lr, update)
}

func TestService_TrainerFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	trainer := &failingTrainer{ReferenceTrainer: NewReferenceTrainer(2, 2), failOn: 2}
	svc, err := NewService(fastConfig(), trainer, nil)
	require.NoError(t, err)

	_, err = svc.Train(context.Background(), testDataset(20), Checkpoint{ID: "base"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Zero(t, trainer.SnapshotCount())
}

func TestService_EmptyDataset(t *testing.T) {
	t.Parallel()

	svc, err := NewService(fastConfig(), NewReferenceTrainer(2, 2), nil)
	require.NoError(t, err)

	_, err = svc.Train(context.Background(), dataset.Dataset{ID: "empty"}, Checkpoint{})
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestService_NoAdapterGroups(t *testing.T) {
	t.Parallel()

	svc, err := NewService(fastConfig(), NewReferenceTrainer(4, 0), nil)
	require.NoError(t, err)

	_, err = svc.Train(context.Background(), testDataset(20), Checkpoint{})
	assert.ErrorIs(t, err, ErrNoAdapters)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewDefaultConfig().Validate())

	bad := NewDefaultConfig()
	bad.FreezeQuantile = 1.0
	assert.Error(t, bad.Validate())

	bad = NewDefaultConfig()
	bad.Epochs = 0
	assert.Error(t, bad.Validate())

	bad = NewDefaultConfig()
	bad.HeldOutFraction = 0
	assert.Error(t, bad.Validate())
}
