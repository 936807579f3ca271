package finetune

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
)

// ReferenceTrainer is a deterministic in-process Trainer. It models the
// network as named scalar parameter groups and "trains" by shrinking a
// synthetic loss, which is enough to exercise the orchestration:
// importance ranking, freeze masks, budget aborts, and snapshots.
type ReferenceTrainer struct {
	mu        sync.Mutex
	groups    []ParameterGroup
	weights   map[string]float64
	epochs    int
	snapshots map[string]map[string]float64
}

// NewReferenceTrainer creates a trainer with nBase frozen-by-contract
// base groups and nAdapter trainable adapter groups.
func NewReferenceTrainer(nBase, nAdapter int) *ReferenceTrainer {
	t := &ReferenceTrainer{
		weights:   make(map[string]float64),
		snapshots: make(map[string]map[string]float64),
	}
	for i := 0; i < nBase; i++ {
		name := fmt.Sprintf("base.%d", i)
		t.groups = append(t.groups, ParameterGroup{Name: name})
		t.weights[name] = 1.0
	}
	for i := 0; i < nAdapter; i++ {
		name := fmt.Sprintf("adapter.%d", i)
		t.groups = append(t.groups, ParameterGroup{Name: name, Adapter: true})
		t.weights[name] = 0.0
	}
	return t
}

// ParameterGroups lists all groups.
func (t *ReferenceTrainer) ParameterGroups() []ParameterGroup {
	out := make([]ParameterGroup, len(t.groups))
	copy(out, t.groups)
	return out
}

// batchSeed folds the batch contents into a deterministic seed.
func batchSeed(batch []dataset.Example) uint64 {
	h := fnv.New64a()
	for _, ex := range batch {
		h.Write([]byte(ex.Input))
		h.Write([]byte(ex.Output))
	}
	return h.Sum64()
}

// GradientNorms returns a deterministic per-group squared gradient
// magnitude derived from the batch contents.
func (t *ReferenceTrainer) GradientNorms(ctx context.Context, batch []dataset.Example) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := batchSeed(batch)
	out := make(map[string]float64, len(t.groups))
	for i, g := range t.groups {
		// Mix the seed with the group index for a stable pseudo-gradient
		v := float64((seed>>(uint(i)%32))&0xffff) / 65535.0
		out[g.Name] = v * v
	}
	return out, nil
}

// TrainEpoch nudges the allowed groups and reports a shrinking loss.
func (t *ReferenceTrainer) TrainEpoch(ctx context.Context, batch []dataset.Example, learningRate float64, update map[string]bool) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, fmt.Errorf("empty training batch")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for name := range update {
		t.weights[name] += learningRate
	}
	t.epochs++

	// Loss decays with accumulated epochs; batch size sets the floor.
	loss := 1.0/math.Sqrt(float64(t.epochs)+1) + 0.01/float64(len(batch))
	return loss, nil
}

// Snapshot stores a copy of the current weights under the checkpoint ID.
func (t *ReferenceTrainer) Snapshot(ctx context.Context, checkpointID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	copied := make(map[string]float64, len(t.weights))
	for k, v := range t.weights {
		copied[k] = v
	}
	t.snapshots[checkpointID] = copied
	return "inproc://" + checkpointID, nil
}

// Weights returns a copy of a group's current value, for tests.
func (t *ReferenceTrainer) Weights() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.weights))
	for k, v := range t.weights {
		out[k] = v
	}
	return out
}

// SnapshotCount reports how many snapshots were taken.
func (t *ReferenceTrainer) SnapshotCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.snapshots)
}

var _ Trainer = (*ReferenceTrainer)(nil)
