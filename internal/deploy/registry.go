package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Registry key layout. The production pointer is a separate key so the
// single-PRODUCTION invariant reduces to one value.
const (
	checkpointPrefix = "deploy:checkpoint:"
	recordPrefix     = "deploy:record:"
	productionKey    = "deploy:production"
)

// Registry is the versioned checkpoint and deployment store.
type Registry struct {
	store  *store.Store
	logger *zap.Logger
}

// NewRegistry creates a registry over the shared badger store.
func NewRegistry(s *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, logger: logger}
}

// SaveCheckpoint persists a trained checkpoint.
func (r *Registry) SaveCheckpoint(ctx context.Context, cp finetune.Checkpoint) error {
	if err := r.store.PutJSON(ctx, checkpointPrefix+cp.ID, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by ID.
func (r *Registry) GetCheckpoint(ctx context.Context, id string) (finetune.Checkpoint, error) {
	var cp finetune.Checkpoint
	if err := r.store.GetJSON(ctx, checkpointPrefix+id, &cp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return finetune.Checkpoint{}, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, id)
		}
		return finetune.Checkpoint{}, err
	}
	return cp, nil
}

// SaveRecord persists a deployment record.
func (r *Registry) SaveRecord(ctx context.Context, rec Record) error {
	if err := r.store.PutJSON(ctx, recordPrefix+rec.CheckpointID, rec); err != nil {
		return fmt.Errorf("failed to persist deployment record: %w", err)
	}
	return nil
}

// GetRecord loads a deployment record.
func (r *Registry) GetRecord(ctx context.Context, checkpointID string) (Record, error) {
	var rec Record
	if err := r.store.GetJSON(ctx, recordPrefix+checkpointID, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
		}
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns every deployment record.
func (r *Registry) ListRecords(ctx context.Context) ([]Record, error) {
	var out []Record
	err := r.store.IteratePrefix(ctx, recordPrefix, func(key string, value []byte) (bool, error) {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			r.logger.Warn("Skipping corrupt deployment record",
				zap.String("key", key),
				zap.Error(err))
			return true, nil
		}
		out = append(out, rec)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment records: %w", err)
	}
	return out, nil
}

// SetProduction points the production pointer at a checkpoint.
func (r *Registry) SetProduction(ctx context.Context, checkpointID string) error {
	if err := r.store.PutJSON(ctx, productionKey, checkpointID); err != nil {
		return fmt.Errorf("failed to set production pointer: %w", err)
	}
	return nil
}

// Production returns the current production deployment record.
func (r *Registry) Production(ctx context.Context) (Record, error) {
	var id string
	if err := r.store.GetJSON(ctx, productionKey, &id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, ErrNoProduction
		}
		return Record{}, err
	}
	return r.GetRecord(ctx, id)
}

// Prune removes the oldest retired or rolled-back checkpoints beyond
// the retention depth. Production and its lineage of recent records
// stay untouched.
func (r *Registry) Prune(ctx context.Context, retain int) (int, error) {
	records, err := r.ListRecords(ctx)
	if err != nil {
		return 0, err
	}

	var prunable []Record
	for _, rec := range records {
		if rec.Stage == StageRetired || rec.Stage == StageRolledBack {
			prunable = append(prunable, rec)
		}
	}
	if len(prunable) <= retain {
		return 0, nil
	}

	sort.Slice(prunable, func(i, j int) bool {
		return prunable[i].ActivatedAt.Before(prunable[j].ActivatedAt)
	})

	removed := 0
	for _, rec := range prunable[:len(prunable)-retain] {
		if err := r.store.Delete(ctx, recordPrefix+rec.CheckpointID); err != nil {
			return removed, fmt.Errorf("failed to prune record %s: %w", rec.CheckpointID, err)
		}
		if err := r.store.Delete(ctx, checkpointPrefix+rec.CheckpointID); err != nil {
			return removed, fmt.Errorf("failed to prune checkpoint %s: %w", rec.CheckpointID, err)
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("Pruned old checkpoints",
			zap.Int("removed", removed),
			zap.Int("retained", retain))
	}
	return removed, nil
}
