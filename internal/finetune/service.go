package finetune

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
)

// Service runs training within the configured constraints. It owns
// importance estimation and the freeze mask; the Trainer only ever sees
// the groups it is allowed to update.
type Service struct {
	cfg     Config
	trainer Trainer
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates the training orchestrator.
func NewService(cfg Config, trainer Trainer, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if trainer == nil {
		return nil, fmt.Errorf("%w: trainer is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, trainer: trainer, logger: logger, now: time.Now}, nil
}

// Train produces a new checkpoint from base using the dataset. On any
// failure, including the budget elapsing mid-run, no checkpoint is
// persisted and the error propagates to the caller.
func (s *Service) Train(ctx context.Context, ds dataset.Dataset, base Checkpoint) (Checkpoint, error) {
	if len(ds.TrainExamples) == 0 {
		return Checkpoint{}, ErrEmptyDataset
	}

	updatable := s.adapterGroups()
	if len(updatable) == 0 {
		return Checkpoint{}, ErrNoAdapters
	}

	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WallClockBudget)
	defer cancel()

	heldOut, training := s.splitHeldOut(ds.TrainExamples)

	importance, err := s.trainer.GradientNorms(ctx, heldOut)
	if err != nil {
		return Checkpoint{}, s.wrapBudget(ctx, fmt.Errorf("importance estimation failed: %w", err))
	}

	frozen := s.freezeMask(importance)
	update := make(map[string]bool, len(updatable))
	for _, name := range updatable {
		if !frozen[name] {
			update[name] = true
		}
	}
	if len(update) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: freeze mask covers every adapter group", ErrNoAdapters)
	}

	s.logger.Info("Training started",
		zap.String("dataset_id", ds.ID),
		zap.String("base_checkpoint", base.ID),
		zap.Int("examples", len(training)),
		zap.Int("frozen_groups", len(frozen)),
		zap.Int("update_groups", len(update)))

	var finalLoss float64
	for epoch := 1; epoch <= s.cfg.Epochs; epoch++ {
		loss, err := s.trainer.TrainEpoch(ctx, training, s.cfg.LearningRate, update)
		if err != nil {
			return Checkpoint{}, s.wrapBudget(ctx, fmt.Errorf("epoch %d failed: %w", epoch, err))
		}
		finalLoss = loss
		s.logger.Debug("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", loss))
	}

	id := uuid.New().String()
	artifact, err := s.trainer.Snapshot(ctx, id)
	if err != nil {
		return Checkpoint{}, s.wrapBudget(ctx, fmt.Errorf("snapshot failed: %w", err))
	}

	elapsed := s.now().Sub(start)
	checkpoint := Checkpoint{
		ID:        id,
		ParentID:  base.ID,
		CreatedAt: s.now().UTC(),
		DatasetID: ds.ID,
		Artifact:  artifact,
		Metrics: map[string]float64{
			"final_loss":       finalLoss,
			"epochs":           float64(s.cfg.Epochs),
			"frozen_groups":    float64(len(frozen)),
			"train_examples":   float64(len(training)),
			"duration_seconds": elapsed.Seconds(),
		},
	}

	s.logger.Info("Training finished",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.Float64("final_loss", finalLoss),
		zap.Duration("elapsed", elapsed))

	return checkpoint, nil
}

// wrapBudget converts deadline errors into ErrBudgetExceeded so callers
// can tell budget aborts from trainer failures.
func (s *Service) wrapBudget(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s: %v", ErrBudgetExceeded, s.cfg.WallClockBudget, err)
	}
	return err
}

// adapterGroups returns the names of the trainer's adapter groups.
func (s *Service) adapterGroups() []string {
	var out []string
	for _, g := range s.trainer.ParameterGroups() {
		if g.Adapter {
			out = append(out, g.Name)
		}
	}
	return out
}

// splitHeldOut carves the importance batch off the front of the
// training examples.
func (s *Service) splitHeldOut(examples []dataset.Example) (heldOut, training []dataset.Example) {
	n := int(float64(len(examples)) * s.cfg.HeldOutFraction)
	if n < 1 {
		n = 1
	}
	if n >= len(examples) {
		n = len(examples) - 1
	}
	if n < 1 {
		// Too few examples to hold any out; estimate on the full batch.
		return examples, examples
	}
	return examples[:n], examples[n:]
}

// freezeMask marks the top FreezeQuantile of groups by importance.
func (s *Service) freezeMask(importance map[string]float64) map[string]bool {
	if len(importance) == 0 || s.cfg.FreezeQuantile == 0 {
		return map[string]bool{}
	}

	type groupImportance struct {
		name  string
		value float64
	}
	ranked := make([]groupImportance, 0, len(importance))
	for name, v := range importance {
		ranked = append(ranked, groupImportance{name, v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value == ranked[j].value {
			return ranked[i].name < ranked[j].name
		}
		return ranked[i].value > ranked[j].value
	})

	n := int(float64(len(ranked)) * s.cfg.FreezeQuantile)
	if n < 1 {
		n = 1
	}
	frozen := make(map[string]bool, n)
	for _, g := range ranked[:n] {
		frozen[g.name] = true
	}
	return frozen
}
