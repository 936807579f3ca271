package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/telemetry"
	"github.com/fyrsmithlabs/learnd/internal/validation"
)

// Manager owns the rollout lifecycle. All promotion is serialized
// through one mutex so the single-PRODUCTION invariant holds under
// concurrent callers.
type Manager struct {
	cfg       Config
	registry  *Registry
	activator Activator
	prober    HealthProber
	logger    *zap.Logger
	metrics   *telemetry.PipelineMetrics

	mu     sync.Mutex
	halted atomic.Bool
}

// ManagerOption customizes the manager.
type ManagerOption func(*Manager)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a deployment manager.
func NewManager(cfg Config, registry *Registry, activator Activator, prober HealthProber, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if registry == nil || activator == nil || prober == nil {
		return nil, fmt.Errorf("%w: registry, activator, and prober are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		activator: activator,
		prober:    prober,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Halted reports whether promotions are latched off.
func (m *Manager) Halted() bool {
	return m.halted.Load()
}

// ClearHalt resumes promotions after operator intervention.
func (m *Manager) ClearHalt() {
	if m.halted.CompareAndSwap(true, false) {
		m.logger.Info("Promotion halt cleared")
	}
}

// Production returns the current production record.
func (m *Manager) Production(ctx context.Context) (Record, error) {
	return m.registry.Production(ctx)
}

// Deploy takes a validated checkpoint through the lifecycle. A high-risk
// result never leaves CANDIDATE; a partial pass stops at STAGING; a full
// pass runs the health window and either promotes or rolls back. The
// returned record reflects the final stage reached.
func (m *Manager) Deploy(ctx context.Context, cp finetune.Checkpoint, result validation.Result) (Record, error) {
	if m.halted.Load() {
		return Record{}, ErrHalted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registry.SaveCheckpoint(ctx, cp); err != nil {
		return Record{}, err
	}

	rec := Record{CheckpointID: cp.ID}
	if err := m.setStage(ctx, &rec, StageCandidate); err != nil {
		return rec, err
	}

	if result.RiskLevel == validation.RiskHigh {
		m.logger.Warn("Checkpoint held at candidate",
			zap.String("checkpoint_id", cp.ID),
			zap.String("risk", result.RiskLevel))
		return rec, nil
	}

	if err := m.activator.Activate(ctx, cp.ID, StageStaging); err != nil {
		return rec, fmt.Errorf("staging activation failed: %w", err)
	}
	if err := m.setStage(ctx, &rec, StageStaging); err != nil {
		return rec, err
	}

	if !result.ProductionEligible() {
		m.logger.Info("Checkpoint held at staging",
			zap.String("checkpoint_id", cp.ID),
			zap.String("risk", result.RiskLevel))
		return rec, nil
	}

	if err := m.setStage(ctx, &rec, StageHealthCheck); err != nil {
		return rec, err
	}

	if err := m.healthWindow(ctx, &rec); err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a health verdict
			return rec, ctx.Err()
		}
		m.logger.Warn("Health window failed, rolling back",
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err))
		if rbErr := m.rollbackLocked(ctx, &rec); rbErr != nil {
			return rec, rbErr
		}
		return rec, nil
	}

	if err := m.promoteLocked(ctx, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Rollback withdraws a deployment and restores the prior production.
// Rolling back an already rolled-back deployment is a no-op.
func (m *Manager) Rollback(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.registry.GetRecord(ctx, checkpointID)
	if err != nil {
		return err
	}
	if rec.Stage == StageRolledBack {
		return nil
	}
	return m.rollbackLocked(ctx, &rec)
}

// rollbackLocked performs the rollback under the manager mutex. If the
// deployment had taken production, the prior production checkpoint is
// reactivated under its original ID, stamped with the rollback time so
// activations stay ordered. An activation failure latches the halt
// flag.
func (m *Manager) rollbackLocked(ctx context.Context, rec *Record) error {
	wasProduction := rec.Stage == StageProduction

	if wasProduction {
		prior, err := m.priorProduction(ctx, rec.CheckpointID)
		if err != nil {
			m.halt(err)
			return fmt.Errorf("%w: no prior production to restore: %v", ErrRollbackFailed, err)
		}
		if err := m.activator.Activate(ctx, prior.CheckpointID, StageProduction); err != nil {
			m.halt(err)
			return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
		}
		prior.Stage = StageProduction
		prior.ActivatedAt = time.Now().UTC()
		if err := m.registry.SaveRecord(ctx, prior); err != nil {
			m.halt(err)
			return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
		}
		if err := m.registry.SetProduction(ctx, prior.CheckpointID); err != nil {
			m.halt(err)
			return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
		}
		m.metrics.SetProductionCheckpoint(ctx, prior.CheckpointID)
	}

	now := time.Now().UTC()
	rec.RolledBackAt = &now
	if err := m.setStage(ctx, rec, StageRolledBack); err != nil {
		m.halt(err)
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	m.logger.Info("Deployment rolled back",
		zap.String("checkpoint_id", rec.CheckpointID),
		zap.Bool("was_production", wasProduction))
	return nil
}

// priorProduction finds the most recent retired production record.
func (m *Manager) priorProduction(ctx context.Context, excludeID string) (Record, error) {
	records, err := m.registry.ListRecords(ctx)
	if err != nil {
		return Record{}, err
	}
	var best Record
	found := false
	for _, r := range records {
		if r.CheckpointID == excludeID || r.Stage != StageRetired {
			continue
		}
		if !found || r.ActivatedAt.After(best.ActivatedAt) {
			best = r
			found = true
		}
	}
	if !found {
		return Record{}, ErrNoProduction
	}
	return best, nil
}

// promoteLocked makes the record production: the previous production is
// retired, the serving layer switches, and the pointer moves. Retention
// pruning runs after a successful promotion.
func (m *Manager) promoteLocked(ctx context.Context, rec *Record) error {
	prior, err := m.registry.Production(ctx)
	havePrior := err == nil
	if err != nil && !errors.Is(err, ErrNoProduction) {
		return err
	}

	if err := m.activator.Activate(ctx, rec.CheckpointID, StageProduction); err != nil {
		return fmt.Errorf("production activation failed: %w", err)
	}

	if havePrior && prior.CheckpointID != rec.CheckpointID {
		prior.Stage = StageRetired
		prior.ActivatedAt = time.Now().UTC()
		if err := m.registry.SaveRecord(ctx, prior); err != nil {
			return err
		}
		m.metrics.RecordDeployTransition(ctx, string(StageRetired))
	}

	if err := m.setStage(ctx, rec, StageProduction); err != nil {
		return err
	}
	if err := m.registry.SetProduction(ctx, rec.CheckpointID); err != nil {
		return err
	}
	m.metrics.SetProductionCheckpoint(ctx, rec.CheckpointID)

	if _, err := m.registry.Prune(ctx, m.cfg.RetainCheckpoints); err != nil {
		// Retention failure never blocks a promotion
		m.logger.Warn("Checkpoint pruning failed", zap.Error(err))
	}

	m.logger.Info("Checkpoint promoted to production",
		zap.String("checkpoint_id", rec.CheckpointID))
	return nil
}

// healthWindow probes the staged checkpoint for the configured window.
// It returns an error once FailureThreshold consecutive probes fail.
func (m *Manager) healthWindow(ctx context.Context, rec *Record) error {
	limiter := rate.NewLimiter(rate.Every(m.cfg.ProbeInterval), 1)
	deadline := time.Now().Add(m.cfg.HealthWindow)
	consecutive := 0

	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		probe := HealthProbe{At: time.Now().UTC(), Healthy: true}
		if err := m.prober.Probe(ctx, rec.CheckpointID); err != nil {
			probe.Healthy = false
			probe.Detail = err.Error()
			consecutive++
		} else {
			consecutive = 0
		}
		rec.HealthHistory = append(rec.HealthHistory, probe)
		if err := m.registry.SaveRecord(ctx, *rec); err != nil {
			return err
		}

		if consecutive >= m.cfg.FailureThreshold {
			return fmt.Errorf("%d consecutive health probe failures", consecutive)
		}
	}
	return nil
}

// halt latches promotions off. Only ClearHalt resumes them.
func (m *Manager) halt(cause error) {
	if m.halted.CompareAndSwap(false, true) {
		m.logger.Error("Promotions halted",
			zap.Error(cause))
	}
}

// setStage persists a stage transition and publishes the metric.
func (m *Manager) setStage(ctx context.Context, rec *Record, stage Stage) error {
	rec.Stage = stage
	rec.ActivatedAt = time.Now().UTC()
	if err := m.registry.SaveRecord(ctx, *rec); err != nil {
		return err
	}
	m.metrics.RecordDeployTransition(ctx, string(stage))
	m.logger.Debug("Deployment stage transition",
		zap.String("checkpoint_id", rec.CheckpointID),
		zap.String("stage", string(stage)))
	return nil
}
