package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// CandidateSource reports on the accumulated qualifying candidates.
type CandidateSource interface {
	// QualifyingCount is the number of records currently passing the
	// quality gate and not yet consumed by a training run.
	QualifyingCount(ctx context.Context) (int, error)

	// RecentScores returns up to n most recent composite scores,
	// oldest first.
	RecentScores(ctx context.Context, n int) ([]float64, error)
}

// ResourceChecker verifies the training budget before a run starts.
type ResourceChecker interface {
	// Check returns an error when the budget does not admit a run.
	Check(ctx context.Context) error
}

// Runner executes one training run end to end.
type Runner interface {
	// Run builds the dataset, trains, validates, and hands off to
	// deployment. It reports phase changes through advance and returns
	// an error when the run aborts. Cancellation of ctx must abort the
	// run and discard partial work.
	Run(ctx context.Context, reason Reason, advance func(State)) error
}

// Config holds decision engine configuration.
type Config struct {
	// MinCandidates is the data-volume trigger threshold.
	MinCandidates int

	// TrendThreshold and TrendWindow define the quality-trend trigger.
	TrendThreshold float64
	TrendWindow    int

	// MaxInterval fires a run this long after the previous one,
	// provided any candidates exist.
	MaxInterval time.Duration

	// EvaluateInterval is the automatic evaluation cadence.
	EvaluateInterval time.Duration

	// CooldownBackoff is the wait after a completed or aborted run.
	CooldownBackoff time.Duration

	// MaxConsecutiveAborts escalates to manual intervention when
	// reached for the same trigger reason.
	MaxConsecutiveAborts int
}

// NewDefaultConfig returns engine defaults.
func NewDefaultConfig() Config {
	return Config{
		MinCandidates:        50,
		TrendThreshold:       0.75,
		TrendWindow:          20,
		MaxInterval:          7 * 24 * time.Hour,
		EvaluateInterval:     time.Minute,
		CooldownBackoff:      15 * time.Minute,
		MaxConsecutiveAborts: 3,
	}
}

// Engine is the training decision engine.
//
// All state transitions happen on the engine's own goroutine; public
// methods only read state or enqueue requests.
type Engine struct {
	cfg       Config
	source    CandidateSource
	resources ResourceChecker
	runner    Runner
	logger    *zap.Logger
	metrics   *telemetry.PipelineMetrics

	mu      sync.Mutex
	running bool
	state   State
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc

	// manualCh is the single queued trigger slot.
	manualCh chan struct{}

	lastRun time.Time

	escalated         atomic.Bool
	abortReason       Reason
	consecutiveAborts int
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates the decision engine. It does not start evaluating
// until Start is called.
func NewEngine(cfg Config, source CandidateSource, resources ResourceChecker, runner Runner, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = time.Minute
	}
	if cfg.MaxConsecutiveAborts <= 0 {
		cfg.MaxConsecutiveAborts = 3
	}

	e := &Engine{
		cfg:       cfg,
		source:    source,
		resources: resources,
		runner:    runner,
		logger:    logger,
		state:     StateCollecting,
		manualCh:  make(chan struct{}, 1),
		lastRun:   time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins background evaluation. Idempotent in the sense that a
// second Start on a running engine returns ErrAlreadyRunning.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true

	e.logger.Info("Decision engine started",
		zap.Duration("evaluate_interval", e.cfg.EvaluateInterval),
		zap.Int("min_candidates", e.cfg.MinCandidates))

	go e.run(ctx)
	return nil
}

// Stop cancels any active run and stops the engine, waiting for the
// coordinating goroutine to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.cancel()
	done := e.doneCh
	e.mu.Unlock()

	<-done
	e.logger.Info("Decision engine stopped")
	return nil
}

// State returns the current state machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Escalated reports whether the engine is paused pending manual clear.
func (e *Engine) Escalated() bool {
	return e.escalated.Load()
}

// ClearEscalation resumes automatic evaluation after escalation.
func (e *Engine) ClearEscalation() {
	if e.escalated.CompareAndSwap(true, false) {
		e.mu.Lock()
		e.consecutiveAborts = 0
		e.abortReason = ""
		e.mu.Unlock()
		e.logger.Info("Escalation cleared, automatic evaluation resumed")
	}
}

// TriggerManual requests a training run.
//
// If a run is active the request occupies the single queued slot; a
// second request while the slot is occupied returns ErrQueueFull. An
// escalated engine rejects manual triggers until cleared.
func (e *Engine) TriggerManual() error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if e.escalated.Load() {
		return ErrEscalated
	}

	select {
	case e.manualCh <- struct{}{}:
		return nil
	default:
		return ErrQueueFull
	}
}

// setState records a transition and publishes the gauge.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev != s {
		e.logger.Debug("State transition",
			zap.String("from", string(prev)),
			zap.String("to", string(s)))
		e.metrics.SetTriggerState(context.Background(), s.Gauge())
	}
}

// run is the coordinating goroutine owning all transitions.
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Decision engine panicked, stopping",
				zap.Any("panic", r),
				zap.Stack("stack"))
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(e.cfg.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.cycle(ctx, false)
		case <-e.manualCh:
			e.cycle(ctx, true)
		}
	}
}

// cycle runs one evaluation and, if a trigger fires, one training run.
func (e *Engine) cycle(ctx context.Context, manual bool) {
	if e.escalated.Load() {
		e.logger.Debug("Skipping evaluation while escalated")
		return
	}

	e.setState(StateEvaluating)
	decision, fired := e.evaluate(ctx, manual)
	if !fired {
		e.setState(StateCollecting)
		return
	}

	e.logger.Info("Training trigger fired",
		zap.String("reason", string(decision.Reason)),
		zap.Int("candidates", decision.CandidateCount))

	e.setState(StateResourceCheck)
	if err := e.resources.Check(ctx); err != nil {
		e.logger.Warn("Resource check failed, backing off",
			zap.Error(err))
		e.cooldown()
		return
	}

	e.setState(StateDatasetPrep)
	e.metrics.RecordTrainingRun(ctx, "started")

	err := e.runner.Run(ctx, decision.Reason, e.setState)
	if err != nil {
		e.recordAbort(ctx, decision.Reason, err)
	} else {
		e.recordCompletion(ctx)
	}

	e.cooldown()
}

// evaluate checks the OR-combined trigger conditions.
func (e *Engine) evaluate(ctx context.Context, manual bool) (Decision, bool) {
	count, err := e.source.QualifyingCount(ctx)
	if err != nil {
		e.logger.Warn("Failed to count candidates", zap.Error(err))
		return Decision{}, false
	}

	decision := Decision{FiredAt: time.Now(), CandidateCount: count}

	if manual {
		decision.Reason = ReasonManual
		return decision, true
	}

	if count >= e.cfg.MinCandidates {
		decision.Reason = ReasonVolume
		return decision, true
	}

	if e.trendFired(ctx) {
		decision.Reason = ReasonTrend
		return decision, true
	}

	if count > 0 && time.Since(e.lastRun) >= e.cfg.MaxInterval {
		decision.Reason = ReasonInterval
		return decision, true
	}

	return Decision{}, false
}

// trendFired reports whether the rolling quality mean is above the
// threshold and rising.
func (e *Engine) trendFired(ctx context.Context) bool {
	if e.cfg.TrendWindow < 4 {
		return false
	}

	scores, err := e.source.RecentScores(ctx, e.cfg.TrendWindow)
	if err != nil {
		e.logger.Warn("Failed to read recent scores", zap.Error(err))
		return false
	}
	if len(scores) < e.cfg.TrendWindow {
		return false
	}

	mean := func(vals []float64) float64 {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	}

	overall := mean(scores)
	if overall < e.cfg.TrendThreshold {
		return false
	}

	half := len(scores) / 2
	return mean(scores[half:]) > mean(scores[:half])
}

// recordAbort tracks consecutive same-reason aborts and escalates when
// the limit is reached.
func (e *Engine) recordAbort(ctx context.Context, reason Reason, err error) {
	e.metrics.RecordTrainingRun(ctx, "aborted")

	e.mu.Lock()
	if e.abortReason == reason {
		e.consecutiveAborts++
	} else {
		e.abortReason = reason
		e.consecutiveAborts = 1
	}
	aborts := e.consecutiveAborts
	e.mu.Unlock()

	e.logger.Warn("Training run aborted",
		zap.Error(err),
		zap.String("reason", string(reason)),
		zap.Int("consecutive_aborts", aborts))

	if aborts >= e.cfg.MaxConsecutiveAborts {
		e.escalated.Store(true)
		e.logger.Error("Escalating after repeated aborts, automatic evaluation paused",
			zap.String("reason", string(reason)),
			zap.Int("aborts", aborts))
	}
}

// recordCompletion resets abort tracking after a successful run.
func (e *Engine) recordCompletion(ctx context.Context) {
	e.metrics.RecordTrainingRun(ctx, "completed")

	e.mu.Lock()
	e.lastRun = time.Now()
	e.consecutiveAborts = 0
	e.abortReason = ""
	e.mu.Unlock()

	e.logger.Info("Training run completed")
}

// cooldown waits out the backoff, interruptible by Stop.
func (e *Engine) cooldown() {
	e.setState(StateCooldown)
	select {
	case <-time.After(e.cfg.CooldownBackoff):
	case <-e.stopCh:
	}
	e.setState(StateCollecting)
}
