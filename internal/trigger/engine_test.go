package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// fakeSource serves a mutable candidate count and score history.
type fakeSource struct {
	mu     sync.Mutex
	count  int
	scores []float64
}

func (f *fakeSource) QualifyingCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeSource) RecentScores(_ context.Context, n int) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scores) > n {
		return f.scores[len(f.scores)-n:], nil
	}
	return f.scores, nil
}

func (f *fakeSource) setCount(n int) {
	f.mu.Lock()
	f.count = n
	f.mu.Unlock()
}

// fakeResources optionally rejects runs.
type fakeResources struct {
	err error
}

func (f *fakeResources) Check(context.Context) error { return f.err }

// fakeRunner records runs and consumes candidates on success.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []Reason
	err     error
	source  *fakeSource
	started chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, reason Reason, advance func(State)) error {
	advance(StateTrainingActive)

	f.mu.Lock()
	f.runs = append(f.runs, reason)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.err != nil {
		return f.err
	}
	if f.source != nil {
		f.source.setCount(0) // run consumes the accumulated candidates
	}
	return nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func fastConfig() Config {
	return Config{
		MinCandidates:        10,
		TrendThreshold:       0.75,
		TrendWindow:          8,
		MaxInterval:          time.Hour,
		EvaluateInterval:     10 * time.Millisecond,
		CooldownBackoff:      10 * time.Millisecond,
		MaxConsecutiveAborts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngine_VolumeTriggerFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 25}
	runner := &fakeRunner{source: source}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool { return runner.runCount() >= 1 })

	// Candidates were consumed; further evaluations must not fire
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, runner.runCount())
	assert.Equal(t, []Reason{ReasonVolume}, runner.runs)
}

func TestEngine_NoTriggerBelowThresholds(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 3}
	runner := &fakeRunner{}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount())
	waitFor(t, time.Second, func() bool { return engine.State() == StateCollecting })
}

func TestEngine_TrendTrigger(t *testing.T) {
	t.Parallel()

	// High mean and rising second half
	source := &fakeSource{
		count:  3, // below volume threshold
		scores: []float64{0.76, 0.77, 0.78, 0.78, 0.80, 0.82, 0.83, 0.85},
	}
	runner := &fakeRunner{source: source}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool { return runner.runCount() >= 1 })
	assert.Equal(t, ReasonTrend, runner.runs[0])
}

func TestEngine_FlatTrendDoesNotFire(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		count:  3,
		scores: []float64{0.85, 0.85, 0.85, 0.85, 0.85, 0.85, 0.85, 0.85},
	}
	runner := &fakeRunner{}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount())
}

func TestEngine_ResourceCheckFailureBacksOff(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 25}
	runner := &fakeRunner{}
	engine := NewEngine(fastConfig(), source, &fakeResources{err: errors.New("no memory")}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount(), "runner must not start when resources are unavailable")
}

func TestEngine_ManualTrigger(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 0} // nothing would fire automatically
	runner := &fakeRunner{}
	cfg := fastConfig()
	cfg.EvaluateInterval = time.Hour // keep automatic evaluation out of the way
	engine := NewEngine(cfg, source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	require.NoError(t, engine.TriggerManual())
	waitFor(t, 2*time.Second, func() bool { return runner.runCount() >= 1 })
	assert.Equal(t, ReasonManual, runner.runs[0])
}

func TestEngine_ManualTriggerQueuedDuringRun(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 0}
	runner := &fakeRunner{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	cfg := fastConfig()
	cfg.EvaluateInterval = time.Hour
	engine := NewEngine(cfg, source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	require.NoError(t, engine.TriggerManual())
	<-runner.started // first run is now active

	// Queue slot takes one request, second is rejected
	require.NoError(t, engine.TriggerManual())
	assert.ErrorIs(t, engine.TriggerManual(), ErrQueueFull)

	close(runner.release)
	waitFor(t, 2*time.Second, func() bool { return runner.runCount() >= 2 })
}

func TestEngine_EscalatesAfterConsecutiveAborts(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 25}
	runner := &fakeRunner{err: errors.New("optimizer diverged")}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop()

	waitFor(t, 3*time.Second, func() bool { return engine.Escalated() })
	assert.Equal(t, 3, runner.runCount())

	// Escalated engine rejects manual triggers and stops evaluating
	assert.ErrorIs(t, engine.TriggerManual(), ErrEscalated)
	before := runner.runCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, runner.runCount())

	// Clearing resumes; the aborting runner escalates again eventually
	engine.ClearEscalation()
	assert.False(t, engine.Escalated())
	waitFor(t, 3*time.Second, func() bool { return runner.runCount() > before })
}

func TestEngine_StopCancelsActiveRun(t *testing.T) {
	t.Parallel()

	source := &fakeSource{count: 25}
	runner := &fakeRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}), // never released: run blocks until cancelled
	}
	engine := NewEngine(fastConfig(), source, &fakeResources{}, runner, nil)

	require.NoError(t, engine.Start())
	<-runner.started

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not cancel the active run")
	}
}

func TestEngine_StartTwice(t *testing.T) {
	t.Parallel()

	engine := NewEngine(fastConfig(), &fakeSource{}, &fakeResources{}, &fakeRunner{}, nil)

	require.NoError(t, engine.Start())
	assert.ErrorIs(t, engine.Start(), ErrAlreadyRunning)
	require.NoError(t, engine.Stop())

	// Stop is idempotent
	require.NoError(t, engine.Stop())
}

func TestState_Gauge(t *testing.T) {
	t.Parallel()

	states := []State{
		StateCollecting, StateEvaluating, StateResourceCheck,
		StateDatasetPrep, StateTrainingActive, StateCooldown,
	}
	seen := map[int64]bool{}
	for _, s := range states {
		g := s.Gauge()
		assert.False(t, seen[g], "gauge values must be distinct")
		seen[g] = true
	}
	assert.Equal(t, int64(-1), State("bogus").Gauge())
}

func TestEngine_RunOutcomeCountedOnce(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.NewPipelineMetrics(provider.Meter("test"))
	require.NoError(t, err)

	source := &fakeSource{}
	runner := &fakeRunner{source: source}
	cfg := fastConfig()
	cfg.EvaluateInterval = time.Hour
	engine := NewEngine(cfg, source, &fakeResources{}, runner, nil, WithMetrics(metrics))

	require.NoError(t, engine.Start())
	defer engine.Stop()

	require.NoError(t, engine.TriggerManual())
	waitFor(t, 2*time.Second, func() bool { return runner.runCount() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		s := engine.State()
		return s == StateCooldown || s == StateCollecting
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	outcomes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "learnd.training.runs_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				outcomes[outcome.AsString()] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), outcomes["started"])
	assert.Equal(t, int64(1), outcomes["completed"])
	assert.Zero(t, outcomes["aborted"])
}
