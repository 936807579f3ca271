package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

func TestWeights_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultWeights().Validate())

	bad := DefaultWeights()
	bad.Efficiency += 0.1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidWeights)
}

func TestWeights_Composite(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()

	allOnes := Components{1, 1, 1, 1, 1}
	assert.InDelta(t, 1.0, w.Composite(allOnes), 1e-9)

	allZero := Components{}
	assert.Equal(t, 0.0, w.Composite(allZero))

	neutral := Components{0.5, 0.5, 0.5, 0.5, 0.5}
	assert.InDelta(t, 0.5, w.Composite(neutral), 1e-9)
}

func TestSatisfactionAssessor(t *testing.T) {
	t.Parallel()

	a := satisfactionAssessor{}

	value, signal := a.Assess(record.Interaction{Input: "thanks, that works perfectly"})
	assert.True(t, signal)
	assert.Equal(t, 1.0, value)

	value, signal = a.Assess(record.Interaction{Input: "this is still broken and wrong"})
	assert.True(t, signal)
	assert.Equal(t, 0.0, value)

	_, signal = a.Assess(record.Interaction{Input: "add a retry to the fetcher"})
	assert.False(t, signal)
}

func TestCorrectnessAssessor(t *testing.T) {
	t.Parallel()

	a := correctnessAssessor{}

	value, signal := a.Assess(record.Interaction{
		Output: "all good",
		ToolTrace: []record.ToolCall{
			{Name: "go_test", ExitCode: 0},
			{Name: "go_build", ExitCode: 0},
		},
	})
	assert.True(t, signal)
	assert.Equal(t, 1.0, value)

	value, signal = a.Assess(record.Interaction{
		Output: "tests pass",
		ToolTrace: []record.ToolCall{
			{Name: "go_test", ExitCode: 1},
			{Name: "go_build", ExitCode: 0},
		},
	})
	assert.True(t, signal)
	assert.InDelta(t, 0.5, value, 1e-9)

	value, signal = a.Assess(record.Interaction{
		Output: "panic: runtime error: index out of range",
	})
	assert.True(t, signal)
	assert.Less(t, value, 1.0)

	_, signal = a.Assess(record.Interaction{Output: "here is the plan"})
	assert.False(t, signal)
}

func TestCodeQualityAssessor(t *testing.T) {
	t.Parallel()

	a := codeQualityAssessor{}

	_, signal := a.Assess(record.Interaction{Output: "no code here"})
	assert.False(t, signal)

	value, signal := a.Assess(record.Interaction{
		Output: "```go\nfunc add(a, b int) int {\n\treturn a + b\n}\n```",
	})
	assert.True(t, signal)
	assert.Greater(t, value, 0.5)

	// Unbalanced fences read as truncated output
	truncated, signal := a.Assess(record.Interaction{
		Output: "```go\nfunc add(a, b int) int {",
	})
	assert.True(t, signal)
	assert.Less(t, truncated, value)
}

func TestRelevanceAssessor(t *testing.T) {
	t.Parallel()

	a := relevanceAssessor{}

	_, signal := a.Assess(record.Interaction{Output: "answer"})
	assert.False(t, signal)

	relevant, signal := a.Assess(record.Interaction{
		ContextSnapshot: record.Snapshot{WorkingSet: "parser tokenizer grammar rules"},
		Output:          "the parser consumes tokenizer output following grammar rules",
	})
	assert.True(t, signal)

	irrelevant, _ := a.Assess(record.Interaction{
		ContextSnapshot: record.Snapshot{WorkingSet: "parser tokenizer grammar rules"},
		Output:          "completely unrelated gardening advice",
	})
	assert.Greater(t, relevant, irrelevant)
}

func TestEfficiencyAssessor(t *testing.T) {
	t.Parallel()

	a := efficiencyAssessor{}

	_, signal := a.Assess(record.Interaction{Output: "fast"})
	assert.False(t, signal)

	fast, signal := a.Assess(record.Interaction{
		Output:  "a reasonably sized answer with some detail in it",
		Latency: 500 * time.Millisecond,
	})
	assert.True(t, signal)
	assert.Equal(t, 1.0, fast)

	slow, _ := a.Assess(record.Interaction{
		Output:  "ok",
		Latency: 30 * time.Second,
	})
	assert.Less(t, slow, fast)
}

func newTestInteraction(t *testing.T) record.Interaction {
	t.Helper()

	interaction, err := record.NewInteraction(record.CaptureRequest{
		SessionID: "sess-1",
		Input:     "thanks, the fix works",
		Output:    "```go\nfunc fix() error {\n\treturn nil\n}\n```",
		Latency:   time.Second,
		Snapshot:  record.Snapshot{WorkingSet: "error handling in fetcher"},
		ToolTrace: []record.ToolCall{{Name: "go_test", ExitCode: 0}},
	})
	require.NoError(t, err)
	return interaction
}

func TestEngine_Assess(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(NewDefaultConfig(), nil)
	require.NoError(t, err)

	score := engine.Assess(context.Background(), newTestInteraction(t))

	assert.GreaterOrEqual(t, score.Overall, 0.0)
	assert.LessOrEqual(t, score.Overall, 1.0)
	assert.False(t, score.Fallback)
	assert.Equal(t, "v1", score.AssessorVersion)

	// All five dimensions have signal in this interaction
	assert.InDelta(t, 1.0, score.Confidence, 1e-9)
}

func TestEngine_ConfidenceDropsWithoutSignal(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(NewDefaultConfig(), nil)
	require.NoError(t, err)

	interaction, err := record.NewInteraction(record.CaptureRequest{
		Input:  "describe the architecture",
		Output: "it is a layered design",
	})
	require.NoError(t, err)

	score := engine.Assess(context.Background(), interaction)

	// No tool trace, no code, no snapshot, no latency, no sentiment
	assert.InDelta(t, FallbackConfidence, score.Confidence, 1e-9)
	assert.InDelta(t, 0.5, score.Overall, 1e-9)
	assert.False(t, score.Fallback)
}

// stalledAssessor never returns in time.
type stalledAssessor struct{}

func (stalledAssessor) Name() string { return "user_satisfaction" }
func (stalledAssessor) Assess(record.Interaction) (float64, bool) {
	time.Sleep(time.Second)
	return 1.0, true
}

func TestEngine_TimeoutProducesFallback(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	cfg.AssessTimeout = 20 * time.Millisecond

	engine, err := NewEngine(cfg, nil, WithAssessors([]Assessor{stalledAssessor{}}))
	require.NoError(t, err)

	score := engine.Assess(context.Background(), newTestInteraction(t))

	assert.True(t, score.Fallback)
	assert.InDelta(t, FallbackConfidence, score.Confidence, 1e-9)
	assert.InDelta(t, 0.5, score.Overall, 1e-9)
}

func TestEngine_SetWeights(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(NewDefaultConfig(), nil)
	require.NoError(t, err)

	updated := Weights{
		UserSatisfaction:      0.40,
		FunctionalCorrectness: 0.30,
		CodeQuality:           0.10,
		ContextRelevance:      0.10,
		Efficiency:            0.10,
	}
	require.NoError(t, engine.SetWeights(updated))
	assert.Equal(t, updated, engine.Weights())

	bad := updated
	bad.Efficiency = 0.9
	assert.ErrorIs(t, engine.SetWeights(bad), ErrInvalidWeights)
	assert.Equal(t, updated, engine.Weights())
}

func TestEngine_CacheHitSkipsReassessment(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer s.Close()

	cache := NewScoreCache(s)
	engine, err := NewEngine(NewDefaultConfig(), nil, WithCache(cache))
	require.NoError(t, err)

	ctx := context.Background()
	interaction := newTestInteraction(t)

	first := engine.Assess(ctx, interaction)
	second := engine.Assess(ctx, interaction)

	assert.Equal(t, first.AssessedAt, second.AssessedAt, "second assessment should come from cache")
}

func TestScoreCache_VersionIsolation(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer s.Close()

	cache := NewScoreCache(s)
	ctx := context.Background()

	score := Score{RecordID: "rec-1", Overall: 0.8, Confidence: 0.9, AssessorVersion: "v1"}
	require.NoError(t, cache.Put(ctx, score))

	got, err := cache.Get(ctx, "rec-1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Overall)

	// Version bump invalidates
	_, err = cache.Get(ctx, "rec-1", "v2")
	assert.ErrorIs(t, err, ErrNoScore)
}

func TestGate_Evaluate(t *testing.T) {
	t.Parallel()

	gate := Gate{MinOverall: 0.7, MinConfidence: 0.4}

	assert.True(t, gate.Evaluate(Score{Overall: 0.8, Confidence: 0.9}).Pass)

	low := gate.Evaluate(Score{Overall: 0.6, Confidence: 0.9})
	assert.False(t, low.Pass)
	assert.Equal(t, "overall score below threshold", low.FailureReason)

	// Fallback scores never qualify
	fallback := gate.Evaluate(Score{Overall: 0.8, Confidence: FallbackConfidence, Fallback: true})
	assert.False(t, fallback.Pass)
	assert.Equal(t, "confidence below threshold", fallback.FailureReason)
}
