package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func defaultWeights() WeightConfig {
	return WeightConfig{
		UserSatisfaction:      0.30,
		FunctionalCorrectness: 0.25,
		CodeQuality:           0.20,
		ContextRelevance:      0.15,
		Efficiency:            0.10,
	}
}

func TestWeightWatcher_EmitsOnValidChange(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, `quality:
  weights:
    user_satisfaction: 0.30
    functional_correctness: 0.25
    code_quality: 0.20
    context_relevance: 0.15
    efficiency: 0.10
`)

	w, err := NewWeightWatcher(configPath, defaultWeights())
	if err != nil {
		t.Fatalf("NewWeightWatcher() error = %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	updated := `quality:
  weights:
    user_satisfaction: 0.40
    functional_correctness: 0.25
    code_quality: 0.15
    context_relevance: 0.10
    efficiency: 0.10
`
	if err := os.WriteFile(configPath, []byte(updated), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case update := <-w.Updates():
		if update.Weights.UserSatisfaction != 0.40 {
			t.Errorf("UserSatisfaction = %v, want 0.40", update.Weights.UserSatisfaction)
		}
		if update.Weights.CodeQuality != 0.15 {
			t.Errorf("CodeQuality = %v, want 0.15", update.Weights.CodeQuality)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no weight update received")
	}
}

func TestWeightWatcher_IgnoresInvalidWeights(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, `quality:
  weights:
    user_satisfaction: 0.30
    functional_correctness: 0.25
    code_quality: 0.20
    context_relevance: 0.15
    efficiency: 0.10
`)

	w, err := NewWeightWatcher(configPath, defaultWeights())
	if err != nil {
		t.Fatalf("NewWeightWatcher() error = %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Weights sum to 1.5: must be dropped
	bad := `quality:
  weights:
    user_satisfaction: 0.50
    functional_correctness: 0.50
    code_quality: 0.20
    context_relevance: 0.20
    efficiency: 0.10
`
	if err := os.WriteFile(configPath, []byte(bad), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case update := <-w.Updates():
		t.Fatalf("received update for invalid weights: %+v", update)
	case <-time.After(500 * time.Millisecond):
		// Expected: invalid set never emitted
	}
}

func TestWeightWatcher_StopIsIdempotent(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, "server:\n  port: 9180\n")

	w, err := NewWeightWatcher(configPath, defaultWeights())
	if err != nil {
		t.Fatalf("NewWeightWatcher() error = %v", err)
	}

	w.Stop()
	w.Stop()
}
