package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/rehearsal"
)

// Subscriber delivers captured interactions. Satisfied by record.Queue.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(context.Context, record.Interaction)) (*nats.Subscription, error)
}

// Worker assesses captured interactions off the queue and admits the
// ones that pass the gate into the candidate store.
type Worker struct {
	queue      Subscriber
	engine     *quality.Engine
	gate       quality.Gate
	candidates *dataset.CandidateStore
	history    *rehearsal.History
	threshold  float64
	logger     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// WorkerOption customizes the worker.
type WorkerOption func(*Worker)

// WithWorkerHistory stores very strong candidates as rehearsal
// exemplars as they arrive.
func WithWorkerHistory(h *rehearsal.History, threshold float64) WorkerOption {
	return func(w *Worker) {
		w.history = h
		w.threshold = threshold
	}
}

// NewWorker creates the assessment worker.
func NewWorker(queue Subscriber, engine *quality.Engine, gate quality.Gate, candidates *dataset.CandidateStore, logger *zap.Logger, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("quality engine is required")
	}
	if candidates == nil {
		return nil, fmt.Errorf("candidate store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		queue:      queue,
		engine:     engine,
		gate:       gate,
		candidates: candidates,
		threshold:  0.85,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start subscribes to the interaction stream.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub != nil {
		return fmt.Errorf("worker is already started")
	}

	sub, err := w.queue.Subscribe(ctx, w.Handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to interaction stream: %w", err)
	}
	w.sub = sub

	w.logger.Info("Assessment worker started")
	return nil
}

// Stop unsubscribes from the interaction stream.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
		w.logger.Info("Assessment worker stopped")
	}
}

// Handle assesses one interaction and stores it as a candidate when it
// passes the gate.
func (w *Worker) Handle(ctx context.Context, interaction record.Interaction) {
	score := w.engine.Assess(ctx, interaction)

	gate := w.gate.Evaluate(score)
	if !gate.Pass {
		w.logger.Debug("Interaction rejected by quality gate",
			zap.String("record_id", interaction.ID),
			zap.Float64("overall", score.Overall),
			zap.String("reason", gate.FailureReason))
		return
	}

	candidate := dataset.NewCandidate(interaction, score)
	if err := w.candidates.Add(ctx, candidate); err != nil {
		w.logger.Error("Failed to store candidate",
			zap.String("record_id", interaction.ID),
			zap.Error(err))
		return
	}

	w.logger.Debug("Candidate admitted",
		zap.String("record_id", interaction.ID),
		zap.String("domain", candidate.Domain),
		zap.Float64("overall", score.Overall))

	if w.history != nil && score.Overall >= w.threshold {
		err := w.history.Add(ctx, rehearsal.Exemplar{
			ID:      interaction.ID,
			Domain:  candidate.Domain,
			Input:   interaction.Input,
			Output:  interaction.Output,
			Quality: score.Overall,
		})
		if err != nil {
			w.logger.Warn("Failed to store rehearsal exemplar",
				zap.String("record_id", interaction.ID),
				zap.Error(err))
		}
	}
}
