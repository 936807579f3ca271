package record

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// Publisher is the queue surface the recorder needs.
type Publisher interface {
	Publish(data []byte) error
}

// Recorder captures interactions without blocking the caller.
//
// Record never returns an error: validation failures and publish failures
// are logged and counted, not surfaced. The caller's only signal is the
// returned record ID, and even that arrives whether or not the record
// survived downstream.
type Recorder struct {
	queue   Publisher
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics
}

// NewRecorder creates a recorder publishing to the given queue.
func NewRecorder(queue Publisher, logger *zap.Logger, metrics *telemetry.PipelineMetrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}
}

// Record captures one interaction and returns its record ID.
//
// The publish is asynchronous; caller-visible latency is validation plus
// JSON encoding plus a buffered write. On publish failure it retries once,
// then drops the record.
func (r *Recorder) Record(ctx context.Context, req CaptureRequest) string {
	interaction, err := NewInteraction(req)
	if err != nil {
		r.logger.Warn("Dropping malformed interaction",
			zap.Error(err),
			zap.String("session_id", req.SessionID))
		r.metrics.RecordDropped(ctx, dropReason(err))
		return ""
	}

	data, err := json.Marshal(interaction)
	if err != nil {
		r.logger.Warn("Dropping unencodable interaction",
			zap.Error(err),
			zap.String("record_id", interaction.ID))
		r.metrics.RecordDropped(ctx, "encode_failed")
		return interaction.ID
	}

	if err := r.queue.Publish(data); err != nil {
		// One bounded retry, then drop
		if err := r.queue.Publish(data); err != nil {
			r.logger.Warn("Dropping interaction after publish retry",
				zap.Error(err),
				zap.String("record_id", interaction.ID))
			r.metrics.RecordDropped(ctx, "publish_failed")
			return interaction.ID
		}
	}

	r.metrics.RecordIngested(ctx)
	return interaction.ID
}

// dropReason maps a validation error to a metric label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrEmptyOutput):
		return "empty_output"
	case errors.Is(err, ErrSnapshotTooLarge):
		return "snapshot_too_large"
	default:
		return "invalid"
	}
}
