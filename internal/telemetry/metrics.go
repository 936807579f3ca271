package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/learnd/internal/telemetry"

// PipelineMetrics holds the instruments shared across pipeline stages.
//
// One instance is created at startup and handed to each service. A nil
// *PipelineMetrics is safe to call; every method no-ops.
type PipelineMetrics struct {
	recordsIngested   metric.Int64Counter
	recordsDropped    metric.Int64Counter
	assessments       metric.Int64Counter
	qualityScore      metric.Float64Histogram
	candidatesChosen  metric.Int64Counter
	trainingRuns      metric.Int64Counter
	validationSuites  metric.Int64Counter
	deployTransitions metric.Int64Counter
	productionInfo    metric.Int64Gauge
	triggerState      metric.Int64Gauge
}

// NewPipelineMetrics creates the pipeline instruments on the given meter.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	var err error

	m.recordsIngested, err = meter.Int64Counter(
		"learnd.records.ingested_total",
		metric.WithDescription("Total number of interaction records accepted for capture"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingested counter: %w", err)
	}

	m.recordsDropped, err = meter.Int64Counter(
		"learnd.records.dropped_total",
		metric.WithDescription("Total number of interaction records dropped after retry"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.assessments, err = meter.Int64Counter(
		"learnd.quality.assessments_total",
		metric.WithDescription("Total number of quality assessments by outcome"),
		metric.WithUnit("{assessment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assessments counter: %w", err)
	}

	m.qualityScore, err = meter.Float64Histogram(
		"learnd.quality.score",
		metric.WithDescription("Distribution of composite quality scores"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quality score histogram: %w", err)
	}

	m.candidatesChosen, err = meter.Int64Counter(
		"learnd.candidates.selected_total",
		metric.WithDescription("Total number of records selected into training datasets"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidates counter: %w", err)
	}

	m.trainingRuns, err = meter.Int64Counter(
		"learnd.training.runs_total",
		metric.WithDescription("Total number of training runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create training runs counter: %w", err)
	}

	m.validationSuites, err = meter.Int64Counter(
		"learnd.validation.suite_total",
		metric.WithDescription("Total number of validation suite executions by suite and outcome"),
		metric.WithUnit("{suite}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation suites counter: %w", err)
	}

	m.deployTransitions, err = meter.Int64Counter(
		"learnd.deploy.transitions_total",
		metric.WithDescription("Total number of deployment state transitions by target state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deploy transitions counter: %w", err)
	}

	m.productionInfo, err = meter.Int64Gauge(
		"learnd.deploy.production_info",
		metric.WithDescription("Set to 1 for the checkpoint currently serving production"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create production info gauge: %w", err)
	}

	m.triggerState, err = meter.Int64Gauge(
		"learnd.trigger.state",
		metric.WithDescription("Current pipeline state machine position"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger state gauge: %w", err)
	}

	return m, nil
}

// RecordIngested counts an accepted interaction record.
func (m *PipelineMetrics) RecordIngested(ctx context.Context) {
	if m == nil {
		return
	}
	m.recordsIngested.Add(ctx, 1)
}

// RecordDropped counts a record dropped after the bounded retry.
func (m *PipelineMetrics) RecordDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordAssessment counts a quality assessment. Outcome is "ok" or "fallback".
func (m *PipelineMetrics) RecordAssessment(ctx context.Context, outcome string, score float64) {
	if m == nil {
		return
	}
	m.assessments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.qualityScore.Record(ctx, score)
}

// RecordCandidates counts records selected into a dataset for a domain.
func (m *PipelineMetrics) RecordCandidates(ctx context.Context, domain string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.candidatesChosen.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("domain", domain),
	))
}

// RecordTrainingRun counts a started, completed, or aborted training run.
func (m *PipelineMetrics) RecordTrainingRun(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.trainingRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordValidationSuite counts a validation suite execution.
func (m *PipelineMetrics) RecordValidationSuite(ctx context.Context, suite, outcome string) {
	if m == nil {
		return
	}
	m.validationSuites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("suite", suite),
		attribute.String("outcome", outcome),
	))
}

// RecordDeployTransition counts a deployment state transition.
func (m *PipelineMetrics) RecordDeployTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.deployTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", to),
	))
}

// SetProductionCheckpoint marks the checkpoint serving production.
func (m *PipelineMetrics) SetProductionCheckpoint(ctx context.Context, checkpointID string) {
	if m == nil {
		return
	}
	m.productionInfo.Record(ctx, 1, metric.WithAttributes(
		attribute.String("checkpoint_id", checkpointID),
	))
}

// SetTriggerState publishes the numeric pipeline state.
func (m *PipelineMetrics) SetTriggerState(ctx context.Context, state int64) {
	if m == nil {
		return
	}
	m.triggerState.Record(ctx, state)
}
