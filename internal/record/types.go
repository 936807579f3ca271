// Package record captures live assistant interactions for the learning
// pipeline.
//
// The recorder is the only pipeline component on the assistant's hot path,
// so its contract is strict: capture returns in a few milliseconds, never
// returns an error to the caller, and on internal failure drops the event
// after one bounded retry. A lost record costs one training example; a
// blocked assistant costs the user.
package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for interaction capture.
var (
	ErrEmptyInput       = errors.New("interaction input cannot be empty")
	ErrEmptyOutput      = errors.New("interaction output cannot be empty")
	ErrSnapshotTooLarge = errors.New("context snapshot exceeds size limit")
	ErrNotConnected     = errors.New("queue connection is closed")
)

// MaxSnapshotBytes bounds the serialized context snapshot. Snapshots are
// captured on every interaction; an unbounded one would let a single
// pathological session dominate storage.
const MaxSnapshotBytes = 64 * 1024

// Snapshot is the context captured alongside an interaction.
//
// The recorder treats it as opaque; only the quality assessors read it.
type Snapshot struct {
	// WorkingSet describes the files and artifacts in play.
	WorkingSet string `json:"working_set,omitempty"`

	// RecentToolOutput carries trailing tool output for relevance checks.
	RecentToolOutput string `json:"recent_tool_output,omitempty"`

	// Domain is the caller-supplied task domain (free-form string).
	// Empty means the pipeline classifies heuristically.
	Domain string `json:"domain,omitempty"`

	// Complexity is an optional caller hint ("low", "medium", "high").
	Complexity string `json:"complexity,omitempty"`
}

// ToolCall is one entry of an interaction's tool trace.
type ToolCall struct {
	// Name is the tool that was invoked.
	Name string `json:"name"`

	// ExitCode is the tool's exit status; zero means success.
	ExitCode int `json:"exit_code"`

	// Duration is how long the invocation took.
	Duration time.Duration `json:"duration"`

	// Output is a truncated capture of the tool's output.
	Output string `json:"output,omitempty"`
}

// Interaction is one captured assistant exchange.
//
// Interactions are immutable once sealed by the recorder; downstream
// stages receive them by value and never mutate them.
type Interaction struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// SessionID groups interactions from one assistant session.
	SessionID string `json:"session_id"`

	// Timestamp is when the interaction was captured.
	Timestamp time.Time `json:"timestamp"`

	// Input is the user-side content of the exchange.
	Input string `json:"input"`

	// Output is the assistant-side content of the exchange.
	Output string `json:"output"`

	// Latency is the assistant's end-to-end response time.
	Latency time.Duration `json:"latency,omitempty"`

	// ContextSnapshot is the opaque context captured with the exchange.
	ContextSnapshot Snapshot `json:"context_snapshot"`

	// ToolTrace lists the tool invocations made during the exchange.
	ToolTrace []ToolCall `json:"tool_trace,omitempty"`
}

// CaptureRequest is the raw material for one interaction record.
type CaptureRequest struct {
	// SessionID groups interactions from one assistant session.
	SessionID string `json:"session_id"`

	// Input is the user-side content of the exchange.
	Input string `json:"input"`

	// Output is the assistant-side content of the exchange.
	Output string `json:"output"`

	// Latency is the assistant's end-to-end response time.
	Latency time.Duration `json:"latency,omitempty"`

	// Snapshot is the opaque context captured with the exchange.
	Snapshot Snapshot `json:"snapshot"`

	// ToolTrace lists the tool invocations made during the exchange.
	ToolTrace []ToolCall `json:"tool_trace,omitempty"`
}

// NewInteraction seals a capture request into an interaction with a
// generated UUID and capture timestamp.
func NewInteraction(req CaptureRequest) (Interaction, error) {
	if req.Input == "" {
		return Interaction{}, ErrEmptyInput
	}
	if req.Output == "" {
		return Interaction{}, ErrEmptyOutput
	}
	if len(req.Snapshot.WorkingSet)+len(req.Snapshot.RecentToolOutput) > MaxSnapshotBytes {
		return Interaction{}, ErrSnapshotTooLarge
	}

	return Interaction{
		ID:              uuid.New().String(),
		SessionID:       req.SessionID,
		Timestamp:       time.Now().UTC(),
		Input:           req.Input,
		Output:          req.Output,
		Latency:         req.Latency,
		ContextSnapshot: req.Snapshot,
		ToolTrace:       req.ToolTrace,
	}, nil
}
