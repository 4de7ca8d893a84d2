package models

import (
	"time"
)

// AgentEvent is the unified event emitted by an orchestrator run.
//
// Design principles:
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run.
	Sequence uint64 `json:"seq"`

	// RunID identifies the orchestrator run.
	RunID string `json:"run_id,omitempty"`

	// IterIndex is the 0-based model turn within the run.
	IterIndex int `json:"iter_index,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Stream *StreamEventPayload `json:"stream,omitempty"`
	Tool   *ToolEventPayload   `json:"tool,omitempty"`
	Finish *FinishEventPayload `json:"finish,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	AgentEventRunStarted  AgentEventType = "run.started"
	AgentEventRunFinished AgentEventType = "run.finished"

	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"
)

// TerminationReason explains why a run ended.
type TerminationReason string

const (
	TerminationCompleted       TerminationReason = "completed"
	TerminationMaxToolCalls    TerminationReason = "max_tool_calls"
	TerminationTimeout         TerminationReason = "timeout"
	TerminationModelError      TerminationReason = "model_error"
	TerminationValidationError TerminationReason = "validation_error"
	TerminationToolError       TerminationReason = "tool_error"
	TerminationAborted         TerminationReason = "aborted"
)

// Fatal reports whether the reason cut the run short with a partial answer.
func (r TerminationReason) Fatal() bool {
	switch r {
	case TerminationCompleted, TerminationMaxToolCalls:
		return false
	default:
		return true
	}
}

// StreamEventPayload represents model streaming deltas and completion metadata.
type StreamEventPayload struct {
	// Delta is the incremental text.
	Delta string `json:"delta,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Token counts, populated on model.completed when the provider reports them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes one tool invocation.
type ToolEventPayload struct {
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`

	// ArgsJSON is the raw JSON arguments (started events).
	ArgsJSON []byte `json:"args_json,omitempty"`

	// Finished events.
	Success       bool          `json:"success,omitempty"`
	Error         string        `json:"error,omitempty"`
	NormalizedSQL string        `json:"normalized_sql,omitempty"`
	RowsReturned  int           `json:"rows_returned,omitempty"`
	Truncated     bool          `json:"truncated,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
}

// FinishEventPayload closes a run.
type FinishEventPayload struct {
	Reason        TerminationReason `json:"reason"`
	Partial       bool              `json:"partial,omitempty"`
	Error         string            `json:"error,omitempty"`
	AssistantText string            `json:"assistant_text,omitempty"`
	ToolCalls     int               `json:"tool_calls"`
	MaxToolCalls  int               `json:"max_tool_calls"`
	Duration      time.Duration     `json:"duration"`
}
