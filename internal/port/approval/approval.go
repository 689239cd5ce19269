// Package approval defines the human-in-the-loop port. The orchestration
// services block on Channel.Request; adapters decide how the question
// reaches a human (console prompt, websocket, auto-approve).
package approval

import "context"

// Kind identifies what is being approved.
type Kind string

const (
	KindToolExecution   Kind = "tool_execution"
	KindStrategicReview Kind = "strategic_review"
	KindFeasibilityGap  Kind = "feasibility_gap"
	KindRuntimeData     Kind = "runtime_data"
	KindStepExtension   Kind = "step_extension"
)

// GapChoice is the human's resolution for an unmapped plan step.
type GapChoice string

const (
	GapSkip      GapChoice = "skip"
	GapManual    GapChoice = "manual"
	GapAlternate GapChoice = "alternate"
	GapPlugin    GapChoice = "plugin"
)

// Request describes one approval question. Details carries kind-specific
// context (tool name, risk, mapping candidates) as flat key/value pairs.
type Request struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	WorkflowID string            `json:"workflow_id"`
	Kind       Kind              `json:"kind"`
	Summary    string            `json:"summary"`
	Details    map[string]string `json:"details,omitempty"`
	// Options constrains the answer for gap and runtime-data requests.
	Options []string `json:"options,omitempty"`
}

// Decision is the human's answer.
type Decision struct {
	Approved bool      `json:"approved"`
	Choice   GapChoice `json:"choice,omitempty"`
	// Input carries free-form data: an alternate tool name, manual step
	// instructions, or runtime data values keyed by field.
	Input  map[string]string `json:"input,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// Channel is the port interface for requesting human decisions. Request
// blocks until a decision arrives, the context is cancelled, or the
// adapter's timeout elapses.
type Channel interface {
	Request(ctx context.Context, req Request) (*Decision, error)
}
