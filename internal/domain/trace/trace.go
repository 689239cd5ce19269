// Package trace defines the append-only execution record of a run: per-step
// traces, the action decisions behind them, divergence signals, and the
// terminal RunResult. Traces are never mutated after creation; serializing
// and re-loading a RunResult reproduces identical ordering and field values.
package trace

import "github.com/aegisflow/aegis/internal/domain/plan"

// ActionKind is what the executor chose to do for a step.
type ActionKind string

const (
	ActionExecuteTool    ActionKind = "execute_tool"
	ActionAnswerDirectly ActionKind = "answer_directly"
	ActionRequestData    ActionKind = "request_data"
)

// Decision is the executor's choice of next action for one plan item.
type Decision struct {
	Kind       ActionKind        `json:"kind"`
	Tool       string            `json:"tool,omitempty"` // qualified "Plugin.Tool"
	Params     map[string]any    `json:"params,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`
	Confidence float64           `json:"confidence"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Severity classifies a divergence signal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Divergence signals that an observation contradicted the plan's
// expectations. It is raised and surfaced, never retried automatically.
type Divergence struct {
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
	Step     int      `json:"step"`
}

// Trace records one reason-act-observe cycle. Sequence numbers are
// monotonic, 1-based, gap-free regardless of step status.
type Trace struct {
	Sequence    int         `json:"sequence"`
	Thought     string      `json:"thought"`
	Action      string      `json:"action"`
	Observation string      `json:"observation"`
	Decision    *Decision   `json:"decision,omitempty"`
	Divergence  *Divergence `json:"divergence,omitempty"`
}

// RunResult is the immutable terminal artifact of one run.
type RunResult struct {
	RunID              string         `json:"run_id"`
	Task               string         `json:"task"`
	FinalResponse      string         `json:"final_response"`
	StepsExecuted      int            `json:"steps_executed"`
	Plan               *plan.Tactical `json:"plan,omitempty"`
	Traces             []Trace        `json:"traces"`
	ExtensionRequested bool           `json:"extension_requested"`
	ExtensionMessage   string         `json:"extension_message,omitempty"`
}

// CriticalDivergences returns the traces carrying a critical divergence, in
// order. Callers decide policy; the executor only surfaces them.
func (r *RunResult) CriticalDivergences() []Trace {
	var out []Trace
	for _, t := range r.Traces {
		if t.Divergence != nil && t.Divergence.Severity == SeverityCritical {
			out = append(out, t)
		}
	}
	return out
}
