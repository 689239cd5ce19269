// Package audit defines the append-only audit event emitted at every
// planning and execution boundary.
package audit

import "time"

// Phase identifies which stage of a run produced an event.
type Phase string

const (
	PhaseStrategic Phase = "strategic"
	PhaseTactical  Phase = "tactical"
	PhaseExecution Phase = "execution"
)

// Type categorizes an audit event within its phase.
type Type string

const (
	TypePlanGenerated     Type = "plan.generated"
	TypePlanFallback      Type = "plan.fallback"
	TypePlanReviewed      Type = "plan.reviewed"
	TypeMappingResolved   Type = "mapping.resolved"
	TypeMappingGap        Type = "mapping.gap"
	TypeFuzzyScore        Type = "mapping.fuzzy_score"
	TypeApprovalRequested Type = "approval.requested"
	TypeApprovalResolved  Type = "approval.resolved"
	TypePolicyEvaluated   Type = "policy.evaluated"
	TypeStepStarted       Type = "step.started"
	TypeStepCompleted     Type = "step.completed"
	TypeDivergence        Type = "divergence.detected"
	TypeRunStarted        Type = "run.started"
	TypeRunCompleted      Type = "run.completed"
	TypePluginSuggested   Type = "plugin.suggested"
)

// Event is one immutable audit record. Fields carries event-specific
// details as flat key/value pairs so sinks never need type switches.
type Event struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Phase     Phase             `json:"phase"`
	Type      Type              `json:"type"`
	Step      int               `json:"step,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
