// Package task defines the Request domain entity that seeds a run.
package task

import (
	"strings"

	"github.com/aegisflow/aegis/internal/domain"
)

// DefaultWorkflowID is used when a request does not name a workflow.
const DefaultWorkflowID = "plan-react"

// Request is the caller's input to the Plan→ReAct pipeline.
// Context and Hints are carried verbatim into planning prompts.
type Request struct {
	Task               string            `json:"task"`
	StepBudget         int               `json:"step_budget"`
	AllowStepExtension bool              `json:"allow_step_extension"`
	Context            map[string]string `json:"context,omitempty"`
	Hints              []string          `json:"hints,omitempty"`
	WorkflowID         string            `json:"workflow_id,omitempty"`

	// HITL controls for two-phase planning.
	EnableStrategicHITL   bool `json:"enable_strategic_hitl"`
	EnableFeasibilityHITL bool `json:"enable_feasibility_hitl"`
	AutoQueuePlugins      bool `json:"auto_queue_plugins"`
}

// Validate checks that the request is well formed before planning starts.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return domain.ErrEmptyTask
	}
	return nil
}

// Workflow returns the workflow identifier, defaulting when unset.
func (r *Request) Workflow() string {
	if r.WorkflowID == "" {
		return DefaultWorkflowID
	}
	return r.WorkflowID
}
