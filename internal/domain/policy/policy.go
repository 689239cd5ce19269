// Package policy defines per-workflow authorization of tools. A workflow
// policy decides, from tool metadata alone, whether a tool is usable at all
// and whether a human must approve it before each run's first use.
package policy

import (
	"strings"

	"github.com/aegisflow/aegis/internal/domain/tool"
)

// Decision is the outcome of evaluating a tool against a workflow policy.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Workflow is the policy configuration for one workflow identifier.
type Workflow struct {
	WorkflowID          string         `json:"workflow_id" yaml:"workflow_id"`
	AutomationThreshold tool.RiskLevel `json:"automation_threshold" yaml:"automation_threshold"`
	Blocklist           []string       `json:"blocklist,omitempty" yaml:"blocklist,omitempty"`
	ApprovalRequired    []string       `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
}

// Default returns the policy applied to workflows with no explicit entry.
func Default() Workflow {
	return Workflow{
		WorkflowID:          "default",
		AutomationThreshold: tool.RiskMedium,
	}
}

// IsBlocked reports whether the qualified tool name appears on the blocklist.
func (w *Workflow) IsBlocked(qualified string) bool {
	return containsFold(w.Blocklist, qualified)
}

// RequiresApproval reports whether the qualified tool name is explicitly
// listed as approval-required.
func (w *Workflow) RequiresApproval(qualified string) bool {
	return containsFold(w.ApprovalRequired, qualified)
}

func containsFold(list []string, name string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, name) {
			return true
		}
	}
	return false
}

// Evaluation records one policy decision for auditing.
type Evaluation struct {
	WorkflowID string   `json:"workflow_id"`
	Qualified  string   `json:"qualified"`
	Decision   Decision `json:"decision"`
	Rationale  string   `json:"rationale"`
}

// Evaluate decides how the given tool may be used under this workflow policy.
// Blocklist entries and critical-risk tools are blocked outright. Tools on
// the approval-required list need human approval regardless of their own
// declared posture; tool metadata comes from the substrate and must not relax
// operator policy. Tools declaring always-ask and tools whose risk reaches
// the automation threshold also need approval. Everything else is allowed,
// subject to the tool's own auto-approve declaration.
func (w *Workflow) Evaluate(def *tool.Definition) Evaluation {
	qualified := def.Qualified()

	switch {
	case w.IsBlocked(qualified):
		return Evaluation{w.WorkflowID, qualified, DecisionBlock,
			"tool is on the workflow blocklist"}
	case def.Risk == tool.RiskCritical:
		return Evaluation{w.WorkflowID, qualified, DecisionBlock,
			"critical-risk tools are blocked"}
	case w.RequiresApproval(qualified):
		return Evaluation{w.WorkflowID, qualified, DecisionRequireApproval,
			"workflow policy requires approval for this tool"}
	case def.Approval == tool.ApprovalAuto:
		return Evaluation{w.WorkflowID, qualified, DecisionAllow,
			"tool declares auto-approve"}
	case def.Approval == tool.ApprovalAlwaysAsk:
		return Evaluation{w.WorkflowID, qualified, DecisionRequireApproval,
			"tool declares always-ask"}
	case tool.CompareRisk(def.Risk, w.AutomationThreshold) >= 0:
		return Evaluation{w.WorkflowID, qualified, DecisionRequireApproval,
			"risk level meets or exceeds the automation threshold"}
	default:
		return Evaluation{w.WorkflowID, qualified, DecisionAllow,
			"within the automation threshold"}
	}
}
