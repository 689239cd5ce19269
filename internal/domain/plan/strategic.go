// Package plan defines the two plan entities of the pipeline: the
// tool-agnostic Strategic plan and the tool-bound Tactical plan derived
// from it. A Strategic plan is immutable once approved; the Tactical plan
// references it for traceability and never copies it.
package plan

import (
	"fmt"
	"strings"
)

// Source records which variant of the planner produced a strategic plan.
type Source string

const (
	SourceCompletion Source = "completion"
	SourceHeuristic  Source = "heuristic"
)

// StrategicStep is one high-level, tool-agnostic step.
type StrategicStep struct {
	Number          int    `json:"number"`
	Title           string `json:"title"`
	Capability      string `json:"capability"`
	SuccessCriteria string `json:"success_criteria"`
	Description     string `json:"description,omitempty"`
}

// Strategic is the high-level plan derived from the task text. It carries
// the request's budget and context verbatim; the planner never inflates or
// shrinks the budget.
type Strategic struct {
	Task       string            `json:"task"`
	Goal       string            `json:"goal"`
	Rationale  string            `json:"rationale"`
	Steps      []StrategicStep   `json:"steps"`
	StepBudget int               `json:"step_budget"`
	Context    map[string]string `json:"context,omitempty"`
	Source     Source            `json:"source"`
}

// Render formats the plan as prompt/review text.
func (s *Strategic) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nRationale: %s\n\nSteps:\n", s.Goal, s.Rationale)
	for _, step := range s.Steps {
		fmt.Fprintf(&b, "%d. %s\n   Capability: %s\n   Success: %s\n",
			step.Number, step.Title, step.Capability, step.SuccessCriteria)
		if step.Description != "" {
			fmt.Fprintf(&b, "   Details: %s\n", step.Description)
		}
	}
	return b.String()
}
