// Package suggestion defines the port for queueing plugin suggestions
// raised when no installed tool can serve a plan step.
package suggestion

import "context"

// Suggestion describes a missing capability worth building a plugin for.
type Suggestion struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	WorkflowID string  `json:"workflow_id"`
	StepTitle  string  `json:"step_title"`
	Capability string  `json:"capability"`
	Rationale  string  `json:"rationale,omitempty"`
	// BestScore is the highest fuzzy match score seen for the step, so
	// reviewers can judge how close an existing tool came.
	BestScore float64 `json:"best_score"`
}

// Queue is the port interface for publishing suggestions.
type Queue interface {
	Suggest(ctx context.Context, s *Suggestion) error
}
