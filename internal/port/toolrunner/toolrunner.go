// Package toolrunner defines the ports for discovering and invoking tools.
package toolrunner

import (
	"context"

	"github.com/aegisflow/aegis/internal/domain/tool"
)

// Source enumerates the tools available to a workflow. Implementations
// apply workflow-level authorization before returning definitions.
type Source interface {
	// ListTools returns the tool definitions the given workflow may use.
	ListTools(ctx context.Context, workflowID string) ([]tool.Definition, error)
}

// Result is the outcome of a single tool invocation.
type Result struct {
	Output string `json:"output"`
	IsErr  bool   `json:"is_err"`
}

// Runner executes a tool by qualified name with inferred parameters.
type Runner interface {
	Invoke(ctx context.Context, qualified string, params map[string]any) (*Result, error)
}
