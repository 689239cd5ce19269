// Package audit defines the ports for recording and replaying audit data.
package audit

import (
	"context"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/trace"
)

// Sink receives audit events. Record must not block the caller on slow
// consumers; adapters buffer or fan out as needed.
type Sink interface {
	Record(ctx context.Context, ev *audit.Event) error
}

// Store persists run results and audit events for later replay.
type Store interface {
	Sink

	// SaveResult persists the terminal result of a run.
	SaveResult(ctx context.Context, res *trace.RunResult) error

	// LoadResult returns a previously saved run result.
	LoadResult(ctx context.Context, runID string) (*trace.RunResult, error)

	// EventsByRun returns all audit events for a run in record order.
	EventsByRun(ctx context.Context, runID string) ([]audit.Event, error)
}
