package audit

import (
	"context"
	"errors"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/trace"
)

// Fanout returns a Store that records every event to the primary store
// and all extra sinks. Result persistence and replay go to the primary
// only. Sink errors are joined so no failure is silently dropped.
func Fanout(primary Store, extras ...Sink) Store {
	return &fanout{primary: primary, extras: extras}
}

type fanout struct {
	primary Store
	extras  []Sink
}

func (f *fanout) Record(ctx context.Context, ev *audit.Event) error {
	errs := []error{f.primary.Record(ctx, ev)}
	for _, s := range f.extras {
		errs = append(errs, s.Record(ctx, ev))
	}
	return errors.Join(errs...)
}

func (f *fanout) SaveResult(ctx context.Context, res *trace.RunResult) error {
	return f.primary.SaveResult(ctx, res)
}

func (f *fanout) LoadResult(ctx context.Context, runID string) (*trace.RunResult, error) {
	return f.primary.LoadResult(ctx, runID)
}

func (f *fanout) EventsByRun(ctx context.Context, runID string) ([]audit.Event, error) {
	return f.primary.EventsByRun(ctx, runID)
}
