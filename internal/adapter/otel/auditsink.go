package otel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegisflow/aegis/internal/domain/audit"
)

// AuditSink derives metrics from the audit event stream so the services
// stay free of instrumentation concerns. It joins the audit fan-out next
// to the persistent store.
type AuditSink struct {
	metrics *Metrics

	mu       sync.Mutex
	runStart map[string]time.Time
}

// NewAuditSink creates a metrics-deriving audit sink.
func NewAuditSink(m *Metrics) *AuditSink {
	return &AuditSink{metrics: m, runStart: make(map[string]time.Time)}
}

// Record updates the instruments matching the event type.
func (s *AuditSink) Record(ctx context.Context, ev *audit.Event) error {
	switch ev.Type {
	case audit.TypeRunStarted:
		s.metrics.RunsStarted.Add(ctx, 1)
		s.mu.Lock()
		s.runStart[ev.RunID] = ev.Timestamp
		s.mu.Unlock()
	case audit.TypeRunCompleted:
		s.metrics.RunsCompleted.Add(ctx, 1)
		s.mu.Lock()
		started, ok := s.runStart[ev.RunID]
		delete(s.runStart, ev.RunID)
		s.mu.Unlock()
		if ok {
			s.metrics.RunDuration.Record(ctx, ev.Timestamp.Sub(started).Seconds())
		}
	case audit.TypeStepCompleted:
		s.metrics.StepsExecuted.Add(ctx, 1)
	case audit.TypeApprovalRequested:
		s.metrics.ApprovalsRequested.Add(ctx, 1)
	case audit.TypeApprovalResolved:
		if ev.Fields["approved"] == "false" {
			s.metrics.ApprovalsDenied.Add(ctx, 1)
		}
		if ms, err := strconv.ParseFloat(ev.Fields["latency_ms"], 64); err == nil {
			s.metrics.ApprovalLatency.Record(ctx, ms/1000)
		}
	case audit.TypeFuzzyScore:
		s.metrics.FuzzyMatches.Add(ctx, 1)
	case audit.TypeDivergence:
		s.metrics.Divergences.Add(ctx, 1,
			metric.WithAttributes(attribute.String("severity", ev.Fields["severity"])))
	}
	return nil
}
