package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "aegis"

// Metrics holds all Aegis metric instruments.
type Metrics struct {
	RunsStarted        metric.Int64Counter
	RunsCompleted      metric.Int64Counter
	StepsExecuted      metric.Int64Counter
	ApprovalsRequested metric.Int64Counter
	ApprovalsDenied    metric.Int64Counter
	FuzzyMatches       metric.Int64Counter
	Divergences        metric.Int64Counter
	RunDuration        metric.Float64Histogram
	ApprovalLatency    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("aegis.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("aegis.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("aegis.steps.executed",
		metric.WithDescription("Number of plan items processed"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("aegis.approvals.requested",
		metric.WithDescription("Number of human approvals requested"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("aegis.approvals.denied",
		metric.WithDescription("Number of human approvals denied"))
	if err != nil {
		return nil, err
	}

	m.FuzzyMatches, err = meter.Int64Counter("aegis.mapping.fuzzy_matches",
		metric.WithDescription("Number of fuzzy capability matches scored"))
	if err != nil {
		return nil, err
	}

	m.Divergences, err = meter.Int64Counter("aegis.divergences",
		metric.WithDescription("Number of divergence signals raised"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("aegis.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ApprovalLatency, err = meter.Float64Histogram("aegis.approval.latency_seconds",
		metric.WithDescription("Time a run waited on a human decision"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
