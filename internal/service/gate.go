package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/logger"
	"github.com/aegisflow/aegis/internal/port/approval"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
	"github.com/aegisflow/aegis/internal/port/toolrunner"
)

// GateService authorizes tools per workflow and obtains human approval
// for risk-flagged invocations. Approval decisions are cached per run
// through RunGate, never process-wide.
type GateService struct {
	source    toolrunner.Source
	workflows map[string]policy.Workflow
	approvals approval.Channel
	sink      auditport.Sink
	log       *slog.Logger
}

// NewGateService creates a GateService. Workflows without an entry in
// the policy map fall back to policy.Default.
func NewGateService(source toolrunner.Source, workflows map[string]policy.Workflow, approvals approval.Channel, sink auditport.Sink, log *slog.Logger) *GateService {
	if workflows == nil {
		workflows = make(map[string]policy.Workflow)
	}
	return &GateService{
		source:    source,
		workflows: workflows,
		approvals: approvals,
		sink:      sink,
		log:       log,
	}
}

// Policy returns the policy for a workflow, falling back to the default.
func (s *GateService) Policy(workflowID string) policy.Workflow {
	if p, ok := s.workflows[workflowID]; ok {
		return p
	}
	p := policy.Default()
	p.WorkflowID = workflowID
	return p
}

// Authorize filters the tool registry down to what the workflow's
// policy permits and attaches per-tool approval requirements. The
// returned map is the run's read-only authorized-tool snapshot.
func (s *GateService) Authorize(ctx context.Context, workflowID string) (map[string]tool.ExecutionContext, error) {
	defs, err := s.source.ListTools(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tools for workflow %s: %w", workflowID, err)
	}

	pol := s.Policy(workflowID)
	authorized := make(map[string]tool.ExecutionContext, len(defs))
	for i := range defs {
		def := defs[i]
		eval := pol.Evaluate(&def)
		s.record(ctx, workflowID, audit.TypePolicyEvaluated, map[string]string{
			"tool":      eval.Qualified,
			"decision":  string(eval.Decision),
			"rationale": eval.Rationale,
		})
		if eval.Decision == policy.DecisionBlock {
			continue
		}
		authorized[def.Qualified()] = tool.ExecutionContext{
			Definition:       def,
			ApprovalRequired: eval.Decision == policy.DecisionRequireApproval,
		}
	}
	return authorized, nil
}

// NewRunGate creates the per-run approval cache for a workflow.
func (s *GateService) NewRunGate(workflowID string) *RunGate {
	return &RunGate{
		svc:        s,
		workflowID: workflowID,
		decisions:  make(map[string]bool),
	}
}

// RunGate caches approval decisions for one run, keyed by qualified tool
// name. The first EnsureApproval per tool blocks on the human channel;
// later calls return the cached decision. A denial is terminal for that
// tool within the run.
type RunGate struct {
	svc        *GateService
	workflowID string

	mu        sync.Mutex
	decisions map[string]bool
}

// EnsureApproval returns whether the tool may be invoked in this run.
// It blocks on the approval channel on first call for a tool; callers
// needing bounded waits pass a context with a deadline.
func (g *RunGate) EnsureApproval(ctx context.Context, def tool.Definition) (bool, error) {
	qualified := def.Qualified()

	g.mu.Lock()
	if approved, ok := g.decisions[qualified]; ok {
		g.mu.Unlock()
		return approved, nil
	}
	g.mu.Unlock()

	start := time.Now()
	g.svc.record(ctx, g.workflowID, audit.TypeApprovalRequested, map[string]string{
		"tool": qualified,
		"risk": string(def.Risk),
	})

	decision, err := g.svc.approvals.Request(ctx, approval.Request{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: g.workflowID,
		Kind:       approval.KindToolExecution,
		Summary:    fmt.Sprintf("Approve execution of %s (risk %s)?", qualified, def.Risk),
		Details: map[string]string{
			"tool":        qualified,
			"risk":        string(def.Risk),
			"description": def.Description,
		},
	})
	if err != nil {
		return false, fmt.Errorf("approval request for %s: %w", qualified, err)
	}

	g.mu.Lock()
	// Another goroutine may have raced the same tool; first decision wins.
	if cached, ok := g.decisions[qualified]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	g.decisions[qualified] = decision.Approved
	g.mu.Unlock()

	g.svc.record(ctx, g.workflowID, audit.TypeApprovalResolved, map[string]string{
		"tool":       qualified,
		"approved":   fmt.Sprintf("%t", decision.Approved),
		"reason":     decision.Reason,
		"latency_ms": fmt.Sprintf("%d", time.Since(start).Milliseconds()),
	})
	return decision.Approved, nil
}

func (s *GateService) record(ctx context.Context, workflowID string, typ audit.Type, fields map[string]string) {
	if s.sink == nil {
		return
	}
	fields["workflow_id"] = workflowID
	ev := &audit.Event{
		ID:        uuid.NewString(),
		RunID:     logger.RunID(ctx),
		Phase:     audit.PhaseExecution,
		Type:      typ,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", typ, "error", err)
	}
}
