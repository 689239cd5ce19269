package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/task"
	"github.com/aegisflow/aegis/internal/domain/trace"
	"github.com/aegisflow/aegis/internal/logger"
	"github.com/aegisflow/aegis/internal/port/approval"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
)

// CoordinatorService sequences one run end to end: strategic plan,
// optional human review, tactical mapping, gated execution, result
// assembly. Each run owns a fresh plan tree and approval cache.
type CoordinatorService struct {
	strategic *StrategicPlannerService
	tactical  *TacticalPlannerService
	gate      *GateService
	executor  *ExecutorService
	approvals approval.Channel
	store     auditport.Store // nil disables result persistence
	plannerCf config.Planner
	log       *slog.Logger
}

// NewCoordinatorService creates a CoordinatorService.
func NewCoordinatorService(
	strategic *StrategicPlannerService,
	tactical *TacticalPlannerService,
	gate *GateService,
	executor *ExecutorService,
	approvals approval.Channel,
	store auditport.Store,
	plannerCf config.Planner,
	log *slog.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		strategic: strategic,
		tactical:  tactical,
		gate:      gate,
		executor:  executor,
		approvals: approvals,
		store:     store,
		plannerCf: plannerCf,
		log:       log,
	}
}

// Run executes the full pipeline for one task request. Cancellation
// mid-run returns the partial result alongside the context error.
func (s *CoordinatorService) Run(ctx context.Context, req *task.Request) (*trace.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Callers that pre-announce a run id (the HTTP layer) tag the context;
	// otherwise the coordinator mints one.
	runID := logger.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logger.WithRunID(ctx, runID)
	}
	workflowID := req.Workflow()
	log := s.log.With("run_id", runID, "workflow_id", workflowID)

	log.Info("run started", "budget", req.StepBudget, "two_phase", s.plannerCf.TwoPhase)
	s.record(ctx, workflowID, audit.PhaseStrategic, audit.TypeRunStarted, map[string]string{
		"task":   req.Task,
		"budget": fmt.Sprintf("%d", req.StepBudget),
	})

	strat, err := s.strategic.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("strategic planning: %w", err)
	}

	if req.EnableStrategicHITL {
		if err := s.reviewStrategic(ctx, req, strat); err != nil {
			return nil, err
		}
	}

	authorized, err := s.gate.Authorize(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("authorize tools: %w", err)
	}

	var tac *plan.Tactical
	if s.plannerCf.TwoPhase {
		tac = s.tactical.Plan(ctx, req, strat, authorized)
	} else {
		tac = singlePhasePlan(req, strat)
	}

	gate := s.gate.NewRunGate(workflowID)
	res, execErr := s.executor.Execute(ctx, workflowID, tac, authorized, gate)
	res.RunID = runID

	if s.store != nil {
		if err := s.store.SaveResult(ctx, res); err != nil {
			log.Warn("run result persistence failed", "error", err)
		}
	}

	if execErr != nil {
		log.Warn("run ended early", "steps_executed", res.StepsExecuted, "error", execErr)
		return res, execErr
	}
	log.Info("run completed", "steps_executed", res.StepsExecuted,
		"traces", len(res.Traces), "extension_requested", res.ExtensionRequested)
	return res, nil
}

// Replay loads a previously persisted run result.
func (s *CoordinatorService) Replay(ctx context.Context, runID string) (*trace.RunResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return s.store.LoadResult(ctx, runID)
}

// reviewStrategic presents the plan to the human channel. Rejection
// halts the run; there is no silent fallthrough.
func (s *CoordinatorService) reviewStrategic(ctx context.Context, req *task.Request, strat *plan.Strategic) error {
	if s.approvals == nil {
		return nil
	}

	decision, err := s.approvals.Request(ctx, approval.Request{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: req.Workflow(),
		Kind:       approval.KindStrategicReview,
		Summary:    fmt.Sprintf("Review strategic plan for task: %s", req.Task),
		Details:    map[string]string{"plan": strat.Render()},
	})
	if err != nil {
		return fmt.Errorf("strategic review: %w", err)
	}

	s.record(ctx, req.Workflow(), audit.PhaseStrategic, audit.TypePlanReviewed, map[string]string{
		"approved": fmt.Sprintf("%t", decision.Approved),
		"reason":   decision.Reason,
	})
	if !decision.Approved {
		return fmt.Errorf("%w: %s", domain.ErrStrategicReviewRejected, decision.Reason)
	}
	return nil
}

// singlePhasePlan is the legacy path: strategic steps become ready items
// with no tool binding and no mapping.
func singlePhasePlan(req *task.Request, strat *plan.Strategic) *plan.Tactical {
	items := make([]plan.Item, 0, len(strat.Steps))
	for _, step := range strat.Steps {
		items = append(items, plan.Item{
			Number:          step.Number,
			Title:           step.Title,
			SuccessCriteria: step.SuccessCriteria,
			Capability:      step.Capability,
			Status:          plan.StatusReady,
			MappingMethod:   plan.MethodNone,
		})
	}
	return &plan.Tactical{
		Task:               strat.Task,
		Rationale:          strat.Rationale,
		StepBudget:         strat.StepBudget,
		AllowStepExtension: req.AllowStepExtension,
		Items:              items,
		Context:            strat.Context,
		Strategic:          strat,
	}
}

func (s *CoordinatorService) record(ctx context.Context, workflowID string, phase audit.Phase, typ audit.Type, fields map[string]string) {
	if s.store == nil {
		return
	}
	fields["workflow_id"] = workflowID
	ev := &audit.Event{
		ID:        uuid.NewString(),
		RunID:     logger.RunID(ctx),
		Phase:     phase,
		Type:      typ,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", typ, "error", err)
	}
}
