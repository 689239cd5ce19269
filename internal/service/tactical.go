package service

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/task"
	"github.com/aegisflow/aegis/internal/domain/tool"
)

// TacticalPlannerService turns an approved strategic plan into a
// tool-bound, status-annotated tactical plan using the capability mapper.
type TacticalPlannerService struct {
	mapper *MapperService
	log    *slog.Logger
}

// NewTacticalPlannerService creates a TacticalPlannerService.
func NewTacticalPlannerService(mapper *MapperService, log *slog.Logger) *TacticalPlannerService {
	return &TacticalPlannerService{mapper: mapper, log: log}
}

// Plan maps every strategic step against the run's authorized-tool
// snapshot. The capability index is built once here and discarded with
// the run. The strategic plan is referenced, not copied.
func (s *TacticalPlannerService) Plan(ctx context.Context, req *task.Request, strat *plan.Strategic, authorized map[string]tool.ExecutionContext) *plan.Tactical {
	defs := make([]tool.Definition, 0, len(authorized))
	for _, tc := range authorized {
		defs = append(defs, tc.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Qualified() < defs[j].Qualified() })

	idx := BuildIndex(defs)
	s.log.Debug("capability index built",
		"workflow_id", req.Workflow(), "tools", len(defs), "capabilities", len(idx.Capabilities()))

	items := make([]plan.Item, 0, len(strat.Steps))
	for _, step := range strat.Steps {
		item := s.mapper.Map(ctx, req.Workflow(), step, idx, req.EnableFeasibilityHITL, req.AutoQueuePlugins)
		items = append(items, item)
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
