package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/task"
	"github.com/aegisflow/aegis/internal/logger"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
	"github.com/aegisflow/aegis/internal/port/completion"
)

const strategicSystemPrompt = `You are a strategic planner. Decompose the user's task into a short ordered list of high-level, tool-agnostic steps.
Respond with a single JSON object:
{"goal": "...", "rationale": "...", "steps": [{"number": 1, "title": "...", "capability": "snake_case_tag", "description": "...", "success_criteria": "..."}]}
Rules: at most %d steps; each capability is one snake_case tag describing the kind of action; never name concrete tools.`

// StrategicPlannerService produces a tool-agnostic plan from task text.
// It prefers the completion provider and falls back to a sentence-split
// heuristic when the provider is absent or its output fails validation.
type StrategicPlannerService struct {
	provider completion.Provider // nil means heuristic-only
	cfg      config.LLM
	maxSteps int
	sink     auditport.Sink
	log      *slog.Logger
}

// NewStrategicPlannerService creates a StrategicPlannerService. A nil
// provider disables LLM planning and every plan is heuristic.
func NewStrategicPlannerService(provider completion.Provider, cfg config.LLM, maxSteps int, sink auditport.Sink, log *slog.Logger) *StrategicPlannerService {
	return &StrategicPlannerService{
		provider: provider,
		cfg:      cfg,
		maxSteps: maxSteps,
		sink:     sink,
		log:      log,
	}
}

// Plan builds the strategic plan for a validated request. The returned
// plan carries the request's step budget and context verbatim.
func (s *StrategicPlannerService) Plan(ctx context.Context, req *task.Request) (*plan.Strategic, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if s.provider != nil {
		p, err := s.planWithCompletion(ctx, req)
		if err == nil {
			s.record(ctx, req, audit.TypePlanGenerated, map[string]string{
				"source": string(plan.SourceCompletion),
				"steps":  fmt.Sprintf("%d", len(p.Steps)),
			})
			return p, nil
		}
		s.log.Warn("strategic completion failed, falling back to heuristic",
			"workflow_id", req.Workflow(), "error", err)
	}

	p := s.heuristicPlan(req)
	s.record(ctx, req, audit.TypePlanFallback, map[string]string{
		"source": string(plan.SourceHeuristic),
		"steps":  fmt.Sprintf("%d", len(p.Steps)),
	})
	return p, nil
}

func (s *StrategicPlannerService) planWithCompletion(ctx context.Context, req *task.Request) (*plan.Strategic, error) {
	resp, err := s.provider.Complete(ctx, completion.Request{
		Model: s.cfg.Model,
		Messages: []completion.Message{
			{Role: "system", Content: fmt.Sprintf(strategicSystemPrompt, s.maxSteps)},
			{Role: "user", Content: buildPlannerUserPrompt(req)},
		},
		Temperature: s.cfg.PlannerTemperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("complete strategic plan: %w", err)
	}

	p, err := plan.ParseStrategic(resp.Content, req)
	if err != nil {
		return nil, err
	}
	if len(p.Steps) > s.maxSteps {
		p.Steps = p.Steps[:s.maxSteps]
	}
	return p, nil
}

// buildPlannerUserPrompt assembles task, budget, hints, and context into
// the user message for the planner.
func buildPlannerUserPrompt(req *task.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nStep budget: %d\n", req.Task, req.StepBudget)
	if len(req.Hints) > 0 {
		b.WriteString("Hints:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(req.Context) > 0 {
		b.WriteString("Context:\n")
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, req.Context[k])
		}
	}
	return b.String()
}

// heuristicPlan splits the task into clause-like sentences and emits one
// step per clause, capped at maxSteps. A task with no detectable clauses
// yields a single generic analysis step.
func (s *StrategicPlannerService) heuristicPlan(req *task.Request) *plan.Strategic {
	clauses := splitClauses(req.Task)
	if len(clauses) > s.maxSteps {
		clauses = clauses[:s.maxSteps]
	}

	steps := make([]plan.StrategicStep, 0, len(clauses))
	for i, c := range clauses {
		steps = append(steps, plan.StrategicStep{
			Number:          i + 1,
			Title:           c,
			Capability:      inferCapability(c),
			Description:     c,
			SuccessCriteria: "Step completed without errors",
		})
	}
	if len(steps) == 0 {
		steps = append(steps, plan.StrategicStep{
			Number:          1,
			Title:           "Analyze request",
			Capability:      "analysis",
			Description:     req.Task,
			SuccessCriteria: "Request understood and addressed",
		})
	}

	return &plan.Strategic{
		Task:       req.Task,
		Goal:       req.Task,
		Rationale:  "Heuristic decomposition by sentence boundaries",
		Steps:      steps,
		StepBudget: req.StepBudget,
		Context:    req.Context,
		Source:     plan.SourceHeuristic,
	}
}

// splitClauses segments text on sentence-ending punctuation, dropping
// empty fragments.
func splitClauses(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		switch r {
		case '.', '!', '?', ';':
			if c := strings.TrimSpace(cur.String()); c != "" {
				out = append(out, c)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if c := strings.TrimSpace(cur.String()); c != "" {
		out = append(out, c)
	}
	return out
}

// inferCapability derives a capability tag from the leading verb of a
// clause. It is intentionally crude; exact matching happens downstream.
func inferCapability(clause string) string {
	fields := strings.Fields(strings.ToLower(clause))
	if len(fields) == 0 {
		return "analysis"
	}
	verb := strings.Trim(fields[0], ",:")
	switch verb {
	case "check", "verify", "validate":
		return "verification"
	case "diagnose", "investigate", "analyze", "analyse":
		return "diagnostics"
	case "create", "make", "generate", "write":
		return "generation"
	case "send", "notify", "email":
		return "notification"
	case "fetch", "get", "retrieve", "read", "list":
		return "retrieval"
	case "fix", "repair", "restart", "update":
		return "remediation"
	default:
		return verb
	}
}

func (s *StrategicPlannerService) record(ctx context.Context, req *task.Request, typ audit.Type, fields map[string]string) {
	if s.sink == nil {
		return
	}
	ev := &audit.Event{
		ID:        uuid.NewString(),
		RunID:     logger.RunID(ctx),
		Phase:     audit.PhaseStrategic,
		Type:      typ,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	ev.Fields["workflow_id"] = req.Workflow()
	if err := s.sink.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", typ, "error", err)
	}
}
