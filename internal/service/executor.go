package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/domain/trace"
	"github.com/aegisflow/aegis/internal/logger"
	"github.com/aegisflow/aegis/internal/port/approval"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
	"github.com/aegisflow/aegis/internal/port/completion"
	"github.com/aegisflow/aegis/internal/port/toolrunner"
)

// DivergencePolicyHalt stops the run at the first critical divergence;
// DivergencePolicyContinue surfaces it and keeps going.
const (
	DivergencePolicyContinue = "continue"
	DivergencePolicyHalt     = "halt"
)

const noActionsResponse = "No actions were executed for this task."

// scratchEntry is one accumulated title/observation pair fed into later
// thoughts and parameter inference.
type scratchEntry struct {
	Title       string
	Observation string
}

// ExecutorService runs a tactical plan item by item inside the step
// budget, producing the reason/act/observe trace sequence.
type ExecutorService struct {
	provider  completion.Provider // nil means heuristic decisions
	runner    toolrunner.Runner
	approvals approval.Channel
	llm       config.LLM
	execCfg   config.Executor
	sink      auditport.Sink
	log       *slog.Logger
}

// NewExecutorService creates an ExecutorService.
func NewExecutorService(provider completion.Provider, runner toolrunner.Runner, approvals approval.Channel, llm config.LLM, execCfg config.Executor, sink auditport.Sink, log *slog.Logger) *ExecutorService {
	return &ExecutorService{
		provider:  provider,
		runner:    runner,
		approvals: approvals,
		llm:       llm,
		execCfg:   execCfg,
		sink:      sink,
		log:       log,
	}
}

// Execute runs the tactical plan. One budget unit is consumed per plan
// item regardless of status. Cancellation stops new invocations but the
// accumulated traces are always returned in a partial result.
func (s *ExecutorService) Execute(ctx context.Context, workflowID string, tac *plan.Tactical, authorized map[string]tool.ExecutionContext, gate *RunGate) (*trace.RunResult, error) {
	res := &trace.RunResult{
		RunID: logger.RunID(ctx),
		Task:  tac.Task,
		Plan:  tac,
	}

	budget := tac.StepBudget
	if budget <= 0 {
		res.FinalResponse = noActionsResponse
		return res, nil
	}

	var scratchpad []scratchEntry
	halted := false

	for i := range tac.Items {
		if budget <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			s.finish(ctx, workflowID, res, scratchpad)
			return res, err
		}
		item := &tac.Items[i]

		s.record(ctx, workflowID, audit.TypeStepStarted, item.Number, map[string]string{
			"title":  item.Title,
			"status": string(item.Status),
		})

		tr := s.processItem(ctx, workflowID, item, authorized, gate, scratchpad)
		tr.Sequence = len(res.Traces) + 1
		res.Traces = append(res.Traces, tr)
		scratchpad = append(scratchpad, scratchEntry{Title: item.Title, Observation: tr.Observation})

		budget--
		res.StepsExecuted++

		fields := map[string]string{
			"title":  item.Title,
			"status": string(item.Status),
			"action": tr.Action,
		}
		if tr.Divergence != nil {
			fields["divergence"] = string(tr.Divergence.Severity)
			s.record(ctx, workflowID, audit.TypeDivergence, item.Number, map[string]string{
				"severity": string(tr.Divergence.Severity),
				"reason":   tr.Divergence.Reason,
			})
		}
		s.record(ctx, workflowID, audit.TypeStepCompleted, item.Number, fields)

		if tr.Divergence != nil && tr.Divergence.Severity == trace.SeverityCritical && s.execCfg.DivergencePolicy == DivergencePolicyHalt {
			s.log.Warn("halting run on critical divergence",
				"workflow_id", workflowID, "step", item.Number, "reason", tr.Divergence.Reason)
			halted = true
			break
		}
	}

	if !halted && res.StepsExecuted < len(tac.Items) && tac.AllowStepExtension {
		res.ExtensionRequested = true
		res.ExtensionMessage = s.requestExtension(ctx, workflowID, tac, res)
	}

	s.finish(ctx, workflowID, res, scratchpad)
	return res, nil
}

// processItem runs one plan item and returns its trace. The item status
// was fixed by the mapper; the executor branches on it, never mutates it.
func (s *ExecutorService) processItem(ctx context.Context, workflowID string, item *plan.Item, authorized map[string]tool.ExecutionContext, gate *RunGate, scratchpad []scratchEntry) trace.Trace {
	switch item.Status {
	case plan.StatusSkipped:
		return trace.Trace{
			Thought:     fmt.Sprintf("Step %d (%s) was skipped during planning.", item.Number, item.Title),
			Action:      "skip",
			Observation: fmt.Sprintf("Step %q skipped; no action taken.", item.Title),
		}
	case plan.StatusManual:
		return trace.Trace{
			Thought:     fmt.Sprintf("Step %d (%s) requires a human action.", item.Number, item.Title),
			Action:      "manual",
			Observation: fmt.Sprintf("Step %q requires manual handling by an operator; no tool invoked.", item.Title),
		}
	case plan.StatusBlocked:
		return trace.Trace{
			Thought:     fmt.Sprintf("Step %d (%s) has no tool covering capability %q.", item.Number, item.Title, item.Capability),
			Action:      "blocked",
			Observation: fmt.Sprintf("Step %q blocked: no tool available for capability %q.", item.Title, item.Capability),
		}
	case plan.StatusNeedsData:
		data, ok := s.requestRuntimeData(ctx, workflowID, item)
		if !ok {
			return trace.Trace{
				Thought:     fmt.Sprintf("Step %d (%s) needs runtime data that was not provided.", item.Number, item.Title),
				Action:      "blocked",
				Observation: fmt.Sprintf("Step %q blocked: required runtime data was not provided.", item.Title),
			}
		}
		return s.runReadyCycle(ctx, workflowID, item, authorized, gate, scratchpad, data)
	default: // StatusReady
		return s.runReadyCycle(ctx, workflowID, item, authorized, gate, scratchpad, nil)
	}
}

// requestExtension asks the human channel whether the run warrants more
// budget and carries the reviewer's reason back as the extension message.
// Without a channel, or when the answer gives no reason, the local summary
// stands.
func (s *ExecutorService) requestExtension(ctx context.Context, workflowID string, tac *plan.Tactical, res *trace.RunResult) string {
	msg := fmt.Sprintf(
		"Step budget of %d exhausted after %d of %d plan items; additional budget required to continue.",
		tac.StepBudget, res.StepsExecuted, len(tac.Items))
	if s.approvals == nil {
		return msg
	}

	decision, err := s.approvals.Request(ctx, approval.Request{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: workflowID,
		Kind:       approval.KindStepExtension,
		Summary:    msg,
		Details: map[string]string{
			"budget":    fmt.Sprintf("%d", tac.StepBudget),
			"executed":  fmt.Sprintf("%d", res.StepsExecuted),
			"remaining": fmt.Sprintf("%d", len(tac.Items)-res.StepsExecuted),
		},
	})
	if err != nil {
		s.log.Warn("extension request failed, keeping local summary",
			"workflow_id", workflowID, "error", err)
		return msg
	}
	if decision.Reason != "" {
		return decision.Reason
	}
	return msg
}

// requestRuntimeData asks the human channel for the item's declared
// runtime-data schema. Absence or denial downgrades the step to blocked
// for this step only.
func (s *ExecutorService) requestRuntimeData(ctx context.Context, workflowID string, item *plan.Item) (map[string]string, bool) {
	if s.approvals == nil {
		return nil, false
	}

	fields := make([]string, 0, len(item.RuntimeDataSchema))
	details := map[string]string{"tool": item.Qualified()}
	for _, p := range item.RuntimeDataSchema {
		fields = append(fields, p.Name)
		details["param."+p.Name] = p.Description
	}

	decision, err := s.approvals.Request(ctx, approval.Request{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: workflowID,
		Kind:       approval.KindRuntimeData,
		Summary:    fmt.Sprintf("Step %d (%s) needs values for: %s", item.Number, item.Title, strings.Join(fields, ", ")),
		Details:    details,
		Options:    fields,
	})
	if err != nil || !decision.Approved || len(decision.Input) == 0 {
		return nil, false
	}
	return decision.Input, true
}

// runReadyCycle is the full think, decide, gate, infer, invoke, observe
// cycle for one item.
func (s *ExecutorService) runReadyCycle(ctx context.Context, workflowID string, item *plan.Item, authorized map[string]tool.ExecutionContext, gate *RunGate, scratchpad []scratchEntry, runtimeData map[string]string) trace.Trace {
	thought := s.think(item, scratchpad)
	decision := s.decide(ctx, item, authorized, scratchpad)

	tr := trace.Trace{
		Thought:  thought,
		Decision: decision,
	}

	switch decision.Kind {
	case trace.ActionAnswerDirectly:
		tr.Action = "answer"
		tr.Observation = decision.Rationale
		if tr.Observation == "" {
			tr.Observation = fmt.Sprintf("Step %q answered directly without tool use.", item.Title)
		}
		return tr
	case trace.ActionRequestData:
		tr.Action = "request_data"
		tr.Observation = fmt.Sprintf("Step %q paused: additional data requested from the operator.", item.Title)
		return tr
	}

	// execute_tool
	tr.Action = fmt.Sprintf("invoke %s", decision.Tool)

	tc, ok := authorized[decision.Tool]
	if !ok {
		tr.Observation = fmt.Sprintf("Tool %s is not authorized for this workflow; step %q not executed.", decision.Tool, item.Title)
		return tr
	}

	if tc.ApprovalRequired {
		approved, err := gate.EnsureApproval(ctx, tc.Definition)
		if err != nil {
			tr.Observation = fmt.Sprintf("Approval for %s could not be obtained: %v", decision.Tool, err)
			return tr
		}
		if !approved {
			// A denial is a decision, not an execution failure.
			tr.Observation = fmt.Sprintf("Tool %s was not approved for execution; step %q skipped.", decision.Tool, item.Title)
			return tr
		}
	}

	params := decision.Params
	if len(params) == 0 {
		params = inferParams(tc.Definition, item, scratchpad, runtimeData)
		decision.Params = params
	}

	out, err := s.runner.Invoke(ctx, decision.Tool, params)
	switch {
	case err != nil:
		tr.Observation = fmt.Sprintf("Tool %s failed: %v", decision.Tool, err)
	case out.IsErr:
		tr.Observation = fmt.Sprintf("Tool %s returned an error: %s", decision.Tool, out.Output)
	default:
		tr.Observation = out.Output
	}

	if div := detectDivergence(tr.Observation, item.Number); div != nil {
		tr.Divergence = div
	}
	return tr
}

// think summarizes the step against the accumulated scratchpad.
func (s *ExecutorService) think(item *plan.Item, scratchpad []scratchEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s.", item.Number, item.Title)
	if item.SuccessCriteria != "" {
		fmt.Fprintf(&b, " Success when: %s.", item.SuccessCriteria)
	}
	if n := len(scratchpad); n > 0 {
		last := scratchpad[n-1]
		fmt.Fprintf(&b, " Previously %q observed: %s", last.Title, truncate(last.Observation, 160))
	}
	return b.String()
}

const decideSystemPrompt = `You choose the next action for one plan step.
Respond with a single JSON object:
{"kind": "execute_tool" | "answer_directly" | "request_data", "tool": "Plugin.Tool", "params": {}, "rationale": "...", "confidence": 0.0}
Only name tools from the provided list. Use "answer_directly" when no tool is needed.`

// decide produces the action decision for a step. With a completion
// provider the LLM chooses; otherwise, or on malformed output, the tool
// binding from planning decides.
func (s *ExecutorService) decide(ctx context.Context, item *plan.Item, authorized map[string]tool.ExecutionContext, scratchpad []scratchEntry) *trace.Decision {
	if s.provider != nil {
		d, err := s.decideWithCompletion(ctx, item, authorized, scratchpad)
		if err == nil {
			return d
		}
		s.log.Warn("decision completion failed, using plan binding", "step", item.Number, "error", err)
	}
	return heuristicDecision(item)
}

func (s *ExecutorService) decideWithCompletion(ctx context.Context, item *plan.Item, authorized map[string]tool.ExecutionContext, scratchpad []scratchEntry) (*trace.Decision, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\nSuccess criteria: %s\n", item.Title, item.SuccessCriteria)
	if item.Qualified() != "" {
		fmt.Fprintf(&b, "Planned tool: %s\n", item.Qualified())
	}
	b.WriteString("Available tools:\n")
	names := make([]string, 0, len(authorized))
	for q := range authorized {
		names = append(names, q)
	}
	sort.Strings(names)
	for _, q := range names {
		fmt.Fprintf(&b, "- %s: %s\n", q, authorized[q].Definition.Description)
	}
	if len(scratchpad) > 0 {
		b.WriteString("Observations so far:\n")
		for _, e := range scratchpad {
			fmt.Fprintf(&b, "- %s: %s\n", e.Title, truncate(e.Observation, 120))
		}
	}

	resp, err := s.provider.Complete(ctx, completion.Request{
		Model: s.llm.Model,
		Messages: []completion.Message{
			{Role: "system", Content: decideSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: s.llm.PlannerTemperature,
		MaxTokens:   s.llm.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("complete decision: %w", err)
	}

	payload := plan.ExtractJSON(resp.Content)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in decision response")
	}
	var d trace.Decision
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}
	switch d.Kind {
	case trace.ActionExecuteTool, trace.ActionAnswerDirectly, trace.ActionRequestData:
	default:
		return nil, fmt.Errorf("unknown action kind %q", d.Kind)
	}
	if d.Kind == trace.ActionExecuteTool {
		if _, ok := authorized[d.Tool]; !ok {
			return nil, fmt.Errorf("decision names unauthorized tool %q", d.Tool)
		}
	}
	return &d, nil
}

// heuristicDecision follows the plan's tool binding directly.
func heuristicDecision(item *plan.Item) *trace.Decision {
	if item.Qualified() != "" {
		return &trace.Decision{
			Kind:       trace.ActionExecuteTool,
			Tool:       item.Qualified(),
			Rationale:  fmt.Sprintf("plan bound %s to this step", item.Qualified()),
			Confidence: item.MappingConfidence,
		}
	}
	return &trace.Decision{
		Kind:       trace.ActionAnswerDirectly,
		Rationale:  fmt.Sprintf("Step %q has no tool binding; answering from context.", item.Title),
		Confidence: 0.5,
	}
}

// inferParams fills the tool's declared parameters from runtime data,
// then the step itself, then the latest observation.
func inferParams(def tool.Definition, item *plan.Item, scratchpad []scratchEntry, runtimeData map[string]string) map[string]any {
	params := make(map[string]any, len(def.Params))
	for _, p := range def.Params {
		if v, ok := runtimeData[p.Name]; ok {
			params[p.Name] = v
			continue
		}
		if !p.Required {
			continue
		}
		switch p.Name {
		case "query", "task", "target", "input", "text":
			params[p.Name] = item.Title
		case "context", "history":
			if n := len(scratchpad); n > 0 {
				params[p.Name] = scratchpad[n-1].Observation
			}
		default:
			params[p.Name] = item.Title
		}
	}
	return params
}

// detectDivergence flags observations carrying failure markers. The
// match is a case-insensitive substring test.
func detectDivergence(observation string, step int) *trace.Divergence {
	lower := strings.ToLower(observation)
	for _, marker := range []string{"error", "failed"} {
		if strings.Contains(lower, marker) {
			return &trace.Divergence{
				Severity: trace.SeverityCritical,
				Reason:   fmt.Sprintf("observation contains failure marker %q", marker),
				Step:     step,
			}
		}
	}
	return nil
}

// finish synthesizes the final response from the observations in order.
func (s *ExecutorService) finish(ctx context.Context, workflowID string, res *trace.RunResult, scratchpad []scratchEntry) {
	if len(res.Traces) == 0 {
		res.FinalResponse = noActionsResponse
	} else {
		parts := make([]string, 0, len(scratchpad))
		for _, e := range scratchpad {
			parts = append(parts, e.Observation)
		}
		res.FinalResponse = strings.Join(parts, "\n")
	}

	fields := map[string]string{
		"steps_executed":      fmt.Sprintf("%d", res.StepsExecuted),
		"traces":              fmt.Sprintf("%d", len(res.Traces)),
		"extension_requested": fmt.Sprintf("%t", res.ExtensionRequested),
	}
	s.record(ctx, workflowID, audit.TypeRunCompleted, 0, fields)
}

func (s *ExecutorService) record(ctx context.Context, workflowID string, typ audit.Type, step int, fields map[string]string) {
	if s.sink == nil {
		return
	}
	fields["workflow_id"] = workflowID
	ev := &audit.Event{
		ID:        uuid.NewString(),
		RunID:     logger.RunID(ctx),
		Phase:     audit.PhaseExecution,
		Type:      typ,
		Step:      step,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", typ, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
