package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/domain/trace"
	"github.com/aegisflow/aegis/internal/port/approval"
	"github.com/aegisflow/aegis/internal/port/toolrunner"
	"github.com/aegisflow/aegis/internal/service"
)

func newExecutor(runner *fakeRunner, approvals *fakeApprovals, policy string) *service.ExecutorService {
	var ch approval.Channel
	if approvals != nil {
		ch = approvals
	}
	return service.NewExecutorService(nil, runner, ch, config.LLM{},
		config.Executor{DivergencePolicy: policy}, newFakeStore(), discardLogger())
}

func newRunGate(approvals *fakeApprovals) *service.RunGate {
	gate := service.NewGateService(&fakeSource{}, nil, approvals, newFakeStore(), discardLogger())
	return gate.NewRunGate("wf")
}

func readyItem(number int, title string, def tool.Definition) plan.Item {
	return plan.Item{
		Number: number, Title: title,
		Capability:        def.Capabilities[0],
		Status:            plan.StatusReady,
		Plugin:            def.Plugin,
		Tool:              def.Name,
		MappingConfidence: 1.0,
		MappingMethod:     plan.MethodExact,
	}
}

func authorize(defs ...tool.Definition) map[string]tool.ExecutionContext {
	out := make(map[string]tool.ExecutionContext, len(defs))
	for _, d := range defs {
		out[d.Qualified()] = tool.ExecutionContext{
			Definition:       d,
			ApprovalRequired: d.Approval != tool.ApprovalAuto,
		}
	}
	return out
}

func TestExecute_ZeroBudgetProducesNoTraces(t *testing.T) {
	exec := newExecutor(&fakeRunner{}, approveAll(), service.DivergencePolicyContinue)
	tac := &plan.Tactical{
		Task:       "Check connectivity.",
		StepBudget: 0,
		Items:      []plan.Item{readyItem(1, "Check connectivity", pingTool())},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(res.Traces) != 0 {
		t.Fatalf("expected no traces, got %d", len(res.Traces))
	}
	if res.FinalResponse != "No actions were executed for this task." {
		t.Fatalf("final response = %q", res.FinalResponse)
	}
}

func TestExecute_TraceSequencesAreGapFree(t *testing.T) {
	runner := &fakeRunner{results: map[string]*toolrunner.Result{
		"NetworkPlugin.ping": {Output: "64 bytes from gateway"},
	}}
	exec := newExecutor(runner, approveAll(), service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "network triage",
		StepBudget: 5,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			{Number: 2, Title: "Escalate to vendor", Capability: "escalation", Status: plan.StatusBlocked},
			{Number: 3, Title: "Replace cable", Capability: "hands_on", Status: plan.StatusManual},
			{Number: 4, Title: "Optional cleanup", Capability: "cleanup", Status: plan.StatusSkipped},
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(res.Traces) != 4 {
		t.Fatalf("expected 4 traces, got %d", len(res.Traces))
	}
	for i, tr := range res.Traces {
		if tr.Sequence != i+1 {
			t.Errorf("trace %d has sequence %d", i, tr.Sequence)
		}
		if tr.Thought == "" || tr.Observation == "" {
			t.Errorf("trace %d missing thought or observation", i)
		}
	}
	if res.StepsExecuted != 4 {
		t.Errorf("steps executed = %d, want 4", res.StepsExecuted)
	}
	if !strings.Contains(res.FinalResponse, "64 bytes from gateway") {
		t.Errorf("final response should carry tool output: %q", res.FinalResponse)
	}
	if !strings.Contains(res.Traces[1].Observation, "blocked") {
		t.Errorf("blocked trace observation = %q", res.Traces[1].Observation)
	}
}

func TestExecute_BudgetBoundsStepsAndRequestsExtension(t *testing.T) {
	approvals := approveAll()
	exec := newExecutor(&fakeRunner{}, approvals, service.DivergencePolicyContinue)

	items := make([]plan.Item, 0, 5)
	for i := 1; i <= 5; i++ {
		items = append(items, readyItem(i, "Check connectivity", pingTool()))
	}
	tac := &plan.Tactical{
		Task:               "long task",
		StepBudget:         2,
		AllowStepExtension: true,
		Items:              items,
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.StepsExecuted != 2 || len(res.Traces) != 2 {
		t.Fatalf("steps=%d traces=%d, want 2/2", res.StepsExecuted, len(res.Traces))
	}
	if !res.ExtensionRequested || res.ExtensionMessage == "" {
		t.Fatal("expected an extension request with a message")
	}

	var extensions []approval.Request
	for _, req := range approvals.asked() {
		if req.Kind == approval.KindStepExtension {
			extensions = append(extensions, req)
		}
	}
	if len(extensions) != 1 {
		t.Fatalf("extension requests = %d, want 1", len(extensions))
	}
	if extensions[0].Details["remaining"] != "3" {
		t.Errorf("remaining = %q, want 3", extensions[0].Details["remaining"])
	}
}

func TestExecute_ExtensionMessageCarriesReviewerReason(t *testing.T) {
	approvals := &fakeApprovals{decide: func(req approval.Request) *approval.Decision {
		if req.Kind == approval.KindStepExtension {
			return &approval.Decision{Approved: true, Reason: "grant two more steps for the diagnostics pass"}
		}
		return &approval.Decision{Approved: true}
	}}
	exec := newExecutor(&fakeRunner{}, approvals, service.DivergencePolicyContinue)
	tac := &plan.Tactical{
		Task:               "long task",
		StepBudget:         1,
		AllowStepExtension: true,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			readyItem(2, "Check connectivity", pingTool()),
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.ExtensionMessage != "grant two more steps for the diagnostics pass" {
		t.Fatalf("extension message = %q, want the reviewer's reason", res.ExtensionMessage)
	}
}

func TestExecute_ExtensionFallsBackWithoutChannel(t *testing.T) {
	exec := newExecutor(&fakeRunner{}, nil, service.DivergencePolicyContinue)
	tac := &plan.Tactical{
		Task:               "long task",
		StepBudget:         1,
		AllowStepExtension: true,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			readyItem(2, "Check connectivity", pingTool()),
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !res.ExtensionRequested {
		t.Fatal("extension must still be requested without a channel")
	}
	if !strings.Contains(res.ExtensionMessage, "Step budget of 1 exhausted after 1 of 2") {
		t.Fatalf("extension message = %q, want the local summary", res.ExtensionMessage)
	}
}

func TestExecute_NoExtensionWhenNotAllowed(t *testing.T) {
	exec := newExecutor(&fakeRunner{}, approveAll(), service.DivergencePolicyContinue)
	tac := &plan.Tactical{
		Task:       "long task",
		StepBudget: 1,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			readyItem(2, "Check connectivity", pingTool()),
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.ExtensionRequested {
		t.Fatal("extension must not be requested when the caller disallowed it")
	}
}

func TestExecute_ApprovalPrecedesInvocation(t *testing.T) {
	runner := &fakeRunner{}
	approvals := approveAll()
	exec := newExecutor(runner, approvals, service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "recover interface",
		StepBudget: 1,
		Items:      []plan.Item{readyItem(1, "Restart the interface", restartTool())},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(restartTool()), newRunGate(approvals))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	asked := approvals.asked()
	if len(asked) != 1 || asked[0].Kind != approval.KindToolExecution {
		t.Fatalf("expected one tool-execution approval, got %+v", asked)
	}
	if len(runner.invocations()) != 1 {
		t.Fatalf("expected one invocation, got %d", len(runner.invocations()))
	}
	if res.Traces[0].Divergence != nil {
		t.Error("clean run should not diverge")
	}
}

func TestExecute_ApprovalDenialSkipsToolWithoutDivergence(t *testing.T) {
	runner := &fakeRunner{}
	approvals := denyAll("not in the maintenance window")
	exec := newExecutor(runner, approvals, service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "recover interface",
		StepBudget: 1,
		Items:      []plan.Item{readyItem(1, "Restart the interface", restartTool())},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(restartTool()), newRunGate(approvals))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(runner.invocations()) != 0 {
		t.Fatal("denied tool must never be invoked")
	}
	tr := res.Traces[0]
	if !strings.Contains(tr.Observation, "not approved") {
		t.Errorf("observation = %q", tr.Observation)
	}
	// A denial is an operator decision, not an execution failure.
	if tr.Divergence != nil {
		t.Errorf("denial must not register a divergence, got %+v", tr.Divergence)
	}
}

func TestExecute_DivergenceDetectedOnErrorOutput(t *testing.T) {
	runner := &fakeRunner{results: map[string]*toolrunner.Result{
		"NetworkPlugin.ping": {Output: "Error: destination host unreachable"},
	}}
	exec := newExecutor(runner, approveAll(), service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "triage",
		StepBudget: 2,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			readyItem(2, "Check connectivity", pingTool()),
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Traces[0].Divergence == nil || res.Traces[0].Divergence.Severity != trace.SeverityCritical {
		t.Fatalf("expected critical divergence, got %+v", res.Traces[0].Divergence)
	}
	// continue policy keeps executing.
	if len(res.Traces) != 2 {
		t.Fatalf("continue policy should run remaining items, got %d traces", len(res.Traces))
	}
}

func TestExecute_HaltPolicyStopsOnCriticalDivergence(t *testing.T) {
	runner := &fakeRunner{results: map[string]*toolrunner.Result{
		"NetworkPlugin.ping": {Output: "operation failed: timeout"},
	}}
	exec := newExecutor(runner, approveAll(), service.DivergencePolicyHalt)

	tac := &plan.Tactical{
		Task:       "triage",
		StepBudget: 3,
		Items: []plan.Item{
			readyItem(1, "Check connectivity", pingTool()),
			readyItem(2, "Check connectivity", pingTool()),
		},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(res.Traces) != 1 {
		t.Fatalf("halt policy should stop after the diverging step, got %d traces", len(res.Traces))
	}
	if res.ExtensionRequested {
		t.Error("a halted run must not request an extension")
	}
}

func TestExecute_ToolErrorResultBecomesObservation(t *testing.T) {
	runner := &fakeRunner{results: map[string]*toolrunner.Result{
		"NetworkPlugin.ping": {Output: "host not found", IsErr: true},
	}}
	exec := newExecutor(runner, approveAll(), service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "triage",
		StepBudget: 1,
		Items:      []plan.Item{readyItem(1, "Check connectivity", pingTool())},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(pingTool()), newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(res.Traces[0].Observation, "returned an error") {
		t.Errorf("observation = %q", res.Traces[0].Observation)
	}
}

func TestExecute_RuntimeDataFlowsIntoParams(t *testing.T) {
	def := pingTool()
	def.Params = []tool.Param{{Name: "host", Required: true}}

	runner := &fakeRunner{}
	approvals := &fakeApprovals{decide: func(req approval.Request) *approval.Decision {
		if req.Kind == approval.KindRuntimeData {
			return &approval.Decision{Approved: true, Input: map[string]string{"host": "gateway-1"}}
		}
		return &approval.Decision{Approved: true}
	}}
	exec := newExecutor(runner, approvals, service.DivergencePolicyContinue)

	item := readyItem(1, "Check connectivity", def)
	item.Status = plan.StatusNeedsData
	item.RequiresRuntimeData = true
	item.RuntimeDataSchema = def.Params

	tac := &plan.Tactical{Task: "triage", StepBudget: 1, Items: []plan.Item{item}}

	_, err := exec.Execute(context.Background(), "wf", tac, authorize(def), newRunGate(approvals))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	calls := runner.invocations()
	if len(calls) != 1 {
		t.Fatalf("expected one invocation, got %d", len(calls))
	}
	if calls[0].Params["host"] != "gateway-1" {
		t.Errorf("params = %+v, want host=gateway-1", calls[0].Params)
	}
}

func TestExecute_RuntimeDataDeniedBlocksStep(t *testing.T) {
	def := pingTool()
	def.Params = []tool.Param{{Name: "host", Required: true}}

	runner := &fakeRunner{}
	exec := newExecutor(runner, denyAll("no data"), service.DivergencePolicyContinue)

	item := readyItem(1, "Check connectivity", def)
	item.Status = plan.StatusNeedsData
	item.RuntimeDataSchema = def.Params

	tac := &plan.Tactical{Task: "triage", StepBudget: 1, Items: []plan.Item{item}}

	res, err := exec.Execute(context.Background(), "wf", tac, authorize(def), newRunGate(denyAll("no data")))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(runner.invocations()) != 0 {
		t.Fatal("tool must not run without its runtime data")
	}
	if !strings.Contains(res.Traces[0].Observation, "runtime data") {
		t.Errorf("observation = %q", res.Traces[0].Observation)
	}
}

func TestExecute_UnboundItemAnswersDirectly(t *testing.T) {
	runner := &fakeRunner{}
	exec := newExecutor(runner, approveAll(), service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "explain",
		StepBudget: 1,
		Items: []plan.Item{{
			Number: 1, Title: "Summarize findings",
			Status: plan.StatusReady, MappingMethod: plan.MethodNone,
		}},
	}

	res, err := exec.Execute(context.Background(), "wf", tac, nil, newRunGate(approveAll()))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(runner.invocations()) != 0 {
		t.Fatal("unbound item must not invoke a tool")
	}
	if res.Traces[0].Decision == nil || res.Traces[0].Decision.Kind != trace.ActionAnswerDirectly {
		t.Fatalf("expected answer_directly decision, got %+v", res.Traces[0].Decision)
	}
}

func TestExecute_CancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runner := &fakeRunner{}
	approvals := &fakeApprovals{decide: func(approval.Request) *approval.Decision {
		// Cancel mid-run: after the first step's approval resolves.
		cancel()
		return &approval.Decision{Approved: true}
	}}
	exec := newExecutor(runner, approvals, service.DivergencePolicyContinue)

	tac := &plan.Tactical{
		Task:       "recover interface",
		StepBudget: 3,
		Items: []plan.Item{
			readyItem(1, "Restart the interface", restartTool()),
			readyItem(2, "Restart the interface", restartTool()),
			readyItem(3, "Restart the interface", restartTool()),
		},
	}

	res, err := exec.Execute(ctx, "wf", tac, authorize(restartTool()), newRunGate(approvals))
	if err == nil {
		t.Fatal("expected a context error")
	}
	if res == nil {
		t.Fatal("cancellation must still return the partial result")
	}
	if len(res.Traces) == 0 || len(res.Traces) >= 3 {
		t.Fatalf("expected a partial trace set, got %d", len(res.Traces))
	}
}
