package service_test

import (
	"context"
	"testing"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/port/approval"
	"github.com/aegisflow/aegis/internal/service"
)

func newMapper(threshold float64, approvals *fakeApprovals, queue *fakeQueue, store *fakeStore) *service.MapperService {
	var ch approval.Channel
	if approvals != nil {
		ch = approvals
	}
	return service.NewMapperService(threshold, ch, queue, store, discardLogger())
}

func TestMap_ExactCapabilityMatch(t *testing.T) {
	idx := service.BuildIndex([]tool.Definition{pingTool(), diagTool()})
	m := newMapper(0.8, nil, nil, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Check connectivity", Capability: "connectivity_check"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	if item.Status != plan.StatusReady {
		t.Fatalf("status = %s, want ready", item.Status)
	}
	if item.Qualified() != "NetworkPlugin.ping" {
		t.Errorf("bound tool = %q", item.Qualified())
	}
	if item.MappingConfidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", item.MappingConfidence)
	}
	if item.MappingMethod != plan.MethodExact {
		t.Errorf("method = %s, want exact", item.MappingMethod)
	}
}

func TestMap_ExactMatchPrefersLowerRiskThenName(t *testing.T) {
	risky := tool.Definition{
		Plugin: "OpsPlugin", Name: "force_check",
		Description:  "Forcefully check connectivity",
		Capabilities: []string{"connectivity_check"},
		Risk:         tool.RiskHigh, Approval: tool.ApprovalPolicied,
	}
	sameRisk := tool.Definition{
		Plugin: "AltPlugin", Name: "probe",
		Description:  "Probe connectivity",
		Capabilities: []string{"connectivity_check"},
		Risk:         tool.RiskLow, Approval: tool.ApprovalAuto,
	}
	idx := service.BuildIndex([]tool.Definition{risky, pingTool(), sameRisk})
	m := newMapper(0.8, nil, nil, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Check connectivity", Capability: "connectivity_check"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	// Both low-risk candidates beat the high-risk one; lexical order
	// breaks the remaining tie.
	if item.Qualified() != "AltPlugin.probe" {
		t.Fatalf("bound tool = %q, want AltPlugin.probe", item.Qualified())
	}
}

func TestMap_CapabilityNormalization(t *testing.T) {
	idx := service.BuildIndex([]tool.Definition{pingTool()})
	m := newMapper(0.8, nil, nil, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Check connectivity", Capability: "Connectivity-Check"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)
	if item.Status != plan.StatusReady {
		t.Fatalf("normalized capability did not match: status %s", item.Status)
	}
}

func TestMap_FuzzyMatchAboveThreshold(t *testing.T) {
	diag := tool.Definition{
		Plugin: "NetworkPlugin", Name: "trace_route",
		Description:  "diagnose packet loss",
		Capabilities: []string{"diagnose"},
		Risk:         tool.RiskMedium, Approval: tool.ApprovalPolicied,
	}
	idx := service.BuildIndex([]tool.Definition{diag})
	store := newFakeStore()
	m := newMapper(0.8, nil, nil, store)

	step := plan.StrategicStep{Number: 2, Title: "Diagnose packet loss", Capability: "packet_analysis"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	if item.Status != plan.StatusReady {
		t.Fatalf("status = %s, want ready", item.Status)
	}
	if item.MappingMethod != plan.MethodFuzzy {
		t.Errorf("method = %s, want fuzzy", item.MappingMethod)
	}
	if item.MappingConfidence <= 0.8 {
		t.Errorf("confidence = %v, want above threshold", item.MappingConfidence)
	}
	if len(store.eventsOfType(audit.TypeFuzzyScore)) == 0 {
		t.Error("expected fuzzy score audit events")
	}
}

func TestMap_FuzzyBelowThresholdBlocks(t *testing.T) {
	idx := service.BuildIndex([]tool.Definition{restartTool()})
	store := newFakeStore()
	m := newMapper(0.8, nil, nil, store)

	step := plan.StrategicStep{Number: 1, Title: "Summarize the incident report", Capability: "summarization"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	if item.Status != plan.StatusBlocked {
		t.Fatalf("status = %s, want blocked", item.Status)
	}
	if item.Qualified() != "" {
		t.Errorf("expected no tool binding, got %q", item.Qualified())
	}
	if len(store.eventsOfType(audit.TypeMappingGap)) != 1 {
		t.Error("expected one mapping.gap audit event")
	}
}

func TestMap_GapChoices(t *testing.T) {
	tests := []struct {
		name   string
		choice approval.GapChoice
		input  map[string]string
		status plan.ItemStatus
	}{
		{"skip", approval.GapSkip, nil, plan.StatusSkipped},
		{"manual", approval.GapManual, nil, plan.StatusManual},
		{"alternate", approval.GapAlternate, map[string]string{"tool": "NetworkPlugin.ping"}, plan.StatusReady},
		{"alternate unknown tool", approval.GapAlternate, map[string]string{"tool": "Nope.missing"}, plan.StatusBlocked},
		{"plugin", approval.GapPlugin, nil, plan.StatusBlocked},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			approvals := &fakeApprovals{decide: func(approval.Request) *approval.Decision {
				return &approval.Decision{Approved: true, Choice: tc.choice, Input: tc.input}
			}}
			queue := &fakeQueue{}
			idx := service.BuildIndex([]tool.Definition{pingTool()})
			m := newMapper(0.8, approvals, queue, newFakeStore())

			step := plan.StrategicStep{Number: 1, Title: "Summarize the incident report", Capability: "summarization"}
			item := m.Map(context.Background(), "wf", step, idx, true, true)

			if item.Status != tc.status {
				t.Fatalf("status = %s, want %s", item.Status, tc.status)
			}
			if tc.choice == approval.GapAlternate && tc.status == plan.StatusReady {
				if item.MappingMethod != plan.MethodHumanOverride || !item.HumanOverride {
					t.Errorf("expected human override binding, got %+v", item)
				}
			}
			if tc.choice == approval.GapPlugin && len(queue.suggestions) != 1 {
				t.Errorf("expected one plugin suggestion, got %d", len(queue.suggestions))
			}
		})
	}
}

func TestMap_GapWithoutHITLQueuesSuggestion(t *testing.T) {
	queue := &fakeQueue{}
	idx := service.BuildIndex([]tool.Definition{pingTool()})
	m := newMapper(0.8, nil, queue, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Summarize the incident report", Capability: "summarization"}
	item := m.Map(context.Background(), "wf", step, idx, false, true)

	if item.Status != plan.StatusBlocked {
		t.Fatalf("status = %s, want blocked", item.Status)
	}
	if len(queue.suggestions) != 1 {
		t.Fatalf("expected one suggestion, got %d", len(queue.suggestions))
	}
	if queue.suggestions[0].Capability != "summarization" {
		t.Errorf("suggestion capability = %q", queue.suggestions[0].Capability)
	}
}

func TestMap_MissingRequiredParamsNeedData(t *testing.T) {
	withParams := pingTool()
	withParams.Params = []tool.Param{
		{Name: "host", Description: "Target host", Required: true},
		{Name: "count", Required: false},
	}
	idx := service.BuildIndex([]tool.Definition{withParams})
	m := newMapper(0.8, nil, nil, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Check connectivity", Capability: "connectivity_check"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	if item.Status != plan.StatusNeedsData {
		t.Fatalf("status = %s, want needs_data", item.Status)
	}
	if !item.RequiresRuntimeData || len(item.RuntimeDataSchema) != 1 || item.RuntimeDataSchema[0].Name != "host" {
		t.Fatalf("unexpected runtime data schema: %+v", item.RuntimeDataSchema)
	}
}

func TestMap_RequiredParamInStepTextStaysReady(t *testing.T) {
	withParams := pingTool()
	withParams.Params = []tool.Param{{Name: "host", Required: true}}
	idx := service.BuildIndex([]tool.Definition{withParams})
	m := newMapper(0.8, nil, nil, newFakeStore())

	step := plan.StrategicStep{Number: 1, Title: "Check connectivity to host gateway-1", Capability: "connectivity_check"}
	item := m.Map(context.Background(), "wf", step, idx, false, false)

	if item.Status != plan.StatusReady {
		t.Fatalf("status = %s, want ready", item.Status)
	}
}
