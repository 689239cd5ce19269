package plan

import "github.com/aegisflow/aegis/internal/domain/tool"

// ItemStatus is the execution status assigned to a tactical plan item by the
// mapper. The status is set once; the executor branches on it rather than
// mutating it.
type ItemStatus string

const (
	StatusReady     ItemStatus = "ready"
	StatusManual    ItemStatus = "manual"
	StatusBlocked   ItemStatus = "blocked"
	StatusNeedsData ItemStatus = "needs_data"
	StatusSkipped   ItemStatus = "skipped"
)

// MappingMethod records how a tactical item was bound to its tool.
type MappingMethod string

const (
	MethodExact         MappingMethod = "exact"
	MethodFuzzy         MappingMethod = "fuzzy"
	MethodHumanOverride MappingMethod = "human-override"
	MethodNone          MappingMethod = "none"
)

// Item is one entry in the tactical plan. Items are owned exclusively by
// their plan and never shared across plans.
type Item struct {
	Number          int        `json:"number"`
	Title           string     `json:"title"`
	SuccessCriteria string     `json:"success_criteria"`
	Status          ItemStatus `json:"status"`

	Plugin     string `json:"plugin,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Capability string `json:"capability,omitempty"`

	MappingConfidence float64       `json:"mapping_confidence"`
	MappingMethod     MappingMethod `json:"mapping_method"`
	HumanOverride     bool          `json:"human_override,omitempty"`

	RequiresRuntimeData bool         `json:"requires_runtime_data,omitempty"`
	RuntimeDataSchema   []tool.Param `json:"runtime_data_schema,omitempty"`
}

// Qualified returns the bound "Plugin.Tool" name, or "" when unbound.
func (i *Item) Qualified() string {
	if i.Plugin == "" || i.Tool == "" {
		return ""
	}
	return i.Plugin + "." + i.Tool
}

// Tactical is the tool-bound, status-annotated execution plan.
type Tactical struct {
	Task               string            `json:"task"`
	Rationale          string            `json:"rationale"`
	StepBudget         int               `json:"step_budget"`
	AllowStepExtension bool              `json:"allow_step_extension"`
	Items              []Item            `json:"items"`
	Context            map[string]string `json:"context,omitempty"`
	Strategic          *Strategic        `json:"strategic,omitempty"`
}
