// Package tool defines the read-only tool metadata supplied by the tool
// substrate. The core never mutates these definitions; it indexes and
// matches against them.
package tool

// RiskLevel classifies how dangerous a tool invocation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level. Unknown levels rank
// above critical so they are never silently auto-approved.
func (r RiskLevel) Rank() int {
	if v, ok := riskOrder[r]; ok {
		return v
	}
	return len(riskOrder)
}

// CompareRisk returns negative/zero/positive as level is below/at/above threshold.
func CompareRisk(level, threshold RiskLevel) int {
	return level.Rank() - threshold.Rank()
}

// ApprovalPolicy declares the approval posture a tool requires.
type ApprovalPolicy string

const (
	ApprovalAuto      ApprovalPolicy = "auto-approve"
	ApprovalPolicied  ApprovalPolicy = "policy-gated"
	ApprovalAlwaysAsk ApprovalPolicy = "always-ask"
)

// Param describes a single input parameter expected by a tool.
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
}

// Definition is the metadata describing one executable tool offered by a plugin.
type Definition struct {
	Plugin       string         `json:"plugin"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []string       `json:"capabilities"`
	Risk         RiskLevel      `json:"risk_level"`
	Approval     ApprovalPolicy `json:"approval_policy"`
	Params       []Param        `json:"params,omitempty"`
}

// Qualified returns the "Plugin.Tool" name used everywhere the core refers
// to a tool.
func (d *Definition) Qualified() string {
	return d.Plugin + "." + d.Name
}
