package tool

// ExecutionContext binds an authorized tool definition to its approval
// state for one workflow run. Built once from the authorized-tool
// snapshot at run start and read-only afterwards.
type ExecutionContext struct {
	Definition       Definition `json:"definition"`
	ApprovalRequired bool       `json:"approval_required"`
	Approved         bool       `json:"approved"`
}
