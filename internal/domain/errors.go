// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrEmptyTask indicates a run was requested with a blank task text.
var ErrEmptyTask = errors.New("task text is empty")

// ErrPlanParse indicates a completion response did not match the plan schema.
// Callers recover by falling back to the heuristic planner.
var ErrPlanParse = errors.New("plan parse failed")

// ErrApprovalDenied indicates a human reviewer denied a tool approval.
// The denial is terminal for that tool within the run.
var ErrApprovalDenied = errors.New("approval denied")

// ErrStrategicReviewRejected indicates the human reviewer rejected the
// strategic plan; the run halts instead of proceeding to tactical planning.
var ErrStrategicReviewRejected = errors.New("strategic plan rejected by reviewer")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")
