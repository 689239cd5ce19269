package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegisflow/aegis/internal/domain"
	"github.com/aegisflow/aegis/internal/domain/task"
)

// strategicSchema mirrors the JSON shape the planner prompt asks for.
type strategicSchema struct {
	Goal      string `json:"goal"`
	Rationale string `json:"rationale"`
	Steps     []struct {
		Number          int    `json:"number"`
		Title           string `json:"title"`
		Capability      string `json:"capability"`
		Description     string `json:"description"`
		SuccessCriteria string `json:"success_criteria"`
	} `json:"steps"`
}

// ParseStrategic validates raw completion output against the strategic
// plan schema and builds a plan from it. Validation is strict: a missing
// goal, an empty step list, or a step without a title all fail with
// ErrPlanParse so the caller can fall back to the heuristic planner
// instead of trusting a partially malformed structure.
func ParseStrategic(raw string, req *task.Request) (*Strategic, error) {
	payload := ExtractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", domain.ErrPlanParse)
	}

	var schema strategicSchema
	if err := json.Unmarshal([]byte(payload), &schema); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPlanParse, err)
	}

	if strings.TrimSpace(schema.Goal) == "" {
		return nil, fmt.Errorf("%w: missing goal", domain.ErrPlanParse)
	}
	if len(schema.Steps) == 0 {
		return nil, fmt.Errorf("%w: empty step list", domain.ErrPlanParse)
	}

	steps := make([]StrategicStep, 0, len(schema.Steps))
	for i, s := range schema.Steps {
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("%w: step %d has no title", domain.ErrPlanParse, i+1)
		}
		steps = append(steps, StrategicStep{
			Number:          i + 1, // renumber; LLM numbering is not trusted
			Title:           strings.TrimSpace(s.Title),
			Capability:      strings.TrimSpace(s.Capability),
			Description:     strings.TrimSpace(s.Description),
			SuccessCriteria: strings.TrimSpace(s.SuccessCriteria),
		})
	}

	return &Strategic{
		Task:       req.Task,
		Goal:       strings.TrimSpace(schema.Goal),
		Rationale:  strings.TrimSpace(schema.Rationale),
		Steps:      steps,
		StepBudget: req.StepBudget,
		Context:    req.Context,
		Source:     SourceCompletion,
	}, nil
}

// ExtractJSON strips markdown code fences from an LLM response and
// falls back to the outermost brace pair when no fence is present.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```json"); idx != -1 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}
