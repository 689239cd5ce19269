package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/plan"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/logger"
	"github.com/aegisflow/aegis/internal/port/approval"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
	"github.com/aegisflow/aegis/internal/port/suggestion"
)

// CapabilityIndex maps capability tags to candidate tools. It is built
// once per run from the authorized-tool snapshot and read-only afterwards.
type CapabilityIndex struct {
	byCapability map[string][]tool.Definition
	byQualified  map[string]tool.Definition
	all          []tool.Definition
}

// BuildIndex constructs a CapabilityIndex from tool metadata. Candidate
// lists are ordered by risk then qualified name so selection is
// deterministic.
func BuildIndex(defs []tool.Definition) *CapabilityIndex {
	idx := &CapabilityIndex{
		byCapability: make(map[string][]tool.Definition),
		byQualified:  make(map[string]tool.Definition, len(defs)),
		all:          make([]tool.Definition, len(defs)),
	}
	copy(idx.all, defs)

	for _, d := range idx.all {
		idx.byQualified[d.Qualified()] = d
		for _, c := range d.Capabilities {
			key := normalizeCapability(c)
			idx.byCapability[key] = append(idx.byCapability[key], d)
		}
	}
	for key := range idx.byCapability {
		cands := idx.byCapability[key]
		sort.Slice(cands, func(i, j int) bool {
			if ri, rj := cands[i].Risk.Rank(), cands[j].Risk.Rank(); ri != rj {
				return ri < rj
			}
			return cands[i].Qualified() < cands[j].Qualified()
		})
	}
	return idx
}

// Lookup returns a tool definition by qualified "Plugin.Tool" name.
func (idx *CapabilityIndex) Lookup(qualified string) (tool.Definition, bool) {
	d, ok := idx.byQualified[qualified]
	return d, ok
}

// Capabilities returns the distinct capability tags in the index.
func (idx *CapabilityIndex) Capabilities() []string {
	keys := make([]string, 0, len(idx.byCapability))
	for k := range idx.byCapability {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MapperService resolves strategic steps to concrete tools via exact
// capability match, then fuzzy description similarity, then human gap
// resolution.
type MapperService struct {
	threshold   float64
	approvals   approval.Channel
	suggestions suggestion.Queue
	sink        auditport.Sink
	log         *slog.Logger
}

// NewMapperService creates a MapperService. The threshold is the minimum
// fuzzy similarity score that may produce a tool binding.
func NewMapperService(threshold float64, approvals approval.Channel, suggestions suggestion.Queue, sink auditport.Sink, log *slog.Logger) *MapperService {
	return &MapperService{
		threshold:   threshold,
		approvals:   approvals,
		suggestions: suggestions,
		sink:        sink,
		log:         log,
	}
}

// Map resolves one strategic step against the index and returns the
// tactical plan item for it. feasibilityHITL controls whether a human is
// consulted on capability gaps; queuePlugins controls whether gaps may
// enqueue plugin suggestions.
func (s *MapperService) Map(ctx context.Context, workflowID string, step plan.StrategicStep, idx *CapabilityIndex, feasibilityHITL, queuePlugins bool) plan.Item {
	item := plan.Item{
		Number:          step.Number,
		Title:           step.Title,
		SuccessCriteria: step.SuccessCriteria,
		Capability:      step.Capability,
	}

	// Exact capability match.
	if cands := idx.byCapability[normalizeCapability(step.Capability)]; len(cands) > 0 {
		best := cands[0]
		s.bind(&item, best, 1.0, plan.MethodExact)
		s.record(ctx, workflowID, audit.TypeMappingResolved, step.Number, map[string]string{
			"method":     string(plan.MethodExact),
			"tool":       best.Qualified(),
			"capability": step.Capability,
			"confidence": "1.00",
		})
		return item
	}

	// Fuzzy match by keyword overlap between step text and tool metadata.
	best, bestScore := s.fuzzyMatch(ctx, workflowID, step, idx)
	if bestScore > s.threshold {
		s.bind(&item, best, bestScore, plan.MethodFuzzy)
		s.record(ctx, workflowID, audit.TypeMappingResolved, step.Number, map[string]string{
			"method":     string(plan.MethodFuzzy),
			"tool":       best.Qualified(),
			"capability": step.Capability,
			"confidence": fmt.Sprintf("%.2f", bestScore),
		})
		return item
	}

	// Gap.
	s.record(ctx, workflowID, audit.TypeMappingGap, step.Number, map[string]string{
		"capability": step.Capability,
		"best_score": fmt.Sprintf("%.2f", bestScore),
	})
	s.resolveGap(ctx, workflowID, step, idx, &item, bestScore, feasibilityHITL, queuePlugins)
	return item
}

// bind fills the tool binding fields of an item and decides its status.
// A bound tool whose required parameters cannot be satisfied from the
// step text needs runtime data from the operator.
func (s *MapperService) bind(item *plan.Item, def tool.Definition, confidence float64, method plan.MappingMethod) {
	item.Plugin = def.Plugin
	item.Tool = def.Name
	item.MappingConfidence = confidence
	item.MappingMethod = method
	item.Status = plan.StatusReady

	missing := missingParams(def, item.Title)
	if len(missing) > 0 {
		item.Status = plan.StatusNeedsData
		item.RequiresRuntimeData = true
		item.RuntimeDataSchema = missing
	}
}

// missingParams returns the required parameters of def whose names do
// not occur in the step text.
func missingParams(def tool.Definition, stepText string) []tool.Param {
	text := strings.ToLower(stepText)
	var missing []tool.Param
	for _, p := range def.Params {
		if !p.Required {
			continue
		}
		if !strings.Contains(text, strings.ToLower(p.Name)) {
			missing = append(missing, p)
		}
	}
	return missing
}

// fuzzyMatch scores every tool against the step and returns the best
// candidate. Every nonzero score is audited regardless of outcome.
func (s *MapperService) fuzzyMatch(ctx context.Context, workflowID string, step plan.StrategicStep, idx *CapabilityIndex) (tool.Definition, float64) {
	stepKeywords := extractKeywords(step.Title + " " + step.Description)

	var best tool.Definition
	bestScore := 0.0
	for _, d := range idx.all {
		toolText := d.Description + " " + strings.Join(d.Capabilities, " ")
		score := jaccard(stepKeywords, extractKeywords(toolText))
		if score == 0 {
			continue
		}
		s.record(ctx, workflowID, audit.TypeFuzzyScore, step.Number, map[string]string{
			"tool":  d.Qualified(),
			"score": fmt.Sprintf("%.2f", score),
		})
		if score > bestScore || (score == bestScore && bestScore > 0 && d.Qualified() < best.Qualified()) {
			best = d
			bestScore = score
		}
	}
	return best, bestScore
}

// resolveGap handles a step with no tool binding, consulting the human
// channel when feasibility review is enabled.
func (s *MapperService) resolveGap(ctx context.Context, workflowID string, step plan.StrategicStep, idx *CapabilityIndex, item *plan.Item, bestScore float64, feasibilityHITL, queuePlugins bool) {
	if !feasibilityHITL || s.approvals == nil {
		item.Status = plan.StatusBlocked
		if queuePlugins {
			s.queueSuggestion(ctx, workflowID, step, bestScore)
		}
		return
	}

	decision, err := s.approvals.Request(ctx, approval.Request{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: workflowID,
		Kind:       approval.KindFeasibilityGap,
		Summary:    fmt.Sprintf("No tool found for step %d: %s (capability %q)", step.Number, step.Title, step.Capability),
		Details: map[string]string{
			"capability": step.Capability,
			"best_score": fmt.Sprintf("%.2f", bestScore),
			"tools":      strings.Join(idx.Capabilities(), ", "),
		},
		Options: []string{string(approval.GapSkip), string(approval.GapManual), string(approval.GapAlternate), string(approval.GapPlugin)},
	})
	if err != nil {
		s.log.Warn("feasibility review unavailable, blocking step",
			"workflow_id", workflowID, "step", step.Number, "error", err)
		item.Status = plan.StatusBlocked
		return
	}

	switch decision.Choice {
	case approval.GapSkip:
		item.Status = plan.StatusSkipped
	case approval.GapManual:
		item.Status = plan.StatusManual
	case approval.GapAlternate:
		qualified := decision.Input["tool"]
		def, ok := idx.Lookup(qualified)
		if !ok {
			s.log.Warn("human override named unknown tool, blocking step",
				"workflow_id", workflowID, "step", step.Number, "tool", qualified)
			item.Status = plan.StatusBlocked
			return
		}
		s.bind(item, def, 1.0, plan.MethodHumanOverride)
		item.HumanOverride = true
		s.record(ctx, workflowID, audit.TypeMappingResolved, step.Number, map[string]string{
			"method":     string(plan.MethodHumanOverride),
			"tool":       qualified,
			"confidence": "1.00",
		})
	case approval.GapPlugin:
		item.Status = plan.StatusBlocked
		s.queueSuggestion(ctx, workflowID, step, bestScore)
	default:
		item.Status = plan.StatusBlocked
	}
}

func (s *MapperService) queueSuggestion(ctx context.Context, workflowID string, step plan.StrategicStep, bestScore float64) {
	if s.suggestions == nil {
		return
	}
	sg := &suggestion.Suggestion{
		ID:         uuid.NewString(),
		RunID:      logger.RunID(ctx),
		WorkflowID: workflowID,
		StepTitle:  step.Title,
		Capability: step.Capability,
		Rationale:  fmt.Sprintf("no installed tool covers capability %q", step.Capability),
		BestScore:  bestScore,
	}
	if err := s.suggestions.Suggest(ctx, sg); err != nil {
		s.log.Warn("plugin suggestion enqueue failed", "capability", step.Capability, "error", err)
		return
	}
	s.record(ctx, workflowID, audit.TypePluginSuggested, step.Number, map[string]string{
		"capability": step.Capability,
		"best_score": fmt.Sprintf("%.2f", bestScore),
	})
}

func (s *MapperService) record(ctx context.Context, workflowID string, typ audit.Type, step int, fields map[string]string) {
	if s.sink == nil {
		return
	}
	fields["workflow_id"] = workflowID
	ev := &audit.Event{
		ID:        uuid.NewString(),
		RunID:     logger.RunID(ctx),
		Phase:     audit.PhaseTactical,
		Type:      typ,
		Step:      step,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", typ, "error", err)
	}
}

// normalizeCapability lowercases a tag and folds spaces and hyphens to
// underscores so declared and inferred tags compare equal.
func normalizeCapability(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	c = strings.ReplaceAll(c, " ", "_")
	return strings.ReplaceAll(c, "-", "_")
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "with": {},
}

// extractKeywords lowercases text, drops short words and stop words, and
// strips punctuation.
func extractKeywords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) <= 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// jaccard is keyword-set overlap over union.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	overlap := 0
	for w := range a {
		if _, ok := b[w]; ok {
			overlap++
		}
	}
	union := len(a) + len(b) - overlap
	if union == 0 {
		return 0
	}
	return float64(overlap) / float64(union)
}
