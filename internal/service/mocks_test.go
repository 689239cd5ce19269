package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/aegisflow/aegis/internal/domain"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/domain/trace"
	"github.com/aegisflow/aegis/internal/port/approval"
	"github.com/aegisflow/aegis/internal/port/completion"
	"github.com/aegisflow/aegis/internal/port/suggestion"
	"github.com/aegisflow/aegis/internal/port/toolrunner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider returns canned completion responses in order, then errors.
type fakeProvider struct {
	responses []string
	err       error
	requests  []completion.Request
}

func (p *fakeProvider) Complete(_ context.Context, req completion.Request) (*completion.Response, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("no canned response")
	}
	content := p.responses[0]
	p.responses = p.responses[1:]
	return &completion.Response{Content: content, Model: "test"}, nil
}

// fakeSource serves a fixed tool inventory.
type fakeSource struct {
	defs []tool.Definition
	err  error
}

func (s *fakeSource) ListTools(context.Context, string) ([]tool.Definition, error) {
	return s.defs, s.err
}

type invocation struct {
	Qualified string
	Params    map[string]any
}

// fakeRunner records invocations and serves per-tool canned results.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*toolrunner.Result
	err     error
	calls   []invocation
}

func (r *fakeRunner) Invoke(_ context.Context, qualified string, params map[string]any) (*toolrunner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invocation{Qualified: qualified, Params: params})
	if r.err != nil {
		return nil, r.err
	}
	if res, ok := r.results[qualified]; ok {
		return res, nil
	}
	return &toolrunner.Result{Output: "ok"}, nil
}

func (r *fakeRunner) invocations() []invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]invocation, len(r.calls))
	copy(out, r.calls)
	return out
}

// fakeApprovals answers every request with decide, recording what was asked.
type fakeApprovals struct {
	mu       sync.Mutex
	decide   func(req approval.Request) *approval.Decision
	err      error
	requests []approval.Request
}

func approveAll() *fakeApprovals {
	return &fakeApprovals{decide: func(approval.Request) *approval.Decision {
		return &approval.Decision{Approved: true}
	}}
}

func denyAll(reason string) *fakeApprovals {
	return &fakeApprovals{decide: func(approval.Request) *approval.Decision {
		return &approval.Decision{Approved: false, Reason: reason}
	}}
}

func (a *fakeApprovals) Request(_ context.Context, req approval.Request) (*approval.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	return a.decide(req), nil
}

func (a *fakeApprovals) asked() []approval.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]approval.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// fakeQueue collects plugin suggestions.
type fakeQueue struct {
	mu          sync.Mutex
	suggestions []suggestion.Suggestion
}

func (q *fakeQueue) Suggest(_ context.Context, s *suggestion.Suggestion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suggestions = append(q.suggestions, *s)
	return nil
}

// fakeStore is an in-memory audit store.
type fakeStore struct {
	mu      sync.Mutex
	events  []audit.Event
	results map[string]*trace.RunResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: make(map[string]*trace.RunResult)}
}

func (s *fakeStore) Record(_ context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeStore) SaveResult(_ context.Context, res *trace.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.RunID] = res
	return nil
}

func (s *fakeStore) LoadResult(_ context.Context, runID string) (*trace.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

func (s *fakeStore) EventsByRun(_ context.Context, runID string) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) eventsOfType(typ audit.Type) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Common tool fixtures used across the service tests.
func pingTool() tool.Definition {
	return tool.Definition{
		Plugin:       "NetworkPlugin",
		Name:         "ping",
		Description:  "Check network connectivity to a host",
		Capabilities: []string{"connectivity_check"},
		Risk:         tool.RiskLow,
		Approval:     tool.ApprovalAuto,
	}
}

func restartTool() tool.Definition {
	return tool.Definition{
		Plugin:       "NetworkPlugin",
		Name:         "restart_interface",
		Description:  "Restart a network interface to recover connectivity",
		Capabilities: []string{"remediation"},
		Risk:         tool.RiskHigh,
		Approval:     tool.ApprovalPolicied,
	}
}

func diagTool() tool.Definition {
	return tool.Definition{
		Plugin:       "NetworkPlugin",
		Name:         "trace_route",
		Description:  "Diagnose packet loss along the network path",
		Capabilities: []string{"diagnostics"},
		Risk:         tool.RiskMedium,
		Approval:     tool.ApprovalPolicied,
	}
}
