package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/adapter/otel"
	"github.com/aegisflow/aegis/internal/adapter/ws"
	"github.com/aegisflow/aegis/internal/domain/task"
	"github.com/aegisflow/aegis/internal/domain/trace"
	"github.com/aegisflow/aegis/internal/logger"
	"github.com/aegisflow/aegis/internal/port/approval"
	"github.com/aegisflow/aegis/internal/service"
)

// Run states reported by the API.
const (
	runStatusRunning   = "running"
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
	runStatusCancelled = "cancelled"
)

// runState tracks one in-flight or finished run.
type runState struct {
	Status string           `json:"status"`
	Result *trace.RunResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`

	cancel context.CancelFunc
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	coordinator *service.CoordinatorService
	hub         *ws.Hub
	approver    *ws.Approver // nil when running with the console channel
	log         *slog.Logger

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewHandlers creates the handler set.
func NewHandlers(coordinator *service.CoordinatorService, hub *ws.Hub, approver *ws.Approver, log *slog.Logger) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		hub:         hub,
		approver:    approver,
		log:         log,
		runs:        make(map[string]*runState),
	}
}

// StartRun launches a run asynchronously and returns its id immediately.
// The run blocks on approvals resolved through ResolveApproval, so it
// cannot complete within the request.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.Request](w, r)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		writeDomainError(w, err, "invalid run request")
		return
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = logger.WithRunID(runCtx, runID)

	state := &runState{Status: runStatusRunning, cancel: cancel}
	h.mu.Lock()
	h.runs[runID] = state
	h.mu.Unlock()

	go func() {
		defer cancel()
		spanCtx, span := otel.StartRunSpan(runCtx, runID, req.Workflow())
		res, err := h.coordinator.Run(spanCtx, &req)
		span.End()

		h.mu.Lock()
		defer h.mu.Unlock()
		state.Result = res
		switch {
		case err == nil:
			state.Status = runStatusCompleted
		case runCtx.Err() != nil:
			state.Status = runStatusCancelled
			state.Error = runCtx.Err().Error()
		default:
			state.Status = runStatusFailed
			state.Error = err.Error()
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": runStatusRunning,
	})
}

// GetRun reports run state, falling back to the persisted result for
// runs that finished before a restart.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	h.mu.RLock()
	state, ok := h.runs[runID]
	var snapshot runState
	if ok {
		snapshot = runState{Status: state.Status, Result: state.Result, Error: state.Error}
	}
	h.mu.RUnlock()
	if ok {
		writeJSON(w, http.StatusOK, &snapshot)
		return
	}

	res, err := h.coordinator.Replay(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, &runState{Status: runStatusCompleted, Result: res})
}

// CancelRun aborts an in-flight run. The partial result remains
// available from GetRun once the run loop observes the cancellation.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	h.mu.RLock()
	state, ok := h.runs[runID]
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	state.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": runStatusCancelled})
}

type resolveApprovalRequest struct {
	Approved bool              `json:"approved"`
	Choice   string            `json:"choice,omitempty"`
	Input    map[string]string `json:"input,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// ResolveApproval answers a pending approval request that was broadcast
// over the websocket.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	if h.approver == nil {
		writeError(w, http.StatusConflict, "approvals are handled on the console for this deployment")
		return
	}

	id := chi.URLParam(r, "id")
	req, ok := readJSON[resolveApprovalRequest](w, r)
	if !ok {
		return
	}

	resolved := h.approver.Resolve(id, &approval.Decision{
		Approved: req.Approved,
		Choice:   approval.GapChoice(req.Choice),
		Input:    req.Input,
		Reason:   req.Reason,
	})
	if !resolved {
		writeError(w, http.StatusNotFound, "no pending approval with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// Health reports liveness and websocket connection count.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.hub.ConnectionCount(),
	})
}
