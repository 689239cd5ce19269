package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisflow/aegis/internal/port/approval"
)

// Approver implements the approval channel over the hub: each request is
// broadcast to connected clients and blocks until one of them resolves
// it through Resolve (wired to the HTTP approvals endpoint).
type Approver struct {
	hub     *Hub
	timeout time.Duration // 0 means block until resolved or cancelled

	pending sync.Map // request id -> chan *approval.Decision
}

// NewApprover creates a websocket-backed approval channel.
func NewApprover(hub *Hub, timeout time.Duration) *Approver {
	return &Approver{hub: hub, timeout: timeout}
}

// Request broadcasts the approval question and blocks for the decision.
// First resolution wins; the buffered channel drops later writes.
func (a *Approver) Request(ctx context.Context, req approval.Request) (*approval.Decision, error) {
	ch := make(chan *approval.Decision, 1)
	a.pending.Store(req.ID, ch)
	defer a.pending.Delete(req.ID)

	a.hub.Broadcast(ctx, EventApprovalRequest, req)

	var timeoutCh <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-ch:
		return d, nil
	case <-timeoutCh:
		return nil, fmt.Errorf("approval %s timed out after %s", req.ID, a.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a decision for a pending request. Returns false when
// no request with that id is waiting.
func (a *Approver) Resolve(id string, d *approval.Decision) bool {
	val, ok := a.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	ch, ok := val.(chan *approval.Decision)
	if !ok {
		return false
	}
	select {
	case ch <- d:
	default:
	}
	return true
}
