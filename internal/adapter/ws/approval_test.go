package ws

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/port/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApprover_ResolveUnblocksRequest(t *testing.T) {
	a := NewApprover(NewHub(testLogger()), time.Second)

	done := make(chan *approval.Decision, 1)
	go func() {
		d, err := a.Request(context.Background(), approval.Request{ID: "req-1", Kind: approval.KindToolExecution})
		if err != nil {
			t.Errorf("request failed: %v", err)
			return
		}
		done <- d
	}()

	// Wait for the request to register before resolving.
	deadline := time.Now().Add(time.Second)
	for {
		if a.Resolve("req-1", &approval.Decision{Approved: true, Reason: "looks safe"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case d := <-done:
		if !d.Approved || d.Reason != "looks safe" {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not unblock")
	}
}

func TestApprover_ResolveUnknownID(t *testing.T) {
	a := NewApprover(NewHub(testLogger()), time.Second)
	if a.Resolve("nope", &approval.Decision{Approved: true}) {
		t.Fatal("unknown id must not resolve")
	}
}

func TestApprover_Timeout(t *testing.T) {
	a := NewApprover(NewHub(testLogger()), 10*time.Millisecond)

	_, err := a.Request(context.Background(), approval.Request{ID: "req-2"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestApprover_ContextCancellation(t *testing.T) {
	a := NewApprover(NewHub(testLogger()), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Request(ctx, approval.Request{ID: "req-3"})
	if err == nil {
		t.Fatal("expected a context error")
	}
}

func TestHub_BroadcastWithoutConnectionsIsNoop(t *testing.T) {
	h := NewHub(testLogger())
	h.Broadcast(context.Background(), EventApprovalRequest, map[string]string{"x": "y"})
	if h.ConnectionCount() != 0 {
		t.Fatalf("connection count = %d", h.ConnectionCount())
	}
}
