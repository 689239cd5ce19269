package logger

import (
	"context"
	"testing"
)

func TestRunIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RunID(ctx) != "" {
		t.Fatal("empty context must have no run id")
	}

	ctx = WithRunID(ctx, "run-42")
	if got := RunID(ctx); got != "run-42" {
		t.Fatalf("run id = %q", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")
	if got := RequestID(ctx); got != "req-7" {
		t.Fatalf("request id = %q", got)
	}
	if RunID(ctx) != "" {
		t.Fatal("request id must not leak into the run id key")
	}
}
