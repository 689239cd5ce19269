// Package nats implements the audit fan-out and plugin suggestion queue
// using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/port/suggestion"
)

const streamName = "AEGIS"

// Subjects published by the core.
const (
	SubjectAuditPrefix      = "audit" // audit.{phase}.{type}
	SubjectPluginSuggestion = "plugins.suggestions"
)

// Bus publishes audit events and plugin suggestions to JetStream.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"audit.>", "plugins.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, log: log}, nil
}

// Record implements the audit sink: every event is published to a
// per-phase subject so downstream consumers can filter cheaply.
func (b *Bus) Record(ctx context.Context, ev *audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", SubjectAuditPrefix, ev.Phase, ev.Type)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Suggest implements the plugin suggestion queue as a fire-and-forget
// enqueue; nothing in the core ever installs a plugin.
func (b *Bus) Suggest(ctx context.Context, s *suggestion.Suggestion) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal suggestion: %w", err)
	}
	if _, err := b.js.Publish(ctx, SubjectPluginSuggestion, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectPluginSuggestion, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Drain gracefully flushes pending publishes before closing.
func (b *Bus) Drain() error {
	return b.nc.Drain()
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}
