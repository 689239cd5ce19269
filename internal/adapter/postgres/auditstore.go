package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisflow/aegis/internal/domain"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/trace"
)

// AuditStore implements the audit store port using PostgreSQL. Events
// are append-only; run results are written once per run.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Record appends one audit event.
func (s *AuditStore) Record(ctx context.Context, ev *audit.Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("marshal audit fields: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, run_id, phase, event_type, step, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.RunID, string(ev.Phase), string(ev.Type), ev.Step, fields, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// SaveResult persists the terminal result of a run as a single JSON
// document so replay reproduces field values and trace order exactly.
func (s *AuditStore) SaveResult(ctx context.Context, res *trace.RunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_results (run_id, task, result)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET task = EXCLUDED.task, result = EXCLUDED.result`,
		res.RunID, res.Task, data)
	if err != nil {
		return fmt.Errorf("save run result %s: %w", res.RunID, err)
	}
	return nil
}

// LoadResult returns a previously saved run result.
func (s *AuditStore) LoadResult(ctx context.Context, runID string) (*trace.RunResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM run_results WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run result %s: %w", runID, err)
	}

	var res trace.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal run result %s: %w", runID, err)
	}
	return &res, nil
}

// EventsByRun returns all audit events for a run in record order.
func (s *AuditStore) EventsByRun(ctx context.Context, runID string) ([]audit.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, phase, event_type, step, fields, created_at
		 FROM audit_events WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load audit events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var ev audit.Event
		var fields []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Phase, &ev.Type, &ev.Step, &fields, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(fields, &ev.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal audit fields: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
