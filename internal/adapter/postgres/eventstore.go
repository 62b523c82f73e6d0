package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runforge/runforge/internal/domain/event"
)

// EventStore implements eventstore.Store. Events are append-only; no update
// or delete statements exist in this file on purpose.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) Append(ctx context.Context, ev *event.RunEvent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_events (tenant_id, run_id, event_type, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, seq, created_at`,
		tenantFromCtx(ctx), ev.RunID, string(ev.Type), ev.Payload)
	if err := row.Scan(&ev.ID, &ev.Seq, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// ListByRun returns a run's events ordered by the monotonic append sequence.
// created_at is not an ordering key: burst inserts share timestamps.
func (s *EventStore) ListByRun(ctx context.Context, runID string) ([]event.RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, run_id, event_type, payload, created_at
		 FROM run_events WHERE run_id = $1 AND tenant_id = $2
		 ORDER BY seq ASC`,
		runID, tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []event.RunEvent
	for rows.Next() {
		var ev event.RunEvent
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.RunID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
