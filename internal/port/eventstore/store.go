// Package eventstore defines the append-only run event log port.
package eventstore

import (
	"context"

	"github.com/runforge/runforge/internal/domain/event"
)

// Store persists run events. Append-only: no update or delete operations
// exist by design, and duplicate deliveries append duplicate rows.
type Store interface {
	Append(ctx context.Context, ev *event.RunEvent) error
	ListByRun(ctx context.Context, runID string) ([]event.RunEvent, error)
}
