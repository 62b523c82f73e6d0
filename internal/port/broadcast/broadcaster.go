// Package broadcast defines the port for pushing run events to live
// subscribers. Delivery is best-effort, at-most-once, with no backfill.
package broadcast

import (
	"context"

	"github.com/runforge/runforge/internal/domain/event"
)

// Broadcaster fans a run event out to subscribers of that run.
type Broadcaster interface {
	BroadcastRunEvent(ctx context.Context, ev *event.RunEvent)
}
