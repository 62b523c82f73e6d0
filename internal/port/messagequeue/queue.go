// Package messagequeue defines the durable-task queue port used for the
// local/dev dispatch path.
package messagequeue

import "context"

// Handler processes one message. Returning an error NAKs the delivery.
type Handler func(subject string, data []byte) error

// Queue is a durable publish/subscribe transport.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	Close() error
}

// Subjects used by the orchestration core.
const (
	SubjectRunDispatch = "runs.dispatch"
	SubjectRunEvents   = "runs.events"
)
