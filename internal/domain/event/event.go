// Package event defines the append-only RunEvent entity. Events are the
// authoritative history of a run: they are never mutated or deleted, and the
// run's status field is derived from them.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/domain/run"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeStatus   Type = "status"
	TypeMessage  Type = "message"
	TypeLog      Type = "log"
	TypeDiff     Type = "diff"
	TypeError    Type = "error"
	TypeArtifact Type = "artifact"
	TypeTasks    Type = "tasks"
	TypePreview  Type = "preview"
	TypeSandbox  Type = "sandbox"
	TypeDelivery Type = "delivery"
)

// RunEvent is a single immutable event in a run's history. Seq is assigned
// by the store on append and is the per-run ordering key; timestamps are not
// unique under burst inserts.
type RunEvent struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusPayload is the payload for TypeStatus events. CostCents reports the
// run's accumulated spend; workers attach it to terminal statuses.
type StatusPayload struct {
	Status    run.Status `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	Error     string     `json:"error,omitempty"`
	CostCents int        `json:"cost_cents,omitempty"`
}

// MessagePayload is the payload for TypeMessage events.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LogPayload is the payload for TypeLog events.
type LogPayload struct {
	Line   string `json:"line"`
	Stream string `json:"stream,omitempty"`
}

// DiffPayload is the payload for TypeDiff events.
type DiffPayload struct {
	RepositoryID string `json:"repository_id,omitempty"`
	Patch        string `json:"patch"`
}

// ErrorPayload is the payload for TypeError events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ArtifactPayload is the payload for TypeArtifact events.
type ArtifactPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TasksPayload is the payload for TypeTasks events (agent task list updates).
type TasksPayload struct {
	Tasks []TaskItem `json:"tasks"`
}

// TaskItem is one entry in a TasksPayload.
type TaskItem struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

// PreviewPayload is the payload for TypePreview events.
type PreviewPayload struct {
	URL string `json:"url"`
}

// SandboxPayload is the payload for TypeSandbox events.
type SandboxPayload struct {
	SandboxID string `json:"sandbox_id"`
	Phase     string `json:"phase"`
}

// DeliveryPayload is the payload for TypeDelivery events: the worker pushed
// its working branch and the branch is ready for a pull request.
type DeliveryPayload struct {
	RepositoryID string `json:"repository_id"`
	Branch       string `json:"branch"`
	PRTitle      string `json:"pr_title,omitempty"`
	PRBody       string `json:"pr_body,omitempty"`
}

// New builds a RunEvent of the given type, marshaling payload. Payload
// schemas form a closed set: one concrete struct per type.
func New(runID string, typ Type, payload any) (*RunEvent, error) {
	if err := checkPayload(typ, payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &RunEvent{RunID: runID, Type: typ, Payload: data}, nil
}

// checkPayload enforces the payload-type pairing at the boundary.
func checkPayload(typ Type, payload any) error {
	ok := false
	switch typ {
	case TypeStatus:
		_, ok = payload.(StatusPayload)
	case TypeMessage:
		_, ok = payload.(MessagePayload)
	case TypeLog:
		_, ok = payload.(LogPayload)
	case TypeDiff:
		_, ok = payload.(DiffPayload)
	case TypeError:
		_, ok = payload.(ErrorPayload)
	case TypeArtifact:
		_, ok = payload.(ArtifactPayload)
	case TypeTasks:
		_, ok = payload.(TasksPayload)
	case TypePreview:
		_, ok = payload.(PreviewPayload)
	case TypeSandbox:
		_, ok = payload.(SandboxPayload)
	case TypeDelivery:
		_, ok = payload.(DeliveryPayload)
	default:
		return fmt.Errorf("unknown event type %q", typ)
	}
	if !ok {
		return fmt.Errorf("payload type %T does not match event type %q", payload, typ)
	}
	return nil
}

// ParseSandbox decodes the payload of a sandbox event.
func ParseSandbox(ev *RunEvent) (*SandboxPayload, error) {
	if ev.Type != TypeSandbox {
		return nil, fmt.Errorf("event %s is %s, not sandbox", ev.ID, ev.Type)
	}
	var p SandboxPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse sandbox payload: %w", err)
	}
	return &p, nil
}

// ParseDelivery decodes the payload of a delivery event.
func ParseDelivery(ev *RunEvent) (*DeliveryPayload, error) {
	if ev.Type != TypeDelivery {
		return nil, fmt.Errorf("event %s is %s, not delivery", ev.ID, ev.Type)
	}
	var p DeliveryPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse delivery payload: %w", err)
	}
	return &p, nil
}

// ParseStatus decodes the payload of a status event.
func ParseStatus(ev *RunEvent) (*StatusPayload, error) {
	if ev.Type != TypeStatus {
		return nil, fmt.Errorf("event %s is %s, not status", ev.ID, ev.Type)
	}
	var p StatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse status payload: %w", err)
	}
	return &p, nil
}
