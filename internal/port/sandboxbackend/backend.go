// Package sandboxbackend defines the provider-abstracted sandbox lifecycle
// contract shared by the Kubernetes and cloud backends.
package sandboxbackend

import (
	"context"

	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/sandbox"
)

// CreateRequest carries everything a backend needs to boot a sandbox.
type CreateRequest struct {
	Sandbox *sandbox.Sandbox
	Repo    payload.Repo
	Runtime sandbox.Runtime
	// EnvVars are injected into the main container/workspace.
	EnvVars map[string]string
}

// Backend provisions and manages execution environments. Selection between
// backends is a deployment-wide configuration switch, not per-call.
type Backend interface {
	// Name identifies the backend ("kubernetes", "cloudbox").
	Name() string
	// Create boots the environment and fills in ProviderRef/PreviewURL on
	// the sandbox record.
	Create(ctx context.Context, req *CreateRequest) error
	// Status reconciles live backend state into a sandbox status.
	Status(ctx context.Context, sb *sandbox.Sandbox) (sandbox.Status, error)
	// Destroy tears down backend resources. Best-effort: callers mark the
	// stored record destroyed regardless of the returned error.
	Destroy(ctx context.Context, sb *sandbox.Sandbox) error
	// Logs retrieves current output, distinguishing the initializing phase
	// from the running phase.
	Logs(ctx context.Context, sb *sandbox.Sandbox, tailLines int) (*sandbox.Logs, error)
}
