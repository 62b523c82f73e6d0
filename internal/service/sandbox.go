package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
)

// SandboxService manages execution-environment lifecycles on top of one
// configured backend. Records outlive their backing compute.
type SandboxService struct {
	store    database.Store
	backend  sandboxbackend.Backend
	detector *RuntimeDetector
	creds    *CredentialService
}

// NewSandboxService creates a SandboxService.
func NewSandboxService(store database.Store, backend sandboxbackend.Backend, detector *RuntimeDetector, creds *CredentialService) *SandboxService {
	return &SandboxService{store: store, backend: backend, detector: detector, creds: creds}
}

// SandboxCreateRequest holds the fields needed to boot a new sandbox.
type SandboxCreateRequest struct {
	RepositoryID string            `json:"repository_id"`
	Branch       string            `json:"branch,omitempty"`
	EnvVars      map[string]string `json:"env_vars,omitempty"`
}

// Create detects the repository's runtime, persists the record, and boots
// the environment. The record is created first in status creating so a
// backend failure leaves an inspectable error row instead of nothing.
func (s *SandboxService) Create(ctx context.Context, req *SandboxCreateRequest) (*sandbox.Sandbox, error) {
	if s.backend == nil {
		return nil, fmt.Errorf("no sandbox backend configured: %w", domain.ErrValidation)
	}
	if req.RepositoryID == "" {
		return nil, fmt.Errorf("repository_id is required: %w", domain.ErrValidation)
	}
	r, err := s.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}
	branch := req.Branch
	if branch == "" {
		branch = r.DefaultBranch
	}
	token, err := s.creds.ConnectorToken(ctx, r.ConnectorID)
	if err != nil {
		return nil, err
	}
	rt, err := s.detector.Detect(ctx, token, r, branch)
	if err != nil {
		return nil, err
	}

	sb := &sandbox.Sandbox{
		RepositoryID: r.ID,
		Branch:       branch,
		Provider:     s.backend.Name(),
		Status:       sandbox.StatusCreating,
		Runtime:      rt,
	}
	if err := s.store.CreateSandbox(ctx, sb); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSandboxSpan(ctx, sb.ID, "create")
	defer span.End()

	err = s.backend.Create(ctx, &sandboxbackend.CreateRequest{
		Sandbox: sb,
		Repo: payload.Repo{
			RepositoryID:  r.ID,
			ConnectorID:   r.ConnectorID,
			Owner:         r.Owner,
			Name:          r.Name,
			CloneURL:      r.CloneURL,
			DefaultBranch: r.DefaultBranch,
			AuthToken:     token,
		},
		Runtime: *rt,
		EnvVars: req.EnvVars,
	})
	if err != nil {
		if uerr := s.store.UpdateSandboxStatus(ctx, sb.ID, sandbox.StatusError); uerr != nil {
			slog.Error("failed to mark sandbox errored", "sandbox_id", sb.ID, "error", uerr)
		}
		return nil, fmt.Errorf("create sandbox %s: %w", sb.ID, err)
	}

	sb.Status = sandbox.StatusRunning
	if err := s.store.UpdateSandboxProvisioned(ctx, sb.ID, sb.ProviderRef, sb.PreviewURL, sandbox.StatusRunning); err != nil {
		return nil, err
	}
	slog.Info("sandbox created",
		"sandbox_id", sb.ID, "repo", r.FullName(), "provider", sb.Provider, "preview_url", sb.PreviewURL)
	return sb, nil
}

// Get returns the sandbox, reconciling live backend state into the stored
// status. Destroyed records are returned as stored without a backend call.
func (s *SandboxService) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	sb, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Status == sandbox.StatusDestroyed || s.backend == nil {
		return sb, nil
	}
	live, err := s.backend.Status(ctx, sb)
	if err != nil {
		// Stale status beats an error page; the stored record is still useful.
		slog.Warn("sandbox status reconcile failed", "sandbox_id", sb.ID, "error", err)
		return sb, nil
	}
	if live != sb.Status {
		if err := s.store.UpdateSandboxStatus(ctx, sb.ID, live); err != nil {
			return nil, err
		}
		sb.Status = live
	}
	return sb, nil
}

// List returns all sandbox records for the tenant, destroyed ones included.
func (s *SandboxService) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	return s.store.ListSandboxes(ctx)
}

// Destroy tears down backend resources and marks the record destroyed. The
// record is marked destroyed even when backend deletes fail; orphaned
// compute is reaped by backend-side TTLs.
func (s *SandboxService) Destroy(ctx context.Context, id string) error {
	sb, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}
	ctx, span := otel.StartSandboxSpan(ctx, sb.ID, "destroy")
	defer span.End()

	if s.backend != nil {
		if err := s.backend.Destroy(ctx, sb); err != nil {
			slog.Warn("sandbox backend destroy failed", "sandbox_id", sb.ID, "error", err)
		}
	}
	if err := s.store.MarkSandboxDestroyed(ctx, sb.ID); err != nil {
		return err
	}
	if err := s.store.ExpireCacheEntry(ctx, sb.ID); err != nil {
		slog.Warn("sandbox cache expire failed", "sandbox_id", sb.ID, "error", err)
	}
	slog.Info("sandbox destroyed", "sandbox_id", sb.ID)
	return nil
}

// Logs returns current output from the sandbox, distinguishing the
// initializing phase from the running phase.
func (s *SandboxService) Logs(ctx context.Context, id string, tailLines int) (*sandbox.Logs, error) {
	sb, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Status == sandbox.StatusDestroyed {
		return nil, fmt.Errorf("sandbox %s is destroyed: %w", id, domain.ErrConflict)
	}
	if s.backend == nil {
		return nil, fmt.Errorf("no sandbox backend configured: %w", domain.ErrValidation)
	}
	return s.backend.Logs(ctx, sb, tailLines)
}

// Claim atomically takes an available pooled sandbox for the repository.
// Returns (nil, nil) when the pool has nothing available; concurrent
// claimers for the same repository get distinct entries or nil, never the
// same one.
func (s *SandboxService) Claim(ctx context.Context, repositoryID string) (*sandbox.CacheEntry, error) {
	return s.store.ClaimCacheEntry(ctx, repositoryID)
}

// Register returns a warmed sandbox to the pool as available, or refreshes
// the existing entry for that sandbox.
func (s *SandboxService) Register(ctx context.Context, e *sandbox.CacheEntry) error {
	if e.SandboxID == "" || e.RepositoryID == "" {
		return fmt.Errorf("sandbox_id and repository_id are required: %w", domain.ErrValidation)
	}
	e.Status = sandbox.CacheAvailable
	return s.store.UpsertCacheEntry(ctx, e)
}

// Expire marks the pooled entry for a sandbox expired. Entries are never
// deleted; the pool history stays auditable.
func (s *SandboxService) Expire(ctx context.Context, sandboxID string) error {
	return s.store.ExpireCacheEntry(ctx, sandboxID)
}
