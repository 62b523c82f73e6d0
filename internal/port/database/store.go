// Package database defines the persistence port for the orchestration core.
package database

import (
	"context"

	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/sandbox"
)

// Store is the persistence contract. All methods are tenant-scoped via the
// tenant ID carried in ctx.
type Store interface {
	// Runs. Runs are never deleted; terminal transitions set ended_at.
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRunsByProject(ctx context.Context, projectID string) ([]run.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status run.Status) error
	CompleteRun(ctx context.Context, id string, status run.Status, summary string) error
	UpdateRunCost(ctx context.Context, id string, costCents int) error
	UpdateRunSandbox(ctx context.Context, id, sandboxID string) error
	UpdateRunChain(ctx context.Context, id string, chain *run.ChainConfig) error
	// TenantForRun resolves the owning tenant without tenant scoping, for
	// cross-process event ingestion where only the run ID is known.
	TenantForRun(ctx context.Context, runID string) (string, error)

	// Run repos.
	CreateRunRepo(ctx context.Context, rr *run.Repo) error
	ListRunRepos(ctx context.Context, runID string) ([]run.Repo, error)
	UpdateRunRepoStatus(ctx context.Context, id string, status run.RepoStatus, prURL string) error

	// Repositories, connectors, clusters (owned by the surrounding system;
	// read-only here).
	ListRepositoriesByProject(ctx context.Context, projectID string) ([]repo.Repository, error)
	GetRepository(ctx context.Context, id string) (*repo.Repository, error)
	GetConnector(ctx context.Context, id string) (*repo.Connector, error)
	GetCluster(ctx context.Context, id string) (*repo.Cluster, error)

	// Instructions.
	ListInstructions(ctx context.Context, projectID, repositoryID, ticketID string) ([]instruction.Instruction, error)

	// Sandboxes.
	CreateSandbox(ctx context.Context, sb *sandbox.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*sandbox.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]sandbox.Sandbox, error)
	UpdateSandboxStatus(ctx context.Context, id string, status sandbox.Status) error
	// UpdateSandboxProvisioned persists backend identifiers after creation.
	UpdateSandboxProvisioned(ctx context.Context, id, providerRef, previewURL string, status sandbox.Status) error
	MarkSandboxDestroyed(ctx context.Context, id string) error

	// Sandbox cache. ClaimCacheEntry must be a single atomic conditional
	// update: under N concurrent claims of one available entry exactly one
	// caller gets it, the rest get (nil, nil).
	ClaimCacheEntry(ctx context.Context, repositoryID string) (*sandbox.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e *sandbox.CacheEntry) error
	ExpireCacheEntry(ctx context.Context, sandboxID string) error
}
