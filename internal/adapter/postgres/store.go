package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/run"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runs ---

const runColumns = `id, tenant_id, project_id, COALESCE(ticket_id::text, ''), provider, mode, status,
	input_prompt, resolved_prompt, output_summary, cost_cents, COALESCE(sandbox_id::text, ''),
	chain, COALESCE(parent_run_id::text, ''), COALESCE(approval_token_id, ''), COALESCE(cluster_id::text, ''),
	artifacts, session_snapshot, created_at, started_at, ended_at`

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	var chainJSON []byte
	if r.Chain != nil {
		var err error
		chainJSON, err = json.Marshal(r.Chain)
		if err != nil {
			return fmt.Errorf("marshal chain config: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (tenant_id, project_id, ticket_id, provider, mode, status, input_prompt, resolved_prompt, chain, parent_run_id, cluster_id, artifacts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		tenantFromCtx(ctx), r.ProjectID, nullIfEmpty(r.TicketID), r.Provider, string(r.Mode), string(r.Status),
		r.InputPrompt, r.ResolvedPrompt, chainJSON, nullIfEmpty(r.ParentRunID), nullIfEmpty(r.ClusterID), r.Artifacts)

	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	r.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1 AND tenant_id = $2`, runColumns),
		id, tenantFromCtx(ctx))

	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRunsByProject(ctx context.Context, projectID string) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE project_id = $1 AND tenant_id = $2 ORDER BY created_at DESC`, runColumns),
		projectID, tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status run.Status) error {
	// started_at is stamped on the first transition to running.
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2,
		        started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END
		 WHERE id = $1 AND tenant_id = $3`,
		id, string(status), tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update run status %s", id)
}

func (s *Store) CompleteRun(ctx context.Context, id string, status run.Status, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, output_summary = $3, ended_at = now()
		 WHERE id = $1 AND tenant_id = $4`,
		id, string(status), summary, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "complete run %s", id)
}

func (s *Store) UpdateRunCost(ctx context.Context, id string, costCents int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET cost_cents = $2 WHERE id = $1 AND tenant_id = $3`,
		id, costCents, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update run cost %s", id)
}

func (s *Store) UpdateRunSandbox(ctx context.Context, id, sandboxID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET sandbox_id = $2 WHERE id = $1 AND tenant_id = $3`,
		id, nullIfEmpty(sandboxID), tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update run sandbox %s", id)
}

func (s *Store) UpdateRunChain(ctx context.Context, id string, chain *run.ChainConfig) error {
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain config: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET chain = $2 WHERE id = $1 AND tenant_id = $3`,
		id, chainJSON, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update run chain %s", id)
}

// TenantForRun resolves the owning tenant without tenant scoping. Used by the
// event ingestion path, which authenticates with the worker shared secret
// rather than a tenant header.
func (s *Store) TenantForRun(ctx context.Context, runID string) (string, error) {
	var tid string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id FROM runs WHERE id = $1`, runID).Scan(&tid)
	if err != nil {
		return "", notFoundWrap(err, "tenant for run %s", runID)
	}
	return tid, nil
}

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	var chainJSON []byte
	var startedAt, endedAt *time.Time
	err := row.Scan(
		&r.ID, &r.TenantID, &r.ProjectID, &r.TicketID, &r.Provider, &r.Mode, &r.Status,
		&r.InputPrompt, &r.ResolvedPrompt, &r.OutputSummary, &r.CostCents, &r.SandboxID,
		&chainJSON, &r.ParentRunID, &r.ApprovalTokenID, &r.ClusterID, &r.Artifacts, &r.SessionSnapshot,
		&r.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return r, err
	}
	r.StartedAt = startedAt
	r.EndedAt = endedAt
	if len(chainJSON) > 0 {
		chain, err := run.ParseChainConfig(chainJSON)
		if err != nil {
			return r, fmt.Errorf("run %s: %w", r.ID, err)
		}
		r.Chain = chain
	}
	return r, nil
}

// --- Run repos ---

func (s *Store) CreateRunRepo(ctx context.Context, rr *run.Repo) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_repos (tenant_id, run_id, repository_id, branch, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		tenantFromCtx(ctx), rr.RunID, rr.RepositoryID, rr.Branch, string(rr.Status))
	if err := row.Scan(&rr.ID, &rr.CreatedAt); err != nil {
		return fmt.Errorf("create run repo: %w", err)
	}
	return nil
}

func (s *Store) ListRunRepos(ctx context.Context, runID string) ([]run.Repo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, repository_id, branch, status, pr_url, created_at
		 FROM run_repos WHERE run_id = $1 AND tenant_id = $2 ORDER BY created_at ASC`,
		runID, tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list run repos: %w", err)
	}
	defer rows.Close()

	var repos []run.Repo
	for rows.Next() {
		var rr run.Repo
		if err := rows.Scan(&rr.ID, &rr.RunID, &rr.RepositoryID, &rr.Branch, &rr.Status, &rr.PRURL, &rr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run repo: %w", err)
		}
		repos = append(repos, rr)
	}
	return repos, rows.Err()
}

func (s *Store) UpdateRunRepoStatus(ctx context.Context, id string, status run.RepoStatus, prURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_repos SET status = $2, pr_url = CASE WHEN $3 = '' THEN pr_url ELSE $3 END
		 WHERE id = $1 AND tenant_id = $4`,
		id, string(status), prURL, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update run repo %s", id)
}

// --- Repositories, connectors, clusters ---

const repoColumns = `id, tenant_id, project_id, connector_id, owner, name, clone_url, default_branch,
	fork_owner, fork_name, role_label, is_primary, allowed_paths, created_at`

func (s *Store) ListRepositoriesByProject(ctx context.Context, projectID string) ([]repo.Repository, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM repositories WHERE project_id = $1 AND tenant_id = $2 ORDER BY is_primary DESC, created_at ASC`, repoColumns),
		projectID, tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []repo.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *Store) GetRepository(ctx context.Context, id string) (*repo.Repository, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM repositories WHERE id = $1 AND tenant_id = $2`, repoColumns),
		id, tenantFromCtx(ctx))
	r, err := scanRepository(row)
	if err != nil {
		return nil, notFoundWrap(err, "get repository %s", id)
	}
	return &r, nil
}

func scanRepository(row scannable) (repo.Repository, error) {
	var r repo.Repository
	err := row.Scan(&r.ID, &r.TenantID, &r.ProjectID, &r.ConnectorID, &r.Owner, &r.Name, &r.CloneURL,
		&r.DefaultBranch, &r.ForkOwner, &r.ForkName, &r.RoleLabel, &r.IsPrimary, &r.AllowedPaths, &r.CreatedAt)
	return r, err
}

func (s *Store) GetConnector(ctx context.Context, id string) (*repo.Connector, error) {
	var c repo.Connector
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, provider, sealed_token, created_at
		 FROM connectors WHERE id = $1 AND tenant_id = $2`,
		id, tenantFromCtx(ctx),
	).Scan(&c.ID, &c.TenantID, &c.Provider, &c.SealedToken, &c.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get connector %s", id)
	}
	return &c, nil
}

func (s *Store) GetCluster(ctx context.Context, id string) (*repo.Cluster, error) {
	var c repo.Cluster
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, base_url, sealed_bearer_token, ca_bundle_pem, ingress_domain
		 FROM clusters WHERE id = $1 AND tenant_id = $2`,
		id, tenantFromCtx(ctx),
	).Scan(&c.ID, &c.TenantID, &c.BaseURL, &c.SealedBearerToken, &c.CABundlePEM, &c.IngressDomain)
	if err != nil {
		return nil, notFoundWrap(err, "get cluster %s", id)
	}
	return &c, nil
}

// --- Instructions ---

// ListInstructions returns all instruction layers applicable to a run:
// default- and tenant-scoped rows plus rows matching the given project,
// repository, and ticket. Composition order is decided by the caller.
func (s *Store) ListInstructions(ctx context.Context, projectID, repositoryID, ticketID string) ([]instruction.Instruction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, scope, COALESCE(scope_id::text, ''), content, created_at
		 FROM instructions
		 WHERE tenant_id = $1 AND (
		   scope IN ('default', 'tenant')
		   OR (scope = 'project' AND scope_id = $2::uuid)
		   OR (scope = 'repository' AND $3 <> '' AND scope_id = $3::uuid)
		   OR (scope = 'ticket' AND $4 <> '' AND scope_id = $4::uuid)
		 )
		 ORDER BY created_at ASC`,
		tenantFromCtx(ctx), projectID, repositoryID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer rows.Close()

	var instructions []instruction.Instruction
	for rows.Next() {
		var ins instruction.Instruction
		var scopeID string
		if err := rows.Scan(&ins.ID, &ins.TenantID, &ins.Scope, &scopeID, &ins.Content, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		ins.ScopeID = scopeID
		instructions = append(instructions, ins)
	}
	return instructions, rows.Err()
}
