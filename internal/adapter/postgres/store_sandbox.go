package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runforge/runforge/internal/domain/sandbox"
)

const sandboxColumns = `id, tenant_id, repository_id, branch, provider, status,
	provider_ref, preview_url, runtime, created_at, destroyed_at`

func (s *Store) CreateSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	var runtimeJSON []byte
	if sb.Runtime != nil {
		var err error
		runtimeJSON, err = json.Marshal(sb.Runtime)
		if err != nil {
			return fmt.Errorf("marshal runtime: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO sandboxes (tenant_id, repository_id, branch, provider, status, provider_ref, preview_url, runtime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		tenantFromCtx(ctx), sb.RepositoryID, sb.Branch, sb.Provider, string(sb.Status),
		sb.ProviderRef, sb.PreviewURL, runtimeJSON)
	if err := row.Scan(&sb.ID, &sb.CreatedAt); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	sb.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sandboxes WHERE id = $1 AND tenant_id = $2`, sandboxColumns),
		id, tenantFromCtx(ctx))
	sb, err := scanSandbox(row)
	if err != nil {
		return nil, notFoundWrap(err, "get sandbox %s", id)
	}
	return &sb, nil
}

func (s *Store) ListSandboxes(ctx context.Context) ([]sandbox.Sandbox, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sandboxes WHERE tenant_id = $1 AND status <> 'destroyed' ORDER BY created_at DESC`, sandboxColumns),
		tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var boxes []sandbox.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, sb)
	}
	return boxes, rows.Err()
}

func (s *Store) UpdateSandboxStatus(ctx context.Context, id string, status sandbox.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET status = $2 WHERE id = $1 AND tenant_id = $3`,
		id, string(status), tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update sandbox status %s", id)
}

func (s *Store) UpdateSandboxProvisioned(ctx context.Context, id, providerRef, previewURL string, status sandbox.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET provider_ref = $2, preview_url = $3, status = $4
		 WHERE id = $1 AND tenant_id = $5`,
		id, providerRef, previewURL, string(status), tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update sandbox provisioned %s", id)
}

func (s *Store) MarkSandboxDestroyed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET status = 'destroyed', destroyed_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "mark sandbox destroyed %s", id)
}

func scanSandbox(row scannable) (sandbox.Sandbox, error) {
	var sb sandbox.Sandbox
	var runtimeJSON []byte
	var destroyedAt *time.Time
	err := row.Scan(&sb.ID, &sb.TenantID, &sb.RepositoryID, &sb.Branch, &sb.Provider, &sb.Status,
		&sb.ProviderRef, &sb.PreviewURL, &runtimeJSON, &sb.CreatedAt, &destroyedAt)
	if err != nil {
		return sb, err
	}
	sb.DestroyedAt = destroyedAt
	if len(runtimeJSON) > 0 {
		var rt sandbox.Runtime
		if err := json.Unmarshal(runtimeJSON, &rt); err != nil {
			return sb, fmt.Errorf("sandbox %s runtime: %w", sb.ID, err)
		}
		sb.Runtime = &rt
	}
	return sb, nil
}

// --- Sandbox cache ---

const cacheColumns = `id, tenant_id, repository_id, sandbox_id, repo_dir, default_branch, status, created_at, updated_at`

// ClaimCacheEntry atomically claims the oldest available entry for the
// repository. The subselect picks a candidate and the outer WHERE re-checks
// its status, so under concurrent claims exactly one caller sees a row come
// back; everyone else gets (nil, nil).
func (s *Store) ClaimCacheEntry(ctx context.Context, repositoryID string) (*sandbox.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE sandbox_cache SET status = 'in_use', updated_at = now()
		 WHERE id = (
		   SELECT id FROM sandbox_cache
		   WHERE tenant_id = $1 AND repository_id = $2 AND status = 'available'
		   ORDER BY created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'available'
		 RETURNING %s`, cacheColumns),
		tenantFromCtx(ctx), repositoryID)

	e, err := scanCacheEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim cache entry: %w", err)
	}
	return &e, nil
}

func (s *Store) UpsertCacheEntry(ctx context.Context, e *sandbox.CacheEntry) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sandbox_cache (tenant_id, repository_id, sandbox_id, repo_dir, default_branch, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, sandbox_id) DO UPDATE
		 SET repo_dir = EXCLUDED.repo_dir, default_branch = EXCLUDED.default_branch,
		     status = EXCLUDED.status, updated_at = now()
		 RETURNING id, created_at, updated_at`,
		tenantFromCtx(ctx), e.RepositoryID, e.SandboxID, e.RepoDir, e.DefaultBranch, string(e.Status))
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	e.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) ExpireCacheEntry(ctx context.Context, sandboxID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandbox_cache SET status = 'expired', updated_at = now()
		 WHERE sandbox_id = $1 AND tenant_id = $2`,
		sandboxID, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "expire cache entry %s", sandboxID)
}

func scanCacheEntry(row scannable) (sandbox.CacheEntry, error) {
	var e sandbox.CacheEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.RepositoryID, &e.SandboxID, &e.RepoDir,
		&e.DefaultBranch, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}
