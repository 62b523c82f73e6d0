package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
)

const noRepoSummary = "No repository found for this project"

// JobLauncher is the cluster-side surface the dispatcher needs for the
// Kubernetes path.
type JobLauncher interface {
	EnsureNamespace(ctx context.Context, cfg config.Kubernetes, tenantSlug string) (string, error)
	EnsureGitCredentialSecret(ctx context.Context, namespace, connectorID, token string) (string, error)
	LaunchAgentJob(ctx context.Context, cfg config.Kubernetes, namespace string, p *payload.JobPayload) (string, error)
}

// LauncherFactory builds a JobLauncher for a registered cluster, unsealing
// its bearer token at the point of use.
type LauncherFactory func(ctx context.Context, cluster *repo.Cluster) (JobLauncher, error)

// CloudLauncher hands a payload to the cloud sandbox service for
// asynchronous execution.
type CloudLauncher interface {
	LaunchRun(ctx context.Context, p *payload.JobPayload) error
}

// DispatcherService creates runs and routes them to an execution backend.
// Backend precedence is fixed: cloud sandbox, then Kubernetes, then the
// durable-task queue.
type DispatcherService struct {
	store      database.Store
	resolver   *ResolverService
	creds      *CredentialService
	queue      messagequeue.Queue
	cloud      CloudLauncher
	launchers  LauncherFactory
	metrics    *otel.Metrics
	cfg        config.Dispatch
	k8sCfg     config.Kubernetes
	sandboxCfg config.Sandbox
}

// NewDispatcherService creates a DispatcherService. queue, cloud, and
// launchers may be nil when the corresponding path is not deployed.
func NewDispatcherService(
	store database.Store,
	resolver *ResolverService,
	creds *CredentialService,
	queue messagequeue.Queue,
	cloud CloudLauncher,
	launchers LauncherFactory,
	metrics *otel.Metrics,
	cfg config.Dispatch,
	k8sCfg config.Kubernetes,
	sandboxCfg config.Sandbox,
) *DispatcherService {
	return &DispatcherService{
		store:      store,
		resolver:   resolver,
		creds:      creds,
		queue:      queue,
		cloud:      cloud,
		launchers:  launchers,
		metrics:    metrics,
		cfg:        cfg,
		k8sCfg:     k8sCfg,
		sandboxCfg: sandboxCfg,
	}
}

// CreateRun resolves instructions and repositories, persists the run, builds
// the job payload, and dispatches it. On dispatch-transport failure the run
// stays queued for later reconciliation; only repo resolution failure fails
// the run itself.
func (s *DispatcherService) CreateRun(ctx context.Context, req *run.CreateRequest) (*run.Run, error) {
	if req.ProjectID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("project_id and prompt are required: %w", domain.ErrValidation)
	}
	if req.Chain != nil {
		if err := req.Chain.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", err, domain.ErrValidation)
		}
	}
	provider := req.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}

	resolvedPrompt, err := s.resolver.ResolveInstructions(ctx, req.ProjectID, req.RepositoryID, req.TicketID, req.Prompt)
	if err != nil {
		return nil, err
	}

	r := &run.Run{
		ProjectID:      req.ProjectID,
		TicketID:       req.TicketID,
		Provider:       provider,
		Mode:           req.Mode,
		Status:         run.StatusQueued,
		InputPrompt:    req.Prompt,
		ResolvedPrompt: resolvedPrompt,
		Chain:          req.Chain,
		ParentRunID:    req.ParentRunID,
		ClusterID:      req.ClusterID,
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}

	candidates, err := s.resolver.ResolveRepos(ctx, req.ProjectID, req.RepositoryID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// A run can never succeed without a repo, so it must not be left queued.
		if ferr := s.store.CompleteRun(ctx, r.ID, run.StatusFailed, noRepoSummary); ferr != nil {
			slog.Error("failed to mark repo-less run failed", "run_id", r.ID, "error", ferr)
		}
		return nil, fmt.Errorf("create run %s: %s: %w", r.ID, noRepoSummary, domain.ErrValidation)
	}

	p, err := s.buildPayload(ctx, r, req, candidates)
	if err != nil {
		return nil, err
	}

	backend, err := s.dispatch(ctx, r, p)
	if err != nil {
		return nil, err
	}
	s.recordRunRepos(ctx, r, candidates)

	if s.metrics != nil {
		s.metrics.RunsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	}
	slog.Info("run dispatched", "run_id", r.ID, "mode", r.Mode, "backend", backend)
	return r, nil
}

// GetRun returns one run.
func (s *DispatcherService) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns a project's runs.
func (s *DispatcherService) ListRuns(ctx context.Context, projectID string) ([]run.Run, error) {
	return s.store.ListRunsByProject(ctx, projectID)
}

// buildPayload assembles the provider-agnostic job payload. A single
// candidate is promoted to the primary repo slot; multiple candidates ride
// along unresolved so the executing worker selects at runtime.
func (s *DispatcherService) buildPayload(ctx context.Context, r *run.Run, req *run.CreateRequest, candidates []repo.Repository) (*payload.JobPayload, error) {
	timeBudget := req.TimeBudgetSec
	if timeBudget == 0 {
		timeBudget = int(s.cfg.DefaultTimeBudget.Seconds())
	}

	p := &payload.JobPayload{
		RunID:          r.ID,
		TenantID:       middleware.TenantIDFromContext(ctx),
		ProjectID:      r.ProjectID,
		TicketID:       r.TicketID,
		Provider:       r.Provider,
		Mode:           r.Mode,
		ResolvedPrompt: r.ResolvedPrompt,
		InputPrompt:    r.InputPrompt,
		Constraints: payload.Constraints{
			TimeBudgetSec: timeBudget,
			MaxCostCents:  req.MaxCostCents,
			AllowedTools:  req.AllowedTools,
		},
		Images:         req.Images,
		IsContinuation: r.ParentRunID != "",
	}

	repos := make([]payload.Repo, 0, len(candidates))
	for i := range candidates {
		pr, err := s.payloadRepo(ctx, &candidates[i])
		if err != nil {
			return nil, err
		}
		repos = append(repos, *pr)
	}
	if len(repos) == 1 {
		p.Repo = &repos[0]
	} else {
		p.Repos = repos
	}
	return p, nil
}

// payloadRepo converts a repository record, decrypting its connector
// credential exactly once per distinct connector via the token cache.
func (s *DispatcherService) payloadRepo(ctx context.Context, r *repo.Repository) (*payload.Repo, error) {
	token, err := s.creds.ConnectorToken(ctx, r.ConnectorID)
	if err != nil {
		return nil, err
	}
	pr := &payload.Repo{
		RepositoryID:  r.ID,
		ConnectorID:   r.ConnectorID,
		Owner:         r.Owner,
		Name:          r.Name,
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		AllowedPaths:  r.AllowedPaths,
		AuthToken:     token,
		RoleLabel:     r.RoleLabel,
		IsPrimary:     r.IsPrimary,
	}
	if r.HasFork() {
		pr.ForkCloneURL = forkCloneURL(r)
	}
	return pr, nil
}

// dispatch routes the payload by fixed precedence and returns the backend
// name. Exactly one of the sandbox/k8s payload markers ends up set, or
// neither for the queue path.
func (s *DispatcherService) dispatch(ctx context.Context, r *run.Run, p *payload.JobPayload) (string, error) {
	switch {
	case s.cloud != nil && s.sandboxCfg.Provider == "cloudbox":
		p.Sandbox = &payload.Sandbox{Provider: s.sandboxCfg.Provider}
		ctx, span := otel.StartDispatchSpan(ctx, r.ID, r.ProjectID, "cloudbox")
		defer span.End()
		if err := s.cloud.LaunchRun(ctx, p); err != nil {
			return "", fmt.Errorf("dispatch run %s to cloud: %w", r.ID, err)
		}
		return "cloudbox", nil

	case r.ClusterID != "" && s.launchers != nil && p.Repo != nil:
		return s.dispatchK8s(ctx, r, p)

	case s.queue != nil:
		data, err := p.EncodeBase64()
		if err != nil {
			return "", err
		}
		if err := s.queue.Publish(ctx, messagequeue.SubjectRunDispatch, []byte(data)); err != nil {
			return "", fmt.Errorf("enqueue run %s: %w", r.ID, err)
		}
		return "queue", nil
	}
	return "", fmt.Errorf("run %s: no dispatch backend available: %w", r.ID, domain.ErrValidation)
}

// dispatchK8s provisions tenant namespace and credentials, then launches the
// agent Job. Failures leave the run queued; the caller retries or corrects
// cluster configuration.
func (s *DispatcherService) dispatchK8s(ctx context.Context, r *run.Run, p *payload.JobPayload) (string, error) {
	ctx, span := otel.StartDispatchSpan(ctx, r.ID, r.ProjectID, "kubernetes")
	defer span.End()

	cluster, err := s.store.GetCluster(ctx, r.ClusterID)
	if err != nil {
		return "", fmt.Errorf("run %s cluster: %w", r.ID, err)
	}
	launcher, err := s.launchers(ctx, cluster)
	if err != nil {
		return "", fmt.Errorf("run %s cluster client: %w", r.ID, err)
	}

	tenantSlug := middleware.TenantIDFromContext(ctx)
	namespace, err := launcher.EnsureNamespace(ctx, s.k8sCfg, tenantSlug)
	if err != nil {
		return "", fmt.Errorf("run %s namespace: %w", r.ID, err)
	}
	secretName, err := launcher.EnsureGitCredentialSecret(ctx, namespace, p.Repo.ConnectorID, p.Repo.AuthToken)
	if err != nil {
		return "", fmt.Errorf("run %s git credentials: %w", r.ID, err)
	}

	p.K8s = &payload.K8s{
		ClusterID:               cluster.ID,
		Namespace:               namespace,
		GitCredentialSecretName: secretName,
	}
	if _, err := launcher.LaunchAgentJob(ctx, s.k8sCfg, namespace, p); err != nil {
		return "", fmt.Errorf("run %s job launch: %w", r.ID, err)
	}
	return "kubernetes", nil
}

// recordRunRepos registers a delivery row per candidate repository so the
// event pipeline can track pushed branches and pull requests. The run is
// already in flight; a bookkeeping failure is logged, not returned.
func (s *DispatcherService) recordRunRepos(ctx context.Context, r *run.Run, candidates []repo.Repository) {
	branch := fmt.Sprintf("%s/%s/%s", s.k8sCfg.NamePrefix, r.Mode, r.ID)
	for i := range candidates {
		rr := &run.Repo{
			RunID:        r.ID,
			RepositoryID: candidates[i].ID,
			Branch:       branch,
			Status:       run.RepoStatusPending,
		}
		if err := s.store.CreateRunRepo(ctx, rr); err != nil {
			slog.Error("run repo bookkeeping failed",
				"run_id", r.ID, "repository_id", candidates[i].ID, "error", err)
		}
	}
}

// forkCloneURL derives the fork's clone URL from the upstream's by swapping
// owner/name in the last path segment.
func forkCloneURL(r *repo.Repository) string {
	i := strings.LastIndex(r.CloneURL, r.Owner+"/"+r.Name)
	if i < 0 {
		return ""
	}
	return r.CloneURL[:i] + r.ForkOwner + "/" + r.ForkName + r.CloneURL[i+len(r.Owner+"/"+r.Name):]
}
