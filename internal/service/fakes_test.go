package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"testing"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/event"
	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/gitprovider"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
	"github.com/runforge/runforge/internal/secrets"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

func testCtx() context.Context {
	return middleware.WithTenantID(context.Background(), testTenant)
}

// fakeStore is an in-memory database.Store for service tests.
type fakeStore struct {
	mu           sync.Mutex
	seq          int
	runs         map[string]*run.Run
	runRepos     []run.Repo
	repos        map[string]*repo.Repository
	connectors   map[string]*repo.Connector
	clusters     map[string]*repo.Cluster
	instructions []instruction.Instruction
	sandboxes    map[string]*sandbox.Sandbox
	cacheEntries map[string]*sandbox.CacheEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:         map[string]*run.Run{},
		repos:        map[string]*repo.Repository{},
		connectors:   map[string]*repo.Connector{},
		clusters:     map[string]*repo.Cluster{},
		sandboxes:    map[string]*sandbox.Sandbox{},
		cacheEntries: map[string]*sandbox.CacheEntry{},
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeStore) CreateRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID("run")
	r.TenantID = middleware.TenantIDFromContext(ctx)
	r.CreatedAt = time.Now()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *fakeStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListRunsByProject(ctx context.Context, projectID string) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRunStatus(ctx context.Context, id string, status run.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	if status == run.StatusRunning && r.StartedAt == nil {
		now := time.Now()
		r.StartedAt = &now
	}
	return nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, id string, status run.Status, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.OutputSummary = summary
	now := time.Now()
	r.EndedAt = &now
	return nil
}

func (s *fakeStore) UpdateRunCost(ctx context.Context, id string, costCents int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.CostCents = costCents
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) UpdateRunSandbox(ctx context.Context, id, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.SandboxID = sandboxID
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) UpdateRunChain(ctx context.Context, id string, chain *run.ChainConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.Chain = chain
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) TenantForRun(ctx context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r.TenantID, nil
	}
	return "", domain.ErrNotFound
}

func (s *fakeStore) CreateRunRepo(ctx context.Context, rr *run.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr.ID = s.nextID("runrepo")
	s.runRepos = append(s.runRepos, *rr)
	return nil
}

func (s *fakeStore) ListRunRepos(ctx context.Context, runID string) ([]run.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Repo
	for _, rr := range s.runRepos {
		if rr.RunID == runID {
			out = append(out, rr)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRunRepoStatus(ctx context.Context, id string, status run.RepoStatus, prURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runRepos {
		if s.runRepos[i].ID == id {
			s.runRepos[i].Status = status
			s.runRepos[i].PRURL = prURL
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeStore) ListRepositoriesByProject(ctx context.Context, projectID string) ([]repo.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.Repository
	for _, r := range s.repos {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRepository(ctx context.Context, id string) (*repo.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("repository %s: %w", id, domain.ErrNotFound)
}

func (s *fakeStore) GetConnector(ctx context.Context, id string) (*repo.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connectors[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("connector %s: %w", id, domain.ErrNotFound)
}

func (s *fakeStore) GetCluster(ctx context.Context, id string) (*repo.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clusters[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("cluster %s: %w", id, domain.ErrNotFound)
}

func (s *fakeStore) ListInstructions(ctx context.Context, projectID, repositoryID, ticketID string) ([]instruction.Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []instruction.Instruction
	for _, ins := range s.instructions {
		switch ins.Scope {
		case instruction.ScopeDefault, instruction.ScopeTenant:
			out = append(out, ins)
		case instruction.ScopeProject:
			if ins.ScopeID == projectID {
				out = append(out, ins)
			}
		case instruction.ScopeRepository:
			if repositoryID != "" && ins.ScopeID == repositoryID {
				out = append(out, ins)
			}
		case instruction.ScopeTicket:
			if ticketID != "" && ins.ScopeID == ticketID {
				out = append(out, ins)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CreateSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb.ID = s.nextID("sbx")
	sb.TenantID = middleware.TenantIDFromContext(ctx)
	sb.CreatedAt = time.Now()
	cp := *sb
	s.sandboxes[sb.ID] = &cp
	return nil
}

func (s *fakeStore) GetSandbox(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sandboxes[id]; ok {
		cp := *sb
		return &cp, nil
	}
	return nil, fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
}

func (s *fakeStore) ListSandboxes(ctx context.Context) ([]sandbox.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sandbox.Sandbox
	for _, sb := range s.sandboxes {
		out = append(out, *sb)
	}
	return out, nil
}

func (s *fakeStore) UpdateSandboxStatus(ctx context.Context, id string, status sandbox.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sandboxes[id]; ok {
		sb.Status = status
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) UpdateSandboxProvisioned(ctx context.Context, id, providerRef, previewURL string, status sandbox.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sandboxes[id]; ok {
		sb.ProviderRef = providerRef
		sb.PreviewURL = previewURL
		sb.Status = status
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) MarkSandboxDestroyed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sandboxes[id]; ok {
		sb.Status = sandbox.StatusDestroyed
		now := time.Now()
		sb.DestroyedAt = &now
		return nil
	}
	return domain.ErrNotFound
}

func (s *fakeStore) ClaimCacheEntry(ctx context.Context, repositoryID string) (*sandbox.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.cacheEntries {
		if e.RepositoryID == repositoryID && e.Status == sandbox.CacheAvailable {
			e.Status = sandbox.CacheInUse
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpsertCacheEntry(ctx context.Context, e *sandbox.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.nextID("cache")
	}
	cp := *e
	s.cacheEntries[e.SandboxID] = &cp
	return nil
}

func (s *fakeStore) ExpireCacheEntry(ctx context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cacheEntries[sandboxID]; ok {
		e.Status = sandbox.CacheExpired
	}
	return nil
}

// fakeEventStore records appended events in order.
type fakeEventStore struct {
	mu     sync.Mutex
	seq    int
	events []event.RunEvent
}

func (s *fakeEventStore) Append(ctx context.Context, ev *event.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.ID = fmt.Sprintf("ev-%d", s.seq)
	ev.Seq = int64(s.seq)
	ev.CreatedAt = time.Now()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeEventStore) ListByRun(ctx context.Context, runID string) ([]event.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.RunEvent
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fakeHub records broadcast events.
type fakeHub struct {
	mu     sync.Mutex
	events []event.RunEvent
}

func (h *fakeHub) BroadcastRunEvent(ctx context.Context, ev *event.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, *ev)
}

// fakeQueue records published messages.
type fakeQueue struct {
	mu        sync.Mutex
	published []struct {
		Subject string
		Data    []byte
	}
}

func (q *fakeQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		Subject string
		Data    []byte
	}{subject, data})
	return nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Close() error { return nil }

// fakeCache is an in-memory cache.Cache ignoring TTLs.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	// gets counts cache lookups per key, hit or miss.
	gets map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}, gets: map[string]int{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets[key]++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakeGit serves repository files from a map keyed by path.
type fakeGit struct {
	mu    sync.Mutex
	files map[string]string
	// reads records every ReadFile path for call-pattern assertions.
	reads []string
	prs   []gitprovider.PullRequest
	prErr error
}

func (g *fakeGit) ListDir(ctx context.Context, token, owner, name, ref, dir string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for p := range g.files {
		if dir != "" && !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if dir == "" {
			rest = p
		}
		entry, _, _ := strings.Cut(rest, "/")
		if !seen[entry] {
			seen[entry] = true
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dir %q: %w", dir, domain.ErrNotFound)
	}
	return out, nil
}

func (g *fakeGit) ReadFile(ctx context.Context, token, owner, name, ref, path string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads = append(g.reads, path)
	if content, ok := g.files[path]; ok {
		return []byte(content), nil
	}
	return nil, fmt.Errorf("file %q: %w", path, domain.ErrNotFound)
}

func (g *fakeGit) CreatePullRequest(ctx context.Context, token string, pr *gitprovider.PullRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prErr != nil {
		return "", g.prErr
	}
	g.prs = append(g.prs, *pr)
	return "https://github.test/" + pr.Owner + "/" + pr.Name + "/pull/1", nil
}

// fakeBackend is a scriptable sandboxbackend.Backend.
type fakeBackend struct {
	mu         sync.Mutex
	createErr  error
	destroyErr error
	statusResp sandbox.Status
	created    []sandboxbackend.CreateRequest
	destroyed  []string
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(ctx context.Context, req *sandboxbackend.CreateRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	req.Sandbox.ProviderRef = "ref-" + req.Sandbox.ID
	req.Sandbox.PreviewURL = "https://" + req.Sandbox.ID + ".preview.test"
	b.created = append(b.created, *req)
	return nil
}

func (b *fakeBackend) Status(ctx context.Context, sb *sandbox.Sandbox) (sandbox.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusResp == "" {
		return sb.Status, nil
	}
	return b.statusResp, nil
}

func (b *fakeBackend) Destroy(ctx context.Context, sb *sandbox.Sandbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = append(b.destroyed, sb.ID)
	return b.destroyErr
}

func (b *fakeBackend) Logs(ctx context.Context, sb *sandbox.Sandbox, tailLines int) (*sandbox.Logs, error) {
	return &sandbox.Logs{Phase: sandbox.PhaseRunning, Lines: "ok\n"}, nil
}

// fakeLauncher records Kubernetes-path calls.
type fakeLauncher struct {
	mu         sync.Mutex
	namespaces []string
	secrets    []string
	launched   []payload.JobPayload
	launchErr  error
}

func (l *fakeLauncher) EnsureNamespace(ctx context.Context, cfg config.Kubernetes, tenantSlug string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ns := cfg.NamePrefix + "-" + tenantSlug
	l.namespaces = append(l.namespaces, ns)
	return ns, nil
}

func (l *fakeLauncher) EnsureGitCredentialSecret(ctx context.Context, namespace, connectorID, token string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := "git-cred-" + connectorID
	l.secrets = append(l.secrets, namespace+"/"+name)
	return name, nil
}

func (l *fakeLauncher) LaunchAgentJob(ctx context.Context, cfg config.Kubernetes, namespace string, p *payload.JobPayload) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return "", l.launchErr
	}
	l.launched = append(l.launched, *p)
	return cfg.NamePrefix + "-agent-" + p.RunID, nil
}

// sealConnector stores a connector whose credential unseals to token.
func sealConnector(t testing.TB, store *fakeStore, sealer *secrets.Sealer, id, token string) {
	t.Helper()
	sealed, err := sealer.Seal([]byte(token))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store.connectors[id] = &repo.Connector{ID: id, TenantID: testTenant, Provider: "github", SealedToken: sealed}
}

func newTestSealer(t testing.TB) *secrets.Sealer {
	return newTestSealerKey(t, "ab")
}

// newTestSealerKey builds a sealer from a repeated hex byte pair so tests
// can hold two distinct keys.
func newTestSealerKey(t testing.TB, pair string) *secrets.Sealer {
	t.Helper()
	s, err := secrets.NewSealer(strings.Repeat(pair, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return s
}
