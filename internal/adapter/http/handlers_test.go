package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	rfhttp "github.com/runforge/runforge/internal/adapter/http"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/event"
	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/secrets"
	"github.com/runforge/runforge/internal/service"
)

const ingestSecret = "test-ingest-secret"

// mockStore implements database.Store over maps.
type mockStore struct {
	mu        sync.Mutex
	seq       int
	runs      map[string]*run.Run
	repos     map[string]*repo.Repository
	conns     map[string]*repo.Connector
	sandboxes map[string]*sandbox.Sandbox
	cache     map[string]*sandbox.CacheEntry
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:      map[string]*run.Run{},
		repos:     map[string]*repo.Repository{},
		conns:     map[string]*repo.Connector{},
		sandboxes: map[string]*sandbox.Sandbox{},
		cache:     map[string]*sandbox.CacheEntry{},
	}
}

func (m *mockStore) id(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockStore) CreateRun(ctx context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id("run")
	r.TenantID = middleware.TenantIDFromContext(ctx)
	r.CreatedAt = time.Now()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListRunsByProject(ctx context.Context, projectID string) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateRunStatus(ctx context.Context, id string, status run.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.Status = status
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) CompleteRun(ctx context.Context, id string, status run.Status, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.Status = status
		r.OutputSummary = summary
		now := time.Now()
		r.EndedAt = &now
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) UpdateRunCost(ctx context.Context, id string, costCents int) error { return nil }
func (m *mockStore) UpdateRunSandbox(ctx context.Context, id, sandboxID string) error  { return nil }
func (m *mockStore) UpdateRunChain(ctx context.Context, id string, chain *run.ChainConfig) error {
	return nil
}

func (m *mockStore) TenantForRun(ctx context.Context, runID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r.TenantID, nil
	}
	return "", domain.ErrNotFound
}

func (m *mockStore) CreateRunRepo(ctx context.Context, rr *run.Repo) error { return nil }
func (m *mockStore) ListRunRepos(ctx context.Context, runID string) ([]run.Repo, error) {
	return nil, nil
}
func (m *mockStore) UpdateRunRepoStatus(ctx context.Context, id string, status run.RepoStatus, prURL string) error {
	return nil
}

func (m *mockStore) ListRepositoriesByProject(ctx context.Context, projectID string) ([]repo.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Repository
	for _, r := range m.repos {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockStore) GetRepository(ctx context.Context, id string) (*repo.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) GetConnector(ctx context.Context, id string) (*repo.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) GetCluster(ctx context.Context, id string) (*repo.Cluster, error) {
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListInstructions(ctx context.Context, projectID, repositoryID, ticketID string) ([]instruction.Instruction, error) {
	return nil, nil
}

func (m *mockStore) CreateSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb.ID = m.id("sbx")
	sb.CreatedAt = time.Now()
	cp := *sb
	m.sandboxes[sb.ID] = &cp
	return nil
}

func (m *mockStore) GetSandbox(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		cp := *sb
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListSandboxes(ctx context.Context) ([]sandbox.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sandbox.Sandbox
	for _, sb := range m.sandboxes {
		out = append(out, *sb)
	}
	return out, nil
}

func (m *mockStore) UpdateSandboxStatus(ctx context.Context, id string, status sandbox.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		sb.Status = status
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) UpdateSandboxProvisioned(ctx context.Context, id, providerRef, previewURL string, status sandbox.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		sb.ProviderRef = providerRef
		sb.PreviewURL = previewURL
		sb.Status = status
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) MarkSandboxDestroyed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		sb.Status = sandbox.StatusDestroyed
		now := time.Now()
		sb.DestroyedAt = &now
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) ClaimCacheEntry(ctx context.Context, repositoryID string) (*sandbox.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cache {
		if e.RepositoryID == repositoryID && e.Status == sandbox.CacheAvailable {
			e.Status = sandbox.CacheInUse
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) UpsertCacheEntry(ctx context.Context, e *sandbox.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = m.id("cache")
	}
	cp := *e
	m.cache[e.SandboxID] = &cp
	return nil
}

func (m *mockStore) ExpireCacheEntry(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[sandboxID]; ok {
		e.Status = sandbox.CacheExpired
	}
	return nil
}

// mockEventStore records run events in order.
type mockEventStore struct {
	mu     sync.Mutex
	seq    int
	events []event.RunEvent
}

func (s *mockEventStore) Append(ctx context.Context, ev *event.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.ID = fmt.Sprintf("ev-%d", s.seq)
	ev.CreatedAt = time.Now()
	s.events = append(s.events, *ev)
	return nil
}

func (s *mockEventStore) ListByRun(ctx context.Context, runID string) ([]event.RunEvent, error) {
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

// mockQueue accepts everything.
type mockQueue struct{}

func (mockQueue) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (mockQueue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (mockQueue) Close() error { return nil }

// mockCache is a TTL-ignoring cache.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

func (c *mockCache) Delete(ctx context.Context, key string) error { return nil }

type testServer struct {
	store  *mockStore
	events *mockEventStore
	srv    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := newMockStore()
	events := &mockEventStore{}

	sealer, err := secrets.NewSealer(strings.Repeat("ef", 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	sealed, err := sealer.Seal([]byte("ghp_token"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store.conns["conn-1"] = &repo.Connector{ID: "conn-1", Provider: "github", SealedToken: sealed}
	store.repos["repo-1"] = &repo.Repository{
		ID: "repo-1", ProjectID: "proj-1", ConnectorID: "conn-1",
		Owner: "acme", Name: "api", CloneURL: "https://github.com/acme/api.git",
		DefaultBranch: "main",
	}

	creds := service.NewCredentialService(store, sealer, &mockCache{})
	resolver := service.NewResolverService(store)
	dispatcher := service.NewDispatcherService(
		store, resolver, creds, mockQueue{}, nil, nil, nil,
		config.Defaults().Dispatch, config.Defaults().Kubernetes, config.Sandbox{},
	)
	pipeline := service.NewEventPipeline(store, events, nil, nil, time.Millisecond)

	h := rfhttp.NewHandlers(dispatcher, pipeline, service.NewSandboxService(store, nil, nil, creds))

	r := chi.NewRouter()
	rfhttp.MountRoutes(r, h, nil, ingestSecret)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{store: store, events: events, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/runs", map[string]any{
		"project_id": "proj-1", "mode": "implement", "prompt": "add pagination",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[run.Run](t, resp)
	if created.ID == "" || created.Status != run.StatusQueued {
		t.Fatalf("run = %+v", created)
	}
}

func TestCreateRunEndpointValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/runs", map[string]any{"mode": "implement"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/runs/run-nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestApproveConflict(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/runs", map[string]any{
		"project_id": "proj-1", "mode": "implement", "prompt": "x",
	}, nil)
	created := decode[run.Run](t, resp)

	// Still queued, not awaiting approval.
	resp = ts.do(t, http.MethodPost, "/api/runs/"+created.ID+"/approve", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelThenCancelAgainConflicts(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/runs", map[string]any{
		"project_id": "proj-1", "mode": "implement", "prompt": "x",
	}, nil)
	created := decode[run.Run](t, resp)

	if resp = ts.do(t, http.MethodPost, "/api/runs/"+created.ID+"/cancel", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first cancel = %d", resp.StatusCode)
	}
	if resp = ts.do(t, http.MethodPost, "/api/runs/"+created.ID+"/cancel", nil, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", resp.StatusCode)
	}
}

func TestIngestRequiresSecret(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"run_id": "run-1", "type": "log", "payload": map[string]string{"line": "hi"}}

	resp := ts.do(t, http.MethodPost, "/api/ingest/events", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/api/ingest/events", body,
		map[string]string{"X-Runforge-Secret": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestIngestAlwaysAnswers200PastAuth(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"X-Runforge-Secret": ingestSecret}

	// Unknown run: processing fails, but the worker still gets a 200.
	resp := ts.do(t, http.MethodPost, "/api/ingest/events", map[string]any{
		"run_id": "run-ghost", "type": "log", "payload": map[string]string{"line": "hi"},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite processing failure", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp)["status"]; got != "error" {
		t.Fatalf("body status = %q", got)
	}
}

func TestIngestEventFlowsToHistory(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/runs", map[string]any{
		"project_id": "proj-1", "mode": "implement", "prompt": "x",
	}, nil)
	created := decode[run.Run](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/ingest/events", map[string]any{
		"run_id": created.ID, "type": "status", "payload": map[string]string{"status": "running"},
	}, map[string]string{"X-Runforge-Secret": ingestSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/runs/"+created.ID+"/events", nil, nil)
	events := decode[[]event.RunEvent](t, resp)
	if len(events) != 1 || events[0].Type != event.TypeStatus {
		t.Fatalf("events = %+v", events)
	}

	resp = ts.do(t, http.MethodGet, "/api/runs/"+created.ID, nil, nil)
	if got := decode[run.Run](t, resp); got.Status != run.StatusRunning {
		t.Fatalf("run status = %s", got.Status)
	}
}

func TestSandboxCacheClaimEndpoints(t *testing.T) {
	ts := newTestServer(t)

	// An empty pool claims 200 with a null body.
	resp := ts.do(t, http.MethodGet, "/api/sandbox-cache/repo-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty claim = %d, want 200", resp.StatusCode)
	}
	if miss := decode[*sandbox.CacheEntry](t, resp); miss != nil {
		t.Fatalf("empty claim entry = %+v, want null", miss)
	}

	resp = ts.do(t, http.MethodPost, "/api/sandbox-cache", map[string]any{
		"repository_id": "repo-1", "sandbox_id": "sbx-1",
		"repo_dir": "/workspace/api", "default_branch": "main",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/sandbox-cache/repo-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d", resp.StatusCode)
	}
	entry := decode[*sandbox.CacheEntry](t, resp)
	if entry == nil || entry.Status != sandbox.CacheInUse || entry.SandboxID != "sbx-1" {
		t.Fatalf("entry = %+v", entry)
	}

	// Claimed once; gone until re-registered.
	resp = ts.do(t, http.MethodGet, "/api/sandbox-cache/repo-1", nil, nil)
	if miss := decode[*sandbox.CacheEntry](t, resp); miss != nil {
		t.Fatalf("second claim entry = %+v, want null", miss)
	}
}

func TestSandboxLogsTailValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/sandboxes/sbx-1/logs?tail=nope", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
