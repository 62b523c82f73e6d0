package cloudbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
	"github.com/runforge/runforge/internal/resilience"
)

func testBackend(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackend(srv.URL, "key-1", resilience.NewBreaker("test", 5, time.Second))
}

func TestCreateFillsProviderRef(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workspaces" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req createWorkspaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Branch != "runforge/implement/run-1" {
			t.Errorf("branch = %q", req.Branch)
		}
		json.NewEncoder(w).Encode(workspaceResponse{
			ID: "ws-42", Status: "provisioning", PreviewURL: "https://ws-42.preview.example.com",
		})
	}))

	req := &sandboxbackend.CreateRequest{
		Sandbox: &sandbox.Sandbox{ID: "sb-1", Branch: "runforge/implement/run-1"},
		Repo:    payload.Repo{CloneURL: "https://git.example.com/acme/app.git", DefaultBranch: "main"},
		Runtime: sandbox.Runtime{Image: "node:22", StartCommand: "npm start", Port: 3000},
	}
	if err := b.Create(context.Background(), req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Sandbox.ProviderRef != "ws-42" {
		t.Errorf("ProviderRef = %q", req.Sandbox.ProviderRef)
	}
	if req.Sandbox.PreviewURL != "https://ws-42.preview.example.com" {
		t.Errorf("PreviewURL = %q", req.Sandbox.PreviewURL)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		remote string
		want   sandbox.Status
	}{
		{"provisioning", sandbox.StatusCreating},
		{"running", sandbox.StatusRunning},
		{"stopped", sandbox.StatusStopped},
		{"error", sandbox.StatusError},
	}
	for _, tt := range tests {
		b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(workspaceResponse{ID: "ws-1", Status: tt.remote})
		}))
		got, err := b.Status(context.Background(), &sandbox.Sandbox{ID: "sb-1", ProviderRef: "ws-1"})
		if err != nil {
			t.Fatalf("Status(%q): %v", tt.remote, err)
		}
		if got != tt.want {
			t.Errorf("Status(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestStatusVanishedWorkspaceIsStopped(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	got, err := b.Status(context.Background(), &sandbox.Sandbox{ID: "sb-1", ProviderRef: "ws-gone"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got != sandbox.StatusStopped {
		t.Errorf("Status = %q, want stopped", got)
	}
}

func TestDestroyIgnoresNotFound(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := b.Destroy(context.Background(), &sandbox.Sandbox{ID: "sb-1", ProviderRef: "ws-gone"}); err != nil {
		t.Fatalf("Destroy should ignore missing workspace, got %v", err)
	}
}

func TestLogsInitPhase(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(logsResponse{Phase: "initializing", Reason: "cloning", Lines: "Cloning into repo..."})
	}))
	logs, err := b.Logs(context.Background(), &sandbox.Sandbox{ID: "sb-1", ProviderRef: "ws-1"}, 100)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if logs.Phase != sandbox.PhaseInitializing || logs.Reason != "cloning" {
		t.Errorf("logs = %+v", logs)
	}
}
