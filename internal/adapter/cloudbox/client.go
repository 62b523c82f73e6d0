// Package cloudbox implements the sandbox backend against the managed cloud
// workspace API. The remote service owns all compute details; this adapter
// only translates lifecycle calls.
package cloudbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/payload"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
	"github.com/runforge/runforge/internal/resilience"
)

// Backend talks to the cloud workspace API. Implements sandboxbackend.Backend.
type Backend struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *resilience.Breaker
}

// NewBackend creates a cloud sandbox backend.
func NewBackend(baseURL, apiKey string, breaker *resilience.Breaker) *Backend {
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		breaker: breaker,
	}
}

func (b *Backend) Name() string { return "cloudbox" }

type createWorkspaceRequest struct {
	RepoURL       string            `json:"repo_url"`
	Branch        string            `json:"branch"`
	AuthToken     string            `json:"auth_token,omitempty"`
	Image         string            `json:"image"`
	StartCommand  string            `json:"start_command"`
	Port          int               `json:"port"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	DefaultBranch string            `json:"default_branch"`
}

type workspaceResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PreviewURL string `json:"preview_url"`
}

func (b *Backend) Create(ctx context.Context, req *sandboxbackend.CreateRequest) error {
	body := createWorkspaceRequest{
		RepoURL:       req.Repo.CloneURL,
		Branch:        req.Sandbox.Branch,
		AuthToken:     req.Repo.AuthToken,
		Image:         req.Runtime.Image,
		StartCommand:  req.Runtime.StartCommand,
		Port:          req.Runtime.Port,
		EnvVars:       req.EnvVars,
		DefaultBranch: req.Repo.DefaultBranch,
	}
	var ws workspaceResponse
	if err := b.do(ctx, http.MethodPost, "/v1/workspaces", body, &ws); err != nil {
		return fmt.Errorf("create cloud workspace: %w", err)
	}
	req.Sandbox.ProviderRef = ws.ID
	req.Sandbox.PreviewURL = ws.PreviewURL
	return nil
}

func (b *Backend) Status(ctx context.Context, sb *sandbox.Sandbox) (sandbox.Status, error) {
	var ws workspaceResponse
	err := b.do(ctx, http.MethodGet, "/v1/workspaces/"+sb.ProviderRef, nil, &ws)
	if err != nil {
		if isNotFound(err) {
			return sandbox.StatusStopped, nil
		}
		return "", fmt.Errorf("cloud workspace status %s: %w", sb.ID, err)
	}
	switch ws.Status {
	case "provisioning", "starting":
		return sandbox.StatusCreating, nil
	case "running":
		return sandbox.StatusRunning, nil
	case "stopped":
		return sandbox.StatusStopped, nil
	case "error":
		return sandbox.StatusError, nil
	}
	return sandbox.StatusCreating, nil
}

func (b *Backend) Destroy(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ProviderRef == "" {
		return nil
	}
	err := b.do(ctx, http.MethodDelete, "/v1/workspaces/"+sb.ProviderRef, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("destroy cloud workspace %s: %w", sb.ProviderRef, err)
	}
	return nil
}

// LaunchRun hands a job payload to the cloud service for asynchronous
// execution. The remote worker reports progress through the event ingestion
// endpoint.
func (b *Backend) LaunchRun(ctx context.Context, p *payload.JobPayload) error {
	if err := b.do(ctx, http.MethodPost, "/v1/runs", p, nil); err != nil {
		return fmt.Errorf("launch cloud run %s: %w", p.RunID, err)
	}
	return nil
}

type logsResponse struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
	Lines  string `json:"lines"`
}

func (b *Backend) Logs(ctx context.Context, sb *sandbox.Sandbox, tailLines int) (*sandbox.Logs, error) {
	path := "/v1/workspaces/" + sb.ProviderRef + "/logs"
	if tailLines > 0 {
		path += "?tail=" + strconv.Itoa(tailLines)
	}
	var lr logsResponse
	if err := b.do(ctx, http.MethodGet, path, nil, &lr); err != nil {
		return nil, fmt.Errorf("cloud workspace logs %s: %w", sb.ID, err)
	}
	phase := sandbox.PhaseRunning
	if lr.Phase == "initializing" {
		phase = sandbox.PhaseInitializing
	}
	return &sandbox.Logs{Phase: phase, Reason: lr.Reason, Lines: lr.Lines}, nil
}

func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	return b.breaker.Execute(func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w: %w", method, path, domain.ErrUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w", method, path, domain.ErrNotFound)
		}
		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode,
				strings.TrimSpace(string(detail)), domain.ErrUpstream)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
