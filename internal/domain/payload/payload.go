// Package payload defines the provider-agnostic job payload handed to
// whichever backend executes a run, and its base64 wire encoding used for
// the Kubernetes env-var handoff.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/runforge/runforge/internal/domain/run"
)

// Repo describes one repository the executing worker may operate on.
type Repo struct {
	RepositoryID  string `json:"repository_id"`
	ConnectorID   string `json:"connector_id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	// ForkCloneURL, when set, is added as a "fork" remote so the agent can
	// push branches it cannot push to origin.
	ForkCloneURL string   `json:"fork_clone_url,omitempty"`
	Ref          string   `json:"ref,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	AuthToken    string   `json:"auth_token,omitempty"`
	RoleLabel    string   `json:"role_label,omitempty"`
	IsPrimary    bool     `json:"is_primary,omitempty"`
}

// Constraints caps a run's resource usage.
type Constraints struct {
	TimeBudgetSec int      `json:"time_budget_sec,omitempty"`
	MaxCostCents  int      `json:"max_cost_cents,omitempty"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
}

// K8s marks the payload for the Kubernetes Job path.
type K8s struct {
	ClusterID               string `json:"cluster_id"`
	Namespace               string `json:"namespace"`
	GitCredentialSecretName string `json:"git_credential_secret_name"`
}

// Sandbox marks the payload for the cloud-sandbox path.
type Sandbox struct {
	Provider string            `json:"provider"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

// JobPayload is the serialized description of a run handed to an execution
// backend. Exactly one of K8s or Sandbox is set, or neither for the
// durable-task queue path.
type JobPayload struct {
	RunID          string      `json:"run_id"`
	TenantID       string      `json:"tenant_id"`
	ProjectID      string      `json:"project_id"`
	TicketID       string      `json:"ticket_id,omitempty"`
	Provider       string      `json:"provider"`
	Mode           run.Mode    `json:"mode"`
	ResolvedPrompt string      `json:"resolved_prompt"`
	InputPrompt    string      `json:"input_prompt"`
	Repo           *Repo       `json:"repo,omitempty"`
	Repos          []Repo      `json:"repos,omitempty"`
	Constraints    Constraints `json:"constraints"`
	Images         []run.Image `json:"images,omitempty"`
	K8s            *K8s        `json:"k8s,omitempty"`
	Sandbox        *Sandbox    `json:"sandbox,omitempty"`
	IsContinuation bool        `json:"is_continuation,omitempty"`
}

// Validate enforces the single-backend-marker invariant.
func (p *JobPayload) Validate() error {
	if p.RunID == "" {
		return fmt.Errorf("payload missing run_id")
	}
	if p.K8s != nil && p.Sandbox != nil {
		return fmt.Errorf("payload for run %s sets both k8s and sandbox markers", p.RunID)
	}
	return nil
}

// EncodeBase64 serializes the payload for delivery as a single env var.
func (p *JobPayload) EncodeBase64() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64 is the inverse of EncodeBase64.
func DecodeBase64(encoded string) (*JobPayload, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
