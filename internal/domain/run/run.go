// Package run defines the Run domain entity: one tenant-scoped request for an
// agent to perform a coding task against a repository.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusAwaitingFollowup Status = "awaiting_followup"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status ends a run. Paused states
// (awaiting_approval, awaiting_followup) return to running via external
// action and are not terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsPaused reports whether the run is waiting on external action.
func (s Status) IsPaused() bool {
	return s == StatusAwaitingApproval || s == StatusAwaitingFollowup
}

// Mode defines what kind of work the agent performs.
type Mode string

const (
	ModePlan      Mode = "plan"
	ModeImplement Mode = "implement"
	ModeBugfix    Mode = "bugfix"
	ModeReview    Mode = "review"
)

// RepoStatus tracks per-repository delivery progress for a run.
type RepoStatus string

const (
	RepoStatusPending RepoStatus = "pending"
	RepoStatusPushed  RepoStatus = "pushed"
	RepoStatusMerged  RepoStatus = "merged"
	RepoStatusClosed  RepoStatus = "closed"
)

// Run represents a single agent execution request. Runs are never physically
// deleted; they are the historical record of all agent work.
type Run struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	ProjectID      string       `json:"project_id"`
	TicketID       string       `json:"ticket_id,omitempty"`
	Provider       string       `json:"provider"`
	Mode           Mode         `json:"mode"`
	Status         Status       `json:"status"`
	InputPrompt    string       `json:"input_prompt"`
	ResolvedPrompt string       `json:"resolved_prompt,omitempty"`
	OutputSummary  string       `json:"output_summary,omitempty"`
	CostCents      int          `json:"cost_cents"`
	SandboxID      string       `json:"sandbox_id,omitempty"`
	Chain          *ChainConfig `json:"chain,omitempty"`
	ParentRunID    string       `json:"parent_run_id,omitempty"`
	// ClusterID selects the Kubernetes dispatch path when set.
	ClusterID       string          `json:"cluster_id,omitempty"`
	ApprovalTokenID string          `json:"approval_token_id,omitempty"`
	Artifacts       json.RawMessage `json:"artifacts,omitempty"`
	SessionSnapshot json.RawMessage `json:"session_snapshot,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// Repo associates a run with one repository and its working branch.
// A run has zero repos until its sandbox is resolved, one in the common
// case, and many in multi-repo mode.
type Repo struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	RepositoryID string     `json:"repository_id"`
	Branch       string     `json:"branch"`
	Status       RepoStatus `json:"status"`
	PRURL        string     `json:"pr_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	ProjectID    string       `json:"project_id"`
	TicketID     string       `json:"ticket_id,omitempty"`
	RepositoryID string       `json:"repository_id,omitempty"`
	Provider     string       `json:"provider"`
	Mode         Mode         `json:"mode"`
	Prompt       string       `json:"prompt"`
	Chain        *ChainConfig `json:"chain,omitempty"`
	ParentRunID  string       `json:"parent_run_id,omitempty"`
	// ClusterID selects the Kubernetes dispatch path when set. It comes from
	// the project settings owned by the surrounding system.
	ClusterID     string   `json:"cluster_id,omitempty"`
	Images        []Image  `json:"images,omitempty"`
	TimeBudgetSec int      `json:"time_budget_sec,omitempty"`
	MaxCostCents  int      `json:"max_cost_cents,omitempty"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
}

// Image is an optional attachment passed through to the executing agent.
type Image struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}
