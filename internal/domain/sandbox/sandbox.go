// Package sandbox defines the execution-environment entities shared by all
// sandbox backends.
package sandbox

import "time"

// Status is the stored lifecycle state of a sandbox.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusDestroyed Status = "destroyed"
	StatusError     Status = "error"
)

// Sandbox is an isolated, ephemeral execution environment for one
// repository+branch. Records outlive their backing compute: destroy marks
// the record destroyed even when backend deletes fail.
type Sandbox struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	RepositoryID string `json:"repository_id"`
	Branch       string `json:"branch"`
	Provider     string `json:"provider"`
	Status       Status `json:"status"`
	// ProviderRef is the backend-side identifier: the generated pod name for
	// the Kubernetes backend, the remote workspace id for the cloud backend.
	ProviderRef string     `json:"provider_ref,omitempty"`
	PreviewURL  string     `json:"preview_url,omitempty"`
	Runtime     *Runtime   `json:"runtime,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

// Runtime is the detected language runtime for a repository: which image to
// boot, how to start the service, and which port it listens on.
type Runtime struct {
	Language     string `json:"language"`
	Version      string `json:"version,omitempty"`
	Image        string `json:"image"`
	StartCommand string `json:"start_command"`
	Port         int    `json:"port"`
	StartScript  string `json:"start_script,omitempty"`
	// DetectedFrom records which detection rule produced this result
	// (version-file, manifest, extension-scan, default).
	DetectedFrom string `json:"detected_from"`
}

// CacheStatus is the claim state of a pooled sandbox.
type CacheStatus string

const (
	CacheAvailable CacheStatus = "available"
	CacheInUse     CacheStatus = "in_use"
	CacheExpired   CacheStatus = "expired"
)

// CacheEntry is a pooled, reusable sandbox keyed by (tenant, repository).
// Entries are never deleted; expiry marks them expired so the pool history
// stays auditable. Claiming transitions available -> in_use via a single
// atomic conditional update.
type CacheEntry struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	RepositoryID  string      `json:"repository_id"`
	SandboxID     string      `json:"sandbox_id"`
	RepoDir       string      `json:"repo_dir"`
	DefaultBranch string      `json:"default_branch"`
	Status        CacheStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// LogPhase distinguishes init-container output from main-container output.
type LogPhase string

const (
	PhaseInitializing LogPhase = "initializing"
	PhaseRunning      LogPhase = "running"
)

// Logs is the result of a log retrieval call.
type Logs struct {
	Phase LogPhase `json:"phase"`
	// Reason carries waiting/terminated container state detail during the
	// initializing phase.
	Reason string `json:"reason,omitempty"`
	Lines  string `json:"lines"`
}
