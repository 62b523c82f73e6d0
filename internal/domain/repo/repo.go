// Package repo defines repository, connector, and cluster entities. The
// surrounding project/ticket system owns their CRUD; this core only reads
// them to resolve and dispatch runs.
package repo

import "time"

// Repository is a git repository registered under a project.
type Repository struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ProjectID     string    `json:"project_id"`
	ConnectorID   string    `json:"connector_id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	CloneURL      string    `json:"clone_url"`
	DefaultBranch string    `json:"default_branch"`
	ForkOwner     string    `json:"fork_owner,omitempty"`
	ForkName      string    `json:"fork_name,omitempty"`
	RoleLabel     string    `json:"role_label,omitempty"`
	IsPrimary     bool      `json:"is_primary"`
	AllowedPaths  []string  `json:"allowed_paths,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasFork reports whether the repository has a registered fork the agent can
// push to for cross-repository pull requests.
func (r *Repository) HasFork() bool {
	return r.ForkOwner != "" && r.ForkName != ""
}

// FullName returns owner/name.
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Connector is a stored credential granting access to a git-hosting account.
// The token is sealed at rest and decrypted only at point of use.
type Connector struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Provider    string    `json:"provider"`
	SealedToken []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cluster is a registered Kubernetes cluster a tenant may dispatch jobs to.
type Cluster struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	BaseURL  string `json:"base_url"`
	// SealedBearerToken authenticates against the cluster API.
	SealedBearerToken []byte `json:"-"`
	// CABundlePEM, when set, is the trust anchor for this cluster's API
	// endpoint. Selected by base URL when building the HTTP transport.
	CABundlePEM   []byte `json:"-"`
	IngressDomain string `json:"ingress_domain,omitempty"`
}
