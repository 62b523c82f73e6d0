// Package gitprovider defines the git-hosting port: repository content reads
// used by runtime detection, and pull-request creation after delivery.
package gitprovider

import "context"

// PullRequest describes a PR to open after a run pushes a branch.
type PullRequest struct {
	Owner string
	Name  string
	Title string
	Body  string
	Head  string
	Base  string
	// HeadOwner is set for cross-repository PRs from a fork.
	HeadOwner string
}

// Provider is a read-and-PR client for one git-hosting account. Token is the
// decrypted connector credential, passed per call so it is never retained.
type Provider interface {
	// ListDir returns the entry names at path on the given ref. An empty
	// path lists the repository root.
	ListDir(ctx context.Context, token, owner, name, ref, path string) ([]string, error)
	// ReadFile returns the file content at path, or domain.ErrNotFound.
	ReadFile(ctx context.Context, token, owner, name, ref, path string) ([]byte, error)
	// CreatePullRequest opens a PR and returns its URL.
	CreatePullRequest(ctx context.Context, token string, pr *PullRequest) (string, error)
}
