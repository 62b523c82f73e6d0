package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/event"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/gitprovider"
)

// DeliveryService turns pushed working branches into pull requests and
// tracks per-repository delivery state on the run.
type DeliveryService struct {
	store database.Store
	git   gitprovider.Provider
	creds *CredentialService
}

// NewDeliveryService creates a DeliveryService.
func NewDeliveryService(store database.Store, git gitprovider.Provider, creds *CredentialService) *DeliveryService {
	return &DeliveryService{store: store, git: git, creds: creds}
}

// OnBranchPushed marks the run's repository pushed and opens a pull request
// for the branch. A PR failure after a successful push is logged, not
// returned: the branch is already delivered and retrying the event cannot
// push it again.
func (s *DeliveryService) OnBranchPushed(ctx context.Context, runID string, d *event.DeliveryPayload) error {
	if d.RepositoryID == "" || d.Branch == "" {
		return fmt.Errorf("delivery for run %s needs repository_id and branch: %w", runID, domain.ErrValidation)
	}

	rr, err := s.runRepo(ctx, runID, d)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRunRepoStatus(ctx, rr.ID, run.RepoStatusPushed, ""); err != nil {
		return err
	}

	r, err := s.store.GetRepository(ctx, d.RepositoryID)
	if err != nil {
		return err
	}
	token, err := s.creds.ConnectorToken(ctx, r.ConnectorID)
	if err != nil {
		return err
	}

	title := d.PRTitle
	if title == "" {
		title = fmt.Sprintf("Automated changes from %s", d.Branch)
	}
	pr := &gitprovider.PullRequest{
		Owner: r.Owner,
		Name:  r.Name,
		Title: title,
		Body:  d.PRBody,
		Head:  d.Branch,
		Base:  r.DefaultBranch,
	}
	if r.HasFork() {
		pr.HeadOwner = r.ForkOwner
	}

	url, err := s.git.CreatePullRequest(ctx, token, pr)
	if err != nil {
		slog.Warn("pull request creation failed after push",
			"run_id", runID, "repo", r.FullName(), "branch", d.Branch, "error", err)
		return nil
	}
	slog.Info("pull request opened", "run_id", runID, "repo", r.FullName(), "url", url)
	return s.store.UpdateRunRepoStatus(ctx, rr.ID, run.RepoStatusPushed, url)
}

// runRepo finds the delivery row recorded at dispatch, creating one when the
// worker delivers for a repository the dispatcher did not pre-register (the
// multi-repo case, where the worker selects at runtime).
func (s *DeliveryService) runRepo(ctx context.Context, runID string, d *event.DeliveryPayload) (*run.Repo, error) {
	repos, err := s.store.ListRunRepos(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].RepositoryID == d.RepositoryID {
			return &repos[i], nil
		}
	}
	rr := &run.Repo{
		RunID:        runID,
		RepositoryID: d.RepositoryID,
		Branch:       d.Branch,
		Status:       run.RepoStatusPending,
	}
	if err := s.store.CreateRunRepo(ctx, rr); err != nil {
		return nil, err
	}
	return rr, nil
}
