package service

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/port/database"
)

// ResolverService resolves the repositories and instruction layers for a new
// run before the dispatcher builds its payload.
type ResolverService struct {
	store database.Store
}

// NewResolverService creates a ResolverService.
func NewResolverService(store database.Store) *ResolverService {
	return &ResolverService{store: store}
}

// ResolveRepos returns the candidate repositories for a run. With an explicit
// repository ID the list has exactly that one entry; otherwise all the
// project's repositories are returned. Zero candidates is a valid result and
// the dispatcher decides what it means.
func (s *ResolverService) ResolveRepos(ctx context.Context, projectID, explicitRepoID string) ([]repo.Repository, error) {
	if explicitRepoID != "" {
		r, err := s.store.GetRepository(ctx, explicitRepoID)
		if err != nil {
			return nil, fmt.Errorf("resolve explicit repo: %w", err)
		}
		return []repo.Repository{*r}, nil
	}
	repos, err := s.store.ListRepositoriesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project repos: %w", err)
	}
	return repos, nil
}

// ResolveInstructions composes the resolved prompt from all applicable
// instruction layers plus the user's input prompt.
func (s *ResolverService) ResolveInstructions(ctx context.Context, projectID, repositoryID, ticketID, inputPrompt string) (string, error) {
	layers, err := s.store.ListInstructions(ctx, projectID, repositoryID, ticketID)
	if err != nil {
		return "", fmt.Errorf("list instructions: %w", err)
	}
	return instruction.Compose(layers, inputPrompt), nil
}
