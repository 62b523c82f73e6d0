package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/instruction"
	"github.com/runforge/runforge/internal/domain/repo"
)

func TestResolveReposExplicit(t *testing.T) {
	store := newFakeStore()
	store.repos["repo-1"] = &repo.Repository{ID: "repo-1", ProjectID: "proj-1"}
	store.repos["repo-2"] = &repo.Repository{ID: "repo-2", ProjectID: "proj-1"}
	svc := NewResolverService(store)

	repos, err := svc.ResolveRepos(testCtx(), "proj-1", "repo-2")
	if err != nil {
		t.Fatalf("ResolveRepos: %v", err)
	}
	if len(repos) != 1 || repos[0].ID != "repo-2" {
		t.Fatalf("repos = %+v", repos)
	}
}

func TestResolveReposExplicitMissing(t *testing.T) {
	svc := NewResolverService(newFakeStore())
	if _, err := svc.ResolveRepos(testCtx(), "proj-1", "repo-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveReposProjectWide(t *testing.T) {
	store := newFakeStore()
	store.repos["repo-1"] = &repo.Repository{ID: "repo-1", ProjectID: "proj-1"}
	store.repos["repo-2"] = &repo.Repository{ID: "repo-2", ProjectID: "proj-2"}
	svc := NewResolverService(store)

	repos, err := svc.ResolveRepos(testCtx(), "proj-1", "")
	if err != nil {
		t.Fatalf("ResolveRepos: %v", err)
	}
	if len(repos) != 1 || repos[0].ID != "repo-1" {
		t.Fatalf("repos = %+v", repos)
	}
}

func TestResolveReposZeroIsNotAnError(t *testing.T) {
	svc := NewResolverService(newFakeStore())
	repos, err := svc.ResolveRepos(testCtx(), "proj-empty", "")
	if err != nil {
		t.Fatalf("ResolveRepos: %v", err)
	}
	if len(repos) != 0 {
		t.Fatalf("repos = %+v", repos)
	}
}

func TestResolveInstructionsLayering(t *testing.T) {
	store := newFakeStore()
	base := time.Now()
	store.instructions = []instruction.Instruction{
		{Scope: instruction.ScopeTicket, ScopeID: "tick-1", Content: "ticket layer", CreatedAt: base},
		{Scope: instruction.ScopeDefault, Content: "default layer", CreatedAt: base},
		{Scope: instruction.ScopeProject, ScopeID: "proj-1", Content: "project layer", CreatedAt: base},
		{Scope: instruction.ScopeRepository, ScopeID: "repo-1", Content: "repo layer", CreatedAt: base},
		{Scope: instruction.ScopeTenant, Content: "tenant layer", CreatedAt: base},
	}
	svc := NewResolverService(store)

	got, err := svc.ResolveInstructions(testCtx(), "proj-1", "repo-1", "tick-1", "user prompt")
	if err != nil {
		t.Fatalf("ResolveInstructions: %v", err)
	}
	want := "default layer\n\ntenant layer\n\nproject layer\n\nrepo layer\n\nticket layer\n\nuser prompt"
	if got != want {
		t.Fatalf("resolved prompt:\n%q\nwant:\n%q", got, want)
	}
}

func TestResolveInstructionsScopeFiltering(t *testing.T) {
	store := newFakeStore()
	store.instructions = []instruction.Instruction{
		{Scope: instruction.ScopeProject, ScopeID: "proj-other", Content: "wrong project"},
		{Scope: instruction.ScopeRepository, ScopeID: "repo-1", Content: "repo layer"},
		{Scope: instruction.ScopeTicket, ScopeID: "tick-1", Content: "ticket layer"},
	}
	svc := NewResolverService(store)

	// No repository or ticket in scope: only the prompt survives.
	got, err := svc.ResolveInstructions(testCtx(), "proj-1", "", "", "just the prompt")
	if err != nil {
		t.Fatalf("ResolveInstructions: %v", err)
	}
	if strings.Contains(got, "layer") || strings.Contains(got, "wrong") {
		t.Fatalf("unexpected layers in %q", got)
	}
	if got != "just the prompt" {
		t.Fatalf("resolved = %q", got)
	}
}
