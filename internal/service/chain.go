package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/port/database"
)

// RunCreator dispatches the next run in a chain. Implemented by
// DispatcherService.
type RunCreator interface {
	CreateRun(ctx context.Context, req *run.CreateRequest) (*run.Run, error)
}

// ConditionPredicate decides whether a conditional chain step should run,
// given the run that just completed. The heuristic lives behind this
// interface so deployments can swap in something better than keyword
// matching.
type ConditionPredicate interface {
	Met(cond run.Condition, completed *run.Run) bool
}

// issueKeywords indicate that a review-style run found problems.
var issueKeywords = []string{
	"issue", "bug", "problem", "vulnerability", "error", "incorrect",
	"missing", "broken", "fix needed", "fails",
}

// KeywordPredicate is the built-in ConditionPredicate: on_issues_found is
// met when the completed run's output summary contains an issue-indicating
// keyword. Best-effort; precision is not guaranteed.
type KeywordPredicate struct{}

func (KeywordPredicate) Met(cond run.Condition, completed *run.Run) bool {
	switch cond {
	case run.ConditionNone:
		return true
	case run.ConditionOnIssuesFound:
		summary := strings.ToLower(completed.OutputSummary)
		for _, kw := range issueKeywords {
			if strings.Contains(summary, kw) {
				return true
			}
		}
		return false
	}
	return false
}

// ChainService advances multi-run pipelines when a run completes.
type ChainService struct {
	store     database.Store
	runs      RunCreator
	predicate ConditionPredicate
	metrics   *otel.Metrics
}

// NewChainService creates a ChainService. A nil predicate defaults to the
// keyword heuristic.
func NewChainService(store database.Store, runs RunCreator, predicate ConditionPredicate, metrics *otel.Metrics) *ChainService {
	if predicate == nil {
		predicate = KeywordPredicate{}
	}
	return &ChainService{store: store, runs: runs, predicate: predicate, metrics: metrics}
}

// OnRunCompleted advances the chain embedded in a completed run. Unmet
// conditional steps are skipped with an iterative cursor, never recursion,
// and depth is bounded by run.MaxChainDepth counted over parent links.
func (s *ChainService) OnRunCompleted(ctx context.Context, completed *run.Run) error {
	cfg := completed.Chain
	if cfg == nil {
		return nil
	}

	next := cfg.CurrentStepIndex + 1
	for next < len(cfg.Steps) {
		step := cfg.Steps[next]
		if s.predicate.Met(step.Condition, completed) {
			break
		}
		slog.Info("chain step skipped",
			"run_id", completed.ID, "step", next, "mode", step.Mode, "condition", step.Condition)
		next++
	}
	if next >= len(cfg.Steps) {
		slog.Info("chain finished", "run_id", completed.ID)
		return nil
	}

	depth, rootID, err := s.walkToRoot(ctx, completed)
	if err != nil {
		return err
	}
	if depth >= run.MaxChainDepth {
		slog.Warn("chain depth limit reached, halting progression",
			"run_id", completed.ID, "depth", depth)
		return nil
	}

	ctx, span := otel.StartChainSpan(ctx, rootID, next)
	defer span.End()

	step := cfg.Steps[next]
	created, err := s.runs.CreateRun(ctx, &run.CreateRequest{
		ProjectID:   completed.ProjectID,
		TicketID:    completed.TicketID,
		Provider:    completed.Provider,
		Mode:        step.Mode,
		Prompt:      completed.InputPrompt,
		Chain:       cfg.Advanced(next),
		ParentRunID: rootID,
		ClusterID:   completed.ClusterID,
	})
	if err != nil {
		return fmt.Errorf("chain step %d for run %s: %w", next, completed.ID, err)
	}
	// The root run anchors the chain; its stored config tracks the overall
	// position so progression is readable without walking children.
	if err := s.store.UpdateRunChain(ctx, rootID, cfg.Advanced(next)); err != nil {
		slog.Warn("chain cursor bookkeeping failed", "root_run", rootID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.ChainAdvances.Add(ctx, 1)
	}
	slog.Info("chain advanced",
		"completed_run", completed.ID, "next_run", created.ID, "step", next, "mode", step.Mode)
	return nil
}

// walkToRoot follows parent links from r to the chain's root run, returning
// the hop count and the root's ID. The walk itself is bounded so a cyclic
// parent graph cannot loop forever.
func (s *ChainService) walkToRoot(ctx context.Context, r *run.Run) (int, string, error) {
	cur := r
	hops := 0
	for cur.ParentRunID != "" && hops < run.MaxChainDepth {
		parent, err := s.store.GetRun(ctx, cur.ParentRunID)
		if err != nil {
			return 0, "", fmt.Errorf("walk chain of run %s: %w", r.ID, err)
		}
		cur = parent
		hops++
	}
	return hops, cur.ID, nil
}
