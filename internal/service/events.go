package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/event"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/broadcast"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/eventstore"
)

// ChainProgressor advances a chain after a run completes. Failures are
// logged and swallowed by the pipeline; they never fail the event write.
type ChainProgressor interface {
	OnRunCompleted(ctx context.Context, completed *run.Run) error
}

// Deliverer records a pushed working branch and opens its pull request.
// Like chain progression it runs as a logged, non-fatal side effect.
type Deliverer interface {
	OnBranchPushed(ctx context.Context, runID string, d *event.DeliveryPayload) error
}

// EventPipeline is the canonical event path: every run event, whether
// emitted in-process or posted by a remote worker, flows through Emit.
type EventPipeline struct {
	store   database.Store
	events  eventstore.Store
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	chain   ChainProgressor
	deliver Deliverer

	autoApproveDelay time.Duration
	// afterFunc is swapped in tests to run scheduled approvals synchronously.
	afterFunc func(d time.Duration, fn func())
}

// NewEventPipeline creates an EventPipeline. The chain progressor is
// attached afterwards via SetChain since chain and dispatcher depend on the
// pipeline's store updates.
func NewEventPipeline(store database.Store, events eventstore.Store, hub broadcast.Broadcaster, metrics *otel.Metrics, autoApproveDelay time.Duration) *EventPipeline {
	return &EventPipeline{
		store:            store,
		events:           events,
		hub:              hub,
		metrics:          metrics,
		autoApproveDelay: autoApproveDelay,
		afterFunc:        func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// SetChain attaches the chain progressor.
func (p *EventPipeline) SetChain(c ChainProgressor) { p.chain = c }

// SetDeliverer attaches the delivery handler.
func (p *EventPipeline) SetDeliverer(d Deliverer) { p.deliver = d }

// Emit appends the event, derives run status from status events, and fans
// out to live subscribers. The owning tenant is resolved from the run when
// the context carries none (cross-process ingestion).
func (p *EventPipeline) Emit(ctx context.Context, ev *event.RunEvent) error {
	if middleware.TenantIDFromContext(ctx) == "" {
		tenantID, err := p.store.TenantForRun(ctx, ev.RunID)
		if err != nil {
			return fmt.Errorf("emit %s for run %s: %w", ev.Type, ev.RunID, err)
		}
		ctx = middleware.WithTenantID(ctx, tenantID)
	}

	if err := p.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s event for run %s: %w", ev.Type, ev.RunID, err)
	}
	if p.metrics != nil {
		p.metrics.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
	}

	var status *event.StatusPayload
	if ev.Type == event.TypeStatus {
		parsed, err := event.ParseStatus(ev)
		if err != nil {
			return err
		}
		r, err := p.store.GetRun(ctx, ev.RunID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			// Workers retry deliveries; a late or duplicated status event
			// must never reopen a finished run. The event itself stays in
			// the log above.
			slog.Warn("status event on terminal run ignored",
				"run_id", ev.RunID, "run_status", r.Status, "event_status", parsed.Status)
		} else {
			if err := p.applyStatus(ctx, r, parsed); err != nil {
				return err
			}
			status = parsed
		}
	}

	if p.hub != nil {
		p.hub.BroadcastRunEvent(ctx, ev)
	}

	switch {
	case status != nil:
		p.statusSideEffects(ctx, ev.RunID, status)
	case ev.Type == event.TypeSandbox:
		p.linkSandbox(ctx, ev)
	case ev.Type == event.TypeDelivery:
		p.handleDelivery(ctx, ev)
	}
	return nil
}

// applyStatus updates the run row. Terminal statuses set ended_at and the
// optional output summary; awaiting_* statuses pause the run without ending it.
func (p *EventPipeline) applyStatus(ctx context.Context, r *run.Run, st *event.StatusPayload) error {
	if st.CostCents > 0 {
		if err := p.store.UpdateRunCost(ctx, r.ID, st.CostCents); err != nil {
			slog.Warn("run cost update failed", "run_id", r.ID, "error", err)
		}
	}
	if st.Status.IsTerminal() {
		summary := st.Summary
		if summary == "" && st.Error != "" {
			summary = st.Error
		}
		if err := p.store.CompleteRun(ctx, r.ID, st.Status, summary); err != nil {
			return err
		}
		if p.metrics != nil {
			switch st.Status {
			case run.StatusCompleted:
				p.metrics.RunsCompleted.Add(ctx, 1)
			case run.StatusFailed:
				p.metrics.RunsFailed.Add(ctx, 1)
			}
			start := r.CreatedAt
			if r.StartedAt != nil {
				start = *r.StartedAt
			}
			p.metrics.RunDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("status", string(st.Status))))
		}
		return nil
	}
	return p.store.UpdateRunStatus(ctx, r.ID, st.Status)
}

// linkSandbox records the run's sandbox once the worker reports it booted.
func (p *EventPipeline) linkSandbox(ctx context.Context, ev *event.RunEvent) {
	sp, err := event.ParseSandbox(ev)
	if err != nil {
		slog.Warn("sandbox event payload rejected", "run_id", ev.RunID, "error", err)
		return
	}
	if sp.SandboxID == "" {
		return
	}
	if err := p.store.UpdateRunSandbox(ctx, ev.RunID, sp.SandboxID); err != nil {
		slog.Warn("run sandbox link failed", "run_id", ev.RunID, "sandbox_id", sp.SandboxID, "error", err)
	}
}

// handleDelivery hands a pushed branch to the deliverer. The push already
// happened; nothing here may fail the event write.
func (p *EventPipeline) handleDelivery(ctx context.Context, ev *event.RunEvent) {
	if p.deliver == nil {
		return
	}
	dp, err := event.ParseDelivery(ev)
	if err != nil {
		slog.Warn("delivery event payload rejected", "run_id", ev.RunID, "error", err)
		return
	}
	if err := p.deliver.OnBranchPushed(ctx, ev.RunID, dp); err != nil {
		slog.Error("delivery handling failed", "run_id", ev.RunID, "repository_id", dp.RepositoryID, "error", err)
	}
}

// statusSideEffects handles chain progression and auto-approval. Both are
// non-fatal: the event is already durable.
func (p *EventPipeline) statusSideEffects(ctx context.Context, runID string, st *event.StatusPayload) {
	switch st.Status {
	case run.StatusCompleted:
		if p.chain == nil {
			return
		}
		completed, err := p.store.GetRun(ctx, runID)
		if err != nil {
			slog.Error("chain progression: load completed run", "run_id", runID, "error", err)
			return
		}
		if err := p.chain.OnRunCompleted(ctx, completed); err != nil {
			slog.Error("chain progression failed", "run_id", runID, "error", err)
		}

	case run.StatusAwaitingApproval:
		r, err := p.store.GetRun(ctx, runID)
		if err != nil {
			slog.Error("auto-approve check: load run", "run_id", runID, "error", err)
			return
		}
		if r.Chain == nil || !r.Chain.CurrentStep().AutoApprove {
			return
		}
		// The approval gate is external; detach from the request context.
		tenantID := middleware.TenantIDFromContext(ctx)
		p.afterFunc(p.autoApproveDelay, func() {
			bg := middleware.WithTenantID(context.Background(), tenantID)
			if err := p.Approve(bg, runID); err != nil {
				slog.Error("auto-approve failed", "run_id", runID, "error", err)
			} else {
				slog.Info("run auto-approved", "run_id", runID)
			}
		})
	}
}

// Approve releases an approval gate. Conflict unless the run is currently
// awaiting approval.
func (p *EventPipeline) Approve(ctx context.Context, runID string) error {
	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusAwaitingApproval {
		return fmt.Errorf("run %s is %s, not awaiting_approval: %w", runID, r.Status, domain.ErrConflict)
	}
	ev, err := event.New(runID, event.TypeStatus, event.StatusPayload{Status: run.StatusRunning})
	if err != nil {
		return err
	}
	return p.Emit(ctx, ev)
}

// Cancel transitions a non-terminal run to cancelled.
func (p *EventPipeline) Cancel(ctx context.Context, runID string) error {
	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s: %w", runID, r.Status, domain.ErrConflict)
	}
	ev, err := event.New(runID, event.TypeStatus, event.StatusPayload{Status: run.StatusCancelled})
	if err != nil {
		return err
	}
	return p.Emit(ctx, ev)
}

// History returns the run's full ordered event log.
func (p *EventPipeline) History(ctx context.Context, runID string) ([]event.RunEvent, error) {
	if _, err := p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return p.events.ListByRun(ctx, runID)
}
