package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/runforge/runforge/internal/domain/event"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/service"
)

// Handlers bundles the services the HTTP layer exposes.
type Handlers struct {
	Runs      *service.DispatcherService
	Pipeline  *service.EventPipeline
	Sandboxes *service.SandboxService
}

// NewHandlers creates the handler set.
func NewHandlers(runs *service.DispatcherService, pipeline *service.EventPipeline, sandboxes *service.SandboxService) *Handlers {
	return &Handlers{Runs: runs, Pipeline: pipeline, Sandboxes: sandboxes}
}

// CreateRun dispatches a new run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r)
	if !ok {
		return
	}
	created, err := h.Runs.CreateRun(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "project or repository not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRun returns one run.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.GetRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// ListRuns returns the runs of a project.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}
	runs, err := h.Runs.ListRuns(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunEvents returns a run's full ordered event history.
func (h *Handlers) RunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Pipeline.History(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if events == nil {
		events = []event.RunEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ApproveRun releases an approval gate.
func (h *Handlers) ApproveRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipeline.Approve(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// CancelRun cancels a non-terminal run.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipeline.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ingestRequest is the wire shape workers post to the ingest endpoint.
type ingestRequest struct {
	RunID   string          `json:"run_id"`
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IngestEvent accepts a run event from an executing worker. Once past
// authentication the endpoint always answers 200: a worker cannot fix a
// processing failure by retrying, and a non-200 would make it try.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ingestRequest](w, r)
	if !ok {
		return
	}
	ev := &event.RunEvent{RunID: req.RunID, Type: req.Type, Payload: req.Payload}
	if err := h.Pipeline.Emit(r.Context(), ev); err != nil {
		slog.Error("event ingest failed", "run_id", req.RunID, "type", req.Type, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSandbox boots a new sandbox.
func (h *Handlers) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.SandboxCreateRequest](w, r)
	if !ok {
		return
	}
	sb, err := h.Sandboxes.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "repository not found")
		return
	}
	writeJSON(w, http.StatusCreated, sb)
}

// GetSandbox returns one sandbox with backend-reconciled status.
func (h *Handlers) GetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := h.Sandboxes.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

// ListSandboxes returns all sandbox records for the tenant.
func (h *Handlers) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	sbs, err := h.Sandboxes.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "sandboxes unavailable")
		return
	}
	if sbs == nil {
		sbs = []sandbox.Sandbox{}
	}
	writeJSON(w, http.StatusOK, sbs)
}

// DestroySandbox tears a sandbox down and marks the record destroyed.
func (h *Handlers) DestroySandbox(w http.ResponseWriter, r *http.Request) {
	if err := h.Sandboxes.Destroy(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// SandboxLogs returns current sandbox output.
func (h *Handlers) SandboxLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	logs, err := h.Sandboxes.Logs(r.Context(), urlParam(r, "id"), tail)
	if err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ClaimCachedSandbox atomically claims an available pooled sandbox for a
// repository. An empty pool answers 200 with a null body so concurrent
// losers see a definitive miss rather than an error.
func (h *Handlers) ClaimCachedSandbox(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Sandboxes.Claim(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "repository not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RegisterCachedSandbox returns a warmed sandbox to the pool.
func (h *Handlers) RegisterCachedSandbox(w http.ResponseWriter, r *http.Request) {
	entry, ok := readJSON[sandbox.CacheEntry](w, r)
	if !ok {
		return
	}
	if err := h.Sandboxes.Register(r.Context(), &entry); err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ExpireCachedSandbox marks a pooled sandbox expired.
func (h *Handlers) ExpireCachedSandbox(w http.ResponseWriter, r *http.Request) {
	if err := h.Sandboxes.Expire(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "cache entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}
