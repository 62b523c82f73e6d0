package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runforge/runforge/internal/adapter/ws"
	"github.com/runforge/runforge/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. The ingest
// route sits outside the tenant middleware: workers authenticate with a
// shared secret and the owning tenant is resolved from the run.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub, ingestSecret string) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/ingest", func(r chi.Router) {
		r.Use(middleware.IngestAuth(ingestSecret))
		r.Post("/events", h.IngestEvent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.TenantID)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.CreateRun)
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/events", h.RunEvents)
			r.Post("/{id}/approve", h.ApproveRun)
			r.Post("/{id}/cancel", h.CancelRun)
		})

		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", h.CreateSandbox)
			r.Get("/", h.ListSandboxes)
			r.Get("/{id}", h.GetSandbox)
			r.Delete("/{id}", h.DestroySandbox)
			r.Get("/{id}/logs", h.SandboxLogs)
		})

		r.Route("/sandbox-cache", func(r chi.Router) {
			r.Post("/", h.RegisterCachedSandbox)
			// GET claims: the read is the atomic available -> in_use transition.
			r.Get("/{id}", h.ClaimCachedSandbox)
			r.Delete("/{id}", h.ExpireCachedSandbox)
		})
	})

	if hub != nil {
		r.Route("/ws", func(r chi.Router) {
			r.Use(middleware.TenantID)
			r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
				hub.HandleRun(urlParam(req, "id"), w, req)
			})
		})
	}
}
