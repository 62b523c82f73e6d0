package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/runforge/runforge/internal/adapter/cloudbox"
	"github.com/runforge/runforge/internal/adapter/github"
	rfhttp "github.com/runforge/runforge/internal/adapter/http"
	"github.com/runforge/runforge/internal/adapter/kubernetes"
	rfnats "github.com/runforge/runforge/internal/adapter/nats"
	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/adapter/postgres"
	"github.com/runforge/runforge/internal/adapter/ristretto"
	"github.com/runforge/runforge/internal/adapter/ws"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
	"github.com/runforge/runforge/internal/resilience"
	"github.com/runforge/runforge/internal/secrets"
	"github.com/runforge/runforge/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"sandbox_provider", cfg.Sandbox.Provider,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx := context.Background()

	// --- Observability ---
	otelShutdown, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Otel.Endpoint, cfg.Otel.Enabled)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	var queue *rfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = rfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	sealer, err := secrets.NewSealer(cfg.Ingest.SealKey)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	tokenCache, err := ristretto.New(8 << 20)
	if err != nil {
		return fmt.Errorf("token cache: %w", err)
	}
	detectCache, err := ristretto.New(cfg.Sandbox.DetectCacheMB << 20)
	if err != nil {
		return fmt.Errorf("detect cache: %w", err)
	}

	// --- Services ---
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	hub := ws.NewHub()
	git := github.NewProvider("")

	creds := service.NewCredentialService(store, sealer, tokenCache)
	resolver := service.NewResolverService(store)
	detector := service.NewRuntimeDetector(git, detectCache)

	newBreaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(name, cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	}

	launchers := func(ctx context.Context, cluster *repo.Cluster) (service.JobLauncher, error) {
		token, err := sealer.Open(cluster.SealedBearerToken)
		if err != nil {
			return nil, fmt.Errorf("open cluster %s credential: %w", cluster.ID, err)
		}
		return kubernetes.NewClient(cluster, string(token), newBreaker("cluster-"+cluster.ID))
	}

	var cloud service.CloudLauncher
	var backend sandboxbackend.Backend
	switch cfg.Sandbox.Provider {
	case "cloudbox":
		cb := cloudbox.NewBackend(cfg.Sandbox.CloudURL, cfg.Sandbox.CloudAPIKey, newBreaker("cloudbox"))
		cloud = cb
		backend = cb
	case "kubernetes":
		backend, err = kubernetesBackend(ctx, store, sealer, cfg, newBreaker)
		if err != nil {
			return fmt.Errorf("kubernetes sandbox backend: %w", err)
		}
	}

	dispatcher := service.NewDispatcherService(
		store, resolver, creds, queueOrNil(queue), cloud, launchers, metrics,
		cfg.Dispatch, cfg.Kubernetes, cfg.Sandbox,
	)
	pipeline := service.NewEventPipeline(store, events, hub, metrics, cfg.Dispatch.AutoApproveDelay)
	chain := service.NewChainService(store, dispatcher, nil, metrics)
	pipeline.SetChain(chain)
	pipeline.SetDeliverer(service.NewDeliveryService(store, git, creds))
	sandboxes := service.NewSandboxService(store, backend, detector, creds)

	// --- HTTP ---
	handlers := rfhttp.NewHandlers(dispatcher, pipeline, sandboxes)

	r := chi.NewRouter()
	r.Use(rfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rfhttp.SecurityHeaders)
	r.Use(rfhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	rfhttp.MountRoutes(r, handlers, hub, cfg.Ingest.SharedSecret)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// kubernetesBackend builds the sandbox backend against the configured
// cluster. Sandboxes are a single-cluster concern; per-run job dispatch picks
// its cluster per request instead.
func kubernetesBackend(ctx context.Context, store *postgres.Store, sealer *secrets.Sealer, cfg *config.Config, newBreaker func(string) *resilience.Breaker) (sandboxbackend.Backend, error) {
	if cfg.Sandbox.ClusterID == "" {
		return nil, fmt.Errorf("sandbox.cluster_id is required for the kubernetes provider")
	}
	tenantCtx := middleware.WithTenantID(ctx, middleware.DefaultTenantID)
	cluster, err := store.GetCluster(tenantCtx, cfg.Sandbox.ClusterID)
	if err != nil {
		return nil, err
	}
	token, err := sealer.Open(cluster.SealedBearerToken)
	if err != nil {
		return nil, fmt.Errorf("open cluster %s credential: %w", cluster.ID, err)
	}
	client, err := kubernetes.NewClient(cluster, string(token), newBreaker("sandbox-cluster"))
	if err != nil {
		return nil, err
	}
	namespace, err := client.EnsureNamespace(tenantCtx, cfg.Kubernetes, middleware.DefaultTenantID)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewBackend(client, cfg.Kubernetes, namespace), nil
}

// queueOrNil avoids handing the dispatcher a typed-nil queue interface.
func queueOrNil(q *rfnats.Queue) messagequeue.Queue {
	if q == nil {
		return nil
	}
	return q
}
