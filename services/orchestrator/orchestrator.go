// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the Skald session coordinator into a runnable
// service.
//
// The service owns the session store, the websocket hub, the turn
// coordinator and dispatcher, the idle-session reaper, Prometheus metrics
// and OpenTelemetry tracing. Run serves HTTP until its context is cancelled.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210, LLMBackend: "ollama", Model: "llama3"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/skald/services/llm"
	"github.com/AleutianAI/skald/services/orchestrator/conversation"
	"github.com/AleutianAI/skald/services/orchestrator/game"
	"github.com/AleutianAI/skald/services/orchestrator/handlers"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/routes"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
	"github.com/AleutianAI/skald/services/orchestrator/ttl"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the Skald service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run serves HTTP and runs the idle-session reaper until ctx is
	// cancelled or the server fails. Resources are released on return.
	Run(ctx context.Context) error

	// Router returns the configured gin engine. Tests use it to drive
	// requests without a listener.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the service configuration.
//
// # Fields
//
//   - Port: HTTP listen port. Default: 12210.
//   - LLMBackend: "openai", "ollama" or "claude". Default: "openai".
//   - Model: Model name passed to the backend.
//   - LLMBaseURL: Overrides the backend endpoint (OpenAI-compatible servers).
//   - APIKey: Backend key. Empty falls back to env and mounted secrets.
//   - OTelEndpoint: OTLP gRPC collector. Default: "localhost:4317".
//   - TracingDisabled: Skips the OTLP exporter.
//   - GinMode: gin.ReleaseMode, gin.DebugMode or gin.TestMode. Empty leaves gin's setting.
//   - GenerationTimeout: Bound on one generator call. Default: 45s.
//   - IdleSessionTTL: Inactivity before a session is reaped. Default: 30m.
//   - ReapInterval: Reaper tick. Default: 1m.
//   - ReapBatchSize: Sessions expired per tick. Default: 100.
//   - MaxMembers: Largest session size. Default: 8.
//   - MaxPendingEvents: Per-session queue bound. Default: 32.
//   - AllowPartialPersonas: Lets start_game run before every member has a persona.
//   - PromptsPath: YAML prompt overrides. Empty uses the built-in prompts.
//   - WatchPrompts: Reloads PromptsPath on change. Only sessions created
//     after a reload see the new prompts. Ignored without PromptsPath.
//   - EventsPerSecond / EventBurst: Per-connection rate limit. Default: 5 / 10.
//   - AuditLogPath: Hash-chained expiry log. Empty disables it.
//   - ShutdownTimeout: Grace period for in-flight requests. Default: 10s.
//   - AdminToken: Bearer token for the session admin API. Empty leaves it open.
type Config struct {
	Port                 int
	LLMBackend           string
	Model                string
	LLMBaseURL           string
	APIKey               string
	OTelEndpoint         string
	TracingDisabled      bool
	GinMode              string
	GenerationTimeout    time.Duration
	IdleSessionTTL       time.Duration
	ReapInterval         time.Duration
	ReapBatchSize        int
	MaxMembers           int
	MaxPendingEvents     int
	AllowPartialPersonas bool
	PromptsPath          string
	WatchPrompts         bool
	EventsPerSecond      float64
	EventBurst           int
	AuditLogPath         string
	ShutdownTimeout      time.Duration
	AdminToken           string
}

// Options injects collaborators, mainly for tests.
//
// # Fields
//
//   - LLMClient: Used instead of building one from Config.
//   - Registerer: Metrics registry. Default: prometheus.DefaultRegisterer.
//   - Gatherer: /metrics source. Default: prometheus.DefaultGatherer.
//   - IDs: Session code source. Default: session.CodeGenerator{}.
type Options struct {
	LLMClient  llm.LLMClient
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	IDs        session.IDGenerator
}

// =============================================================================
// Struct Definition
// =============================================================================

// service implements Service.
type service struct {
	config        Config
	router        *gin.Engine
	llmClient     llm.LLMClient
	metrics       *observability.Metrics
	store         *session.MemoryStore
	hub           *transport.Hub
	dispatcher    *game.Dispatcher
	reaper        *ttl.Reaper
	audit         *ttl.AuditLog
	promptWatcher *conversation.PromptWatcher
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New creates a Service from cfg.
//
// # Description
//
// New initializes every component in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing unless disabled
//  3. Loads prompts and creates the LLM client
//  4. Builds metrics, the session store, the hub and the dispatcher
//  5. Opens the audit log and creates the reaper
//  6. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Injected collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run service
//   - error: Non-nil if a component fails to initialize
//
// # Limitations
//
//   - Metrics register on the given registry; calling New twice with the
//     default registry panics on duplicate registration.
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}
	if opts == nil {
		opts = &Options{}
	}

	if !s.config.TracingDisabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	prompts, err := conversation.LoadPrompts(s.config.PromptsPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	if opts.LLMClient != nil {
		s.llmClient = opts.LLMClient
	} else if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.metrics = observability.NewMetrics(registerer)
	slog.Info("Initialized Prometheus metrics")

	storeConfig := session.StoreConfig{
		Preamble:   prompts.GameSystemMessage,
		IDs:        opts.IDs,
		MaxPending: s.config.MaxPendingEvents,
	}
	if s.config.WatchPrompts && s.config.PromptsPath != "" {
		s.promptWatcher = conversation.NewPromptWatcher(s.config.PromptsPath, prompts, &conversation.PromptWatcherOptions{
			OnReload: func(_ conversation.Prompts, err error) { s.metrics.RecordPromptReload(err) },
		})
		storeConfig.Prompts = s.promptWatcher.Current
	}
	s.store = session.NewMemoryStore(storeConfig)
	s.hub = transport.NewHub(transport.DefaultHubConfig())
	coordinator := game.NewCoordinator(s.llmClient, prompts, game.CoordinatorConfig{
		Model:              s.config.Model,
		GenerationTimeout:  s.config.GenerationTimeout,
		MaxMembers:         s.config.MaxMembers,
		RequireAllPersonas: !s.config.AllowPartialPersonas,
	}, s.metrics)
	s.dispatcher = game.NewDispatcher(s.store, coordinator, s.hub, s.metrics)

	if err := s.initReaper(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize reaper: %w", err)
	}

	s.initRouter(opts.Gatherer)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves HTTP and runs the reaper until ctx is cancelled.
//
// # Description
//
// The HTTP server and the reaper run in one errgroup. When ctx is cancelled
// the server is shut down within ShutdownTimeout and the reaper is stopped.
// A server failure cancels the group the same way.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or the reaper cannot run
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting skald server", "port", s.config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.reaper.Start(gctx)
	})
	if s.promptWatcher != nil {
		g.Go(func() error {
			// A lost watch leaves the loaded prompts in place; serving continues.
			if err := s.promptWatcher.Run(gctx); err != nil {
				slog.Error("Prompts watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down skald server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.reaper.Stop(); err != nil {
			slog.Warn("Failed to stop reaper", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the underlying gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = llm.BackendOpenAI
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 45 * time.Second
	}
	if cfg.IdleSessionTTL <= 0 {
		cfg.IdleSessionTTL = 30 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.ReapBatchSize <= 0 {
		cfg.ReapBatchSize = 100
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = 8
	}
	if cfg.MaxPendingEvents <= 0 {
		cfg.MaxPendingEvents = 32
	}
	if cfg.EventsPerSecond == 0 {
		cfg.EventsPerSecond = 5
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter that sends spans to the configured
// collector. The gRPC connection is lazy, so an absent collector does not
// fail startup.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if the exporter cannot be created
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("skald")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close OTLP connection", "error", err)
		}
	}

	return cleanup, nil
}

// initLLMClient builds the generator named by LLMBackend.
func (s *service) initLLMClient() error {
	client, err := llm.NewClient(llm.ClientConfig{
		Backend: s.config.LLMBackend,
		Model:   s.config.Model,
		BaseURL: s.config.LLMBaseURL,
		APIKey:  s.config.APIKey,
	})
	if err != nil {
		return err
	}
	s.llmClient = client
	slog.Info("Initialized LLM client", "backend", s.config.LLMBackend, "model", s.config.Model)
	return nil
}

// initReaper opens the optional audit log and creates the idle-session
// reaper over the dispatcher.
func (s *service) initReaper() error {
	if s.config.AuditLogPath != "" {
		audit, err := ttl.OpenAuditLog(s.config.AuditLogPath)
		if err != nil {
			return err
		}
		s.audit = audit
		slog.Info("Opened session expiry audit log", "path", s.config.AuditLogPath)
	}
	s.reaper = ttl.NewReaper(s.dispatcher, s.audit, ttl.ReaperConfig{
		Interval:  s.config.ReapInterval,
		IdleTTL:   s.config.IdleSessionTTL,
		BatchSize: s.config.ReapBatchSize,
	})
	return nil
}

// initRouter creates the gin engine with tracing middleware and routes.
func (s *service) initRouter(gatherer prometheus.Gatherer) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("skald"))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Dispatcher: s.dispatcher,
		Hub:        s.hub,
		Metrics:    s.metrics,
		Gatherer:   gatherer,
		Play: handlers.PlayConfig{
			EventsPerSecond: s.config.EventsPerSecond,
			EventBurst:      s.config.EventBurst,
		},
		AdminToken: s.config.AdminToken,
	})
}

// cleanup releases resources in reverse order of acquisition.
func (s *service) cleanup() {
	if s.reaper != nil && s.reaper.Running() {
		if err := s.reaper.Stop(); err != nil {
			slog.Warn("Failed to stop reaper", "error", err)
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			slog.Warn("Failed to close audit log", "error", err)
		}
		s.audit = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
