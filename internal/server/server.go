// Package server wires GenGate's admission pipeline behind two HTTP planes:
// an API server serving generation requests and an admin server exposing
// health checks, readiness probes, metrics, and introspection routes.
package server

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gengate/gengate/internal/budget"
	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/content"
	"github.com/gengate/gengate/internal/events"
	"github.com/gengate/gengate/internal/generate"
	"github.com/gengate/gengate/internal/lock"
	"github.com/gengate/gengate/internal/observability"
	"github.com/gengate/gengate/internal/period"
	"github.com/gengate/gengate/internal/ratelimit"
	iredis "github.com/gengate/gengate/internal/redis"
	"github.com/gengate/gengate/internal/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the main GenGate server.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	logger  *slog.Logger
	version string

	apiServer   *http.Server
	adminServer *http.Server

	client    iredis.Client
	limiter   *ratelimit.Limiter
	breaker   *budget.Breaker
	orch      *generate.Orchestrator
	refresher *refresh.Trigger // nil when refresh is disabled
	emitter   *events.Emitter  // nil when events are disabled

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a new GenGate server instance. The Redis client is created
// without an initial ping: an unreachable store at startup degrades to the
// local rate-limit fallback instead of failing the boot.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	client, err := iredis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	generator, err := generate.NewHTTPGenerator(cfg.Generator)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}

	prefix := cfg.RateLimit.KeyPrefix
	limiter := ratelimit.NewLimiter(client, ratelimit.NewFallbackCounter(), prefix, logger)
	breaker := budget.NewBreaker(client, cfg.Budget, prefix, logger)
	locks := lock.NewManager(client, prefix, logger)
	deriver := period.NewDeriver(logger)

	contentTTL, _ := config.ParseDuration(cfg.Content.TTL, 0)
	store := content.NewStore(client, cfg.Content.KeyPrefix,
		content.WithTTL(contentTTL), content.WithLogger(logger))

	var refresher *refresh.Trigger
	if cfg.Refresh.Enabled && cfg.Refresh.HTTP.URL != "" {
		syncTTL, _ := config.ParseDuration(cfg.Locks.SyncTTL, 10*time.Minute)
		refreshTimeout, _ := config.ParseDuration(cfg.Refresh.Timeout, 5*time.Minute)
		refresher = refresh.NewTrigger(client, locks, deriver,
			refresh.NewHTTPSyncer(cfg.Refresh.HTTP.URL), prefix, syncTTL, refreshTimeout, logger)
	}

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	orch := generate.NewOrchestrator(limiter, breaker, locks, store, deriver,
		generator, refresher, emitter, metrics, logger, orchestratorOptions(cfg))

	health.SetRedisPinger(redisPinger{client})
	health.SetLimiterHealth(limiter.Healthy)

	s := &Server{
		logger:    logger,
		version:   version,
		client:    client,
		limiter:   limiter,
		breaker:   breaker,
		orch:      orch,
		refresher: refresher,
		emitter:   emitter,
		health:    health,
		metrics:   metrics,
	}
	s.cfg.Store(cfg)
	s.apiServer = buildAPIServer(cfg, instrument(metrics, apiMux(orch, logger)), logger)
	s.adminServer = buildAdminServer(cfg, health, reg, s.currentConfig, metrics, logger)
	return s, nil
}

// redisPinger adapts the Redis client to the health checker's probe interface.
type redisPinger struct {
	client iredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (s *Server) currentConfig() *config.Config {
	return s.cfg.Load()
}

// orchestratorOptions derives the pipeline tunables from config. Unparseable
// durations were rejected by config validation, so defaults here only cover
// empty fields.
func orchestratorOptions(cfg *config.Config) generate.Options {
	lockTTL, _ := config.ParseDuration(cfg.Locks.GenerateTTL, 2*time.Minute)
	lockBackoff, _ := config.ParseDuration(cfg.Locks.AcquireBackoff, 150*time.Millisecond)
	genTimeout, _ := config.ParseDuration(cfg.Generator.Timeout, 60*time.Second)

	return generate.Options{
		Tiers:         ratelimit.TiersFromConfig(cfg.RateLimit),
		SchemaVersion: cfg.Content.SchemaVersion,
		LockTTL:       lockTTL,
		LockRetries:   cfg.Locks.AcquireRetries,
		LockBackoff:   lockBackoff,
		GenTimeout:    genTimeout,
	}
}

func apiMux(orch *generate.Orchestrator, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/generate", generateHandler(orch, logger))
	return mux
}

func buildAPIServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 120*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          log.New(slogErrorWriter{logger}, "", 0),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, getCfg func() *config.Config, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.Handle("GET /v1/config", configHandler(getCfg))
	adminMux.Handle("GET /v1/stats", statsHandler(metrics))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          log.New(slogErrorWriter{logger}, "", 0),
	}
}

// slogErrorWriter routes net/http internal error lines into slog.
type slogErrorWriter struct {
	logger *slog.Logger
}

func (w slogErrorWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p), "component", "net/http")
	return len(p), nil
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.currentConfig()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the API listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startAPIServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	// Wait for the API listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("gengate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startAPIServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting", "address", s.apiServer.Addr)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.apiServer.Addr)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.apiServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

// Reload hot-swaps the rate tiers, budget settings, and pipeline tunables
// without restarting. Fields listed by config.RequiresRestart are not
// touched here; the caller decides how to handle those.
func (s *Server) Reload(newCfg *config.Config) error {
	s.orch.SetOptions(orchestratorOptions(newCfg))
	s.breaker.Reload(newCfg.Budget)
	s.cfg.Store(newCfg)
	s.logger.Info("configuration reloaded",
		"tiers", len(ratelimit.TiersFromConfig(newCfg.RateLimit)),
		"budget_limit_usd", newCfg.Budget.DailyLimitUSD)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	cfg := s.currentConfig()
	drainTimeout, _ := config.ParseDuration(cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	// In-flight background refreshes finish before their store goes away.
	if s.refresher != nil {
		s.refresher.Drain()
	}

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("event emitter close error", "error", err)
	}

	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}

	if err := s.client.Close(); err != nil {
		s.logger.Error("redis client close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
