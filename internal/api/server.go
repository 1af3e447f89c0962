package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"coderoom/internal/broadcast"
	"coderoom/internal/config"
	"coderoom/internal/ledger"
	"coderoom/internal/monitor"
	"coderoom/internal/sandbox"
	"coderoom/internal/session"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the domain services the API exposes. Database may be nil when
// everything is kept in memory.
type Deps struct {
	Executor *sandbox.Executor
	Ledger   *ledger.Ledger
	Sessions *session.Store
	Hub      *broadcast.Hub
	Consumer *broadcast.Consumer
	Database HealthChecker
	Metrics  *monitor.Metrics
}

// Server is the main HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		handlers:  NewHandlers(deps),
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	cfg := s.cfg
	h := s.handlers

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	quota := NewQuota(s.deps.Metrics)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", quota.Wrap("execute", cfg.Quota.Execute, h.HandleExecute))
	apiMux.HandleFunc("POST /execute/stream", quota.Wrap("execute", cfg.Quota.Execute, h.HandleExecuteStream))
	apiMux.HandleFunc("GET /executions", h.HandleListExecutions)

	apiMux.HandleFunc("POST /sessions", quota.Wrap("session_create", cfg.Quota.SessionCreate, h.HandleCreateSession))
	apiMux.HandleFunc("GET /sessions/{id}", h.HandleGetSession)
	apiMux.HandleFunc("POST /sessions/{id}/join", h.HandleJoinSession)
	apiMux.HandleFunc("GET /sessions/{id}/members", h.HandleListMembers)
	apiMux.HandleFunc("POST /sessions/{id}/mutations", h.HandleMutation)
	apiMux.HandleFunc("PUT /sessions/{id}/members/{user_id}", h.HandleSetPermission)
	apiMux.HandleFunc("DELETE /sessions/{id}/members/{user_id}", h.HandleRemoveMember)
	apiMux.HandleFunc("GET /sessions/{id}/ws", h.HandleWebSocket)
	apiMux.HandleFunc("POST /admin/sessions/sweep", h.HandleSweep)

	var authed http.Handler = apiMux
	authed = UserIdentityMiddleware(cfg.Security.UserHeader)(authed)
	authed = AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(authed)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && s.deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authed)

	// outermost last
	var handler http.Handler = mux
	if s.deps.Metrics != nil {
		handler = MetricsMiddleware(s.deps.Metrics)(handler)
	}
	if cfg.Security.RateLimitRPS > 0 {
		handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	}
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. Hijacked WebSocket connections are
// not tracked by http.Server and close with the process.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:   "ok",
		Database: s.deps.Database == nil || s.deps.Database.Healthy(ctx),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Executor != nil {
		backend := s.deps.Executor.Backend()
		resp.Backend = backend.Name()
		resp.ActiveExecutions = backend.ActiveCount()
		resp.BackendHealthy = true
		if hc, ok := backend.(sandbox.HealthChecker); ok {
			resp.BackendHealthy = hc.Healthy(ctx)
		}
	}

	// Host load is informational; a failed read leaves zeros.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}

	if !resp.Database || !resp.BackendHealthy {
		resp.Status = "degraded"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
