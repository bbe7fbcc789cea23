// Package server is the HTTP service plane: one ServeMux behind a fixed
// middleware chain (recover, request id, logging, auth, rate limit), with
// per-handler scope checks and a uniform error envelope. Handlers stay
// thin; the domain packages do the work.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/cluster"
	"github.com/raym33/lattice/internal/config"
	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/memory"
	"github.com/raym33/lattice/internal/observability"
	"github.com/raym33/lattice/internal/permissions"
	"github.com/raym33/lattice/internal/ratelimit"
	"github.com/raym33/lattice/internal/skills"
)

const (
	// readHeaderTimeout bounds how long a client may dawdle over headers.
	readHeaderTimeout = 5 * time.Second

	// probeTimeout caps the backend availability check in status reports.
	probeTimeout = 2 * time.Second

	// defaultToolTimeout bounds a direct skill call through the API.
	defaultToolTimeout = 30 * time.Second
)

// Options wires the server's collaborators. Auth, Limiter, Registry,
// Metrics, and Tracer get working defaults when nil; a nil Provider
// disables the chat endpoints and a nil Coordinator the cluster ones.
type Options struct {
	Config config.Config

	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Registry *skills.Registry

	// Provider is the shared LLM provider; each chat request wraps it in
	// its own backend so conversation state stays request-owned.
	Provider llm.Provider

	// LLMOptions is the backend template applied per chat request.
	LLMOptions llm.Options

	// Memory persists conversation turns across requests. Nil disables it.
	Memory memory.Store

	Coordinator *cluster.Coordinator
	PeerSync    *cluster.PeerSync

	Audit   *audit.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server hosts the API.
type Server struct {
	cfg         config.Config
	auth        *auth.Service
	limiter     *ratelimit.Limiter
	registry    *skills.Registry
	provider    llm.Provider
	llmOpts     llm.Options
	memory      memory.Store
	coordinator *cluster.Coordinator
	peerSync    *cluster.PeerSync
	audit       *audit.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	cron       *cron.Cron
	started    time.Time
}

// New assembles the middleware chain and routing table. The server does
// not listen until Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	if opts.Auth == nil {
		opts.Auth = auth.NewService(auth.NewMemoryStore(), auth.Options{Logger: logger})
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(opts.Config.RateLimit)
	}
	if opts.Registry == nil {
		opts.Registry = skills.NewRegistry(logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(nil)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "lattice"})
	}

	s := &Server{
		cfg:         opts.Config,
		auth:        opts.Auth,
		limiter:     opts.Limiter,
		registry:    opts.Registry,
		provider:    opts.Provider,
		llmOpts:     opts.LLMOptions,
		memory:      opts.Memory,
		coordinator: opts.Coordinator,
		peerSync:    opts.PeerSync,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		tracer:      tracer,
		logger:      logger,
		started:     time.Now(),
	}
	s.handler = s.recoverPanics(s.withRequestID(s.logRequests(s.authenticate(s.rateLimit(s.routes())))))
	return s
}

// Handler returns the full middleware-wrapped handler, which tests mount
// on httptest servers.
func (s *Server) Handler() http.Handler { return s.handler }

// routes builds the endpoint table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/docs", s.handleDocs)

	mux.HandleFunc("/v1/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/v1/chat", s.requireAuth(s.handleChat))

	mux.HandleFunc("/v1/skills", s.requireScope(permissions.ScopeRead, s.handleSkillList))
	mux.HandleFunc("/v1/skills/", s.requireScope(permissions.ScopeRead, s.handleSkill))
	mux.HandleFunc("/v1/skills/call", s.requireScope(permissions.ScopeToolCall, s.handleSkillCall))

	mux.HandleFunc("/v1/auth/login", s.handleLogin)
	mux.HandleFunc("/v1/auth/introspect", s.requireAuth(s.handleIntrospect))
	mux.HandleFunc("/v1/auth/keys", s.requireAuth(s.handleKeys))
	mux.HandleFunc("/v1/auth/keys/", s.requireAuth(s.handleKey))

	mux.HandleFunc("/v1/cluster/status", s.requireScope(permissions.ScopeRead, s.handleClusterStatus))
	mux.HandleFunc("/v1/cluster/nodes", s.requireAuth(s.handleClusterNodes))
	mux.HandleFunc("/v1/cluster/nodes/", s.requireScope(permissions.ScopeAdmin, s.handleClusterNode))
	mux.HandleFunc("/v1/cluster/models/", s.requireScope(permissions.ScopeRead, s.handleModelRequirements))
	mux.HandleFunc("/v1/cluster/load", s.requireScope(permissions.ScopeAdmin, s.handleClusterLoad))
	mux.HandleFunc("/v1/cluster/unload", s.requireScope(permissions.ScopeAdmin, s.handleClusterUnload))
	mux.HandleFunc("/v1/cluster/assignments", s.requireScope(permissions.ScopeRead, s.handleClusterAssignments))
	mux.HandleFunc("/v1/cluster/generate", s.requireScope(permissions.ScopeExecute, s.handleClusterGenerate))

	// Peer channel: nodes authenticate through the sync handshake, not
	// through user credentials.
	mux.HandleFunc("/v1/cluster/ws", s.handleClusterWS)
	mux.HandleFunc("/v1/cluster/sync", s.handleClusterSync)

	return mux
}

// Start binds the listener and serves in the background. ctx governs the
// peer-sync dialers, not the server's lifetime; stop with Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.API.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.listener = listener
	s.started = time.Now()
	s.scheduleHousekeeping()

	if s.peerSync != nil && len(s.cfg.Cluster.Peers) > 0 {
		go s.peerSync.Run(ctx, s.cfg.Cluster.Peers)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("server started", "addr", addr, "tier", s.limiter.Tier())
	s.audit.Log(ctx, &audit.Event{
		Action:  audit.ActionServerStarted,
		Success: true,
		Details: map[string]any{"addr": addr},
	})
	return nil
}

// Shutdown drains in-flight requests and stops housekeeping.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if s.httpServer == nil {
		return nil
	}
	s.audit.Log(ctx, &audit.Event{Action: audit.ActionServerStopped, Success: true})
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	s.logger.Info("server stopped")
	return err
}

// scheduleHousekeeping runs the periodic sweeps: idle rate-limit clients
// are reaped and, with peer sync active, silent nodes are marked offline.
func (s *Server) scheduleHousekeeping() {
	c := cron.New()
	if _, err := c.AddFunc("@every 10m", func() {
		if n := s.limiter.Reap(); n > 0 {
			s.logger.Debug("reaped idle rate-limit clients", "count", n)
		}
	}); err != nil {
		s.logger.Warn("failed to schedule limiter reap", "error", err)
	}
	if s.peerSync != nil {
		if _, err := c.AddFunc("@every 30s", func() {
			if swept := s.peerSync.Sweep(); len(swept) > 0 {
				s.logger.Info("swept silent nodes", "node_ids", swept)
			}
		}); err != nil {
			s.logger.Warn("failed to schedule liveness sweep", "error", err)
		}
	}
	c.Start()
	s.cron = c
}

// writeJSON writes a response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// writeError writes the uniform error envelope for a kind.
func (s *Server) writeError(w http.ResponseWriter, kind errorKind, message string) {
	s.metrics.RecordError("server", string(kind))
	s.writeJSON(w, kindStatus[kind], errorEnvelope{Error: errorBody{
		Code:    string(kind),
		Message: message,
	}})
}
