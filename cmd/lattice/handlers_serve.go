package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/cluster"
	"github.com/raym33/lattice/internal/config"
	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/memory"
	"github.com/raym33/lattice/internal/observability"
	"github.com/raym33/lattice/internal/ratelimit"
	"github.com/raym33/lattice/internal/server"
	"github.com/raym33/lattice/internal/skills"
	"github.com/raym33/lattice/internal/version"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, debug, clusterMode bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The audit trail is part of the service contract: when it is enabled
	// and cannot open, the server does not run.
	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditLog, err = audit.New(cfg.Audit.Config, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		audit.SetDefault(auditLog)
	}

	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	store, err := auth.NewSQLiteStore(filepath.Join(config.DataDir(), "auth.db"))
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer store.Close()
	authSvc := auth.NewService(store, auth.Options{
		Secret: cfg.API.SecretKey,
		Logger: logger,
	})

	username, password, created, err := authSvc.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap accounts: %w", err)
	}
	if created {
		fmt.Fprintf(cmd.OutOrStdout(),
			"Initial admin account created:\n  username: %s\n  password: %s\nStore this password; it is not shown again.\n",
			username, password)
	}

	registry := skills.NewRegistry(logger)
	scfg := skillConfig(cfg)
	if scfg.Dir != "" && cfg.Skills.Mode == "auto" {
		watcher, err := skills.Watch(ctx, registry, scfg, logger)
		if err != nil {
			return fmt.Errorf("watch skills: %w", err)
		}
		defer watcher.Close()
	} else {
		loaded, errs := skills.Load(registry, scfg, logger)
		for name, err := range errs {
			logger.Warn("skill failed to load", "skill", name, "error", err)
		}
		logger.Info("skills loaded", "skills", len(loaded), "tools", registry.ToolCount())
	}

	provider := detectProvider(ctx, cfg, logger)

	memStore := openMemory(cfg, "", logger)
	defer memStore.Close()

	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "lattice",
		ServiceVersion: version.Version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	var (
		coordinator *cluster.Coordinator
		peerSync    *cluster.PeerSync
	)
	if clusterMode {
		if provider == nil {
			return fmt.Errorf("cluster mode requires a reachable model backend")
		}
		caps := cluster.Detect(ctx)
		local := cluster.NewLocalNode(cfg.Cluster.NodeName, cfg.API.Host, cfg.API.Port, caps)
		reg := cluster.New(local, logger)
		engine := cluster.NewBackendEngine(provider, logger)
		coordinator = cluster.NewCoordinator(reg, engine, cluster.CoordinatorOptions{
			Logger:  logger,
			Metrics: metrics,
		})
		peerSync = cluster.NewPeerSync(reg, cluster.PeerSyncOptions{Logger: logger})
		logger.Info("cluster node ready",
			"node", local.Name,
			"device", caps.DeviceType,
			"memory_gb", caps.AvailableMemoryGB,
			"peers", len(cfg.Cluster.Peers))
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Auth:     authSvc,
		Limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		Registry: registry,
		Provider: provider,
		LLMOptions: llm.Options{
			Model:            cfg.LLM.Model,
			MaxContextTokens: cfg.LLM.MaxContextTokens,
		},
		Memory:      memStore,
		Coordinator: coordinator,
		PeerSync:    peerSync,
		Audit:       auditLog,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("server listening", "addr", cfg.API.Addr(), "version", version.Version)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// detectProvider probes for a usable model backend. A nil result is a
// valid outcome: the server still runs, chat just reports the backend
// as unavailable.
func detectProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) llm.Provider {
	preferred := cfg.LLM.Provider
	if preferred == "auto" {
		preferred = ""
	}
	provider := llm.Detect(ctx, llm.DetectConfig{
		Preferred: preferred,
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
	}, logger)
	if provider == nil {
		logger.Warn("no model backend reachable; chat endpoints will report backend_unavailable")
	}
	return provider
}

// skillConfig maps file configuration onto the skills runtime settings.
func skillConfig(cfg config.Config) skills.Config {
	return skills.Config{
		Mode:    cfg.Skills.Mode,
		Enabled: cfg.Skills.Enabled,
		Dir:     cfg.Skills.Dir,
		FSRoot:  cfg.Skills.FSRoot,
	}
}

// openMemory opens the conversation store, falling back to the no-op
// store when persistence is unavailable rather than refusing to start.
func openMemory(cfg config.Config, sessionID string, logger *slog.Logger) memory.Store {
	if cfg.Memory.Path == "" {
		return memory.Noop{}
	}
	if dir := filepath.Dir(cfg.Memory.Path); dir != "" && cfg.Memory.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Warn("memory directory unavailable, running without persistence", "error", err)
			return memory.Noop{}
		}
	}
	memStore, err := memory.NewSQLite(memory.SQLiteConfig{
		Path:      cfg.Memory.Path,
		SessionID: sessionID,
	})
	if err != nil {
		logger.Warn("memory store unavailable, running without persistence", "error", err)
		return memory.Noop{}
	}
	return memStore
}
