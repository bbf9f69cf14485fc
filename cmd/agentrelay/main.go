// Package main runs the agentrelay server: a single binary exposing a local
// worker CLI as an A2A agent server with durable multi-tenant state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/internal/auth"
	"github.com/agentrelay/agentrelay/internal/auth/token"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
	"github.com/agentrelay/agentrelay/internal/events/bus"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/internal/server"
	"github.com/agentrelay/agentrelay/internal/statefile"
	"github.com/agentrelay/agentrelay/internal/store/budget"
	"github.com/agentrelay/agentrelay/internal/store/revocation"
	"github.com/agentrelay/agentrelay/internal/store/sessions"
	"github.com/agentrelay/agentrelay/internal/store/tasks"
	"github.com/agentrelay/agentrelay/internal/tracing"
	"github.com/agentrelay/agentrelay/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentrelay", zap.String("version", version))

	// Fatal startup checks: worker binary and agent working directories.
	if _, err := exec.LookPath(cfg.Worker.Binary); err != nil {
		return fmt.Errorf("worker binary %q not found: %w", cfg.Worker.Binary, err)
	}
	for _, agent := range cfg.Agents {
		if agent.WorkDir == "" {
			continue
		}
		if info, err := os.Stat(agent.WorkDir); err != nil || !info.IsDir() {
			return fmt.Errorf("agent %q work dir %q does not exist", agent.Name, agent.WorkDir)
		}
	}
	if err := os.MkdirAll(cfg.DefaultWorkDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create default work dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	// Event bus: in-memory unless NATS is configured.
	var events bus.EventBus
	if cfg.Events.NATSUrl != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events.NATSUrl, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		events = natsBus
	} else {
		events = bus.NewMemoryEventBus(log)
	}
	defer events.Close()

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("database opened", zap.String("path", cfg.DatabasePath()))

	if err := statefile.Migrate(database, cfg.LegacyStatePath(), log); err != nil {
		return fmt.Errorf("failed to migrate legacy state: %w", err)
	}

	taskStore := tasks.NewStore(database, log)
	sessionStore, err := sessions.NewStore(database, sessions.Options{
		MaxPerClient:  cfg.Sessions.MaxPerClient,
		MaxIdle:       cfg.Sessions.MaxIdle(),
		MaxLifetime:   cfg.Sessions.MaxLifetime(),
		SweepInterval: cfg.Sessions.SweepInterval(),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	tracker := budget.NewTracker(database, budget.Caps{
		DefaultClientDailyUSD: cfg.Budget.DefaultClientDailyLimitUSD,
		GlobalDailyUSD:        cfg.Budget.GlobalDailyLimitUSD,
	}, log)
	revocations, err := revocation.NewStore(database, log)
	if err != nil {
		return fmt.Errorf("failed to open revocation store: %w", err)
	}

	var tokenService *token.Service
	if cfg.Auth.JWTSecret != "" {
		tokenService, err = token.NewService(cfg.Auth, revocations, log)
		if err != nil {
			return fmt.Errorf("failed to initialize token service: %w", err)
		}
	}
	gate := auth.NewGate(cfg.Auth.MasterKey, tokenService, log)
	limiter := auth.NewRateLimiter(cfg.Rate.DefaultRPM, cfg.Rate.Burst)

	pool := worker.NewPool(worker.PoolOptions{
		MaxConcurrent:  cfg.Sessions.MaxConcurrent,
		RequestTimeout: cfg.Sessions.RequestTimeoutDuration(),
		Binary:         cfg.Worker.Binary,
		DefaultWorkDir: cfg.DefaultWorkDir(),
		NestedGuardEnv: cfg.Worker.NestedGuardEnv,
		BufferMaxBytes: cfg.Worker.BufferMaxBytes,
		KillGrace:      cfg.Worker.KillGrace(),
	}, events, log)
	sessionStore.SetEvictionCallback(func(contextID string) {
		pool.DestroySession(contextID)
		_ = events.Publish(context.Background(), bus.SubjectSessionEvicted,
			bus.NewEvent(bus.SubjectSessionEvicted, "session-store", map[string]any{"context_id": contextID}))
	})

	orch := orchestrator.New(cfg, taskStore, sessionStore, tracker, pool, events, log)

	sessionStore.StartSweeper(ctx)
	limiter.StartPruner(ctx)

	srv := server.New(cfg, gate, limiter, orch, sessionStore, tracker,
		revocations, tokenService, pool, version, log)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
			return nil
		}

		shutdown(cfg, log, httpServer, pool, taskStore, sessionStore, database, tracer, cancel)
		cancel()
		return nil
	})

	return g.Wait()
}

// shutdown runs the graceful shutdown ladder under a bounded deadline:
// stop accepting (closing the listener and draining open requests), release
// sessions (no kill), mark processes dead, stop timers, flush the tracer,
// close the store. Past the deadline the process force-exits.
func shutdown(cfg *config.Config, log *logger.Logger, httpServer *http.Server,
	pool *worker.Pool, taskStore *tasks.Store, sessionStore *sessions.Store,
	database *db.DB, tracer *tracing.Provider, stopTimers context.CancelFunc) {

	deadline := cfg.Server.ShutdownTimeoutDuration()
	forceTimer := time.AfterFunc(deadline, func() {
		log.Error("shutdown deadline exceeded, force exiting")
		os.Exit(1)
	})
	defer forceTimer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}

	pool.ReleaseAll(taskStore)
	if err := sessionStore.MarkAllProcessesDead(); err != nil {
		log.Warn("failed to mark processes dead", zap.Error(err))
	}
	stopTimers()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}
	if err := database.Close(); err != nil {
		log.Warn("database close error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
