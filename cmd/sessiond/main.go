package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plumesky/session-agent/internal/backoff"
	"github.com/plumesky/session-agent/internal/client"
	"github.com/plumesky/session-agent/internal/config"
	"github.com/plumesky/session-agent/internal/event"
	"github.com/plumesky/session-agent/internal/health"
	"github.com/plumesky/session-agent/internal/metrics"
	"github.com/plumesky/session-agent/internal/mgmt"
	"github.com/plumesky/session-agent/internal/monitor"
	"github.com/plumesky/session-agent/internal/pool"
	"github.com/plumesky/session-agent/internal/scheduler"
	"github.com/plumesky/session-agent/internal/session"
	"github.com/plumesky/session-agent/internal/store"
	"github.com/plumesky/session-agent/pkg/kvstore"
)

// sweepFloor is the hard minimum for the adaptive monitor interval.
const sweepFloor = 30 * time.Second

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("db_path", cfg.DBPath).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("service_url", cfg.DefaultServiceURL).
		Msg("starting session daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable credential store
	kv, err := kvstore.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open credential store")
	}

	m := metrics.New()
	gateway := store.NewGateway(kv, cfg.LockWaitTimeout, m, logger)

	// One-time migration bookkeeping
	migration, err := gateway.MigrationStatus(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read migration record")
	}
	if !migration.Completed {
		if err := gateway.RecordMigrationAttempt(ctx, true); err != nil {
			logger.Fatal().Err(err).Msg("failed to record migration")
		}
		logger.Info().Int("attempts", migration.Attempts+1).Msg("store migration recorded")
	}

	bus := event.NewBus(logger)

	// Every lifecycle event lands in the log for offline diagnosis.
	bus.Subscribe(func(e event.Event) {
		logger.Debug().
			Str("event_type", e.Type).
			Str("account_id", e.AccountID).
			Str("event_error", e.Error).
			Msg("lifecycle event")
	})

	sched := scheduler.New(cfg.AccessRefreshBuffer, cfg.RefreshRefreshBuffer, logger)
	sched.StartHealthCheck(cfg.SchedulerCheckInterval)

	persistFor := func(accountID string) pool.PersistFunc {
		return func(ctx context.Context, sess store.Session) error {
			return gateway.AtomicSessionUpdate(ctx, accountID, sess)
		}
	}
	pl := pool.New(cfg.MaxClientInstances, cfg.InactivityTimeout, cfg.HTTPTimeout,
		client.NewFactory(), persistFor, m, logger)

	policy, err := backoff.NewPolicy(backoff.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid backoff config")
	}

	orch := session.New(session.Config{
		RefreshTimeout: cfg.RefreshTimeout,
		MaxFailures:    cfg.MaxRetryAttempts,
		AccessBuffer:   cfg.AccessRefreshBuffer,
		RefreshBuffer:  cfg.RefreshRefreshBuffer,
	}, gateway, sched, pl, policy, bus, m, logger)

	if err := orch.Hydrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to hydrate accounts")
	}

	mon := monitor.New(monitor.Config{
		BaseInterval:        cfg.MonitorInterval,
		MinInterval:         sweepFloor,
		MaxConcurrentChecks: cfg.MaxConcurrentChecks,
		AccessBuffer:        cfg.AccessRefreshBuffer,
	}, gateway, orch, pl, bus, m, logger)
	mon.Start()

	checker := health.NewChecker(logger)
	checker.Register("store", health.StoreCheck(kv))

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{ListenAddr: cfg.MgmtListenAddr},
		orch, mon, checker, m, logger)
	go func() {
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	mon.Stop()
	sched.Shutdown()
	orch.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	pl.Shutdown(shutdownCtx)

	if err := kv.Close(); err != nil {
		logger.Error().Err(err).Msg("credential store close error")
	}
	logger.Info().Msg("session daemon stopped")
}
