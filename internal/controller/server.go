package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/config"
	"github.com/viperadnan-git/gpushare/internal/controller/api"
	ctrlgrpc "github.com/viperadnan-git/gpushare/internal/controller/grpc"
	"github.com/viperadnan-git/gpushare/internal/controller/loop"
	"github.com/viperadnan-git/gpushare/internal/controller/scheduler"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
	"github.com/viperadnan-git/gpushare/internal/core/node"
	"github.com/viperadnan-git/gpushare/internal/core/process"
	"github.com/viperadnan-git/gpushare/internal/core/protection"
	"github.com/viperadnan-git/gpushare/internal/core/service"
	"github.com/viperadnan-git/gpushare/internal/core/usage"
	"github.com/viperadnan-git/gpushare/internal/database"
)

// SetupLogging applies the configured level and output format to the
// global logger.
func SetupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Debug().Str("level", cfg.Level).Str("format", cfg.Format).Msg("logging configured")
}

// NewExecutor returns the command transport for the configured hosts:
// SSH, with localhost as the current user run directly.
func NewExecutor(cfg *config.Config) (node.Executor, io.Closer, error) {
	sshExec, err := node.NewSSHExecutor(node.SSHOptions{
		KeyPath:               cfg.SSH.KeyPath,
		KnownHosts:            cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		Port:                  cfg.SSH.Port,
		Timeout:               cfg.SSH.CommandTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ssh setup: %w", err)
	}
	return node.NewRouter(node.NewLocalExecutor(cfg.SSH.CommandTimeout), sshExec), sshExec, nil
}

// NewSnapshotStore returns the configured snapshot store and its cleanup.
func NewSnapshotStore(ctx context.Context, cfg *config.Config) (monitor.SnapshotStore, func(), error) {
	switch cfg.Monitor.SnapshotStore {
	case "", "memory":
		return monitor.NewMemoryStore(), func() {}, nil
	case "redis":
		rs, err := monitor.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.SnapshotTTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close failed")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot store %q", cfg.Monitor.SnapshotStore)
	}
}

// MonitorHosts converts the configured hosts for the collector.
func MonitorHosts(cfg *config.Config) []monitor.Host {
	hosts := make([]monitor.Host, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		hosts[i] = monitor.Host{Name: h.Name, User: h.User}
	}
	return hosts
}

func NewSupervisor(exec node.Executor, cfg *config.Config) *process.Supervisor {
	return process.NewSupervisor(exec, process.Options{
		LogDir:        cfg.Supervisor.LogDir,
		SessionPrefix: cfg.Supervisor.SessionPrefix,
	})
}

// HostUsers maps each configured host to its service account.
func HostUsers(cfg *config.Config) map[string]string {
	users := make(map[string]string, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		users[h.Name] = h.User
	}
	return users
}

// NewProtection builds the reservation enforcement service, or nil when it
// is disabled.
func NewProtection(cfg *config.Config, store protection.ReservationStore, exec node.Executor, sup *process.Supervisor) (*protection.Service, error) {
	if !cfg.Protection.Enabled {
		return nil, nil
	}
	handlers, err := protection.NewHandlers(cfg.Protection.Handlers, exec, sup, HostUsers(cfg))
	if err != nil {
		return nil, err
	}
	return protection.NewService(store, handlers, protection.Options{
		IgnoredCommands: cfg.Protection.IgnoredCommands,
		Interval:        cfg.Protection.Interval,
	}), nil
}

func Run(ctx context.Context, cfg *config.Config) error {
	SetupLogging(cfg.Logging)

	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store := database.NewStore(pool)
	if _, err := database.ReconcileOnStartup(ctx, store); err != nil {
		log.Warn().Err(err).Msg("startup reconciliation failed")
	}

	bus := event.NewBus()

	exec, execCloser, err := NewExecutor(cfg)
	if err != nil {
		return err
	}
	defer execCloser.Close()

	snaps, closeSnaps, err := NewSnapshotStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	defer closeSnaps()

	collector := monitor.NewCollector(exec, MonitorHosts(cfg), snaps, bus)
	monitor.SubscribeResourceSync(bus, store)

	verifier, err := access.NewVerifier(cfg.Scheduling.Verifier, store)
	if err != nil {
		return err
	}
	accessSvc := access.NewService(verifier, store, access.Policy{
		MinDuration: cfg.Reservations.MinDuration,
		MaxDuration: cfg.Reservations.MaxDuration,
	})
	accessSvc.Subscribe(bus)

	sched, err := scheduler.New(cfg.Scheduling.Scheduler, cfg.Scheduling.FreeMinutes)
	if err != nil {
		return err
	}

	sup := NewSupervisor(exec, cfg)
	protectionSvc, err := NewProtection(cfg, store, exec, sup)
	if err != nil {
		return err
	}
	if protectionSvc != nil {
		protectionSvc.Subscribe(bus)
	}
	if cfg.Usage.Enabled {
		usage.NewLogger(store, cfg.Usage.Interval).Subscribe(bus)
	}
	service.SubscribeAudit(bus, store)

	jobSvc := service.NewJobService(store, sup, bus)
	grpcSrv := ctrlgrpc.NewServer()

	controlLoop := loop.New(store, jobSvc, snaps, verifier, sched, loop.Options{
		ThresholdMinutes:  cfg.Scheduling.FreeMinutes,
		StopAttemptsAfter: cfg.Scheduling.StopAttemptsAfter,
		MaxStopAttempts:   cfg.Scheduling.MaxStopAttempts,
		Report:            grpcSrv.ReportCycle,
	})

	e := echo.New()
	e.HideBanner = true
	api.SetupRouter(e, api.RouterConfig{
		Jobs:      jobSvc,
		History:   store,
		Snapshots: snaps,
		Validator: accessSvc,
		Bus:       bus,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go collector.Run(runCtx, cfg.Monitor.Interval)
	go controlLoop.Run(runCtx, cfg.Scheduling.Interval)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		if err := grpcSrv.Start(addr); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().
		Int("hosts", len(cfg.Hosts)).
		Str("scheduler", sched.Name()).
		Str("verifier", verifier.Name()).
		Str("snapshot_store", cfg.Monitor.SnapshotStore).
		Bool("protection", protectionSvc != nil).
		Msg("gpushare started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcSrv.Stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}
