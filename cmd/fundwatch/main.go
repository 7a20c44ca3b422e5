// Command fundwatch runs the fund refresh engine and its control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/fundwatch/internal/config"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/infra/bus/eventbus"
	"github.com/coachpo/fundwatch/internal/infra/persistence"
	"github.com/coachpo/fundwatch/internal/infra/persistence/filestore"
	"github.com/coachpo/fundwatch/internal/infra/persistence/migrations"
	"github.com/coachpo/fundwatch/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/fundwatch/internal/infra/server/http"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/refresh"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "fundwatch "
	poolName                 = "fundwatch"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	observability.SetLogger(observability.NewStdLogger(logger, observability.ParseLevel(appCfg.Logging.Level)))
	logger.Printf("configuration initialised: env=%s, storage=%s, window=%d, correlation=%s, overlap=%s",
		appCfg.Environment, appCfg.Storage.Driver, appCfg.Refresh.WindowSize, appCfg.Refresh.Correlation, appCfg.Refresh.Overlap)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	repo, err := openRepository(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("open fund store: %v", err)
	}

	var lifecycle conc.WaitGroup

	bus := eventbus.NewMemoryBus(appCfg.BusConfig())
	coordinator, transport := newCoordinator(appCfg, repo, bus)

	fixed, err := coordinator.Reset(ctx)
	if err != nil {
		logger.Fatalf("reset updating flags: %v", err)
	}
	if fixed > 0 {
		logger.Printf("cleared stale updating flags: %d", fixed)
	}

	if interval := appCfg.Refresh.AutoInterval; interval > 0 {
		lifecycle.Go(func() { coordinator.RunAuto(ctx, interval) })
		logger.Printf("auto refresh enabled: every %s", interval)
	}

	handler := httpserver.NewHandler(httpserver.Deps{
		Engine:         coordinator,
		Funds:          repo,
		Groups:         repo,
		Bus:            bus,
		Environment:    string(appCfg.Environment),
		OriginPatterns: appCfg.APIServer.AllowedOrigins,
		BaseContext:    ctx,
	})
	apiServer := buildAPIServer(appCfg.APIServer, handler)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("fundwatch started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		coordinator:   coordinator,
		transport:     transport,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		handler:       handler,
		bus:           bus,
		store:         repo,
		telemetry:     telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetryConfig(telemetry.DefaultConfig())

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// openRepository builds the fund store selected by storage.driver. The
// postgres driver migrates the schema first when database.runMigrations is set.
func openRepository(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (fund.Repository, error) {
	switch appCfg.Storage.Driver {
	case config.StorageMemory:
		logger.Print("fund store: memory (state is lost on exit)")
		return fund.NewMemoryStore(), nil
	case config.StorageFile:
		store, err := filestore.Open(appCfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		logger.Printf("fund store: file %s", store.Path())
		return store, nil
	case config.StoragePostgres:
		opts := appCfg.PoolOptions()
		if appCfg.Database.RunMigrations {
			if err := migrations.Apply(ctx, opts.DSN, appCfg.Database.MigrationsDir, logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		conn, err := persistence.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		postgres.ObservePoolMetrics(conn.Pool(), poolName)
		logger.Print("fund store: postgres")
		return postgres.New(conn.Pool()), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", appCfg.Storage.Driver)
	}
}

func newCoordinator(appCfg config.AppConfig, repo fund.Store, bus eventbus.Bus) (*refresh.Coordinator, *refresh.JSONPTransport) {
	registry := refresh.NewRegistry()
	transport := refresh.NewJSONPTransport(appCfg.TransportConfig(), registry, &http.Client{Timeout: appCfg.Provider.HTTPTimeout})
	return refresh.NewCoordinator(repo, transport, registry, appCfg.EngineConfig(), refresh.WithPublisher(bus)), transport
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	coordinator   *refresh.Coordinator
	transport     *refresh.JSONPTransport
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	handler       *httpserver.Handler
	bus           eventbus.Bus
	store         fund.Repository
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	waitFor := func(stepCtx context.Context, wait func()) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownStep("stopping control server", timeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.coordinator != nil {
		rejected := cfg.coordinator.Cancel()
		logger.Printf("shutdown: refreshes cancelled, pending rejected=%d", rejected)
	}

	if cfg.transport != nil {
		shutdownStep("draining provider loads", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.transport.Close)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil || cfg.handler != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() {
				if cfg.lifecycle != nil {
					cfg.lifecycle.Wait()
				}
				if cfg.handler != nil {
					cfg.handler.Wait()
				}
			})
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.store != nil {
		shutdownStep("closing fund store", storeShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
