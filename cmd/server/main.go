package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"taskflow/backend/internal/api"
	"taskflow/backend/internal/app"
	"taskflow/backend/internal/config"
	"taskflow/backend/internal/definitions"
	"taskflow/backend/internal/logging"
	"taskflow/backend/internal/mcp"
	"taskflow/backend/internal/observability"
	"taskflow/backend/internal/repository"
	"taskflow/backend/internal/scheduler"
	"taskflow/backend/internal/tls"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.2.0"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:           "taskflow-server",
		Short:         "Workflow definition store and DAG execution engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(v, configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			slog.SetDefault(logger)
			logger.Info("configuration loaded", "config_file", v.ConfigFileUsed(), "environment", cfg.Environment)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("server failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("address", ":8080", "listen address")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("server.address", flags.Lookup("address"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting taskflow", "version", version)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	engine, err := app.New(ctx, app.Options{
		Store:        store,
		Workers:      cfg.Engine.MaxConcurrentTasks,
		KindSettings: cfg.KindSettings(),
		HTTPClient:   &http.Client{Transport: http.DefaultTransport},
		Scheduler: scheduler.Config{
			TrackerRetryInitial:    cfg.Engine.TrackerRetry.InitialInterval,
			TrackerRetryMaxElapsed: cfg.Engine.TrackerRetry.MaxElapsed,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if len(cfg.Preload) > 0 {
		res, err := definitions.Load(ctx, engine.Service, cfg.Preload...)
		if err != nil {
			return fmt.Errorf("failed to preload definitions: %w", err)
		}
		logger.Info("definitions preloaded", "created", res.Created, "unchanged", res.Unchanged)
	}

	e := newEcho(cfg, engine, logger)

	var sse interface{ Shutdown(context.Context) error }
	if cfg.MCP.Enable {
		mcpServer := mcp.NewServer(engine.Service, version)
		sse = mcp.MountHTTPHandlers(e, mcpServer.GetMCPServer())
		logger.Info("MCP protocol handlers mounted", "path", "/mcp/sse")
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = listenTLS(server, cfg, logger)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if sse != nil {
			errs = append(errs, sse.Shutdown(shutdownCtx))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err, server.Close())
		}
		errs = append(errs, engine.Shutdown(shutdownCtx))
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})
	return g.Wait()
}

func newEcho(cfg *config.Config, engine *app.App, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.HTTPErrorHandler()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(api.ContextLogger(logger))
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
	}))
	e.Use(otelecho.Middleware(api.ServiceName))

	health := api.NewHandler(version, engine.Service, engine.Store)
	server := api.NewServer(engine.Service, engine.Hub, health, api.WithFeedBuffer(cfg.Engine.FeedBuffer))
	api.RegisterHandlers(e, server, "")
	api.RegisterDocs(e)
	logger.Info("REST API handlers mounted")
	return e
}

func listenTLS(server *http.Server, cfg *config.Config, logger *slog.Logger) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return errors.New("tls enabled but cert_file or key_file is not set")
	}
	created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
	if err != nil {
		return fmt.Errorf("failed to prepare certificate: %w", err)
	}
	if created {
		logger.Warn("generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
	}
	return server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.Store.Driver != "postgres" {
		logger.Info("using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
	return store, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
