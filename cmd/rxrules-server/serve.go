package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
	"github.com/alqaisi42/medexaTPA-sub004/internal/mcp"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/blobstore"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/db"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/events"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/middleware"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the rule evaluation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()
	cfg := a.cfg

	shutdownTelemetry, err := telemetry.Setup(telemetry.Config{
		ServiceName:     "rxrules-server",
		ServiceVersion:  version,
		Environment:     cfg.Env,
		InstanceID:      cfg.InstanceID,
		MetricsEnabled:  cfg.MetricsEnabled,
		MetricsInterval: cfg.MetricsInterval,
	})
	if err != nil {
		logger.Error().Err(err).Msg("telemetry setup failed")
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry flush failed")
		}
	}()

	if a.amqp != nil {
		consumer := events.NewConsumer(a.amqp.Channel, cfg.RulesExchange, cfg.InstanceID, a.svc.Catalog(), logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("pack change consumer stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware("rxrules-server"))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.TLSEnabled}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BundleBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, mcp.BasePath+"/"))
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.HealthHandler(a.pool, a.checks...))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"version":  version,
			"instance": cfg.InstanceID,
		})
	})

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	bundles := a.bundles
	if bundles == nil {
		// Without object storage, uploaded bundles live until restart.
		mem := blobstore.NewInMemoryStore()
		a.svc.SetBundleSource(mem)
		bundles = mem
		logger.Warn().Msg("bundle store not configured, using in-memory store")
	}

	rules.NewHandler(a.svc).RegisterRoutes(apiV1)
	blobstore.NewHandler(bundles).RegisterRoutes(apiV1)

	if cfg.MCPEnabled {
		mcp.Mount(e, mcp.NewServer(a.svc, version))
		logger.Info().Str("path", mcp.BasePath).Msg("MCP tools enabled")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
