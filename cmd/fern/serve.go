package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/logstream"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	fernredis "github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/source"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion control plane HTTP service",
	Long:  "Connects to PostgreSQL, applies migrations, recovers interrupted batches and serves the /api control plane.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	a.addDatabase(true)
	a.addServices()
	if err := a.startup.Start(ctx); err != nil {
		return err
	}

	c := a.core()
	logs := logstream.NewBroadcaster(a.cfg.LogBufferSize)

	downloader := source.NewDownloader(a.logger, &http.Client{}, source.DownloaderConfig{
		Dir:        a.cfg.DownloadDir,
		MaxRetries: a.cfg.DownloadMaxRetries,
		Timeout:    a.cfg.DownloadTimeout,
	})
	supplier := source.NewSupplier(a.logger, downloader, a.cfg.DownloadConcurrency)
	ldr := loader.NewLoader(a.logger, c.staging, loader.ChunkSizes{
		models.KindCompany:   a.cfg.CompanyChunkSize,
		models.KindOfficer:   a.cfg.OfficerChunkSize,
		models.KindFinancial: a.cfg.FinancialChunkSize,
	})

	var lease ingestion.Lease
	if a.redis != nil {
		lease = fernredis.NewLease(a.redis, a.cfg.LeaseKey, a.cfg.LeaseTTL)
	}
	orchestrator := ingestion.NewOrchestrator(a.logger, c.batches, supplier, ldr, lease, logs, a.publisher())
	if err := orchestrator.Recover(ctx); err != nil {
		return err
	}

	discovery := source.NewDiscovery(a.logger, &http.Client{Timeout: time.Minute}, a.cfg.DiscoveryBaseURL)

	checker := health.NewChecker(Version)
	checker.AddCheck("database", a.db)
	if a.redis != nil {
		checker.AddOptionalCheck("redis", health.PingFunc(a.redis.Ping))
	}
	if a.producer != nil {
		checker.AddOptionalCheck("kafka", health.PingFunc(func(ctx context.Context) error {
			return pingKafka(ctx, a.cfg.KafkaBrokers)
		}))
	}

	e := a.newEcho(checker)
	api := e.Group("/api")
	handlers.NewIngestionHandler(a.logger, orchestrator, c.production, c.staging,
		time.Duration(a.cfg.LogHeartbeatSeconds)*time.Second).RegisterRoutes(api)
	handlers.NewBatchHandler(c.validator, c.engine).RegisterRoutes(api)
	handlers.NewDiscoveryHandler(discovery).RegisterRoutes(api)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	checker.SetReady(true)

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		a.logger.WithError(serveErr).Error("HTTP server failed")
	}
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// the worker checkpoints and marks the batch stopped so it can be resumed
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Ingestion worker did not stop before the shutdown timeout")
	}
	// closing the broadcaster ends open log streams so the server can drain
	logs.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Failed to shut down HTTP server")
	}

	return serveErr
}

func (a *app) newEcho(checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID, middleware.HeaderOperator},
	}))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
