package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/filestore"
	"github.com/filecdn/filecdn/internal/retention"
	"github.com/filecdn/filecdn/pkg/api"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP file server",
	Long: `Serve uploads, fetches, downloads and deletes over HTTP.

The cache is warmed from the most recently accessed files, the retention
sweeper runs immediately and then on its interval, and SIGINT or SIGTERM
trigger a graceful shutdown.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		return err
	}
	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		return err
	}
	payloads := filestore.NewCache(cacheCfg, a.metrics)
	guard := blobstore.NewGuard()
	svc := filestore.New(svcCfg, a.ledger, a.blobs, payloads,
		filestore.WithMetrics(a.metrics),
		filestore.WithHealth(a.health),
		filestore.WithGuard(guard),
		filestore.WithLogger(logger),
	)

	if _, err := svc.WarmStart(ctx); err != nil {
		logger.Warn("cache warm start incomplete", map[string]interface{}{"error": err})
	}

	sweeper := a.newSweeper(retention.WithCache(payloads), retention.WithGuard(guard))
	if cfg.Retention.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	go a.health.StartHealthChecks(ctx)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.Server.Addr
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.IdleTimeout = cfg.Server.IdleTimeout
	serverCfg.AccessKey = cfg.Server.AccessKey
	serverCfg.EnableStats = cfg.Server.ExposeStats
	serverCfg.MetricsPath = cfg.Monitoring.Metrics.Path

	opts := []api.Option{api.WithLogger(logger)}
	if cfg.Monitoring.Metrics.Enabled {
		opts = append(opts, api.WithMetricsHandler(a.metrics.Handler()))
	}
	server := api.NewServer(serverCfg, svc, a.health, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return cdnerrors.Wrap(err, cdnerrors.ErrCodeConnectionFailed, "HTTP server failed").WithComponent("api")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
