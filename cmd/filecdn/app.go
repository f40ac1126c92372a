package main

import (
	"context"
	"fmt"
	"io"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/config"
	"github.com/filecdn/filecdn/internal/ledger"
	"github.com/filecdn/filecdn/internal/metrics"
	"github.com/filecdn/filecdn/internal/retention"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// app holds the stores and ambient services shared by serve and sweep.
type app struct {
	cfg     *config.Configuration
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	health  *health.Tracker
	ledger  ledger.Ledger
	blobs   types.BlobStore
}

func newApp(ctx context.Context, cfg *config.Configuration) (*app, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	collector, err := metrics.NewCollector(&cfg.Monitoring.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	tracker := health.NewTracker(cfg.Monitoring.Health)
	hlog := logger.WithComponent("health")
	tracker.AddStateChangeCallback(func(component string, oldState, newState health.HealthState, err error) {
		fields := map[string]interface{}{
			"component": component,
			"from":      oldState.String(),
			"to":        newState.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		hlog.Warn("component health changed", fields)
	})

	l, err := ledger.Open(cfg.Ledger, logger)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	blobs, err := blobstore.New(ctx, cfg.Storage, logger)
	if err != nil {
		_ = l.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	tracker.RegisterComponent(health.ComponentLedger, l.HealthCheck)
	tracker.RegisterComponent(health.ComponentBlobStore, blobs.HealthCheck)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		health:  tracker,
		ledger:  l,
		blobs:   blobs,
	}, nil
}

func (a *app) newSweeper(opts ...retention.Option) *retention.Sweeper {
	a.health.RegisterComponent(health.ComponentSweeper, nil)
	opts = append([]retention.Option{
		retention.WithMetrics(a.metrics),
		retention.WithHealth(a.health),
		retention.WithLogger(a.logger),
	}, opts...)
	return retention.New(a.cfg.Retention, a.ledger, a.blobs, opts...)
}

// Close releases the stores and flushes the logger.
func (a *app) Close() {
	if c, ok := a.blobs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close blob store", map[string]interface{}{"error": err})
		}
	}
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("failed to close ledger", map[string]interface{}{"error": err})
	}
	_ = a.logger.Sync()
	_ = a.logger.Close()
}
