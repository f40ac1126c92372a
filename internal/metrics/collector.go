package metrics

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
)

// Collector implements types.MetricsCollector on a private Prometheus registry.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	cacheRequests     *prometheus.CounterVec
	cacheBytes        prometheus.Gauge
	cacheEntries      prometheus.Gauge
	cacheEvictions    *prometheus.CounterVec
	cacheEvictedBytes *prometheus.CounterVec

	limitRejections prometheus.Counter

	sweepRuns       *prometheus.CounterVec
	sweepRemoved    prometheus.Counter
	sweepBlobErrors prometheus.Counter
	sweepDuration   prometheus.Histogram
	lastSweep       prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Path:           "/metrics",
		Namespace:      "filecdn",
		Labels:         make(map[string]string),
		RuntimeMetrics: true,
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordError counts err under the category of its error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

func (c *Collector) RecordCacheHit(size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

func (c *Collector) RecordCacheMiss() {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

func (c *Collector) RecordEviction(reason string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.WithLabelValues(reason).Inc()
	c.cacheEvictedBytes.WithLabelValues(reason).Add(float64(size))
}

func (c *Collector) UpdateCacheSize(bytes int64, entries int) {
	if !c.config.Enabled {
		return
	}
	c.cacheBytes.Set(float64(bytes))
	c.cacheEntries.Set(float64(entries))
}

func (c *Collector) RecordLimitRejection() {
	if !c.config.Enabled {
		return
	}
	c.limitRejections.Inc()
}

func (c *Collector) RecordSweep(removed, blobErrors int, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.sweepRuns.WithLabelValues(status).Inc()
	c.sweepRemoved.Add(float64(removed))
	c.sweepBlobErrors.Add(float64(blobErrors))
	c.sweepDuration.Observe(duration.Seconds())
	if err == nil {
		c.lastSweep.SetToCurrentTime()
	}
}

// GetMetrics returns a snapshot of the per-operation tracking.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation tracking. Prometheus series are
// cumulative and left untouched.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Uptime returns the time since the last reset.
func (c *Collector) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastReset)
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Total number of operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Payload size of operations in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "errors_total",
		Help: "Total number of errors by category",
	}, []string{"operation", "type"})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_requests_total",
		Help: "Total number of cache lookups",
	}, []string{"type"})

	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_size_bytes",
		Help: "Current payload bytes held in the cache",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_entries",
		Help: "Current number of cache entries",
	})

	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_evictions_total",
		Help: "Cache removals by reason",
	}, []string{"reason"})

	c.cacheEvictedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_evicted_bytes_total",
		Help: "Payload bytes removed from the cache by reason",
	}, []string{"reason"})

	c.limitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "download_limit_rejections_total",
		Help: "Requests refused because the download limit was spent",
	})

	c.sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sweep_runs_total",
		Help: "Retention sweep cycles",
	}, []string{"status"})

	c.sweepRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sweep_removed_records_total",
		Help: "Ledger records removed by retention sweeps",
	})

	c.sweepBlobErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sweep_blob_errors_total",
		Help: "Blob deletions that failed during retention sweeps",
	})

	c.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "sweep_duration_seconds",
		Help:    "Duration of retention sweeps",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	c.lastSweep = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sweep_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sweep",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.cacheRequests,
		c.cacheBytes,
		c.cacheEntries,
		c.cacheEvictions,
		c.cacheEvictedBytes,
		c.limitRejections,
		c.sweepRuns,
		c.sweepRemoved,
		c.sweepBlobErrors,
		c.sweepDuration,
		c.lastSweep,
	}
	if c.config.RuntimeMetrics {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError maps err to its CDNError category, or "other".
func classifyError(err error) string {
	var cdnErr *cdnerrors.CDNError
	if stderrors.As(err, &cdnErr) {
		return string(cdnErr.Category)
	}
	return "other"
}
