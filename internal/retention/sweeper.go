// Package retention retires stale, time-boxed and exhausted file records
// together with their blobs.
package retention

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/ledger"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Config controls the sweep schedule and the expiry policy.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// StaleAfter expires records not accessed for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
	// GraceWindow expires download-limited records this long after creation.
	GraceWindow time.Duration `yaml:"grace_window"`
	// RunOnStart sweeps once before the first tick.
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig sweeps daily with the default policy.
func DefaultConfig() Config {
	p := ledger.DefaultPolicy()
	return Config{
		Enabled:     true,
		Interval:    24 * time.Hour,
		StaleAfter:  p.StaleAfter,
		GraceWindow: p.GraceWindow,
		RunOnStart:  true,
	}
}

// Policy returns the ledger expiry policy.
func (c Config) Policy() ledger.Policy {
	return ledger.Policy{StaleAfter: c.StaleAfter, GraceWindow: c.GraceWindow}
}

// Invalidator drops cached payloads by token.
type Invalidator interface {
	Invalidate(key string) bool
}

// Result summarises one sweep.
type Result struct {
	Removed    int           `json:"removed"`
	BlobErrors int           `json:"blob_errors"`
	Duration   time.Duration `json:"duration"`
}

// Sweeper periodically removes expired records.
type Sweeper struct {
	config  Config
	ledger  ledger.Ledger
	blobs   types.BlobStore
	cache   Invalidator
	guard   *blobstore.Guard
	metrics types.MetricsCollector
	health  *health.Tracker
	logger  *utils.StructuredLogger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithCache(c Invalidator) Option { return func(s *Sweeper) { s.cache = c } }

// WithGuard shares g with the upload path so a blob re-uploaded during a
// sweep survives it.
func WithGuard(g *blobstore.Guard) Option { return func(s *Sweeper) { s.guard = g } }

func WithMetrics(m types.MetricsCollector) Option { return func(s *Sweeper) { s.metrics = m } }
func WithHealth(h *health.Tracker) Option { return func(s *Sweeper) { s.health = h } }
func WithLogger(l *utils.StructuredLogger) Option { return func(s *Sweeper) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New creates a sweeper. Zero durations in cfg fall back to the defaults.
func New(cfg Config, l ledger.Ledger, blobs types.BlobStore, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}

	s := &Sweeper{
		config: cfg,
		ledger: l,
		blobs:  blobs,
		logger: utils.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = blobstore.NewGuard()
	}
	s.logger = s.logger.WithComponent("sweeper")
	return s
}

// Start runs a sweep immediately (when RunOnStart is set) and then every
// Interval until ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return cdnerrors.NewError(cdnerrors.ErrCodeAlreadyStarted, "sweeper already running").
			WithComponent("sweeper")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)

	s.logger.Info("retention sweeper started", map[string]interface{}{
		"interval":     s.config.Interval.String(),
		"stale_after":  s.config.StaleAfter.String(),
		"grace_window": s.config.GraceWindow.String(),
	})
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.config.RunOnStart {
		s.runCycle(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle isolates one sweep so a failure or panic never stops the loop.
func (s *Sweeper) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := cdnerrors.NewError(cdnerrors.ErrCodePanicRecovered, fmt.Sprintf("sweep panicked: %v", r)).
				WithComponent("sweeper")
			s.logger.Error("sweep panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			s.recordHealth(err)
		}
	}()

	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", map[string]interface{}{"error": err})
	}
}

// SweepOnce removes every record matching the policy at the current time in
// one bulk ledger delete, then drops the cache entries and blobs of exactly
// the removed rows. Blob deletion is best effort. Running it again right
// away removes nothing.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.now()
	policy := s.config.Policy()

	res, err := s.sweep(ctx, now, policy)
	res.Duration = time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordSweep(res.Removed, res.BlobErrors, res.Duration, err)
	}
	s.recordHealth(err)

	if err == nil {
		s.logger.Info("sweep complete", map[string]interface{}{
			"removed":     res.Removed,
			"blob_errors": res.BlobErrors,
			"duration":    res.Duration.String(),
		})
	}
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time, policy ledger.Policy) (Result, error) {
	var res Result

	removed, err := s.ledger.BulkDeleteExpired(ctx, now, policy)
	if err != nil {
		return res, fmt.Errorf("bulk delete expired records: %w", err)
	}
	res.Removed = len(removed)

	for _, rec := range removed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.BlobErrors += s.retire(ctx, rec)
	}
	return res, nil
}

// retire drops the cache entry and the blob of a removed record, returning 1
// when the blob could not be released. The blob stays when a newer record of
// the same content stores its bytes there.
func (s *Sweeper) retire(ctx context.Context, rec *ledger.FileRecord) int {
	if s.cache != nil {
		s.cache.Invalidate(rec.Token())
	}
	if s.blobs == nil {
		return 0
	}

	unlock := s.guard.Lock(rec.ContentHash)
	defer unlock()

	key := rec.BlobKey()
	inUse, err := ledger.BlobInUse(ctx, s.ledger, key)
	if err == nil && inUse {
		return 0
	}
	if err == nil {
		err = s.blobs.Delete(ctx, key)
	}
	if err != nil {
		s.logger.Warn("failed to delete blob of expired record", map[string]interface{}{
			"token": rec.Token(),
			"blob":  key.String(),
			"error": err,
		})
		return 1
	}
	return 0
}

func (s *Sweeper) recordHealth(err error) {
	if s.health == nil {
		return
	}
	if err != nil {
		s.health.RecordError(health.ComponentSweeper, err)
	} else {
		s.health.RecordSuccess(health.ComponentSweeper)
	}
}
