// Package resolver maps lookup tokens to file records, applying the access
// refresh and download-limit consumption of a read.
package resolver

import (
	"context"
	"time"

	"github.com/filecdn/filecdn/internal/ledger"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Options selects the side effects of a resolution.
type Options struct {
	// RefreshAccess stamps the record's last access time, even when the
	// download budget turns out to be spent.
	RefreshAccess bool
	// ConsumeDownload rejects exhausted records and spends one download
	// from limited ones.
	ConsumeDownload bool
}

var (
	// Serve resolves a fetch cache miss or a download.
	Serve = Options{RefreshAccess: true, ConsumeDownload: true}
	// Lookup is a pure existence check.
	Lookup = Options{}
)

// Resolver resolves tokens against a ledger.
type Resolver struct {
	ledger  ledger.Ledger
	now     func() time.Time
	metrics types.MetricsCollector
	logger  *utils.StructuredLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithMetrics reports resolutions and limit rejections.
func WithMetrics(m types.MetricsCollector) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver over l.
func New(l ledger.Ledger, opts ...Option) *Resolver {
	r := &Resolver{
		ledger: l,
		now:    time.Now,
		logger: utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("resolver")
	return r
}

// Resolve returns the record for token. Unknown, malformed and exhausted
// tokens all fail with FILE_NOT_FOUND. The read, touch, limit check and
// decrement happen in one ledger transaction.
func (r *Resolver) Resolve(ctx context.Context, token string, opts Options) (*ledger.FileRecord, error) {
	start := time.Now()
	rec, err := r.resolve(ctx, token, opts)
	if r.metrics != nil {
		var size int64
		if rec != nil {
			size = rec.Size
		}
		r.metrics.RecordOperation("resolve", time.Since(start), size, err == nil)
	}
	return rec, err
}

func (r *Resolver) resolve(ctx context.Context, token string, opts Options) (*ledger.FileRecord, error) {
	if _, _, err := ledger.ParseToken(token); err != nil {
		return nil, cdnerrors.NewError(cdnerrors.ErrCodeFileNotFound, "file not found").
			WithComponent("resolver").
			WithOperation("Resolve").
			WithCause(err)
	}

	rec, err := r.ledger.Access(ctx, token, r.now(), ledger.AccessOptions{
		Touch:   opts.RefreshAccess,
		Consume: opts.ConsumeDownload,
	})
	if err != nil {
		if ledger.IsExhausted(err) {
			if r.metrics != nil {
				r.metrics.RecordLimitRejection()
			}
			r.logger.Debug("download limit exhausted", map[string]interface{}{"token": token})
		}
		return nil, err
	}
	return rec, nil
}
