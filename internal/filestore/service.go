package filestore

import (
	"context"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/cache"
	"github.com/filecdn/filecdn/internal/ledger"
	"github.com/filecdn/filecdn/internal/resolver"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// DefaultMaxUploadBytes is the upload ceiling, 100MB.
const DefaultMaxUploadBytes = 100 << 20

// Config tunes the service.
type Config struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// EnforceLimitsOnHit resolves, and so consumes, on every cache hit
	// instead of only on misses.
	EnforceLimitsOnHit bool `yaml:"enforce_limits_on_hit"`
	// WarmFraction of the cache entry ceiling is filled at start.
	WarmFraction float64 `yaml:"warm_fraction"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		MaxUploadBytes: DefaultMaxUploadBytes,
		WarmFraction:   0.5,
	}
}

// UploadRequest is a sanitised upload.
type UploadRequest struct {
	Name          string
	Ext           string
	Data          []byte
	DownloadLimit *int64
}

// UploadResult reports the token of the stored or matched record.
type UploadResult struct {
	Token  string
	Record *ledger.FileRecord
	// Deduplicated is set when identical content was already stored.
	Deduplicated bool
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Cache   types.CacheStats `json:"cache"`
	Records int              `json:"records"`
}

// Service composes the cache, ledger, blob store and resolver.
type Service struct {
	config   Config
	ledger   ledger.Ledger
	blobs    types.BlobStore
	cache    types.Cache
	resolver *resolver.Resolver
	metrics  types.MetricsCollector
	health   *health.Tracker
	guard    *blobstore.Guard
	logger   *utils.StructuredLogger
	now      func() time.Time

	fetches singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics reports operations and cache activity.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHealth records store failures against the ledger and blobstore components.
func WithHealth(h *health.Tracker) Option {
	return func(s *Service) { s.health = h }
}

// WithGuard shares g with other deleters of blobs, such as the sweeper.
func WithGuard(g *blobstore.Guard) Option {
	return func(s *Service) { s.guard = g }
}

func WithLogger(l *utils.StructuredLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(cfg Config, l ledger.Ledger, blobs types.BlobStore, c types.Cache, opts ...Option) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.WarmFraction < 0 || cfg.WarmFraction > 1 {
		cfg.WarmFraction = DefaultConfig().WarmFraction
	}

	s := &Service{
		config: cfg,
		ledger: l,
		blobs:  blobs,
		cache:  c,
		logger: utils.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = blobstore.NewGuard()
	}
	s.logger = s.logger.WithComponent("filestore")

	ropts := []resolver.Option{resolver.WithClock(s.now), resolver.WithLogger(s.logger)}
	if s.metrics != nil {
		ropts = append(ropts, resolver.WithMetrics(s.metrics))
	}
	s.resolver = resolver.New(l, ropts...)
	return s
}

// NewCache builds the payload cache with evictions reported to m.
func NewCache(cfg cache.Config, m types.MetricsCollector) *cache.BoundedCache {
	if m == nil {
		return cache.NewBounded(cfg)
	}
	return cache.NewBounded(cfg, cache.WithEvictionCallback(func(_ string, size int64, reason cache.EvictionReason) {
		m.RecordEviction(string(reason), size)
	}))
}

// Cache returns the payload cache.
func (s *Service) Cache() types.Cache { return s.cache }

// MaxUploadBytes returns the upload ceiling.
func (s *Service) MaxUploadBytes() int64 { return s.config.MaxUploadBytes }

// Upload stores req unless identical content is already stored, in which
// case the existing token is returned with Deduplicated set.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	start := time.Now()
	defer func() { s.record("upload", start, int64(len(req.Data)), err) }()

	if err := s.validateUpload(req); err != nil {
		return nil, err
	}
	hash := digest.FromBytes(req.Data).Encoded()

	unlock := s.guard.Lock(hash)
	defer unlock()

	if rec, ok, err := s.existing(ctx, hash); err != nil {
		return nil, err
	} else if ok {
		s.restoreBlob(ctx, rec, req.Data)
		return &UploadResult{Token: rec.Token(), Record: rec, Deduplicated: true}, nil
	}

	key := types.BlobKey{Hash: hash, Ext: req.Ext}
	if err := s.blobs.Put(ctx, key, req.Data); err != nil {
		s.observe(health.ComponentBlobStore, err)
		return nil, err
	}
	s.observe(health.ComponentBlobStore, nil)

	rec, existed, err := s.ledger.Insert(ctx, ledger.NewRecord{
		Name:          req.Name,
		Ext:           req.Ext,
		ContentHash:   hash,
		Size:          int64(len(req.Data)),
		DownloadLimit: req.DownloadLimit,
	}, s.now())
	s.observe(health.ComponentLedger, err)
	if err != nil {
		return nil, err
	}

	if existed && rec.BlobKey() != key {
		// A concurrent upload of the same bytes won under another extension.
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to remove duplicate blob", map[string]interface{}{
				"blob":  key.String(),
				"error": err,
			})
		}
	}

	s.logger.Info("file stored", map[string]interface{}{
		"token":        rec.Token(),
		"size":         rec.Size,
		"deduplicated": existed,
	})
	return &UploadResult{Token: rec.Token(), Record: rec, Deduplicated: existed}, nil
}

// restoreBlob rewrites the blob behind rec when it has gone missing. The
// uploaded bytes hash to rec's content hash, so they are the same blob.
func (s *Service) restoreBlob(ctx context.Context, rec *ledger.FileRecord, data []byte) {
	key := rec.BlobKey()
	ok, err := s.blobs.Exists(ctx, key)
	if err != nil || ok {
		s.observe(health.ComponentBlobStore, err)
		return
	}
	if err := s.blobs.Put(ctx, key, data); err != nil {
		s.observe(health.ComponentBlobStore, err)
		s.logger.Warn("failed to restore missing blob", map[string]interface{}{
			"blob":  key.String(),
			"error": err,
		})
		return
	}
	s.logger.Warn("restored missing blob", map[string]interface{}{"blob": key.String()})
}

func (s *Service) validateUpload(req UploadRequest) error {
	switch {
	case int64(len(req.Data)) > s.config.MaxUploadBytes:
		return cdnerrors.NewError(cdnerrors.ErrCodeLimitExceeded, "payload too large").
			WithComponent("filestore").
			WithDetail("max_bytes", s.config.MaxUploadBytes)
	case len(req.Data) == 0:
		return validation("file body is required")
	case req.Name == "":
		return validation("name is required")
	case req.Ext == "":
		return validation("extension is required")
	case SanitizeName(req.Name) != req.Name:
		return validation("name may only contain letters, digits, '_' and '-'")
	case SanitizeExt(req.Ext) != req.Ext:
		return validation("extension may only contain letters and digits")
	case req.DownloadLimit != nil && *req.DownloadLimit < 0:
		return validation("download limit must be non-negative")
	}
	return nil
}

func validation(msg string) error {
	return cdnerrors.NewError(cdnerrors.ErrCodeValidationFailed, msg).WithComponent("filestore")
}

// existing returns the live record already holding hash, if any.
func (s *Service) existing(ctx context.Context, hash string) (*ledger.FileRecord, bool, error) {
	token, err := s.ledger.FindByContentHash(ctx, hash)
	if cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.observe(health.ComponentLedger, err)
		return nil, false, err
	}
	rec, err := s.ledger.FindByLookupToken(ctx, token)
	if cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Exhausted() {
		return nil, false, nil
	}
	return rec, true, nil
}

// Fetch returns the payload for token, from the cache when possible. A miss
// resolves with access refresh and limit consumption and then fills the
// cache. Concurrent misses for one token share a single resolution.
func (s *Service) Fetch(ctx context.Context, token string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.record("fetch", start, int64(len(data)), err) }()

	if payload, ok := s.cache.Get(token); ok {
		if s.metrics != nil {
			s.metrics.RecordCacheHit(int64(len(payload)))
		}
		if s.config.EnforceLimitsOnHit {
			if _, err := s.resolver.Resolve(ctx, token, resolver.Serve); err != nil {
				if cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
					s.cache.Invalidate(token)
				}
				return nil, err
			}
		}
		return payload, nil
	}
	if s.metrics != nil {
		s.metrics.RecordCacheMiss()
	}

	ch := s.fetches.DoChan(token, func() (interface{}, error) {
		// The shared load outlives any one waiter's cancellation.
		return s.load(context.WithoutCancel(ctx), token)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

func (s *Service) load(ctx context.Context, token string) ([]byte, error) {
	rec, err := s.resolver.Resolve(ctx, token, resolver.Serve)
	if err != nil {
		if !cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
			s.observe(health.ComponentLedger, err)
		}
		return nil, err
	}
	data, err := s.readBlob(ctx, rec)
	if err != nil {
		return nil, err
	}
	if s.cache.Add(token, data) {
		// Delete and the sweeper remove the row before invalidating. Checking
		// the row after the add means one side always sees the other.
		if _, err := s.ledger.FindByLookupToken(ctx, token); err != nil {
			s.cache.Invalidate(token)
			if cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
				return nil, err
			}
			s.observe(health.ComponentLedger, err)
		}
		if s.metrics != nil {
			s.metrics.UpdateCacheSize(s.cache.Bytes(), s.cache.Len())
		}
	}
	return data, nil
}

// readBlob maps a missing blob to FILE_NOT_FOUND.
func (s *Service) readBlob(ctx context.Context, rec *ledger.FileRecord) ([]byte, error) {
	data, err := s.blobs.Get(ctx, rec.BlobKey())
	if cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound) {
		s.logger.Warn("record has no blob", map[string]interface{}{
			"token": rec.Token(),
			"blob":  rec.BlobKey().String(),
		})
		return nil, cdnerrors.NewError(cdnerrors.ErrCodeFileNotFound, "file not found").
			WithComponent("filestore").
			WithCause(err)
	}
	s.observe(health.ComponentBlobStore, err)
	return data, err
}

// Download resolves token with consumption and reads the blob, never
// touching the cache.
func (s *Service) Download(ctx context.Context, token string) (rec *ledger.FileRecord, data []byte, err error) {
	start := time.Now()
	defer func() { s.record("download", start, int64(len(data)), err) }()

	rec, err = s.resolver.Resolve(ctx, token, resolver.Serve)
	if err != nil {
		return nil, nil, err
	}
	data, err = s.readBlob(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// Delete removes the record, its cache entry and its blob. A missing blob
// is not an error.
func (s *Service) Delete(ctx context.Context, token string) (err error) {
	start := time.Now()
	defer func() { s.record("delete", start, 0, err) }()

	rec, err := s.resolver.Resolve(ctx, token, resolver.Lookup)
	if err != nil {
		return err
	}

	unlock := s.guard.Lock(rec.ContentHash)
	defer unlock()

	if err := s.ledger.DeleteByToken(ctx, token); err != nil {
		s.observe(health.ComponentLedger, err)
		return err
	}
	s.cache.Invalidate(token)
	if s.metrics != nil {
		s.metrics.UpdateCacheSize(s.cache.Bytes(), s.cache.Len())
	}

	if err := s.releaseBlob(ctx, rec.BlobKey()); err != nil {
		s.logger.Warn("failed to delete blob", map[string]interface{}{
			"token": token,
			"blob":  rec.BlobKey().String(),
			"error": err,
		})
	}
	s.logger.Info("file deleted", map[string]interface{}{"token": token})
	return nil
}

// releaseBlob deletes the blob under key unless a newer record of the same
// content still stores its bytes there. The caller holds the guard for
// key.Hash.
func (s *Service) releaseBlob(ctx context.Context, key types.BlobKey) error {
	inUse, err := ledger.BlobInUse(ctx, s.ledger, key)
	if err != nil {
		s.observe(health.ComponentLedger, err)
		return err
	}
	if inUse {
		return nil
	}
	err = s.blobs.Delete(ctx, key)
	s.observe(health.ComponentBlobStore, err)
	return err
}

// WarmStart fills the cache with the most recently accessed records, up to
// WarmFraction of the entry ceiling. Records whose blob is gone are removed
// from the ledger. It returns the number of entries loaded.
func (s *Service) WarmStart(ctx context.Context) (int, error) {
	_, maxEntries := s.cache.Limits()
	n := int(float64(maxEntries) * s.config.WarmFraction)
	if n <= 0 {
		return 0, nil
	}

	recs, err := s.ledger.RecentlyAccessed(ctx, n)
	if err != nil {
		return 0, err
	}

	loaded, pruned := 0, 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if rec.Exhausted() {
			continue
		}
		data, err := s.blobs.Get(ctx, rec.BlobKey())
		if cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound) {
			if err := s.ledger.DeleteByToken(ctx, rec.Token()); err != nil && !cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound) {
				return loaded, err
			}
			pruned++
			continue
		}
		if err != nil {
			s.logger.Warn("warm start skipped record", map[string]interface{}{
				"token": rec.Token(),
				"error": err,
			})
			continue
		}
		if s.cache.Add(rec.Token(), data) {
			loaded++
		}
	}

	if s.metrics != nil {
		s.metrics.UpdateCacheSize(s.cache.Bytes(), s.cache.Len())
	}
	s.logger.Info("cache warmed", map[string]interface{}{
		"loaded": loaded,
		"pruned": pruned,
		"bytes":  utils.FormatBytes(s.cache.Bytes()),
	})
	return loaded, nil
}

// Stats reports cache statistics and the ledger record count.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.ledger.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Cache: s.cache.Stats(), Records: n}, nil
}

func (s *Service) record(op string, start time.Time, size int64, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	}
	if err != nil && !isClientError(err) && !ctxErr(err) {
		s.logger.Error(op+" failed", map[string]interface{}{"error": err})
	}
}

func isClientError(err error) bool {
	status := cdnerrors.HTTPStatusOf(err)
	return status >= 400 && status < 500
}

// observe feeds store outcomes to the health tracker. Lookup misses and
// cancellations say nothing about store health.
func (s *Service) observe(component string, err error) {
	if s.health == nil {
		return
	}
	switch {
	case err == nil:
		s.health.RecordSuccess(component)
	case isClientError(err), ctxErr(err):
	default:
		s.health.RecordError(component, err)
	}
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
