package types

import (
	"context"
	"time"
)

// BlobStore persists payload bytes keyed by content hash and extension.
// Get and Stat fail with code BLOB_NOT_FOUND (pkg/errors) when the blob is
// absent. Delete of an absent blob succeeds.
type BlobStore interface {
	Put(ctx context.Context, key BlobKey, data []byte) error
	Get(ctx context.Context, key BlobKey) ([]byte, error)
	Delete(ctx context.Context, key BlobKey) error
	Stat(ctx context.Context, key BlobKey) (*BlobInfo, error)
	Exists(ctx context.Context, key BlobKey) (bool, error)
	HealthCheck(ctx context.Context) error
}

// Cache is the in-memory payload overlay in front of the blob store.
type Cache interface {
	Add(key string, payload []byte) bool
	Get(key string) ([]byte, bool)
	Has(key string) bool
	Delete(key string) bool
	Invalidate(key string) bool
	Clear()
	Len() int
	Bytes() int64
	// Limits reports the byte and entry ceilings.
	Limits() (maxBytes int64, maxEntries int)
	Stats() CacheStats
}

// MetricsCollector receives service level measurements.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(size int64)
	RecordCacheMiss()
	RecordEviction(reason string, size int64)
	UpdateCacheSize(bytes int64, entries int)
	RecordLimitRejection()
	RecordSweep(removed, blobErrors int, duration time.Duration, err error)
}
