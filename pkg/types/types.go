package types

import (
	"fmt"
	"time"
)

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Entries     int     `json:"entries"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// BlobKey addresses a stored payload by content hash and file extension.
type BlobKey struct {
	Hash string `json:"hash"`
	Ext  string `json:"ext"`
}

// String returns the storage name "<hash>.<ext>", or the bare hash when
// there is no extension.
func (k BlobKey) String() string {
	if k.Ext == "" {
		return k.Hash
	}
	return fmt.Sprintf("%s.%s", k.Hash, k.Ext)
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key          BlobKey   `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}
