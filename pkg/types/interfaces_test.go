package types

import (
	"context"
	"testing"
	"time"
)

func TestInterfaces(t *testing.T) {
	var (
		_ BlobStore        = (*mockBlobStore)(nil)
		_ MetricsCollector = (*mockMetrics)(nil)
	)
}

func TestBlobKeyString(t *testing.T) {
	tests := []struct {
		key  BlobKey
		want string
	}{
		{BlobKey{Hash: "ab12", Ext: "png"}, "ab12.png"},
		{BlobKey{Hash: "ab12"}, "ab12"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

type mockBlobStore struct{}

func (m *mockBlobStore) Put(ctx context.Context, key BlobKey, data []byte) error { return nil }
func (m *mockBlobStore) Get(ctx context.Context, key BlobKey) ([]byte, error)   { return nil, nil }
func (m *mockBlobStore) Delete(ctx context.Context, key BlobKey) error          { return nil }
func (m *mockBlobStore) Stat(ctx context.Context, key BlobKey) (*BlobInfo, error) {
	return nil, nil
}
func (m *mockBlobStore) Exists(ctx context.Context, key BlobKey) (bool, error) { return false, nil }
func (m *mockBlobStore) HealthCheck(ctx context.Context) error                  { return nil }

type mockMetrics struct{}

func (m *mockMetrics) RecordOperation(string, time.Duration, int64, bool)   {}
func (m *mockMetrics) RecordCacheHit(int64)                                 {}
func (m *mockMetrics) RecordCacheMiss()                                     {}
func (m *mockMetrics) RecordEviction(string, int64)                         {}
func (m *mockMetrics) UpdateCacheSize(int64, int)                           {}
func (m *mockMetrics) RecordLimitRejection()                                {}
func (m *mockMetrics) RecordSweep(int, int, time.Duration, error)           {}
