package retention

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/cache"
	"github.com/filecdn/filecdn/internal/ledger"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func limit(n int64) *int64 { return &n }

type fixture struct {
	ledger ledger.Ledger
	blobs  types.BlobStore
	cache  *cache.BoundedCache
}

func newFixture(t *testing.T, blobs types.BlobStore) *fixture {
	t.Helper()
	l, err := ledger.OpenBadger(ledger.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	if blobs == nil {
		disk, err := blobstore.NewDiskStore(blobstore.DiskConfig{Dir: t.TempDir(), ShardPrefixLen: 2}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = disk.Close() })
		blobs = disk
	}
	return &fixture{ledger: l, blobs: blobs, cache: cache.NewBounded(cache.DefaultConfig())}
}

// put stores content created at createdAt and caches it.
func (f *fixture) put(t *testing.T, content string, createdAt time.Time, lim *int64) *ledger.FileRecord {
	t.Helper()
	ctx := context.Background()
	data := []byte(content)
	rec, _, err := f.ledger.Insert(ctx, ledger.NewRecord{
		Name:          content,
		Ext:           "txt",
		ContentHash:   blobstore.HashOf(data),
		Size:          int64(len(data)),
		DownloadLimit: lim,
	}, createdAt)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(ctx, rec.BlobKey(), data))
	f.cache.Add(rec.Token(), data)
	return rec
}

func (f *fixture) sweeper(opts ...Option) *Sweeper {
	opts = append([]Option{WithCache(f.cache), WithClock(func() time.Time { return now })}, opts...)
	return New(DefaultConfig(), f.ledger, f.blobs, opts...)
}

func TestSweepOnce_RemovesExactlyMatchingRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	stale := f.put(t, "stale", now.Add(-61*24*time.Hour), nil)
	graced := f.put(t, "graced", now.Add(-25*time.Hour), limit(5))
	spent := f.put(t, "spent", now.Add(-time.Hour), limit(0))
	fresh := f.put(t, "fresh", now.Add(-time.Hour), nil)
	young := f.put(t, "young", now.Add(-time.Hour), limit(2))

	// Old but recently read records are not stale.
	revived := f.put(t, "revived", now.Add(-90*24*time.Hour), nil)
	require.NoError(t, f.ledger.TouchAccess(ctx, revived.Token(), now.Add(-time.Hour)))

	res, err := f.sweeper().SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Removed)
	assert.Equal(t, 0, res.BlobErrors)

	for _, gone := range []*ledger.FileRecord{stale, graced, spent} {
		_, err := f.ledger.FindByLookupToken(ctx, gone.Token())
		assert.True(t, cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound), gone.Name)
		ok, err := f.blobs.Exists(ctx, gone.BlobKey())
		require.NoError(t, err)
		assert.False(t, ok, "blob of %s deleted", gone.Name)
		assert.False(t, f.cache.Has(gone.Token()), "cache entry of %s invalidated", gone.Name)
	}
	for _, kept := range []*ledger.FileRecord{fresh, young, revived} {
		_, err := f.ledger.FindByLookupToken(ctx, kept.Token())
		assert.NoError(t, err, kept.Name)
		ok, err := f.blobs.Exists(ctx, kept.BlobKey())
		require.NoError(t, err)
		assert.True(t, ok, kept.Name)
		assert.True(t, f.cache.Has(kept.Token()), kept.Name)
	}
}

func TestSweepOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.put(t, "stale", now.Add(-61*24*time.Hour), nil)

	s := f.sweeper()
	first, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Removed)

	second, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Duration: second.Duration}, second)
}

func TestSweepOnce_KeepsBlobOfNewerRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	spent := f.put(t, "shared", now.Add(-time.Hour), limit(0))
	// Identical bytes uploaded again once the first record ran out.
	fresh := f.put(t, "shared", now.Add(-time.Minute), limit(3))
	require.NotEqual(t, spent.Token(), fresh.Token())
	require.Equal(t, spent.BlobKey(), fresh.BlobKey())

	res, err := f.sweeper().SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0, res.BlobErrors)

	ok, err := f.blobs.Exists(ctx, fresh.BlobKey())
	require.NoError(t, err)
	assert.True(t, ok, "blob still backs the fresh record")
	_, err = f.ledger.FindByLookupToken(ctx, fresh.Token())
	assert.NoError(t, err)
}

// readDuringSweep refreshes a record just before the bulk delete runs.
type readDuringSweep struct {
	ledger.Ledger
	token string
}

func (l *readDuringSweep) BulkDeleteExpired(ctx context.Context, at time.Time, p ledger.Policy) ([]*ledger.FileRecord, error) {
	if err := l.Ledger.TouchAccess(ctx, l.token, at); err != nil {
		return nil, err
	}
	return l.Ledger.BulkDeleteExpired(ctx, at, p)
}

func TestSweepOnce_RecordReadDuringSweepKeepsBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := f.put(t, "stale", now.Add(-61*24*time.Hour), nil)

	l := &readDuringSweep{Ledger: f.ledger, token: rec.Token()}
	res, err := New(DefaultConfig(), l, f.blobs, WithCache(f.cache),
		WithClock(func() time.Time { return now })).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed)

	ok, err := f.blobs.Exists(ctx, rec.BlobKey())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, f.cache.Has(rec.Token()))
}

func TestSweepOnce_WaitsForUploadOfSameContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	stale := f.put(t, "again", now.Add(-61*24*time.Hour), nil)

	guard := blobstore.NewGuard()
	unlock := guard.Lock(stale.ContentHash)

	done := make(chan Result, 1)
	go func() {
		res, _ := f.sweeper(WithGuard(guard)).SweepOnce(ctx)
		done <- res
	}()

	// The upload path stores and records the same bytes while it holds the hash.
	require.Eventually(t, func() bool {
		_, err := f.ledger.FindByLookupToken(ctx, stale.Token())
		return cdnerrors.HasCode(err, cdnerrors.ErrCodeFileNotFound)
	}, time.Second, time.Millisecond)
	again := f.put(t, "again", now, nil)
	unlock()

	res := <-done
	assert.Equal(t, 1, res.Removed)
	ok, err := f.blobs.Exists(ctx, again.BlobKey())
	require.NoError(t, err)
	assert.True(t, ok, "re-uploaded blob survives the sweep")
}

// failingBlobs refuses every delete.
type failingBlobs struct {
	types.BlobStore
	deletes atomic.Int64
}

func (b *failingBlobs) Delete(ctx context.Context, key types.BlobKey) error {
	b.deletes.Add(1)
	return cdnerrors.NewError(cdnerrors.ErrCodeStorageDelete, "read-only filesystem")
}

func TestSweepOnce_BlobFailuresDoNotBlockLedger(t *testing.T) {
	ctx := context.Background()
	disk, err := blobstore.NewDiskStore(blobstore.DiskConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer disk.Close()
	blobs := &failingBlobs{BlobStore: disk}

	f := newFixture(t, blobs)
	a := f.put(t, "a", now.Add(-61*24*time.Hour), nil)
	b := f.put(t, "b", now.Add(-time.Hour), limit(0))

	res, err := f.sweeper().SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 2, res.BlobErrors)
	assert.Equal(t, int64(2), blobs.deletes.Load())

	for _, rec := range []*ledger.FileRecord{a, b} {
		_, err := f.ledger.FindByLookupToken(ctx, rec.Token())
		assert.Error(t, err)
	}
}

func TestSweepOnce_CanceledContext(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.put(t, "stale", now.Add(-61*24*time.Hour), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sweeper().SweepOnce(ctx)
	require.Error(t, err)

	_, err = f.ledger.FindByLookupToken(context.Background(), rec.Token())
	assert.NoError(t, err, "nothing removed after cancel")
}

type recordingMetrics struct {
	mu     sync.Mutex
	sweeps []int
	errs   []error
}

func (m *recordingMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (m *recordingMetrics) RecordCacheHit(int64)                               {}
func (m *recordingMetrics) RecordCacheMiss()                                   {}
func (m *recordingMetrics) RecordEviction(string, int64)                       {}
func (m *recordingMetrics) UpdateCacheSize(int64, int)                         {}
func (m *recordingMetrics) RecordLimitRejection()                              {}
func (m *recordingMetrics) RecordSweep(removed, _ int, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, removed)
	m.errs = append(m.errs, err)
}

func (m *recordingMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sweeps)
}

func TestStart_RunsImmediatelyAndOnInterval(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "stale", now.Add(-61*24*time.Hour), nil)
	metrics := &recordingMetrics{}

	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	s := New(cfg, f.ledger, f.blobs, WithCache(f.cache), WithMetrics(metrics),
		WithClock(func() time.Time { return now }))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return metrics.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.sweeps[0], "first sweep runs at start")
	assert.Equal(t, 0, metrics.sweeps[1])
	metrics.mu.Unlock()

	assert.True(t, cdnerrors.HasCode(s.Start(context.Background()), cdnerrors.ErrCodeAlreadyStarted))
}

// panickyLedger panics on the first scan and fails the second.
type panickyLedger struct {
	ledger.Ledger
	calls atomic.Int64
}

func (l *panickyLedger) BulkDeleteExpired(ctx context.Context, now time.Time, p ledger.Policy) ([]*ledger.FileRecord, error) {
	switch l.calls.Add(1) {
	case 1:
		panic("corrupt page")
	case 2:
		return nil, errors.New("database closed")
	}
	return l.Ledger.BulkDeleteExpired(ctx, now, p)
}

func TestStart_SurvivesPanicsAndErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "stale", now.Add(-61*24*time.Hour), nil)
	pl := &panickyLedger{Ledger: f.ledger}
	metrics := &recordingMetrics{}
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(health.ComponentSweeper, nil)

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := New(cfg, pl, f.blobs, WithMetrics(metrics), WithHealth(tracker),
		WithClock(func() time.Time { return now }))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		n, err := f.ledger.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond, "a later cycle still sweeps")
	s.Stop()

	assert.GreaterOrEqual(t, pl.calls.Load(), int64(3))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.NotEmpty(t, metrics.errs)
	assert.Error(t, metrics.errs[0], "second cycle reported its failure")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	cfg := DefaultConfig()
	cfg.RunOnStart = false
	s := New(cfg, f.ledger, f.blobs)

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
