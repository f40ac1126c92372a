package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func limit(n int64) *int64 { return &n }

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type engineFactory func(t *testing.T) Ledger

func engines() map[string]engineFactory {
	return map[string]engineFactory{
		"bolt": func(t *testing.T) Ledger {
			l, err := OpenBolt(Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
		"badger": func(t *testing.T) Ledger {
			l, err := OpenBadger(Config{InMemory: true}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, l Ledger)) {
	for name, open := range engines() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestInsertAndFind(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()

		rec, existed, err := l.Insert(ctx, NewRecord{
			Name: "cat", Ext: "png", ContentHash: hashOf("a"), Size: 3,
		}, t0)
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, int64(1), rec.ID)
		assert.Equal(t, hashOf("a")+"1", rec.Token())
		assert.Equal(t, t0, rec.CreatedAt)
		assert.Equal(t, t0, rec.LastAccessedAt)
		assert.Nil(t, rec.DownloadLimit)

		tok, err := l.FindByContentHash(ctx, hashOf("a"))
		require.NoError(t, err)
		assert.Equal(t, rec.Token(), tok)

		got, err := l.FindByLookupToken(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "cat.png", got.Filename())
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = l.FindByLookupToken(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = l.FindByContentHash(ctx, hashOf("zzz"))
		assert.True(t, errors.Is(err, ErrNotFound))

		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NoError(t, l.HealthCheck(ctx))
	})
}

func TestInsertDeduplicatesLiveContent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		nr := NewRecord{Name: "doc", Ext: "pdf", ContentHash: hashOf("same"), Size: 10}

		first, existed, err := l.Insert(ctx, nr, t0)
		require.NoError(t, err)
		require.False(t, existed)

		second, existed, err := l.Insert(ctx, nr, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, first.Token(), second.Token())

		require.NoError(t, l.DeleteByToken(ctx, first.Token()))

		third, existed, err := l.Insert(ctx, nr, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, existed)
		assert.NotEqual(t, first.Token(), third.Token())
		assert.True(t, strings.HasPrefix(third.Token(), hashOf("same")))
	})
}

func TestInsertReplacesExhaustedContent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		nr := NewRecord{Name: "once", Ext: "bin", ContentHash: hashOf("once"), DownloadLimit: limit(1)}

		spent, _, err := l.Insert(ctx, nr, t0)
		require.NoError(t, err)
		_, err = l.Access(ctx, spent.Token(), t0.Add(time.Minute), AccessOptions{Consume: true})
		require.NoError(t, err)

		fresh, existed, err := l.Insert(ctx, nr, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, existed)
		assert.NotEqual(t, spent.Token(), fresh.Token())
		require.NotNil(t, fresh.DownloadLimit)
		assert.Equal(t, int64(1), *fresh.DownloadLimit)

		tok, err := l.FindByContentHash(ctx, hashOf("once"))
		require.NoError(t, err)
		assert.Equal(t, fresh.Token(), tok)

		// Removing the spent record leaves the index on the fresh one.
		require.NoError(t, l.DeleteByToken(ctx, spent.Token()))
		tok, err = l.FindByContentHash(ctx, hashOf("once"))
		require.NoError(t, err)
		assert.Equal(t, fresh.Token(), tok)

		_, err = l.Access(ctx, fresh.Token(), t0.Add(3*time.Minute), AccessOptions{Consume: true})
		assert.NoError(t, err)
	})
}

func TestBlobInUse(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		rec, _, err := l.Insert(ctx, NewRecord{Name: "a", Ext: "txt", ContentHash: hashOf("used")}, t0)
		require.NoError(t, err)

		inUse, err := BlobInUse(ctx, l, rec.BlobKey())
		require.NoError(t, err)
		assert.True(t, inUse)

		other := rec.BlobKey()
		other.Ext = "md"
		inUse, err = BlobInUse(ctx, l, other)
		require.NoError(t, err)
		assert.False(t, inUse, "same hash under another extension is a different blob")

		require.NoError(t, l.DeleteByToken(ctx, rec.Token()))
		inUse, err = BlobInUse(ctx, l, rec.BlobKey())
		require.NoError(t, err)
		assert.False(t, inUse)
	})
}

func TestAccessDownloadLimit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		rec, _, err := l.Insert(ctx, NewRecord{Name: "a", Ext: "txt", ContentHash: hashOf("l1"), DownloadLimit: limit(1)}, t0)
		require.NoError(t, err)
		tok := rec.Token()

		got, err := l.Access(ctx, tok, t0.Add(time.Hour), AccessOptions{Touch: true, Consume: true})
		require.NoError(t, err)
		require.NotNil(t, got.DownloadLimit)
		assert.Equal(t, int64(0), *got.DownloadLimit)

		_, err = l.Access(ctx, tok, t0.Add(2*time.Hour), AccessOptions{Touch: true, Consume: true})
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, IsExhausted(err))

		// The failed attempt still refreshed the access time.
		stored, err := l.FindByLookupToken(ctx, tok)
		require.NoError(t, err)
		assert.True(t, stored.LastAccessedAt.Equal(t0.Add(2*time.Hour)))
		assert.Equal(t, int64(0), *stored.DownloadLimit)

		// A pure lookup has no side effects and ignores the limit.
		pure, err := l.Access(ctx, tok, t0.Add(3*time.Hour), AccessOptions{})
		require.NoError(t, err)
		assert.True(t, pure.LastAccessedAt.Equal(t0.Add(2*time.Hour)))
	})
}

func TestAccessUnlimited(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		rec, _, err := l.Insert(ctx, NewRecord{Name: "a", Ext: "txt", ContentHash: hashOf("u")}, t0)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err := l.Access(ctx, rec.Token(), t0, AccessOptions{Touch: true, Consume: true})
			require.NoError(t, err)
		}
		_, err = l.Access(ctx, "missing", t0, AccessOptions{Touch: true})
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, IsExhausted(err))
	})
}

func TestAccessConcurrentNeverOverserves(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		const budget = 3
		rec, _, err := l.Insert(ctx, NewRecord{Name: "a", Ext: "bin", ContentHash: hashOf("race"), DownloadLimit: limit(budget)}, t0)
		require.NoError(t, err)

		var served int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Access(ctx, rec.Token(), t0, AccessOptions{Touch: true, Consume: true}); err == nil {
					atomic.AddInt64(&served, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(budget), served)
	})
}

func TestTouchAndDecrement(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		rec, _, err := l.Insert(ctx, NewRecord{Name: "a", Ext: "txt", ContentHash: hashOf("td"), DownloadLimit: limit(1)}, t0)
		require.NoError(t, err)

		require.NoError(t, l.TouchAccess(ctx, rec.Token(), t0.Add(time.Hour)))
		require.NoError(t, l.DecrementDownloadLimit(ctx, rec.Token()))
		require.NoError(t, l.DecrementDownloadLimit(ctx, rec.Token()))

		got, err := l.FindByLookupToken(ctx, rec.Token())
		require.NoError(t, err)
		assert.True(t, got.LastAccessedAt.Equal(t0.Add(time.Hour)))
		assert.Equal(t, int64(0), *got.DownloadLimit, "limit never goes negative")

		assert.True(t, errors.Is(l.TouchAccess(ctx, "gone", t0), ErrNotFound))
		assert.True(t, errors.Is(l.DecrementDownloadLimit(ctx, "gone"), ErrNotFound))
		assert.True(t, errors.Is(l.DeleteByToken(ctx, "gone"), ErrNotFound))
	})
}

func TestExpiry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		now := t0.Add(90 * 24 * time.Hour)
		policy := DefaultPolicy()

		stale, _, err := l.Insert(ctx, NewRecord{Name: "stale", Ext: "txt", ContentHash: hashOf("s")}, now.Add(-61*24*time.Hour))
		require.NoError(t, err)
		graced, _, err := l.Insert(ctx, NewRecord{Name: "graced", Ext: "txt", ContentHash: hashOf("g"), DownloadLimit: limit(5)}, now.Add(-25*time.Hour))
		require.NoError(t, err)
		spent, _, err := l.Insert(ctx, NewRecord{Name: "spent", Ext: "txt", ContentHash: hashOf("z"), DownloadLimit: limit(0)}, now.Add(-time.Hour))
		require.NoError(t, err)
		fresh, _, err := l.Insert(ctx, NewRecord{Name: "fresh", Ext: "txt", ContentHash: hashOf("f")}, now.Add(-time.Hour))
		require.NoError(t, err)
		young, _, err := l.Insert(ctx, NewRecord{Name: "young", Ext: "txt", ContentHash: hashOf("y"), DownloadLimit: limit(2)}, now.Add(-time.Hour))
		require.NoError(t, err)

		expired, err := l.FindExpired(ctx, now, policy)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{stale.Token(), graced.Token(), spent.Token()}, tokens(expired))

		removed, err := l.BulkDeleteExpired(ctx, now, policy)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{stale.Token(), graced.Token(), spent.Token()}, tokens(removed))

		for _, keep := range []*FileRecord{fresh, young} {
			_, err := l.FindByLookupToken(ctx, keep.Token())
			assert.NoError(t, err, keep.Name)
		}
		_, err = l.FindByContentHash(ctx, hashOf("s"))
		assert.True(t, errors.Is(err, ErrNotFound), "hash index entry removed with record")

		again, err := l.BulkDeleteExpired(ctx, now, policy)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestRecentlyAccessed(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		var toks []string
		for i := 0; i < 4; i++ {
			rec, _, err := l.Insert(ctx, NewRecord{Name: fmt.Sprint(i), Ext: "txt", ContentHash: hashOf(fmt.Sprint(i))}, t0)
			require.NoError(t, err)
			toks = append(toks, rec.Token())
		}
		require.NoError(t, l.TouchAccess(ctx, toks[0], t0.Add(time.Hour)))

		recent, err := l.RecentlyAccessed(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, toks[0], recent[0].Token())
		assert.Equal(t, toks[3], recent[1].Token(), "ties go to the newest id")

		none, err := l.RecentlyAccessed(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestPolicyExpired(t *testing.T) {
	now := t0
	p := DefaultPolicy()
	tests := []struct {
		name string
		rec  FileRecord
		want bool
	}{
		{"fresh unlimited", FileRecord{CreatedAt: now, LastAccessedAt: now}, false},
		{"stale", FileRecord{CreatedAt: now.Add(-70 * 24 * time.Hour), LastAccessedAt: now.Add(-61 * 24 * time.Hour)}, true},
		{"limited inside grace", FileRecord{CreatedAt: now.Add(-23 * time.Hour), LastAccessedAt: now, DownloadLimit: limit(3)}, false},
		{"limited past grace", FileRecord{CreatedAt: now.Add(-25 * time.Hour), LastAccessedAt: now, DownloadLimit: limit(3)}, true},
		{"exhausted", FileRecord{CreatedAt: now, LastAccessedAt: now, DownloadLimit: limit(0)}, true},
		{"unlimited past grace", FileRecord{CreatedAt: now.Add(-25 * time.Hour), LastAccessedAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Expired(&tt.rec, now))
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(Config{Engine: "sqlite"}, nil)
	assert.Error(t, err)
}

func TestContextCanceled(t *testing.T) {
	forEachEngine(t, func(t *testing.T, l Ledger) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := l.FindByLookupToken(ctx, "x")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func tokens(records []*FileRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Token())
	}
	return out
}

func TestParseToken(t *testing.T) {
	hash := hashOf("token")

	got, id, err := ParseToken(MakeToken(hash, 42))
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{
		"",
		hash,
		hash + "0",
		hash + "007",
		hash + "-1",
		hash + "x",
		strings.ToUpper(hash) + "1",
		hash[:63] + "1",
	} {
		_, _, err := ParseToken(bad)
		assert.Error(t, err, "token %q", bad)
	}
}
