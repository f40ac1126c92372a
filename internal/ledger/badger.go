package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/utils"
)

const (
	recordPrefix = "r/"
	hashPrefix   = "h/"
	sequenceKey  = "seq/records"

	maxConflictRetries = 64
)

// BadgerLedger stores records in badger. Writers run optimistic
// transactions and are retried on conflict, which gives the same
// single-winner guarantee as bolt's writer lock.
type BadgerLedger struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *utils.StructuredLogger
}

type badgerLogger struct {
	l *utils.StructuredLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }

// OpenBadger opens or creates a badger ledger at cfg.Path, or in memory when
// cfg.InMemory is set.
func OpenBadger(cfg Config, logger *utils.StructuredLogger) (*BadgerLedger, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("ledger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(badgerLogger{l: logger})

	logger.Info("opening badger ledger", map[string]interface{}{
		"path":      cfg.Path,
		"in_memory": cfg.InMemory,
	})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeConnectionFailed, "Open", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, storageErr(cdnerrors.ErrCodeStorageWrite, "Open", err)
	}
	return &BadgerLedger{db: db, seq: seq, logger: logger}, nil
}

func recordKey(token string) []byte { return []byte(recordPrefix + token) }
func hashKey(hash string) []byte    { return []byte(hashPrefix + hash) }

// update runs fn in a read-write transaction, retrying on conflict.
func (l *BadgerLedger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		l.logger.Debug("badger transaction conflict, retrying", map[string]interface{}{"attempt": attempt + 1})
	}
}

func getRecord(txn *badger.Txn, token string) (*FileRecord, error) {
	item, err := txn.Get(recordKey(token))
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(v)
}

func setRecord(txn *badger.Txn, r *FileRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(r.Token()), data)
}

func (l *BadgerLedger) FindByContentHash(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var token string
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		token = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", notFound("FindByContentHash", hash)
	}
	if err != nil {
		return "", storageErr(cdnerrors.ErrCodeStorageRead, "FindByContentHash", err)
	}
	return token, nil
}

func (l *BadgerLedger) Insert(ctx context.Context, rec NewRecord, now time.Time) (*FileRecord, bool, error) {
	var (
		out     *FileRecord
		existed bool
		id      uint64
	)
	err := l.update(ctx, func(txn *badger.Txn) error {
		out, existed = nil, false

		item, err := txn.Get(hashKey(rec.ContentHash))
		switch {
		case err == nil:
			tok, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := getRecord(txn, string(tok))
			if err == nil && !r.Exhausted() {
				out, existed = r, true
				return nil
			}
			// Exhausted or dangling: a new record takes over the index entry.
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		// The id survives conflict retries. Gaps left by lost races are harmless.
		if id == 0 {
			if id, err = l.seq.Next(); err != nil {
				return err
			}
			// Sequences start at zero; bolt ids start at one.
			id++
		}
		r := &FileRecord{
			ID:             int64(id),
			Name:           rec.Name,
			Ext:            rec.Ext,
			ContentHash:    rec.ContentHash,
			Size:           rec.Size,
			CreatedAt:      now,
			LastAccessedAt: now,
			DownloadLimit:  rec.DownloadLimit,
		}
		if err := setRecord(txn, r); err != nil {
			return err
		}
		if err := txn.Set(hashKey(r.ContentHash), []byte(r.Token())); err != nil {
			return err
		}
		out = r.clone()
		return nil
	})
	if err != nil {
		return nil, false, storageErr(cdnerrors.ErrCodeStorageWrite, "Insert", err)
	}
	return out, existed, nil
}

func (l *BadgerLedger) FindByLookupToken(ctx context.Context, token string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *FileRecord
	err := l.db.View(func(txn *badger.Txn) error {
		r, err := getRecord(txn, token)
		out = r
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound("FindByLookupToken", token)
	}
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageRead, "FindByLookupToken", err)
	}
	return out, nil
}

func (l *BadgerLedger) Access(ctx context.Context, token string, now time.Time, opts AccessOptions) (*FileRecord, error) {
	if !opts.Touch && !opts.Consume {
		return l.FindByLookupToken(ctx, token)
	}

	var (
		out       *FileRecord
		rejection error
	)
	err := l.update(ctx, func(txn *badger.Txn) error {
		out, rejection = nil, nil

		r, err := getRecord(txn, token)
		if errors.Is(err, badger.ErrKeyNotFound) {
			rejection = notFound("Access", token)
			return nil
		}
		if err != nil {
			return err
		}

		if opts.Touch {
			r.LastAccessedAt = now
		}
		if opts.Consume && r.Limited() {
			if *r.DownloadLimit <= 0 {
				rejection = exhausted(token)
				return setRecord(txn, r)
			}
			*r.DownloadLimit--
		}
		out = r.clone()
		return setRecord(txn, r)
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageWrite, "Access", err)
	}
	if rejection != nil {
		return nil, rejection
	}
	return out, nil
}

func (l *BadgerLedger) mutate(ctx context.Context, op, token string, fn func(*FileRecord)) error {
	var missing bool
	err := l.update(ctx, func(txn *badger.Txn) error {
		missing = false
		r, err := getRecord(txn, token)
		if errors.Is(err, badger.ErrKeyNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		fn(r)
		return setRecord(txn, r)
	})
	if err != nil {
		return storageErr(cdnerrors.ErrCodeStorageWrite, op, err)
	}
	if missing {
		return notFound(op, token)
	}
	return nil
}

func (l *BadgerLedger) TouchAccess(ctx context.Context, token string, now time.Time) error {
	return l.mutate(ctx, "TouchAccess", token, func(r *FileRecord) {
		r.LastAccessedAt = now
	})
}

func (l *BadgerLedger) DecrementDownloadLimit(ctx context.Context, token string) error {
	return l.mutate(ctx, "DecrementDownloadLimit", token, func(r *FileRecord) {
		if r.DownloadLimit != nil && *r.DownloadLimit > 0 {
			*r.DownloadLimit--
		}
	})
}

func deleteBadgerRecord(txn *badger.Txn, r *FileRecord) error {
	token := r.Token()
	item, err := txn.Get(hashKey(r.ContentHash))
	switch {
	case err == nil:
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(cur) == token {
			if err := txn.Delete(hashKey(r.ContentHash)); err != nil {
				return err
			}
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	return txn.Delete(recordKey(token))
}

func (l *BadgerLedger) DeleteByToken(ctx context.Context, token string) error {
	var missing bool
	err := l.update(ctx, func(txn *badger.Txn) error {
		missing = false
		r, err := getRecord(txn, token)
		if errors.Is(err, badger.ErrKeyNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		return deleteBadgerRecord(txn, r)
	})
	if err != nil {
		return storageErr(cdnerrors.ErrCodeStorageDelete, "DeleteByToken", err)
	}
	if missing {
		return notFound("DeleteByToken", token)
	}
	return nil
}

func scanBadger(txn *badger.Txn, keep func(*FileRecord) bool) ([]*FileRecord, error) {
	prefix := []byte(recordPrefix)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []*FileRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		r, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *BadgerLedger) FindExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*FileRecord
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scanBadger(txn, func(r *FileRecord) bool { return policy.Expired(r, now) })
		return err
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageRead, "FindExpired", err)
	}
	return out, nil
}

func (l *BadgerLedger) BulkDeleteExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error) {
	var removed []*FileRecord
	err := l.update(ctx, func(txn *badger.Txn) error {
		removed = nil
		matched, err := scanBadger(txn, func(r *FileRecord) bool { return policy.Expired(r, now) })
		if err != nil {
			return err
		}
		for _, r := range matched {
			if err := deleteBadgerRecord(txn, r); err != nil {
				return err
			}
		}
		removed = matched
		return nil
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageDelete, "BulkDeleteExpired", err)
	}
	return removed, nil
}

func (l *BadgerLedger) RecentlyAccessed(ctx context.Context, limit int) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all []*FileRecord
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = scanBadger(txn, func(*FileRecord) bool { return true })
		return err
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageRead, "RecentlyAccessed", err)
	}
	return mostRecent(all, limit), nil
}

func (l *BadgerLedger) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (l *BadgerLedger) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.db.IsClosed() {
		return fmt.Errorf("badger ledger is closed")
	}
	return nil
}

// Close releases the id lease, runs one value log GC pass and closes the
// database.
func (l *BadgerLedger) Close() error {
	if err := l.seq.Release(); err != nil {
		l.logger.Warn("failed to release id sequence", map[string]interface{}{"error": err})
	}
	if !l.db.Opts().InMemory {
		if err := l.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			l.logger.Debug("value log gc skipped", map[string]interface{}{"error": err})
		}
	}
	return l.db.Close()
}
