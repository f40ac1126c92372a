package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/utils"
)

var (
	recordsBucket = []byte("records")
	hashesBucket  = []byte("hashes")
)

// BoltLedger stores records in a single bbolt file. bbolt admits one writer
// at a time, so every read-modify-write below is serialised.
type BoltLedger struct {
	db     *bbolt.DB
	path   string
	logger *utils.StructuredLogger
}

// OpenBolt opens or creates the database at cfg.Path.
func OpenBolt(cfg Config, logger *utils.StructuredLogger) (*BoltLedger, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("ledger")

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	logger.Info("opening bolt ledger", map[string]interface{}{"path": cfg.Path})
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeConnectionFailed, "Open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, hashesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr(cdnerrors.ErrCodeStorageWrite, "Open", err)
	}

	return &BoltLedger{db: db, path: cfg.Path, logger: logger}, nil
}

func decodeRecord(v []byte) (*FileRecord, error) {
	var r FileRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeLedgerCorrupt, "undecodable record").
			WithComponent("ledger")
	}
	return &r, nil
}

func putRecord(b *bbolt.Bucket, r *FileRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put([]byte(r.Token()), data)
}

func (l *BoltLedger) FindByContentHash(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var token string
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(hashesBucket).Get([]byte(hash))
		if v == nil {
			return notFound("FindByContentHash", hash)
		}
		token = string(v)
		return nil
	})
	return token, err
}

func (l *BoltLedger) Insert(ctx context.Context, rec NewRecord, now time.Time) (*FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		out     *FileRecord
		existed bool
	)
	err := l.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		hashes := tx.Bucket(hashesBucket)

		if tok := hashes.Get([]byte(rec.ContentHash)); tok != nil {
			if v := records.Get(tok); v != nil {
				r, err := decodeRecord(v)
				if err != nil {
					return err
				}
				if !r.Exhausted() {
					out, existed = r, true
					return nil
				}
			}
			// Exhausted or dangling: a new record takes over the index entry.
		}

		id, err := records.NextSequence()
		if err != nil {
			return err
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
		if err := putRecord(records, r); err != nil {
			return err
		}
		if err := hashes.Put([]byte(r.ContentHash), []byte(r.Token())); err != nil {
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

func (l *BoltLedger) FindByLookupToken(ctx context.Context, token string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *FileRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(token))
		if v == nil {
			return notFound("FindByLookupToken", token)
		}
		r, err := decodeRecord(v)
		out = r
		return err
	})
	return out, err
}

func (l *BoltLedger) Access(ctx context.Context, token string, now time.Time, opts AccessOptions) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Touch && !opts.Consume {
		return l.FindByLookupToken(ctx, token)
	}

	var (
		out       *FileRecord
		rejection error
	)
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(token))
		if v == nil {
			rejection = notFound("Access", token)
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}

		if opts.Touch {
			r.LastAccessedAt = now
		}
		if opts.Consume && r.Limited() {
			if *r.DownloadLimit <= 0 {
				// The touch above still commits.
				rejection = exhausted(token)
				return putRecord(b, r)
			}
			*r.DownloadLimit--
		}
		out = r.clone()
		return putRecord(b, r)
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageWrite, "Access", err)
	}
	if rejection != nil {
		return nil, rejection
	}
	return out, nil
}

func (l *BoltLedger) TouchAccess(ctx context.Context, token string, now time.Time) error {
	return l.update(ctx, "TouchAccess", token, func(r *FileRecord) {
		r.LastAccessedAt = now
	})
}

func (l *BoltLedger) DecrementDownloadLimit(ctx context.Context, token string) error {
	return l.update(ctx, "DecrementDownloadLimit", token, func(r *FileRecord) {
		if r.DownloadLimit != nil && *r.DownloadLimit > 0 {
			*r.DownloadLimit--
		}
	})
}

func (l *BoltLedger) update(ctx context.Context, op, token string, mutate func(*FileRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var missing bool
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(token))
		if v == nil {
			missing = true
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		mutate(r)
		return putRecord(b, r)
	})
	if err != nil {
		return storageErr(cdnerrors.ErrCodeStorageWrite, op, err)
	}
	if missing {
		return notFound(op, token)
	}
	return nil
}

func (l *BoltLedger) DeleteByToken(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var missing bool
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(token))
		if v == nil {
			missing = true
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		return deleteRecord(tx, r)
	})
	if err != nil {
		return storageErr(cdnerrors.ErrCodeStorageDelete, "DeleteByToken", err)
	}
	if missing {
		return notFound("DeleteByToken", token)
	}
	return nil
}

// deleteRecord removes r and its hash index entry when the entry still
// points at r.
func deleteRecord(tx *bbolt.Tx, r *FileRecord) error {
	token := []byte(r.Token())
	hashes := tx.Bucket(hashesBucket)
	if cur := hashes.Get([]byte(r.ContentHash)); cur != nil && string(cur) == string(token) {
		if err := hashes.Delete([]byte(r.ContentHash)); err != nil {
			return err
		}
	}
	return tx.Bucket(recordsBucket).Delete(token)
}

func scan(tx *bbolt.Tx, keep func(*FileRecord) bool) ([]*FileRecord, error) {
	var out []*FileRecord
	err := tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if keep(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (l *BoltLedger) FindExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*FileRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = scan(tx, func(r *FileRecord) bool { return policy.Expired(r, now) })
		return err
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageRead, "FindExpired", err)
	}
	return out, nil
}

func (l *BoltLedger) BulkDeleteExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var removed []*FileRecord
	err := l.db.Update(func(tx *bbolt.Tx) error {
		matched, err := scan(tx, func(r *FileRecord) bool { return policy.Expired(r, now) })
		if err != nil {
			return err
		}
		for _, r := range matched {
			if err := deleteRecord(tx, r); err != nil {
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

func (l *BoltLedger) RecentlyAccessed(ctx context.Context, limit int) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all []*FileRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		var err error
		all, err = scan(tx, func(*FileRecord) bool { return true })
		return err
	})
	if err != nil {
		return nil, storageErr(cdnerrors.ErrCodeStorageRead, "RecentlyAccessed", err)
	}
	return mostRecent(all, limit), nil
}

func (l *BoltLedger) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (l *BoltLedger) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return fmt.Errorf("records bucket missing")
		}
		return nil
	})
}

func (l *BoltLedger) Close() error {
	l.logger.Info("closing bolt ledger", map[string]interface{}{"path": l.path})
	return l.db.Close()
}

// mostRecent sorts by LastAccessedAt descending, newest id first on ties,
// and truncates to limit. A non-positive limit returns nothing.
func mostRecent(records []*FileRecord, limit int) []*FileRecord {
	if limit <= 0 {
		return nil
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastAccessedAt.Equal(records[j].LastAccessedAt) {
			return records[i].LastAccessedAt.After(records[j].LastAccessedAt)
		}
		return records[i].ID > records[j].ID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}
