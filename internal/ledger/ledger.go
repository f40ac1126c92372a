package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Ledger is the durable store of FileRecords keyed by lookup token, with a
// secondary index on content hash.
type Ledger interface {
	// FindByContentHash returns the token of the newest record holding hash.
	// That record may be exhausted.
	FindByContentHash(ctx context.Context, hash string) (string, error)
	// Insert creates a record unless a live record with the same content
	// hash exists, in which case that record is returned with existed set.
	// An exhausted record loses the hash index to the new one.
	Insert(ctx context.Context, rec NewRecord, now time.Time) (record *FileRecord, existed bool, err error)
	FindByLookupToken(ctx context.Context, token string) (*FileRecord, error)
	// Access reads the record and applies opts in one write transaction.
	Access(ctx context.Context, token string, now time.Time, opts AccessOptions) (*FileRecord, error)
	TouchAccess(ctx context.Context, token string, now time.Time) error
	DecrementDownloadLimit(ctx context.Context, token string) error
	DeleteByToken(ctx context.Context, token string) error
	FindExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error)
	// BulkDeleteExpired removes every record matching policy in one
	// transaction and returns what it removed.
	BulkDeleteExpired(ctx context.Context, now time.Time, policy Policy) ([]*FileRecord, error)
	// RecentlyAccessed returns up to limit records, most recently accessed first.
	RecentlyAccessed(ctx context.Context, limit int) ([]*FileRecord, error)
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Engine names a ledger implementation.
type Engine string

const (
	EngineBolt   Engine = "bolt"
	EngineBadger Engine = "badger"
)

// Config selects and configures the ledger engine.
type Config struct {
	Engine Engine `yaml:"engine"`
	// Path is the bolt database file or the badger directory.
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// SyncWrites makes badger fsync every commit.
	SyncWrites bool `yaml:"sync_writes"`
	// InMemory runs badger without touching disk.
	InMemory bool `yaml:"in_memory"`
}

// DefaultConfig returns a bolt ledger under ./data.
func DefaultConfig() Config {
	return Config{
		Engine:      EngineBolt,
		Path:        "data/ledger.db",
		OpenTimeout: time.Second,
		SyncWrites:  true,
	}
}

// Open opens the configured engine.
func Open(cfg Config, logger *utils.StructuredLogger) (Ledger, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	switch cfg.Engine {
	case EngineBolt, "":
		return OpenBolt(cfg, logger)
	case EngineBadger:
		return OpenBadger(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown ledger engine %q", cfg.Engine)
	}
}

// BlobInUse reports whether the record currently indexed for key's content
// hash stores its bytes under key.
func BlobInUse(ctx context.Context, l Ledger, key types.BlobKey) (bool, error) {
	token, err := l.FindByContentHash(ctx, key.Hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := l.FindByLookupToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.BlobKey() == key, nil
}
