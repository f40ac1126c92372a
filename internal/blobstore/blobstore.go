package blobstore

import (
	"context"
	"fmt"
	"regexp"

	"github.com/opencontainers/go-digest"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Backend names a blob store implementation.
type Backend string

const (
	BackendDisk Backend = "disk"
	BackendS3   Backend = "s3"
)

// Config selects and configures the blob store.
type Config struct {
	Backend Backend    `yaml:"backend"`
	Disk    DiskConfig `yaml:"disk"`
	S3      S3Config   `yaml:"s3"`
}

// DefaultConfig stores blobs on local disk under ./data/files.
func DefaultConfig() Config {
	return Config{
		Backend: BackendDisk,
		Disk:    DefaultDiskConfig(),
		S3:      DefaultS3Config(),
	}
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config, logger *utils.StructuredLogger) (types.BlobStore, error) {
	switch cfg.Backend {
	case BackendDisk, "":
		return NewDiskStore(cfg.Disk, logger)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}

var extPattern = regexp.MustCompile(`^[A-Za-z0-9]*$`)

// ValidateKey rejects keys whose hash is not lowercase sha256 hex or whose
// extension holds anything but ASCII letters and digits.
func ValidateKey(key types.BlobKey) error {
	if err := digest.NewDigestFromEncoded(digest.SHA256, key.Hash).Validate(); err != nil {
		return cdnerrors.Wrap(err, cdnerrors.ErrCodeInvalidDigest, "invalid content hash").
			WithComponent("blobstore").
			WithDetail("hash", key.Hash)
	}
	if !extPattern.MatchString(key.Ext) {
		return cdnerrors.NewError(cdnerrors.ErrCodeValidationFailed, "invalid extension").
			WithComponent("blobstore").
			WithDetail("ext", key.Ext)
	}
	return nil
}

// HashOf returns the hex sha256 of data.
func HashOf(data []byte) string {
	return digest.FromBytes(data).Encoded()
}

func notFound(op string, key types.BlobKey) error {
	return cdnerrors.NewError(cdnerrors.ErrCodeBlobNotFound, "blob not found").
		WithComponent("blobstore").
		WithOperation(op).
		WithDetail("key", key.String())
}

// exists adapts a Stat call into an existence check.
func exists(ctx context.Context, stat func(context.Context, types.BlobKey) (*types.BlobInfo, error), key types.BlobKey) (bool, error) {
	_, err := stat(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound):
		return false, nil
	default:
		return false, err
	}
}
