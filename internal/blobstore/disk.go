package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/types"
	"github.com/filecdn/filecdn/pkg/utils"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	compressedSuffix = ".zst"
	// zstd frame headers are at most 18 bytes.
	maxFrameHeader = 18
)

// DiskConfig configures a DiskStore.
type DiskConfig struct {
	Dir string `yaml:"dir"`
	// ShardPrefixLen is the number of hash characters used as a
	// subdirectory. 0 keeps every blob directly under Dir.
	ShardPrefixLen int `yaml:"shard_prefix_len"`
	// Compress stores new blobs as zstd frames. Blobs written either way
	// stay readable when the setting changes.
	Compress bool `yaml:"compress"`
}

// DefaultDiskConfig returns the default disk layout.
func DefaultDiskConfig() DiskConfig {
	return DiskConfig{
		Dir:            "data/files",
		ShardPrefixLen: defaultShardPrefixLen,
	}
}

// DiskStore implements types.BlobStore on the local filesystem.
type DiskStore struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	compress       bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	logger *utils.StructuredLogger
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(cfg DiskConfig, logger *utils.StructuredLogger) (*DiskStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("blob store dir is empty")
	}
	if cfg.ShardPrefixLen < 0 || cfg.ShardPrefixLen > 8 {
		return nil, fmt.Errorf("shard prefix length must be between 0 and 8, got %d", cfg.ShardPrefixLen)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, defaultDirPerm); err != nil {
		return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageWrite, "create blob directory").
			WithComponent("blobstore")
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &DiskStore{
		dir:            cfg.Dir,
		shardPrefixLen: cfg.ShardPrefixLen,
		dirPerm:        defaultDirPerm,
		compress:       cfg.Compress,
		enc:            enc,
		dec:            dec,
		logger:         logger.WithComponent("blobstore"),
	}, nil
}

// path returns the plain location of key.
func (s *DiskStore) path(key types.BlobKey) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	name := key.String()
	if s.shardPrefixLen == 0 {
		return utils.SecureJoin(s.dir, name)
	}
	return utils.SecureJoin(s.dir, key.Hash[:s.shardPrefixLen], name)
}

// Put writes data atomically. An existing blob for key is replaced.
func (s *DiskStore) Put(ctx context.Context, key types.BlobKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	payload, stale := data, path+compressedSuffix
	if s.compress {
		payload = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		path, stale = stale, path
	}

	if err := s.writeAtomic(path, payload); err != nil {
		return cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageWrite, "write blob").
			WithComponent("blobstore").
			WithOperation("Put").
			WithDetail("key", key.String())
	}
	// A copy in the other encoding would shadow or outlive this one.
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove stale blob copy", map[string]interface{}{
			"path":  stale,
			"error": err,
		})
	}
	return nil
}

func (s *DiskStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	tmpPath = ""
	return nil
}

// Get returns the payload for key, decompressing when it was stored as zstd.
func (s *DiskStore) Get(ctx context.Context, key types.BlobKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	for _, compressed := range s.lookupOrder() {
		p := path
		if compressed {
			p += compressedSuffix
		}
		data, err := os.ReadFile(p) //nolint:gosec // path is derived from a validated key
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageRead, "read blob").
				WithComponent("blobstore").
				WithOperation("Get").
				WithDetail("key", key.String())
		}
		if !compressed {
			return data, nil
		}
		out, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageRead, "decompress blob").
				WithComponent("blobstore").
				WithOperation("Get").
				WithDetail("key", key.String())
		}
		return out, nil
	}
	return nil, notFound("Get", key)
}

// lookupOrder tries the encoding new writes use first.
func (s *DiskStore) lookupOrder() []bool {
	if s.compress {
		return []bool{true, false}
	}
	return []bool{false, true}
}

// Delete removes every stored copy of key. A missing blob is not an error.
func (s *DiskStore) Delete(ctx context.Context, key types.BlobKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + compressedSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageDelete, "delete blob").
				WithComponent("blobstore").
				WithOperation("Delete").
				WithDetail("key", key.String())
		}
	}
	return nil
}

// Stat reports the uncompressed size of key.
func (s *DiskStore) Stat(ctx context.Context, key types.BlobKey) (*types.BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	for _, compressed := range s.lookupOrder() {
		p := path
		if compressed {
			p += compressedSuffix
		}
		fi, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageRead, "stat blob").
				WithComponent("blobstore").
				WithOperation("Stat")
		}
		size := fi.Size()
		if compressed {
			if size, err = frameContentSize(p); err != nil {
				return nil, cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageRead, "read blob header").
					WithComponent("blobstore").
					WithOperation("Stat")
			}
		}
		return &types.BlobInfo{Key: key, Size: size, LastModified: fi.ModTime()}, nil
	}
	return nil, notFound("Stat", key)
}

func frameContentSize(path string) (int64, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated key
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, maxFrameHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	var h zstd.Header
	if err := h.Decode(buf[:n]); err != nil {
		return 0, err
	}
	if !h.HasFCS {
		return 0, errors.New("zstd frame has no content size")
	}
	return int64(h.FrameContentSize), nil
}

func (s *DiskStore) Exists(ctx context.Context, key types.BlobKey) (bool, error) {
	return exists(ctx, s.Stat, key)
}

// HealthCheck verifies the root directory is writable.
func (s *DiskStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".health-*")
	if err != nil {
		return cdnerrors.Wrap(err, cdnerrors.ErrCodeStorageWrite, "blob directory not writable").
			WithComponent("blobstore")
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Close releases the zstd codecs.
func (s *DiskStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}
