package ledger

import (
	"errors"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/types"
)

// FileRecord is the durable metadata for one uploaded payload.
type FileRecord struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Ext            string    `json:"ext"`
	ContentHash    string    `json:"hash"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"access_at"`
	// DownloadLimit is the remaining download budget; nil means unlimited.
	DownloadLimit *int64 `json:"download_limit,omitempty"`
}

// Token returns the lookup token, the content hash followed by the decimal id.
func (r *FileRecord) Token() string {
	return MakeToken(r.ContentHash, r.ID)
}

// BlobKey returns the key of the payload in blob storage.
func (r *FileRecord) BlobKey() types.BlobKey {
	return types.BlobKey{Hash: r.ContentHash, Ext: r.Ext}
}

// Filename returns the attachment name "name.ext".
func (r *FileRecord) Filename() string {
	if r.Ext == "" {
		return r.Name
	}
	return r.Name + "." + r.Ext
}

// Limited reports whether the record carries a download limit.
func (r *FileRecord) Limited() bool {
	return r.DownloadLimit != nil
}

// Exhausted reports whether the download limit has run out.
func (r *FileRecord) Exhausted() bool {
	return r.DownloadLimit != nil && *r.DownloadLimit <= 0
}

func (r *FileRecord) clone() *FileRecord {
	c := *r
	if r.DownloadLimit != nil {
		v := *r.DownloadLimit
		c.DownloadLimit = &v
	}
	return &c
}

// MakeToken builds a lookup token.
func MakeToken(hash string, id int64) string {
	return hash + strconv.FormatInt(id, 10)
}

// hashLen is the length of a hex encoded sha256 digest.
const hashLen = 64

// ParseToken splits a lookup token into content hash and record id. Malformed
// tokens fail with FILE_INVALID_TOKEN.
func ParseToken(token string) (string, int64, error) {
	invalid := func() error {
		return cdnerrors.NewError(cdnerrors.ErrCodeInvalidToken, "invalid lookup token").
			WithComponent("ledger").
			WithContext("token", token)
	}
	if len(token) <= hashLen {
		return "", 0, invalid()
	}
	hash, idPart := token[:hashLen], token[hashLen:]
	if digest.NewDigestFromEncoded(digest.SHA256, hash).Validate() != nil {
		return "", 0, invalid()
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != idPart {
		return "", 0, invalid()
	}
	return hash, id, nil
}

// NewRecord holds the caller supplied fields of an insert.
type NewRecord struct {
	Name          string
	Ext           string
	ContentHash   string
	Size          int64
	DownloadLimit *int64
}

// AccessOptions selects the side effects of Access.
type AccessOptions struct {
	// Touch stamps LastAccessedAt before any limit check.
	Touch bool
	// Consume fails on exhausted records and decrements limited ones.
	Consume bool
}

// Policy selects records for retention sweeps.
type Policy struct {
	// StaleAfter expires records not accessed for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
	// GraceWindow expires limited records created longer ago than this.
	GraceWindow time.Duration `yaml:"grace_window"`
}

// DefaultPolicy returns a 60 day staleness window and a 24 hour grace window.
func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:  60 * 24 * time.Hour,
		GraceWindow: 24 * time.Hour,
	}
}

// Expired reports whether r matches the policy at now.
func (p Policy) Expired(r *FileRecord, now time.Time) bool {
	if r.LastAccessedAt.Before(now.Add(-p.StaleAfter)) {
		return true
	}
	if r.Limited() && r.CreatedAt.Before(now.Add(-p.GraceWindow)) {
		return true
	}
	return r.DownloadLimit != nil && *r.DownloadLimit == 0
}

// ErrNotFound matches, via errors.Is, every lookup failure including exhausted
// download limits.
var ErrNotFound = cdnerrors.NewError(cdnerrors.ErrCodeFileNotFound, "file not found")

const reasonExhausted = "exhausted"

func notFound(op, token string) error {
	return cdnerrors.NewError(cdnerrors.ErrCodeFileNotFound, "file not found").
		WithComponent("ledger").
		WithOperation(op).
		WithContext("token", token)
}

func exhausted(token string) error {
	return cdnerrors.NewError(cdnerrors.ErrCodeFileNotFound, "file not found").
		WithComponent("ledger").
		WithOperation("Access").
		WithContext("token", token).
		WithDetail("reason", reasonExhausted)
}

// IsExhausted reports whether err is a not-found caused by a spent download
// limit. Clients never see the difference.
func IsExhausted(err error) bool {
	var cdnErr *cdnerrors.CDNError
	if !errors.As(err, &cdnErr) {
		return false
	}
	return cdnErr.Details["reason"] == reasonExhausted
}

func storageErr(code cdnerrors.ErrorCode, op string, cause error) error {
	return cdnerrors.Wrap(cause, code, "ledger "+op+" failed").
		WithComponent("ledger").
		WithOperation(op)
}
