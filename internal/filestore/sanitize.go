package filestore

import (
	"regexp"
	"strconv"
	"strings"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
)

var (
	nameDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	extDisallowed  = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// SanitizeName strips everything but ASCII letters, digits, '_' and '-'.
func SanitizeName(name string) string {
	return nameDisallowed.ReplaceAllString(name, "")
}

// SanitizeExt strips everything but ASCII letters and digits, after
// dropping a leading dot.
func SanitizeExt(ext string) string {
	return extDisallowed.ReplaceAllString(strings.TrimPrefix(ext, "."), "")
}

// ParseDownloadLimit parses an optional download limit. Empty means
// unlimited.
func ParseDownloadLimit(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil, cdnerrors.NewError(cdnerrors.ErrCodeValidationFailed, "download-limit must be a non-negative integer").
			WithComponent("filestore").
			WithDetail("download_limit", s)
	}
	return &n, nil
}
