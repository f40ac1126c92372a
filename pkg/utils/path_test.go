package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join("var", "filecdn")

	tests := []struct {
		name     string
		elements []string
		want     string
		wantErr  bool
	}{
		{"simple file", []string{"ab", "abcdef.png"}, filepath.Join(base, "ab", "abcdef.png"), false},
		{"base itself", nil, base, false},
		{"traversal", []string{"..", "etc", "passwd"}, "", true},
		{"nested traversal", []string{"ab", "..", "..", "x"}, "", true},
		{"dot segments stay inside", []string{"ab", ".", "c"}, filepath.Join(base, "ab", "c"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "escapes") {
					t.Fatalf("expected escape error, got %v (%q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SecureJoin = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SecureJoin(""); err == nil {
		t.Error("empty base should fail")
	}
}
