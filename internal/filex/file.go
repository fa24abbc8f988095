// Package filex holds filesystem helpers for the file-backed drivers.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory that will hold the database file at
// path, owner-only. In-memory sqlite paths are left alone.
func EnsureParentDir(path string) (string, error) {
	if path == "" || strings.Contains(path, ":memory:") {
		return "", nil
	}

	dir := filepath.Dir(filepath.Clean(strings.TrimPrefix(path, "file:")))
	if i := strings.IndexByte(dir, '?'); i >= 0 {
		dir = dir[:i]
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}
