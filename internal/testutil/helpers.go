// Package testutil provides shared test helpers for state history packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempHistoryPath returns a temporary directory and a history file path
// inside it. The directory is removed when the test completes.
func TempHistoryPath(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "test.ht")
	return dir, path
}

// TempCatalogPath returns a catalog database path in a fresh temporary directory.
func TempCatalogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "catalog.db")
}

// MustNotExist asserts that the file does not exist.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}

// MustExist asserts that the file exists and returns its size.
func MustExist(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
	return fi.Size()
}
