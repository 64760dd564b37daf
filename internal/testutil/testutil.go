// Package testutil provides shared test fixtures: temp directories, a
// scratch Config rooted in them, and file-existence assertions.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/limba-pkg/limba/internal/config"
)

// TempDir creates a temporary directory and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "limba-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

// NewTestConfig creates a Config rooted in a temporary directory, with the
// software root, cache root and runtimes directory already created.
func NewTestConfig(t *testing.T) (*config.Config, func()) {
	t.Helper()
	tmpDir, cleanup := TempDir(t)

	cfg := &config.Config{
		SoftwareRoot: filepath.Join(tmpDir, "software"),
		CacheRoot:    filepath.Join(tmpDir, "cache"),
		SourcesUser:  filepath.Join(tmpDir, "sources.list"),
		SourcesAuto:  filepath.Join(tmpDir, "update-sources.list"),
		APITimeout:   config.DefaultAPITimeout,
	}

	if err := cfg.EnsureDirectories(); err != nil {
		cleanup()
		t.Fatalf("failed to create config directories: %v", err)
	}

	return cfg, cleanup
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AssertFileExists checks if a file exists at the given path.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if !FileExists(path) {
		t.Errorf("file does not exist: %s", path)
	}
}

// AssertFileNotExists checks if a file does NOT exist at the given path.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	if FileExists(path) {
		t.Errorf("file should not exist: %s", path)
	}
}

// AssertDirExists checks if a directory exists at the given path.
func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Errorf("directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("path exists but is not a directory: %s", path)
	}
}
