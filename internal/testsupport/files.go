package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile writes content to path, creating parent directories, and sets its
// modification time when mtime is non-zero.
func WriteFile(t testing.TB, path, content string, mtime time.Time) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

// WriteDefinition writes a YAML pipeline definition into the config's
// definitions directory.
func WriteDefinition(t testing.TB, dir, name, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	WriteFile(t, path, yaml, time.Time{})
	return path
}
