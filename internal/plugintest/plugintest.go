// Package plugintest builds plugin archives for tests.
package plugintest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

// WriteArchive creates a plugin archive named name inside dir from in-memory
// file contents keyed by archive-relative path, and returns the archive path.
func WriteArchive(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive %s: %v", path, err)
	}
	zw := zip.NewWriter(f)
	for rel, content := range files {
		w, err := zw.Create(rel)
		if err != nil {
			t.Fatalf("add %s to archive: %v", rel, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s to archive: %v", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("finish archive: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return path
}
