package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validateRelativePath rejects names that would land outside root when
// joined to it.
func validateRelativePath(root, name string) error {
	switch {
	case filepath.IsAbs(name):
		return fmt.Errorf("absolute path not allowed: %s", name)
	case filepath.VolumeName(name) != "":
		// "C:foo" is relative yet Join drops root for it.
		return fmt.Errorf("path with volume name not allowed: %s", name)
	}
	rel, err := filepath.Rel(root, filepath.Join(root, name))
	if err != nil {
		return fmt.Errorf("relative path of %s: %w", name, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes %s: %s", root, name)
	}
	return nil
}

// WriteFile places content at root/name, creating directories on the way,
// and returns the full path. Tests use it to lay out export trees with
// stray or corrupt files next to the real databases.
func WriteFile(t testing.TB, root, name string, content []byte) string {
	t.Helper()
	if err := validateRelativePath(root, name); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	path := filepath.Join(root, filepath.Clean(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}
