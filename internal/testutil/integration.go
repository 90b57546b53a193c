package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/db"
)

// Harness is a lightweight integration test environment.
//
// It provisions a temp state directory with an `audit.db` and a project
// directory, and keeps cleanup automatic via t.Cleanup.
type Harness struct {
	T          *testing.T
	StateDir   string
	ProjectDir string
	DBPath     string
	DB         *db.DB
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	stateDir := NewStateDir(t)
	projectDir := t.TempDir()
	dbPath := filepath.Join(stateDir, "audit.db")

	return &Harness{
		T:          t,
		StateDir:   stateDir,
		ProjectDir: projectDir,
		DBPath:     dbPath,
		DB:         NewTestDBAtPath(t, dbPath),
	}
}

// NewStateDir returns an empty 0700 state directory.
func NewStateDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".warden")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("NewStateDir: %v", err)
	}
	return dir
}

// StatePath joins StateDir with parts.
func (h *Harness) StatePath(parts ...string) string {
	h.T.Helper()
	return filepath.Join(append([]string{h.StateDir}, parts...)...)
}

// MustPath joins ProjectDir with parts, failing the test on error.
func (h *Harness) MustPath(parts ...string) string {
	h.T.Helper()
	if h == nil || h.ProjectDir == "" {
		h.T.Fatalf("Harness.MustPath: harness not initialized")
	}
	all := append([]string{h.ProjectDir}, parts...)
	return filepath.Join(all...)
}

// WriteFile writes a file relative to the project directory.
func (h *Harness) WriteFile(rel string, data []byte, perm os.FileMode) string {
	h.T.Helper()
	if strings.TrimSpace(rel) == "" {
		h.T.Fatalf("Harness.WriteFile: rel path is required")
	}
	abs := h.MustPath(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		h.T.Fatalf("Harness.WriteFile: mkdir: %v", err)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		h.T.Fatalf("Harness.WriteFile: write: %v", err)
	}
	return abs
}
