// Package workspace manages the per-run working directories that hold the
// module under test, the generated suite and the coverage artifacts.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrInvalidRunID is returned for ids that cannot be used as a directory name
var ErrInvalidRunID = errors.New("invalid run id")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// File names inside a workspace
const (
	ModuleFile   = "your_module.py"
	InitFile     = "__init__.py"
	CoverageJSON = "coverage.json"
)

// TestFile returns the suite file name for a function
func TestFile(functionName string) string {
	return "test_" + functionName + ".py"
}

// Manager hands out one directory per run under a common root
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the directory all workspaces live under
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the workspace path for a run without creating it
func (m *Manager) Dir(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(m.root, runID), nil
}

// Ensure creates the workspace for a run if needed and returns its path
func (m *Manager) Ensure(runID string) (string, error) {
	dir, err := m.Dir(runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a run's workspace. Missing workspaces are not an error.
func (m *Manager) Remove(runID string) error {
	dir, err := m.Dir(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

// Exists reports whether the file exists inside the run's workspace
func (m *Manager) Exists(runID, name string) bool {
	dir, err := m.Dir(runID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, name))
	return err == nil
}
