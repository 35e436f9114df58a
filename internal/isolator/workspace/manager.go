// Package workspace allocates and reclaims per-sandbox host directories.
// A workspace is exclusively owned by exactly one sandbox for its lifetime
// and survives container recreation; only explicit sandbox deletion (or the
// reaper) removes it.
package workspace

import (
	"os"
	"path/filepath"
	"sync"

	appErr "isolator/pkg/errors"
)

// Config controls where workspaces live and what happens on deletion.
type Config struct {
	// Root is the host directory under which per-sandbox workspaces are
	// created.
	Root string
	// ArchiveDir receives zstd tarballs of deleted workspaces when
	// ArchiveOnDelete is set.
	ArchiveDir      string
	ArchiveOnDelete bool
}

// Manager owns the workspace root and tracks directory ownership.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	owned map[string]string
}

// NewManager creates the workspace root if needed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("workspace root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.FileOpFailed, "create workspace root failed")
	}
	if cfg.ArchiveOnDelete {
		if cfg.ArchiveDir == "" {
			cfg.ArchiveDir = filepath.Join(cfg.Root, ".archive")
		}
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return nil, appErr.Wrapf(err, appErr.FileOpFailed, "create archive dir failed")
		}
	}
	return &Manager{cfg: cfg, owned: make(map[string]string)}, nil
}

// Allocate creates and claims the directory for a sandbox. Claiming a
// directory that is already owned, or that exists on disk unclaimed, is a
// conflict: ownership is exclusive for the sandbox's lifetime.
func (m *Manager) Allocate(sandboxID string) (string, error) {
	if sandboxID == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("sandbox id is required")
	}
	path := filepath.Join(m.cfg.Root, sandboxID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owned[sandboxID]; ok {
		return "", appErr.New(appErr.WorkspaceBusy).WithSandbox(sandboxID)
	}
	if _, err := os.Stat(path); err == nil {
		return "", appErr.New(appErr.WorkspaceBusy).WithSandbox(sandboxID).
			WithMessage("workspace directory already exists")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.FileOpFailed, "create workspace failed").WithSandbox(sandboxID)
	}
	m.owned[sandboxID] = path
	return path, nil
}

// Adopt re-claims an existing directory after a process restart, so the
// startup reconciliation can reason about workspaces it did not allocate.
func (m *Manager) Adopt(sandboxID string) (string, error) {
	path := filepath.Join(m.cfg.Root, sandboxID)
	if _, err := os.Stat(path); err != nil {
		return "", appErr.New(appErr.WorkspaceNotFound).WithSandbox(sandboxID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owned[sandboxID]; ok {
		return "", appErr.New(appErr.WorkspaceBusy).WithSandbox(sandboxID)
	}
	m.owned[sandboxID] = path
	return path, nil
}

// Path returns the workspace directory for a sandbox.
func (m *Manager) Path(sandboxID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.owned[sandboxID]
	if !ok {
		return "", appErr.New(appErr.WorkspaceNotFound).WithSandbox(sandboxID)
	}
	return path, nil
}

// Release archives (when configured) and deletes the workspace, then
// releases ownership. Releasing an unknown sandbox is a no-op.
func (m *Manager) Release(sandboxID string) error {
	m.mu.Lock()
	path, ok := m.owned[sandboxID]
	delete(m.owned, sandboxID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.cfg.ArchiveOnDelete {
		dst := filepath.Join(m.cfg.ArchiveDir, sandboxID+".tar.zst")
		if err := archiveDir(path, dst); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "remove workspace failed").WithSandbox(sandboxID)
	}
	return nil
}

// Orphans lists directories under the root that no live sandbox owns.
func (m *Manager) Orphans() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FileOpFailed, "read workspace root failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var orphans []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".archive" {
			continue
		}
		if _, ok := m.owned[e.Name()]; !ok {
			orphans = append(orphans, e.Name())
		}
	}
	return orphans, nil
}
