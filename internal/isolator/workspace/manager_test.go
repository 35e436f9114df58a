package workspace_test

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
)

func newManager(t *testing.T, cfg workspace.Config) *workspace.Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m, err := workspace.NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestNewManagerRequiresRoot(t *testing.T) {
	t.Parallel()
	if _, err := workspace.NewManager(workspace.Config{}); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestAllocateIsExclusive(t *testing.T) {
	t.Parallel()
	m := newManager(t, workspace.Config{})

	path, err := m.Allocate("sb-1")
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Fatalf("workspace dir not created: %v", err)
	}

	if _, err := m.Allocate("sb-1"); !appErr.Is(err, appErr.WorkspaceBusy) {
		t.Fatalf("expected workspace busy on re-allocate, got %v", err)
	}

	got, err := m.Path("sb-1")
	if err != nil || got != path {
		t.Fatalf("path lookup mismatch: %q, %v", got, err)
	}
}

func TestAllocateRejectsUnclaimedDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sb-stale"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := newManager(t, workspace.Config{Root: root})
	if _, err := m.Allocate("sb-stale"); !appErr.Is(err, appErr.WorkspaceBusy) {
		t.Fatalf("expected workspace busy for existing dir, got %v", err)
	}
}

func TestAdoptReclaimsExistingDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sb-old"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := newManager(t, workspace.Config{Root: root})

	path, err := m.Adopt("sb-old")
	if err != nil {
		t.Fatalf("adopt failed: %v", err)
	}
	if path != filepath.Join(root, "sb-old") {
		t.Fatalf("unexpected adopted path: %q", path)
	}
	if _, err := m.Adopt("sb-old"); !appErr.Is(err, appErr.WorkspaceBusy) {
		t.Fatalf("expected busy on double adopt, got %v", err)
	}
	if _, err := m.Adopt("sb-none"); !appErr.Is(err, appErr.WorkspaceNotFound) {
		t.Fatalf("expected not found for missing dir, got %v", err)
	}
}

func TestReleaseRemovesDirectory(t *testing.T) {
	t.Parallel()
	m := newManager(t, workspace.Config{})
	path, err := m.Allocate("sb-1")
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := m.Release("sb-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace dir survived release")
	}
	// Releasing an unknown sandbox is a no-op.
	if err := m.Release("sb-unknown"); err != nil {
		t.Fatalf("release of unknown sandbox: %v", err)
	}
	// The id is free again after release.
	if _, err := m.Allocate("sb-1"); err != nil {
		t.Fatalf("re-allocate after release failed: %v", err)
	}
}

func TestReleaseArchivesWhenConfigured(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	m := newManager(t, workspace.Config{Root: root, ArchiveOnDelete: true})
	path, err := m.Allocate("sb-1")
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "data", "in.txt"), []byte("1 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Release("sb-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	archive := filepath.Join(root, ".archive", "sb-1.tar.zst")
	f, err := os.Open(archive)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()

	names := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		var sb strings.Builder
		if _, err := io.Copy(&sb, tr); err != nil {
			t.Fatalf("tar entry read: %v", err)
		}
		names[hdr.Name] = sb.String()
	}
	if names["main.py"] != "print('hi')\n" {
		t.Fatalf("main.py content mismatch: %q", names["main.py"])
	}
	if names["data/in.txt"] != "1 2\n" {
		t.Fatalf("nested file content mismatch: %q", names["data/in.txt"])
	}
}

func TestOrphansListsUnownedDirectories(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	m := newManager(t, workspace.Config{Root: root, ArchiveOnDelete: true})
	if _, err := m.Allocate("sb-live"); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sb-dead"), 0o755); err != nil {
		t.Fatal(err)
	}

	orphans, err := m.Orphans()
	if err != nil {
		t.Fatalf("orphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "sb-dead" {
		t.Fatalf("unexpected orphans: %v", orphans)
	}
}
