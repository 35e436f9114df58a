package workspace_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
)

func newWorkspace(t *testing.T) (*workspace.Manager, string) {
	t.Helper()
	m := newManager(t, workspace.Config{})
	path, err := m.Allocate("sb-1")
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	return m, path
}

func TestWriteThenReadFile(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)

	if err := m.WriteFile("sb-1", "src/main.go", []byte("package main\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, truncated, err := m.ReadFile("sb-1", "src/main.go", 1<<20)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if string(data) != "package main\n" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestReadFileTruncatesAtLimit(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)
	if err := m.WriteFile("sb-1", "big.txt", []byte(strings.Repeat("a", 100))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, truncated, err := m.ReadFile("sb-1", "big.txt", 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) != 10 || !truncated {
		t.Fatalf("expected 10 bytes truncated, got %d truncated=%t", len(data), truncated)
	}
}

func TestPathConfinement(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)

	// Dot-dot segments are cleaned against a rooted path, so these writes
	// land inside the workspace rather than escaping it.
	for _, path := range []string{"../escape.txt", "../../etc/passwd", "a/../../../x"} {
		if err := m.WriteFile("sb-1", path, []byte("x")); err != nil {
			t.Fatalf("write %q failed: %v", path, err)
		}
	}
	if _, _, err := m.ReadFile("sb-1", "escape.txt", 10); err != nil {
		t.Fatalf("cleaned path did not stay inside the workspace: %v", err)
	}
	if _, _, err := m.ReadFile("sb-1", "etc/passwd", 10); err != nil {
		t.Fatalf("cleaned path did not stay inside the workspace: %v", err)
	}
}

func TestReadFileRefusesSymlink(t *testing.T) {
	t.Parallel()
	m, path := newWorkspace(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(path, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, _, err := m.ReadFile("sb-1", "link", 10); !appErr.Is(err, appErr.PathOutsideSandbox) {
		t.Fatalf("expected symlink read to be rejected, got %v", err)
	}
}

func TestSymlinkedDirectoryCannotEscape(t *testing.T) {
	t.Parallel()
	m, path := newWorkspace(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("host-secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(path, "esc")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, _, err := m.ReadFile("sb-1", "esc/secret.txt", 1<<10); !appErr.Is(err, appErr.PathOutsideSandbox) {
		t.Fatalf("read through symlinked dir must be rejected, got %v", err)
	}
	if err := m.WriteFile("sb-1", "esc/planted.txt", []byte("x")); !appErr.Is(err, appErr.PathOutsideSandbox) {
		t.Fatalf("write through symlinked dir must be rejected, got %v", err)
	}
	if err := m.DeleteFile("sb-1", "esc/secret.txt"); !appErr.Is(err, appErr.PathOutsideSandbox) {
		t.Fatalf("delete through symlinked dir must be rejected, got %v", err)
	}
	if _, err := m.ListDir("sb-1", "esc"); !appErr.Is(err, appErr.PathOutsideSandbox) {
		t.Fatalf("list through symlinked dir must be rejected, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(outside, "secret.txt"))
	if err != nil || string(data) != "host-secret" {
		t.Fatalf("outside file was touched: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(outside, "planted.txt")); !os.IsNotExist(err) {
		t.Fatalf("write escaped the workspace: %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)
	if _, _, err := m.ReadFile("sb-1", "nope.txt", 10); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected file not found, got %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)
	if err := m.WriteFile("sb-1", "dir/a.txt", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := m.DeleteFile("sb-1", "dir"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, _, err := m.ReadFile("sb-1", "dir/a.txt", 10); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected file gone, got %v", err)
	}
	if err := m.DeleteFile("sb-1", "dir"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := m.DeleteFile("sb-1", "/"); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("deleting the workspace root must be rejected, got %v", err)
	}
}

func TestListDirOrdersDirectoriesFirst(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)
	if err := m.WriteFile("sb-1", "b.txt", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFile("sb-1", "a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFile("sb-1", "zdir/nested.txt", []byte("n")); err != nil {
		t.Fatal(err)
	}

	entries, err := m.ListDir("sb-1", "/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"zdir", "a.txt", "b.txt"}
	if len(names) != len(want) {
		t.Fatalf("unexpected entries: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	if !entries[0].IsDir {
		t.Fatalf("directory flag missing on %s", entries[0].Name)
	}
	if entries[1].Path != "/a.txt" {
		t.Fatalf("unexpected listed path: %q", entries[1].Path)
	}
}

func TestCopyFile(t *testing.T) {
	t.Parallel()
	m, _ := newWorkspace(t)
	if err := m.WriteFile("sb-1", "src.txt", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := m.CopyFile("sb-1", "src.txt", "backup/dst.txt"); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	data, _, err := m.ReadFile("sb-1", "backup/dst.txt", 1<<10)
	if err != nil {
		t.Fatalf("read copy failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("copy content mismatch: %q", data)
	}
	if err := m.CopyFile("sb-1", "missing.txt", "x"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected not found for missing source, got %v", err)
	}
}

func TestFileOpsRequireOwnedWorkspace(t *testing.T) {
	t.Parallel()
	m := newManager(t, workspace.Config{})
	if _, _, err := m.ReadFile("sb-ghost", "a.txt", 10); !appErr.Is(err, appErr.WorkspaceNotFound) {
		t.Fatalf("expected workspace not found, got %v", err)
	}
}
