package workspace

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	appErr "isolator/pkg/errors"
)

// FileInfo describes one entry inside a workspace.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at"`
}

// openRoot opens the workspace as a traversal root. Every file operation goes
// through it, so symlinks planted by sandboxed code cannot lead a lookup
// outside the workspace.
func (m *Manager) openRoot(sandboxID string) (*os.Root, error) {
	path, err := m.Path(sandboxID)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FileOpFailed, "open workspace failed").WithSandbox(sandboxID)
	}
	return root, nil
}

// rootRel normalizes a caller-supplied path into a name relative to the
// workspace root. Leading slashes and dot-dot segments collapse inside it.
func rootRel(rel string) string {
	clean := filepath.Clean("/" + rel)
	if clean == "/" {
		return "."
	}
	return strings.TrimPrefix(clean, "/")
}

// escapes reports whether the root refused a lookup because it would leave
// the workspace.
func escapes(err error) bool {
	return err != nil && strings.Contains(err.Error(), "path escapes from parent")
}

func classify(err error, sandboxID, path string) error {
	if escapes(err) {
		return appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return appErr.New(appErr.FileNotFound).WithSandbox(sandboxID).WithDetail("path", path)
	}
	return appErr.Wrapf(err, appErr.FileOpFailed, "file lookup failed").WithSandbox(sandboxID).WithDetail("path", path)
}

// ReadFile returns up to maxBytes of the file, with a truncation flag.
func (m *Manager) ReadFile(sandboxID, path string, maxBytes int64) ([]byte, bool, error) {
	root, err := m.openRoot(sandboxID)
	if err != nil {
		return nil, false, err
	}
	defer root.Close()
	name := rootRel(path)
	info, err := root.Lstat(name)
	if err != nil {
		return nil, false, classify(err, sandboxID, path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, false, appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", path)
	}
	if info.IsDir() {
		return nil, false, appErr.New(appErr.InvalidParams).WithMessage("path is a directory")
	}
	f, err := root.Open(name)
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.FileOpFailed, "open file failed").WithSandbox(sandboxID)
	}
	defer f.Close()
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.FileOpFailed, "read file failed").WithSandbox(sandboxID)
	}
	return data, info.Size() > maxBytes, nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (m *Manager) WriteFile(sandboxID, path string, data []byte) error {
	root, err := m.openRoot(sandboxID)
	if err != nil {
		return err
	}
	defer root.Close()
	name := rootRel(path)
	if name == "." {
		return appErr.New(appErr.InvalidParams).WithMessage("path is a directory")
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			if escapes(err) {
				return appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", path)
			}
			return appErr.Wrapf(err, appErr.FileOpFailed, "create parent dir failed").WithSandbox(sandboxID)
		}
	}
	if err := root.WriteFile(name, data, 0o644); err != nil {
		if escapes(err) {
			return appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", path)
		}
		return appErr.Wrapf(err, appErr.FileOpFailed, "write file failed").WithSandbox(sandboxID)
	}
	return nil
}

// DeleteFile removes a file or directory tree.
func (m *Manager) DeleteFile(sandboxID, path string) error {
	root, err := m.openRoot(sandboxID)
	if err != nil {
		return err
	}
	defer root.Close()
	name := rootRel(path)
	if name == "." {
		return appErr.New(appErr.InvalidParams).WithMessage("cannot delete the workspace root")
	}
	if _, err := root.Lstat(name); err != nil {
		return classify(err, sandboxID, path)
	}
	if err := root.RemoveAll(name); err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "delete failed").WithSandbox(sandboxID)
	}
	return nil
}

// ListDir lists one directory level, directories first then by name.
func (m *Manager) ListDir(sandboxID, path string) ([]FileInfo, error) {
	root, err := m.openRoot(sandboxID)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	dir, err := root.Open(rootRel(path))
	if err != nil {
		return nil, classify(err, sandboxID, path)
	}
	defer dir.Close()
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, appErr.New(appErr.FileNotFound).WithSandbox(sandboxID).WithDetail("path", path)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:       e.Name(),
			Path:       filepath.ToSlash(filepath.Join(filepath.Clean("/"+path), e.Name())),
			Size:       info.Size(),
			Mode:       info.Mode().String(),
			IsDir:      e.IsDir(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// CopyFile copies a regular file to a new path inside the same workspace.
func (m *Manager) CopyFile(sandboxID, src, dst string) error {
	root, err := m.openRoot(sandboxID)
	if err != nil {
		return err
	}
	defer root.Close()
	srcName := rootRel(src)
	dstName := rootRel(dst)
	info, err := root.Lstat(srcName)
	if err != nil {
		return classify(err, sandboxID, src)
	}
	if !info.Mode().IsRegular() {
		return appErr.New(appErr.InvalidParams).WithMessage("source is not a regular file")
	}
	in, err := root.Open(srcName)
	if err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "open source failed").WithSandbox(sandboxID)
	}
	defer in.Close()
	if dir := filepath.Dir(dstName); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			if escapes(err) {
				return appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", dst)
			}
			return appErr.Wrapf(err, appErr.FileOpFailed, "create parent dir failed").WithSandbox(sandboxID)
		}
	}
	out, err := root.OpenFile(dstName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		if escapes(err) {
			return appErr.New(appErr.PathOutsideSandbox).WithSandbox(sandboxID).WithDetail("path", dst)
		}
		return appErr.Wrapf(err, appErr.FileOpFailed, "create destination failed").WithSandbox(sandboxID)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return appErr.Wrapf(err, appErr.FileOpFailed, "copy failed").WithSandbox(sandboxID)
	}
	return out.Close()
}
