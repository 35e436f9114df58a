package workspace

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	appErr "isolator/pkg/errors"
)

// archiveDir writes a zstd-compressed tarball of dir to dstPath.
func archiveDir(dir, dstPath string) error {
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "create archive failed")
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks are skipped rather than followed; a workspace archive
		// must never reach outside the workspace.
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.FileOpFailed, "archive workspace failed")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.FileOpFailed, "finish tar failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.FileOpFailed, "finish zstd failed")
	}
	return nil
}
