package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// copyFileExclusive copies srcPath to destPath, failing with fs.ErrExist if
// the destination already exists. The destination is never truncated.
func copyFileExclusive(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, srcFile); err != nil {
		// Don't leave a truncated destination behind.
		_ = os.Remove(destPath)
		return err
	}

	return destFile.Sync()
}

// linkOrCopyExclusive places the contents of srcPath at destPath without ever
// clobbering an existing destination. It first attempts a hard link, which is
// atomic and exclusive; if linking is unsupported (or crosses filesystems) it
// falls back to an exclusive-create copy. srcPath is left in place either way.
func linkOrCopyExclusive(srcPath string, destPath string) error {
	err := os.Link(srcPath, destPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		switch linkErr.Err {
		case syscall.EXDEV, syscall.EPERM, syscall.ENOTSUP:
			return copyFileExclusive(srcPath, destPath)
		}
	}

	return err
}
