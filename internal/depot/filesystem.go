package depot

import (
	"errors"
	"os"
	"syscall"
)

// copyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func copyOrLinkFile(srcPath string, destPath string) error {
	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		return err
	}
	return destFile.Sync()
}

// moveFile renames srcPath to destPath. When the two live on different
// filesystems the rename fails with EXDEV and the contents are copied into
// place instead.
func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || linkErr.Err != syscall.EXDEV {
		return err
	}

	if copyErr := copyOrLinkFile(srcPath, destPath); copyErr != nil {
		return copyErr
	}

	// Best-effort cleanup of the source file; ignore ENOENT in case it was
	// already removed.
	if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}
