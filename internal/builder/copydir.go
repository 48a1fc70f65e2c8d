package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyDirectory recursively copies the contents of srcDir into destDir. The
// destination is removed and recreated so stale files cannot survive a
// redeploy. Symlinks and non-regular files are rejected: build output from
// untrusted uploads must not reference or include them.
func copyDirectory(srcDir, destDir string) (int, error) {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return 0, fmt.Errorf("stat source directory %q: %w", srcDir, err)
	}
	if !srcInfo.IsDir() {
		return 0, fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.RemoveAll(destDir); err != nil {
		return 0, fmt.Errorf("remove destination directory %q: %w", destDir, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory %q: %w", destDir, err)
	}

	copied := 0
	err = filepath.WalkDir(srcDir, func(srcPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relPath, err := filepath.Rel(srcDir, srcPath)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", srcPath, err)
		}
		destPath := filepath.Join(destDir, relPath)

		if entry.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in deployment output: %q", srcPath)
		}
		if entry.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}
		if !entry.Type().IsRegular() {
			return fmt.Errorf("unsupported file type in deployment output: %q (type: %v)", srcPath, entry.Type())
		}
		if err := copyFile(srcPath, destPath); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

func copyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file %q: %w", src, err)
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat source file %q: %w", src, err)
	}
	destFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination file %q: %w", dest, err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, srcFile); err != nil {
		return fmt.Errorf("copy %q to %q: %w", src, dest, err)
	}
	return nil
}
