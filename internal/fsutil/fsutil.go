// Package fsutil holds filesystem helpers shared by backup and restore.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

// ErrNoMatch is returned by NewestMatching when no file qualifies.
var ErrNoMatch = errors.New("no matching file found")

// CopyContents copies from into to. When from is a directory its contents are
// merged into to, overwriting files that already exist and leaving other files
// in place. Symbolic links are copied as the content they point at.
func CopyContents(from, to string) error {
	opts := copy.Options{
		OnDirExists: func(src, dest string) copy.DirExistsAction {
			return copy.Merge
		},
		OnSymlink: func(src string) copy.SymlinkAction {
			return copy.Deep
		},
		PreserveTimes: true,
	}
	if err := copy.Copy(from, to, opts); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", from, to, err)
	}
	return nil
}

// IsPermission reports whether err was caused by insufficient permissions.
func IsPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

// EnsureDir creates dir and its parents if needed.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether p exists.
func Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// NewestMatching returns the most recently modified regular file in dir whose
// name starts with prefix and ends with suffix.
func NewestMatching(dir, prefix, suffix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var newest string
	var newestInfo fs.FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) {
			newest = filepath.Join(dir, name)
			newestInfo = info
		}
	}

	if newest == "" {
		return "", fmt.Errorf("%w in %s for %q", ErrNoMatch, dir, prefix)
	}
	return newest, nil
}
