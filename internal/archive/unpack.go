package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

type reader struct {
	f  *os.File
	tr *tar.Reader
}

func openReader(archivePath string) (*reader, error) {
	f, err := os.Open(archivePath) // #nosec G304 - archive path chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read xz stream: %w", err)
	}

	return &reader{f: f, tr: tar.NewReader(xr)}, nil
}

func (r *reader) Close() error {
	return r.f.Close()
}

func cleanEntryName(name string) string {
	name = strings.TrimPrefix(name, "./")
	return strings.TrimSuffix(name, "/")
}

// ReadEntry returns the contents of the named entry. It stops reading as soon
// as the entry is found and returns ErrEntryNotFound when it is absent.
func ReadEntry(archivePath, name string) ([]byte, error) {
	r, err := openReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	want := cleanEntryName(name)
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if cleanEntryName(hdr.Name) != want || hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Size > MaxEntrySize {
			return nil, fmt.Errorf("entry %s exceeds maximum size", name)
		}

		data, err := io.ReadAll(io.LimitReader(r.tr, hdr.Size))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", name, err)
		}
		return data, nil
	}
}

// List returns the entry names of an archive in stored order.
func List(archivePath string) ([]string, error) {
	r, err := openReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var names []string
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		names = append(names, hdr.Name)
	}
}

// ExtractAll unpacks every entry beneath destDir and returns the number of entries
// written. On failure destDir may hold a partial extraction.
func ExtractAll(archivePath, destDir string) (int, error) {
	r, err := openReader(archivePath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	dest, err := filepath.Abs(destDir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve destination: %w", err)
	}
	if err := os.MkdirAll(dest, 0750); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	count := 0
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read archive: %w", err)
		}

		name := cleanEntryName(hdr.Name)
		if name == "" || name == "." {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if !within(dest, target) {
			return count, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0700); err != nil {
				return count, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(r.tr, hdr, target); err != nil {
				return count, err
			}
		default:
			continue
		}
		count++
	}
}

func extractFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if hdr.Size > MaxEntrySize {
		return fmt.Errorf("entry %s exceeds maximum size", hdr.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm()) // #nosec G304 - target checked against destination
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}

	_, err = io.Copy(f, io.LimitReader(tr, MaxEntrySize)) // #nosec G110 - bounded by MaxEntrySize
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}

	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
