// Package archive reads and writes the .tar.xz backup archives.
//
// An archive holds synthesized in-memory entries (the backup mapping) followed
// by one subtree per source, each rooted under the source name.
package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/ulikunitz/xz"
)

var (
	// ErrSourceNotFound is returned when a source path does not exist.
	ErrSourceNotFound = errors.New("source path does not exist")

	// ErrEntryNotFound is returned by ReadEntry when the archive has no such entry.
	ErrEntryNotFound = errors.New("entry not found in archive")

	// ErrUnsafePath is returned when an entry would be extracted outside the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination directory")
)

// MaxEntrySize caps a single extracted entry to guard against decompression bombs.
const MaxEntrySize int64 = 100 * 1024 * 1024 * 1024

// Source is a filesystem path to include in an archive.
// Entries are named relative to the parent of Path. When Name is set it
// replaces the base name of Path as the root of the subtree.
type Source struct {
	Path string
	Name string
}

func (s Source) rootName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(filepath.Clean(s.Path))
}

// MemoryEntry is a file synthesized from bytes rather than read from disk.
// A zero ModTime is written as the Unix epoch so equal inputs give equal archives.
type MemoryEntry struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Summary describes a written archive.
type Summary struct {
	// Entries is the number of tar entries written
	Entries int
	// Skipped lists paths left out because they could not be reached,
	// such as dangling or cyclic symbolic links
	Skipped []string
}

// Excluded reports whether p contains any of the non-empty patterns.
func Excluded(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}

// CheckSources verifies that every source path exists.
func CheckSources(sources []Source) error {
	for _, src := range sources {
		if _, err := os.Stat(src.Path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrSourceNotFound, src.Path)
			}
			return fmt.Errorf("failed to stat %s: %w", src.Path, err)
		}
	}
	return nil
}

// PackFile writes an archive to archivePath and returns what was written.
// The output file is not created when a source is missing and is removed on any failure.
func PackFile(archivePath string, sources []Source, entries []MemoryEntry, excludes []string) (Summary, error) {
	if err := CheckSources(sources); err != nil {
		return Summary{}, err
	}

	f, err := os.Create(archivePath) // #nosec G304 - archive path chosen by the operator
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create archive file: %w", err)
	}

	summary, err := Pack(f, sources, entries, excludes)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close archive file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(archivePath)
		return Summary{}, err
	}

	return summary, nil
}

// Pack streams an xz compressed tar archive to w. Memory entries are written
// first, followed by each source in order. Symbolic links are followed and
// any path containing an exclude pattern is skipped, together with its subtree.
// Dangling links and links back into a directory being walked are skipped and
// reported in the summary; a missing source root is an error.
func Pack(w io.Writer, sources []Source, entries []MemoryEntry, excludes []string) (Summary, error) {
	if err := CheckSources(sources); err != nil {
		return Summary{}, err
	}

	buf := bufio.NewWriter(w)
	xw, err := xz.NewWriter(buf)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	p := &packer{tw: tw, excludes: excludes}
	if err := p.packAll(sources, entries); err != nil {
		return Summary{}, err
	}

	if err := tw.Close(); err != nil {
		return Summary{}, fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := xw.Close(); err != nil {
		return Summary{}, fmt.Errorf("failed to finalize xz stream: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return Summary{}, fmt.Errorf("failed to flush archive: %w", err)
	}

	return Summary{Entries: p.count, Skipped: p.skipped}, nil
}

type packer struct {
	tw       *tar.Writer
	excludes []string
	count    int
	skipped  []string
}

func (p *packer) packAll(sources []Source, entries []MemoryEntry) error {
	for _, e := range entries {
		modTime := e.ModTime
		if modTime.IsZero() {
			modTime = time.Unix(0, 0)
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Mode:     0644,
			Size:     int64(len(e.Data)),
			ModTime:  modTime,
		}
		if err := p.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", e.Name, err)
		}
		if _, err := p.tw.Write(e.Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.Name, err)
		}
		p.count++
	}

	for _, src := range sources {
		if err := p.packSource(src); err != nil {
			return err
		}
	}
	return nil
}

func (p *packer) packSource(src Source) error {
	root := filepath.Clean(src.Path)
	if Excluded(root, p.excludes) {
		return nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return p.addPath(root, src.rootName(), info)
	}

	// real paths of the directories currently being descended, to break symlink cycles
	active := make(map[string]string)

	return godirwalk.Walk(root, &godirwalk.Options{
		FollowSymbolicLinks: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if Excluded(osPathname, p.excludes) {
				if de.IsDir() || de.IsSymlink() {
					return godirwalk.SkipThis
				}
				return nil
			}

			info, err := os.Stat(osPathname)
			if err != nil {
				if osPathname != root && unreachable(err) {
					p.skipped = append(p.skipped, osPathname)
					return godirwalk.SkipThis
				}
				return fmt.Errorf("failed to stat %s: %w", osPathname, err)
			}

			if info.IsDir() {
				resolved, err := filepath.EvalSymlinks(osPathname)
				if err != nil {
					resolved = osPathname
				}
				for _, ancestor := range active {
					if ancestor == resolved {
						p.skipped = append(p.skipped, osPathname)
						return godirwalk.SkipThis
					}
				}
				active[osPathname] = resolved
			}

			rel, err := filepath.Rel(root, osPathname)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", osPathname, err)
			}
			name := src.rootName()
			if rel != "." {
				name = path.Join(name, filepath.ToSlash(rel))
			}
			return p.addPath(osPathname, name, info)
		},
		PostChildrenCallback: func(osPathname string, _ *godirwalk.Dirent) error {
			delete(active, osPathname)
			return nil
		},
		ErrorCallback: func(osPathname string, err error) godirwalk.ErrorAction {
			if osPathname != root && unreachable(err) {
				p.skipped = append(p.skipped, osPathname)
				return godirwalk.SkipNode
			}
			return godirwalk.Halt
		},
	})
}

// unreachable reports errors of entries that vanished or loop back on themselves,
// such as dangling or cyclic symbolic links.
func unreachable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ELOOP)
}

func (p *packer) addPath(osPath, name string, info os.FileInfo) error {
	if !info.IsDir() && !info.Mode().IsRegular() {
		// sockets, devices and pipes have no content worth restoring
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", osPath, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", osPath, err)
	}
	p.count++

	if info.IsDir() {
		return nil
	}

	f, err := os.Open(osPath) // #nosec G304 - path comes from walking a backup source
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", osPath, err)
	}
	defer f.Close()

	if _, err := io.CopyN(p.tw, f, info.Size()); err != nil {
		return fmt.Errorf("failed to archive %s: %w", osPath, err)
	}
	return nil
}
