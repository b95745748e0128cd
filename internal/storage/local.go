package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/models"
)

// LocalStorage keeps archives in a directory. Archives written there directly
// by a backup are listed too, with metadata read from their mapping.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(config *LocalConfig) (*LocalStorage, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required for local storage")
	}

	if err := os.MkdirAll(config.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath: config.BasePath,
	}, nil
}

func (l *LocalStorage) dataPath(id string) string {
	return filepath.Join(l.basePath, id+dataSuffix)
}

func (l *LocalStorage) metadataPath(id string) string {
	return filepath.Join(l.basePath, id+metadataSuffix)
}

func (l *LocalStorage) Store(ctx context.Context, a *Archive) error {
	dataPath := l.dataPath(a.ID)

	if !isSameFile(a.DataReader, dataPath) {
		if err := l.writeData(dataPath, a.DataReader); err != nil {
			return err
		}
	}

	if err := l.writeMetadata(l.metadataPath(a.ID), a.Info); err != nil {
		if removeErr := os.Remove(dataPath); removeErr != nil && !os.IsNotExist(removeErr) {
			fmt.Printf("Warning: failed to remove archive file: %v\n", removeErr)
		}
		return err
	}
	return nil
}

func (l *LocalStorage) writeData(dataPath string, r io.Reader) error {
	dataFile, err := os.Create(dataPath) // #nosec G304 - controlled archive storage path
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	_, err = io.Copy(dataFile, r)
	if closeErr := dataFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(dataPath); removeErr != nil {
			fmt.Printf("Warning: failed to remove archive file: %v\n", removeErr)
		}
		return fmt.Errorf("failed to write archive data: %w", err)
	}
	return nil
}

func (l *LocalStorage) writeMetadata(path string, info ArchiveInfo) error {
	metadataFile, err := os.Create(path) // #nosec G304 - controlled archive storage path
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}

	err = json.NewEncoder(metadataFile).Encode(info)
	if closeErr := metadataFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil {
			fmt.Printf("Warning: failed to remove metadata file: %v\n", removeErr)
		}
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (l *LocalStorage) Retrieve(ctx context.Context, id string) (*Archive, error) {
	info, err := l.info(id)
	if err != nil {
		return nil, err
	}

	dataFile, err := os.Open(l.dataPath(id)) // #nosec G304 - controlled archive storage path
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}

	return &Archive{
		ID:         id,
		Info:       info,
		DataReader: dataFile,
	}, nil
}

// info reads the sidecar of an archive, falling back to the archive's mapping
func (l *LocalStorage) info(id string) (ArchiveInfo, error) {
	stat, err := os.Stat(l.dataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ArchiveInfo{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
		}
		return ArchiveInfo{}, fmt.Errorf("failed to stat archive: %w", err)
	}

	metadataFile, err := os.Open(l.metadataPath(id)) // #nosec G304 - controlled archive storage path
	if err == nil {
		defer func() {
			if err := metadataFile.Close(); err != nil {
				fmt.Printf("Warning: failed to close metadata file: %v\n", err)
			}
		}()
		var info ArchiveInfo
		if err := json.NewDecoder(metadataFile).Decode(&info); err != nil {
			return ArchiveInfo{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
		return info, nil
	}
	if !os.IsNotExist(err) {
		return ArchiveInfo{}, fmt.Errorf("failed to open metadata file: %w", err)
	}

	data, err := archive.ReadEntry(l.dataPath(id), models.MappingFileName)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("failed to read mapping of %s: %w", id, err)
	}
	mapping, err := models.DecodeMapping(data)
	if err != nil {
		return ArchiveInfo{}, err
	}

	info := InfoFromMapping(id, mapping, strings.Contains(id, "_partial_"), stat.Size())
	if _, err := mapping.Time(); err != nil {
		info.CreatedAt = stat.ModTime()
	}
	return info, nil
}

func (l *LocalStorage) List(ctx context.Context) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []ArchiveInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), dataSuffix) {
			continue
		}
		info, err := l.info(ArchiveID(entry.Name()))
		if err != nil {
			continue
		}
		archives = append(archives, info)
	}

	return archives, nil
}

func (l *LocalStorage) Delete(ctx context.Context, id string) error {
	exists, err := l.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}

	if err := os.Remove(l.dataPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive file: %w", err)
	}

	if err := os.Remove(l.metadataPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata file: %w", err)
	}

	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := os.Stat(l.dataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check archive existence: %w", err)
	}

	return true, nil
}

func isSameFile(r io.Reader, path string) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}
