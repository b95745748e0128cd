package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/storage"
	"go.uber.org/zap"
)

// RestoreOptions selects what to restore and where
type RestoreOptions struct {
	// Container is a container name, ID or ID prefix
	Container string
	// File is an archive path, a directory to search for the newest archive of
	// the container, or a storage archive ID when FromStorage is set.
	// Empty means the newest archive in the backup directory or storage.
	File string
	// OutputDir extracts the archive there instead of restoring in place
	OutputDir string
	// Volumes narrows the restore to the named volumes
	Volumes []string
	// Restart restarts the container afterwards, whatever the outcome
	Restart bool
	// FromStorage fetches the archive from the configured storage backend
	FromStorage bool
	// Confirm is asked before the container is stopped; nil means yes
	Confirm func(prompt string) bool
}

// ReadMapping returns the mapping stored in an archive
func ReadMapping(archivePath string) (*models.BackupMapping, error) {
	data, err := archive.ReadEntry(archivePath, models.MappingFileName)
	if err != nil {
		if errors.Is(err, archive.ErrEntryNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotBackupArchive, archivePath)
		}
		return nil, err
	}
	return models.DecodeMapping(data)
}

// Restore validates an archive against the container, stops the container and
// writes the archived data back. Per-volume failures do not fail the call;
// inspect the returned result with RestoreResult.Err.
func (c *Client) Restore(ctx context.Context, opts RestoreOptions) (result *RestoreResult, err error) {
	container, err := c.ResolveContainer(ctx, opts.Container)
	if err != nil {
		return nil, err
	}
	if opts.Restart {
		defer c.restartAfter(ctx, container, &err)
	}

	archivePath, cleanup, err := c.locateArchive(ctx, container, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	mapping, err := ReadMapping(archivePath)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(mapping, container); err != nil {
		return nil, err
	}

	volumes, err := selectVolumes(mapping.Volumes, opts.Volumes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(archivePath), err)
	}

	c.printf("📦 Restoring %s from %s (taken %s)\n", container.Name, filepath.Base(archivePath), mapping.BackupTime)
	for _, v := range volumes {
		c.verbosef("   %s -> %s\n", v.Name, v.Source)
	}

	if opts.Confirm != nil {
		prompt := fmt.Sprintf("This will overwrite data of %d volume(s) of %s", len(volumes), container.Name)
		if opts.OutputDir != "" {
			prompt = fmt.Sprintf("This will extract %s into %s", filepath.Base(archivePath), opts.OutputDir)
		}
		if !opts.Confirm(prompt) {
			return nil, ErrCancelled
		}
	}

	if err := c.readiness().EnsureStopped(ctx, container); err != nil {
		return nil, err
	}

	spinner := c.spinner("Restoring")
	if opts.OutputDir != "" {
		result, err = c.executor().RestoreToDirectory(ctx, archivePath, mapping, container, opts.OutputDir)
	} else {
		result, err = c.executor().RestoreInPlace(ctx, archivePath, mapping, container, volumes)
	}
	spinner.Stop()
	if err != nil {
		return result, err
	}

	c.logger.Info("restore finished",
		zap.String("container", container.Name),
		zap.String("archive", archivePath),
		zap.Int("restored", len(result.Restored())),
		zap.Int("skipped", len(result.Skipped())),
		zap.Int("failed", len(result.Failed())))
	return result, nil
}

// locateArchive returns a local path for the archive to restore and a cleanup
// function that removes any temporary download.
func (c *Client) locateArchive(ctx context.Context, container models.ContainerRef, opts RestoreOptions) (string, func(), error) {
	noop := func() {}

	if opts.FromStorage {
		return c.downloadArchive(ctx, container, opts.File)
	}

	file := opts.File
	if file == "" {
		file = c.backupDir
	}

	info, err := os.Stat(file)
	if err != nil {
		return "", noop, fmt.Errorf("archive %s: %w", file, err)
	}
	if !info.IsDir() {
		return file, noop, nil
	}

	newest, err := fsutil.NewestMatching(file, container.Name+"_", models.ArchiveExt)
	if err != nil {
		return "", noop, fmt.Errorf("no archive for %s: %w", container.Name, err)
	}
	c.printf("🔎 Using newest archive %s\n", filepath.Base(newest))
	return newest, noop, nil
}

func (c *Client) downloadArchive(ctx context.Context, container models.ContainerRef, id string) (string, func(), error) {
	noop := func() {}
	if c.storage == nil {
		return "", noop, ErrStorageUnavailable
	}

	if id == "" {
		latest, err := storage.NewCatalog(c.storage).Latest(ctx, container.Name)
		if err != nil {
			return "", noop, err
		}
		id = latest.ID
	}
	id = storage.ArchiveID(id)

	stored, err := c.storage.Retrieve(ctx, id)
	if err != nil {
		return "", noop, fmt.Errorf("failed to retrieve archive %s: %w", id, err)
	}
	defer func() {
		if closer, ok := stored.DataReader.(io.Closer); ok {
			if err := closer.Close(); err != nil && c.verbose {
				fmt.Fprintf(c.out, "Warning: failed to close archive reader: %v\n", err)
			}
		}
	}()

	tmp, err := os.CreateTemp("", "dockbak-*"+models.ArchiveExt)
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temporary file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove downloaded archive", zap.String("path", tmp.Name()), zap.Error(err))
		}
	}

	var src io.Reader = stored.DataReader
	if c.progress && !c.quiet && stored.Info.Size > 0 {
		pr := NewProgressReader(src, stored.Info.Size, "Downloading", c.out)
		defer pr.Close()
		src = pr
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to download archive %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to write downloaded archive: %w", err)
	}

	c.printf("☁️  Downloaded archive %s\n", id)
	return tmp.Name(), cleanup, nil
}

// Inspect prints the mapping and contents of an archive
func (c *Client) Inspect(archivePath string, w io.Writer) error {
	mapping, err := ReadMapping(archivePath)
	if err != nil {
		return err
	}
	entries, err := archive.List(archivePath)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Archive: %s\n", filepath.Base(archivePath))
	fmt.Fprintf(w, "Container: %s (%s)\n", mapping.ContainerName, models.ContainerRef{ID: mapping.ContainerID}.ShortID())
	fmt.Fprintf(w, "Backup time: %s\n", mapping.BackupTime)
	fmt.Fprintf(w, "Tool version: %s\n", mapping.Version)
	fmt.Fprintf(w, "Entries: %d\n", len(entries))
	fmt.Fprintf(w, "Volumes: %d\n", len(mapping.Volumes))
	for _, v := range mapping.Volumes {
		fmt.Fprintf(w, "  - %s: %s -> %s\n", v.Name, v.Source, v.Destination)
	}

	if c.verbose {
		fmt.Fprintln(w, "\nContents:")
		for _, e := range entries {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	return nil
}
