package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/storage"
	"github.com/ypeckstadt/dockbak/pkg/version"
	"go.uber.org/zap"
)

// BackupOptions selects what to back up
type BackupOptions struct {
	// Container is a container name, ID or ID prefix
	Container string
	// Path backs up a single host path instead of the container's volumes
	Path string
	// OutputDir receives the archive; defaults to the client's backup directory
	OutputDir string
	// Volumes narrows the backup to the named volumes
	Volumes []string
	// Excludes are substrings; matching paths and volumes are skipped
	Excludes []string
	// Restart restarts the container afterwards, whatever the outcome
	Restart bool
	// Upload stores the archive in the configured storage backend
	Upload bool
}

// BackupResult describes a finished backup
type BackupResult struct {
	Container models.ContainerRef
	Archive   string
	Volumes   []models.VolumeRef
	Partial   bool
	Entries   int
	Skipped   []string
	Size      int64
	StorageID string
}

// Backup stops the container, packs its volumes and the mapping into one
// archive and optionally uploads it.
func (c *Client) Backup(ctx context.Context, opts BackupOptions) (result *BackupResult, err error) {
	container, err := c.ResolveContainer(ctx, opts.Container)
	if err != nil {
		return nil, err
	}
	if opts.Restart {
		defer c.restartAfter(ctx, container, &err)
	}

	volumes, total, err := c.backupVolumes(ctx, container, opts)
	if err != nil {
		return nil, err
	}

	c.printf("📦 Backing up %d volume(s) of %s\n", len(volumes), container.Name)
	for _, v := range volumes {
		c.verbosef("   %s: %s -> %s\n", v.Name, v.Source, v.Destination)
	}

	if err := c.readiness().EnsureStopped(ctx, container); err != nil {
		return nil, err
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = c.backupDir
	}
	if err := fsutil.EnsureDir(outputDir); err != nil {
		return nil, err
	}

	now := c.now()
	partial := len(volumes) < total
	archivePath := filepath.Join(outputDir, models.ArchiveFileName(container.Name, partial, now))

	mapping := models.NewBackupMapping(container, volumes, now, version.Version)
	mappingData, err := models.EncodeMapping(mapping)
	if err != nil {
		return nil, err
	}

	sources := make([]archive.Source, 0, len(volumes))
	for _, v := range volumes {
		sources = append(sources, archive.Source{Path: v.Source, Name: v.Name})
	}

	spinner := c.spinner(fmt.Sprintf("Compressing %s", filepath.Base(archivePath)))
	summary, err := archive.PackFile(archivePath, sources,
		[]archive.MemoryEntry{{Name: models.MappingFileName, Data: mappingData, ModTime: now}}, opts.Excludes)
	spinner.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	for _, p := range summary.Skipped {
		c.logger.Debug("skipped unreachable path", zap.String("path", p))
	}
	if len(summary.Skipped) > 0 {
		c.printf("⚠️  Skipped %d dangling or cyclic link(s)\n", len(summary.Skipped))
	}
	entries := summary.Entries

	result = &BackupResult{
		Container: container,
		Archive:   archivePath,
		Volumes:   volumes,
		Partial:   partial,
		Entries:   entries,
		Skipped:   summary.Skipped,
	}
	if info, statErr := os.Stat(archivePath); statErr == nil {
		result.Size = info.Size()
	}
	c.logger.Info("backup written",
		zap.String("container", container.Name),
		zap.String("archive", archivePath),
		zap.Int("entries", entries),
		zap.Int64("size", result.Size))
	c.printf("✅ Backup written to %s (%s, %d entries)\n", archivePath, humanize.IBytes(uint64(result.Size)), entries)

	if opts.Upload {
		if err := c.upload(ctx, result, mapping); err != nil {
			return result, err
		}
	}

	return result, nil
}

// backupVolumes resolves the volume set and the number of volumes it was chosen from.
func (c *Client) backupVolumes(ctx context.Context, container models.ContainerRef, opts BackupOptions) ([]models.VolumeRef, int, error) {
	if opts.Path != "" {
		abs, err := filepath.Abs(opts.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resolve %s: %w", opts.Path, err)
		}
		if !fsutil.Exists(abs) {
			return nil, 0, fmt.Errorf("%w: %s", archive.ErrSourceNotFound, abs)
		}
		return []models.VolumeRef{{Name: filepath.Base(abs), Source: abs, Destination: abs}}, 1, nil
	}

	all, err := c.runtime.ContainerVolumes(ctx, container.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get volumes of %s: %w", container.Name, err)
	}
	if len(all) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoVolumes, container.Name)
	}

	selected, err := selectVolumes(all, opts.Volumes)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", container.Name, err)
	}

	kept := selected[:0:0]
	for _, v := range selected {
		if archive.Excluded(v.Source, opts.Excludes) {
			c.printf("⏭️  Skipping volume %s, %s matches an exclude pattern\n", v.Name, v.Source)
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return nil, 0, fmt.Errorf("%w: every volume of %s is excluded", ErrNoVolumesSelected, container.Name)
	}

	if err := checkDuplicateNames(kept); err != nil {
		return nil, 0, err
	}
	return kept, len(all), nil
}

// selectVolumes narrows volumes to names. An empty names list selects everything.
func selectVolumes(volumes []models.VolumeRef, names []string) ([]models.VolumeRef, error) {
	if len(names) == 0 {
		return volumes, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			wanted[n] = true
		}
	}

	var selected []models.VolumeRef
	for _, v := range volumes {
		if wanted[v.Name] {
			selected = append(selected, v)
			delete(wanted, v.Name)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("%w: unknown volume(s) %s", ErrNoVolumesSelected, strings.Join(missing, ", "))
	}
	if len(selected) == 0 {
		return nil, ErrNoVolumesSelected
	}
	return selected, nil
}

func checkDuplicateNames(volumes []models.VolumeRef) error {
	seen := make(map[string]string, len(volumes))
	for _, v := range volumes {
		if prev, ok := seen[v.Name]; ok {
			return fmt.Errorf("%w %q: %s and %s", ErrDuplicateVolume, v.Name, prev, v.Source)
		}
		seen[v.Name] = v.Source
	}
	return nil
}

func (c *Client) upload(ctx context.Context, result *BackupResult, mapping *models.BackupMapping) error {
	if c.storage == nil {
		return ErrStorageUnavailable
	}

	f, err := os.Open(result.Archive) // #nosec G304 - archive was just written by this client
	if err != nil {
		return fmt.Errorf("failed to open archive for upload: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && c.verbose {
			fmt.Fprintf(c.out, "Warning: failed to close archive: %v\n", err)
		}
	}()

	id := storage.ArchiveID(result.Archive)
	info := storage.InfoFromMapping(id, mapping, result.Partial, result.Size)

	var reader io.Reader = f
	if c.progress && !c.quiet {
		pr := NewProgressReader(f, result.Size, "Uploading", c.out)
		defer pr.Close()
		reader = pr
	}

	if err := c.storage.Store(ctx, &storage.Archive{ID: id, Info: info, DataReader: reader}); err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", id, err)
	}

	result.StorageID = id
	c.printf("☁️  Archive stored as %s\n", id)
	return nil
}
