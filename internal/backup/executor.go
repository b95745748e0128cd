package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/privilege"
	"go.uber.org/zap"
)

// VolumeState is the outcome of restoring one volume
type VolumeState string

const (
	VolumeRestored VolumeState = "restored"
	VolumeSkipped  VolumeState = "skipped"
	VolumeFailed   VolumeState = "failed"
)

// VolumeOutcome records what happened to a single volume during restore
type VolumeOutcome struct {
	Volume   models.VolumeRef
	State    VolumeState
	Elevated bool
	Err      error
}

// RestoreResult aggregates the per-volume outcomes of a restore
type RestoreResult struct {
	Container models.ContainerRef
	Archive   string
	OutputDir string
	Entries   int
	Volumes   []VolumeOutcome
}

func (r *RestoreResult) filter(state VolumeState) []VolumeOutcome {
	var out []VolumeOutcome
	for _, v := range r.Volumes {
		if v.State == state {
			out = append(out, v)
		}
	}
	return out
}

// Restored returns the volumes whose data was written
func (r *RestoreResult) Restored() []VolumeOutcome { return r.filter(VolumeRestored) }

// Skipped returns the volumes absent from the archive
func (r *RestoreResult) Skipped() []VolumeOutcome { return r.filter(VolumeSkipped) }

// Failed returns the volumes that could not be written
func (r *RestoreResult) Failed() []VolumeOutcome { return r.filter(VolumeFailed) }

// Err summarizes failed volumes as an ErrPartialRestore, or returns nil
func (r *RestoreResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s (%v)", f.Volume.Name, f.Err))
	}
	return fmt.Errorf("%w: %d of %d: %s", ErrPartialRestore, len(failed), len(r.Volumes), strings.Join(parts, "; "))
}

// Executor writes archive contents back to the host filesystem
type Executor struct {
	Bridge privilege.Bridge
	Copy   func(from, to string) error
	Out    io.Writer
	Logger *zap.Logger
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Executor) out() io.Writer {
	if e.Out == nil {
		return io.Discard
	}
	return e.Out
}

func checkTarget(mapping *models.BackupMapping, target models.ContainerRef) error {
	if mapping.ContainerName != target.Name {
		return fmt.Errorf("%w: archive is for %q, target is %q", ErrContainerMismatch, mapping.ContainerName, target.Name)
	}
	return nil
}

// RestoreInPlace extracts the archive to a scratch directory and copies each
// volume's subtree over the volume's source path, merging with existing files.
// Permission errors are retried through the privilege bridge. Failure of one
// volume does not stop the others; see RestoreResult.Err.
func (e *Executor) RestoreInPlace(ctx context.Context, archivePath string, mapping *models.BackupMapping, target models.ContainerRef, volumes []models.VolumeRef) (*RestoreResult, error) {
	if err := checkTarget(mapping, target); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "dockbak-restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger().Warn("failed to remove scratch directory", zap.String("path", scratch), zap.Error(err))
		}
	}()

	entries, err := archive.ExtractAll(archivePath, scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}
	e.logger().Debug("archive extracted", zap.String("scratch", scratch), zap.Int("entries", entries))

	result := &RestoreResult{Container: target, Archive: archivePath, Entries: entries}
	for _, v := range volumes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Volumes = append(result.Volumes, e.restoreVolume(ctx, scratch, v))
	}
	return result, nil
}

func (e *Executor) restoreVolume(ctx context.Context, scratch string, v models.VolumeRef) VolumeOutcome {
	src := filepath.Join(scratch, v.Name)
	if !fsutil.Exists(src) {
		fmt.Fprintf(e.out(), "⚠️  Volume %s not found in archive, skipping\n", v.Name)
		return VolumeOutcome{Volume: v, State: VolumeSkipped}
	}

	fmt.Fprintf(e.out(), "📥 Restoring %s -> %s\n", v.Name, v.Source)
	copyFn := e.Copy
	if copyFn == nil {
		copyFn = fsutil.CopyContents
	}

	err := copyFn(src, v.Source)
	if err == nil {
		return VolumeOutcome{Volume: v, State: VolumeRestored}
	}

	if !fsutil.IsPermission(err) || e.Bridge == nil || e.Bridge.HasPrivilege() {
		fmt.Fprintf(e.out(), "❌ Failed to restore %s: %v\n", v.Name, err)
		return VolumeOutcome{Volume: v, State: VolumeFailed, Err: err}
	}

	fmt.Fprintf(e.out(), "🔐 Permission denied for %s, retrying with elevated privileges\n", v.Source)
	e.logger().Info("retrying restore with elevated privileges", zap.String("volume", v.Name), zap.Error(err))
	if perr := e.Bridge.PrivilegedCopy(ctx, src, v.Source); perr != nil {
		fmt.Fprintf(e.out(), "❌ Failed to restore %s: %v\n", v.Name, perr)
		return VolumeOutcome{Volume: v, State: VolumeFailed, Elevated: true, Err: perr}
	}
	return VolumeOutcome{Volume: v, State: VolumeRestored, Elevated: true}
}

// RestoreToDirectory extracts the whole archive into outputDir without
// touching the volumes' source paths.
func (e *Executor) RestoreToDirectory(ctx context.Context, archivePath string, mapping *models.BackupMapping, target models.ContainerRef, outputDir string) (*RestoreResult, error) {
	if err := checkTarget(mapping, target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fmt.Fprintf(e.out(), "📂 Extracting %s to %s\n", filepath.Base(archivePath), outputDir)
	entries, err := archive.ExtractAll(archivePath, outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to extract archive to %s: %w", outputDir, err)
	}

	result := &RestoreResult{Container: target, Archive: archivePath, OutputDir: outputDir, Entries: entries}
	for _, v := range mapping.Volumes {
		state := VolumeRestored
		if !fsutil.Exists(filepath.Join(outputDir, v.Name)) {
			state = VolumeSkipped
		}
		result.Volumes = append(result.Volumes, VolumeOutcome{Volume: v, State: state})
	}
	return result, nil
}
