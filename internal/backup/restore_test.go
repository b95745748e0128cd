package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/storage"
)

func (f *fixture) vol(i int, rel string) string {
	return filepath.Join(f.volumes[i].Source, filepath.FromSlash(rel))
}

// scribble changes the live volume data so a restore has something to undo.
func (f *fixture) scribble(t *testing.T) {
	t.Helper()
	write(t, f.vol(0, "file.txt"), "changed")
	write(t, f.vol(0, "extra.txt"), "added after backup")
	require.NoError(t, os.Remove(f.vol(1, "conf/app.ini")))
}

func (f *fixture) restore(t *testing.T, opts RestoreOptions) *RestoreResult {
	t.Helper()
	if opts.Container == "" {
		opts.Container = f.container.Name
	}
	result, err := f.client.Restore(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func permissionDeniedFor(dest string) func(from, to string) error {
	return func(from, to string) error {
		if to == dest {
			return &os.PathError{Op: "open", Path: to, Err: os.ErrPermission}
		}
		return fsutil.CopyContents(from, to)
	}
}

func states(result *RestoreResult) map[string]VolumeState {
	out := make(map[string]VolumeState, len(result.Volumes))
	for _, v := range result.Volumes {
		out[v.Volume.Name] = v.State
	}
	return out
}

func TestRestoreInPlaceMerges(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)

	result := f.restore(t, RestoreOptions{File: b.Archive})
	require.NoError(t, result.Err())
	assert.Len(t, result.Restored(), 2)
	assert.Empty(t, result.Skipped())

	assert.Equal(t, "one", read(t, f.vol(0, "file.txt")))
	assert.Equal(t, "added after backup", read(t, f.vol(0, "extra.txt")))
	assert.Equal(t, "ref", read(t, f.vol(0, ".git/HEAD")))
	assert.Equal(t, "debug=false", read(t, f.vol(1, "conf/app.ini")))
}

func TestRestoreSelectedVolume(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)

	result := f.restore(t, RestoreOptions{File: b.Archive, Volumes: []string{"vol2"}})
	require.Len(t, result.Volumes, 1)
	assert.Equal(t, "vol2", result.Volumes[0].Volume.Name)
	assert.Equal(t, "changed", read(t, f.vol(0, "file.txt")))
	assert.Equal(t, "debug=false", read(t, f.vol(1, "conf/app.ini")))
}

func TestRestoreContainerMismatchWritesNothing(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)
	stops := f.runtime.StopCalls()

	_, err := f.client.Restore(context.Background(), RestoreOptions{Container: "other", File: b.Archive, Restart: true})
	require.ErrorIs(t, err, ErrContainerMismatch)
	assert.Contains(t, err.Error(), `"app"`)
	assert.Equal(t, stops, f.runtime.StopCalls())
	assert.Equal(t, 1, f.runtime.RestartCalls())
	assert.Equal(t, "changed", read(t, f.vol(0, "file.txt")))
}

func TestRestoreNotBackupArchive(t *testing.T) {
	f := newFixture(t)
	p := filepath.Join(t.TempDir(), "app_all_20240101_000000.tar.xz")
	_, err := archive.PackFile(p, []archive.Source{{Path: f.volumes[0].Source, Name: "vol1"}}, nil, nil)
	require.NoError(t, err)

	_, err = f.client.Restore(context.Background(), RestoreOptions{Container: "app", File: p})
	require.ErrorIs(t, err, ErrNotBackupArchive)
}

func TestRestoreToOutputDirectory(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)
	outDir := filepath.Join(t.TempDir(), "extracted")

	result := f.restore(t, RestoreOptions{File: b.Archive, OutputDir: outDir})
	assert.Equal(t, outDir, result.OutputDir)
	assert.Len(t, result.Restored(), 2)

	assert.Equal(t, "one", read(t, filepath.Join(outDir, "vol1", "file.txt")))
	assert.Equal(t, "debug=false", read(t, filepath.Join(outDir, "vol2", "conf", "app.ini")))
	assert.FileExists(t, filepath.Join(outDir, models.MappingFileName))

	assert.Equal(t, "changed", read(t, f.vol(0, "file.txt")))
	assert.NoFileExists(t, f.vol(1, "conf/app.ini"))
}

func TestRestoreSkipsVolumeMissingFromArchive(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	mapping := models.NewBackupMapping(f.container, f.volumes, now, "test")
	data, err := models.EncodeMapping(mapping)
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), models.ArchiveFileName("app", false, now))
	_, err = archive.PackFile(p, []archive.Source{{Path: f.volumes[0].Source, Name: "vol1"}},
		[]archive.MemoryEntry{{Name: models.MappingFileName, Data: data}}, nil)
	require.NoError(t, err)

	result := f.restore(t, RestoreOptions{File: p})
	assert.Equal(t, map[string]VolumeState{"vol1": VolumeRestored, "vol2": VolumeSkipped}, states(result))
	assert.NoError(t, result.Err())
	assert.Contains(t, f.out.String(), "vol2 not found in archive")
}

func TestRestorePermissionFallback(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)
	f.client.copyFn = permissionDeniedFor(f.volumes[0].Source)

	result := f.restore(t, RestoreOptions{File: b.Archive})
	require.NoError(t, result.Err())
	require.Len(t, f.bridge.copies, 1)
	assert.Equal(t, f.volumes[0].Source, f.bridge.copies[0][1])

	for _, v := range result.Volumes {
		assert.Equal(t, VolumeRestored, v.State)
		assert.Equal(t, v.Volume.Name == "vol1", v.Elevated, v.Volume.Name)
	}
	assert.Equal(t, "one", read(t, f.vol(0, "file.txt")))
}

func TestRestorePermissionDeniedWhenAlreadyPrivileged(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.bridge.privileged = true
	f.client.copyFn = permissionDeniedFor(f.volumes[0].Source)

	result := f.restore(t, RestoreOptions{File: b.Archive})
	assert.Empty(t, f.bridge.copies)
	assert.Equal(t, map[string]VolumeState{"vol1": VolumeFailed, "vol2": VolumeRestored}, states(result))
}

func TestRestoreElevatedCopyFails(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.bridge.err = errors.New("sudo: a password is required")
	f.client.copyFn = permissionDeniedFor(f.volumes[0].Source)

	result := f.restore(t, RestoreOptions{File: b.Archive})
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Elevated)
	assert.ErrorContains(t, result.Err(), "password is required")
}

func TestRestorePartialFailureContinues(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)
	f.client.copyFn = func(from, to string) error {
		if to == f.volumes[0].Source {
			return errors.New("no space left on device")
		}
		return fsutil.CopyContents(from, to)
	}

	result, err := f.client.Restore(context.Background(), RestoreOptions{Container: "app", File: b.Archive, Restart: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]VolumeState{"vol1": VolumeFailed, "vol2": VolumeRestored}, states(result))
	assert.Equal(t, "debug=false", read(t, f.vol(1, "conf/app.ini")))
	assert.Equal(t, 1, f.runtime.RestartCalls())

	err = result.Err()
	require.ErrorIs(t, err, ErrPartialRestore)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, err.Error(), "no space left")
}

func TestRestoreNewestArchiveInDirectory(t *testing.T) {
	f := newFixture(t)
	older := f.backup(t, BackupOptions{Volumes: []string{"vol1"}})
	newer := f.backup(t, BackupOptions{})

	decoy := filepath.Join(f.backupDir, "apple_all_20990101_000000.tar.xz")
	require.NoError(t, os.WriteFile(decoy, []byte("not ours"), 0600))

	base := time.Now()
	require.NoError(t, os.Chtimes(older.Archive, base.Add(-2*time.Hour), base.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(newer.Archive, base.Add(-time.Hour), base.Add(-time.Hour)))
	f.scribble(t)

	result := f.restore(t, RestoreOptions{})
	assert.Equal(t, newer.Archive, result.Archive)
	assert.Len(t, result.Volumes, 2)
	assert.Contains(t, f.out.String(), filepath.Base(newer.Archive))
}

func TestRestoreNoArchiveInDirectory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.backupDir, 0750))

	_, err := f.client.Restore(context.Background(), RestoreOptions{Container: "app"})
	require.ErrorIs(t, err, fsutil.ErrNoMatch)
}

func TestRestoreStopsAndRestartsRunningContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.backup(t, BackupOptions{})
	require.NoError(t, f.runtime.RestartContainer(ctx, f.container.ID))

	f.restore(t, RestoreOptions{File: b.Archive, Restart: true})
	assert.Equal(t, 2, f.runtime.StopCalls())
	assert.Equal(t, 2, f.runtime.RestartCalls())
	assert.Equal(t, "running", f.runtime.Status(f.container.ID))
}

func TestRestoreConfirmation(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.scribble(t)

	var prompt string
	_, err := f.client.Restore(context.Background(), RestoreOptions{
		Container: "app",
		File:      b.Archive,
		Confirm: func(p string) bool {
			prompt = p
			return false
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, prompt, "2 volume(s) of app")
	assert.Equal(t, "changed", read(t, f.vol(0, "file.txt")))

	f.restore(t, RestoreOptions{File: b.Archive, Confirm: func(string) bool { return true }})
	assert.Equal(t, "one", read(t, f.vol(0, "file.txt")))
}

func TestRestoreFromStorage(t *testing.T) {
	f := newFixture(t)
	remote, err := storage.NewLocalStorage(&storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	f.client.SetStorage(remote)

	b := f.backup(t, BackupOptions{Upload: true})
	require.NoError(t, os.Remove(b.Archive))
	f.scribble(t)

	result := f.restore(t, RestoreOptions{FromStorage: true})
	require.NoError(t, result.Err())
	assert.Equal(t, "one", read(t, f.vol(0, "file.txt")))
	assert.NoFileExists(t, result.Archive)

	result = f.restore(t, RestoreOptions{FromStorage: true, File: b.StorageID + models.ArchiveExt, Volumes: []string{"vol1"}})
	assert.Len(t, result.Volumes, 1)

	_, err = f.client.Restore(context.Background(), RestoreOptions{Container: "app", FromStorage: true, File: "app_all_19990101_000000"})
	require.ErrorIs(t, err, storage.ErrArchiveNotFound)
}

func TestRestoreFromStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Restore(context.Background(), RestoreOptions{Container: "app", FromStorage: true})
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	f.client.SetVerbose(true)

	var buf bytes.Buffer
	require.NoError(t, f.client.Inspect(b.Archive, &buf))
	out := buf.String()
	assert.Contains(t, out, "Container: app (c0ffee000000)")
	assert.Contains(t, out, "Volumes: 2")
	assert.Contains(t, out, "vol2/conf/app.ini")
	assert.True(t, strings.HasPrefix(out, "Archive: "+filepath.Base(b.Archive)))
}

func TestExecutorRejectsMismatchedMapping(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, BackupOptions{})
	mapping, err := ReadMapping(b.Archive)
	require.NoError(t, err)

	e := &Executor{Bridge: f.bridge}
	other := models.ContainerRef{ID: "beef00000000", Name: "other"}

	_, err = e.RestoreInPlace(context.Background(), b.Archive, mapping, other, mapping.Volumes)
	require.ErrorIs(t, err, ErrContainerMismatch)

	outDir := filepath.Join(t.TempDir(), "out")
	_, err = e.RestoreToDirectory(context.Background(), b.Archive, mapping, other, outDir)
	require.ErrorIs(t, err, ErrContainerMismatch)
	assert.NoDirExists(t, outDir)
}
