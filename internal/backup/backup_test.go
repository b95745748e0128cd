package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ypeckstadt/dockbak/internal/archive"
	"github.com/ypeckstadt/dockbak/internal/docker/dockertest"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/storage"
)

var defaultExcludes = []string{".git", "node_modules", "target"}

type fakeBridge struct {
	mu         sync.Mutex
	privileged bool
	err        error
	copies     [][2]string
}

func (b *fakeBridge) HasPrivilege() bool { return b.privileged }

func (b *fakeBridge) RunElevated(ctx context.Context, name string, args ...string) error {
	return b.err
}

func (b *fakeBridge) PrivilegedCopy(ctx context.Context, from, to string) error {
	b.mu.Lock()
	b.copies = append(b.copies, [2]string{from, to})
	b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return fsutil.CopyContents(from, to)
}

type fixture struct {
	client    *Client
	runtime   *dockertest.Runtime
	bridge    *fakeBridge
	out       *bytes.Buffer
	backupDir string
	container models.ContainerRef
	volumes   []models.VolumeRef
}

func write(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
}

func read(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

// newFixture registers a running container "app" with two populated volumes.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	hostRoot := t.TempDir()
	vol1 := filepath.Join(hostRoot, "volumes", "vol1", "_data")
	vol2 := filepath.Join(hostRoot, "volumes", "vol2", "_data")
	write(t, filepath.Join(vol1, "file.txt"), "one")
	write(t, filepath.Join(vol1, ".git", "HEAD"), "ref")
	write(t, filepath.Join(vol2, "conf", "app.ini"), "debug=false")

	container := models.ContainerRef{ID: "c0ffee000000111122223333", Name: "app", Status: "running"}
	volumes := []models.VolumeRef{
		{Name: "vol1", Source: vol1, Destination: "/data"},
		{Name: "vol2", Source: vol2, Destination: "/etc/app"},
	}

	rt := dockertest.New()
	rt.AddContainer(container, volumes...)
	rt.AddContainer(models.ContainerRef{ID: "beef00000000", Name: "other", Status: "exited"})

	bridge := &fakeBridge{}
	client := NewClient(rt, bridge, nil)
	out := &bytes.Buffer{}
	client.SetOutput(out)
	backupDir := filepath.Join(t.TempDir(), "backups")
	client.SetBackupDir(backupDir)
	client.pollInterval = 5 * time.Millisecond

	clock := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	client.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	return &fixture{
		client:    client,
		runtime:   rt,
		bridge:    bridge,
		out:       out,
		backupDir: backupDir,
		container: container,
		volumes:   volumes,
	}
}

func (f *fixture) backup(t *testing.T, opts BackupOptions) *BackupResult {
	t.Helper()
	if opts.Container == "" {
		opts.Container = f.container.Name
	}
	if opts.Excludes == nil {
		opts.Excludes = defaultExcludes
	}
	result, err := f.client.Backup(context.Background(), opts)
	require.NoError(t, err)
	return result
}

func archivesIn(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+models.ArchiveExt))
	require.NoError(t, err)
	return matches
}

func TestBackupAllVolumes(t *testing.T) {
	f := newFixture(t)

	result := f.backup(t, BackupOptions{})
	assert.False(t, result.Partial)
	assert.Equal(t, "app_all_20240601_100001.tar.xz", filepath.Base(result.Archive))
	assert.Equal(t, f.backupDir, filepath.Dir(result.Archive))
	assert.Equal(t, 1, f.runtime.StopCalls())
	assert.Equal(t, "exited", f.runtime.Status(f.container.ID))
	assert.Equal(t, 0, f.runtime.RestartCalls())
	assert.Positive(t, result.Size)

	entries, err := archive.List(result.Archive)
	require.NoError(t, err)
	assert.Equal(t, models.MappingFileName, entries[0])
	assert.Contains(t, entries, "vol1/file.txt")
	assert.Contains(t, entries, "vol2/conf/app.ini")
	assert.NotContains(t, entries, "vol1/.git/HEAD")

	mapping, err := ReadMapping(result.Archive)
	require.NoError(t, err)
	assert.Equal(t, "app", mapping.ContainerName)
	assert.Equal(t, f.container.ID, mapping.ContainerID)
	assert.Equal(t, f.volumes, mapping.Volumes)
	assert.Equal(t, "2024-06-01 10:00:01", mapping.BackupTime)
}

func TestBackupSelectedVolumeIsPartial(t *testing.T) {
	f := newFixture(t)

	result := f.backup(t, BackupOptions{Volumes: []string{"vol2"}})
	assert.True(t, result.Partial)
	assert.Contains(t, filepath.Base(result.Archive), "app_partial_")

	mapping, err := ReadMapping(result.Archive)
	require.NoError(t, err)
	require.Len(t, mapping.Volumes, 1)
	assert.Equal(t, "vol2", mapping.Volumes[0].Name)

	_, err = archive.ReadEntry(result.Archive, "vol1/file.txt")
	assert.ErrorIs(t, err, archive.ErrEntryNotFound)
}

func TestBackupUnknownVolume(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Volumes: []string{"nope"}})
	require.ErrorIs(t, err, ErrNoVolumesSelected)
	assert.Equal(t, 0, f.runtime.StopCalls())
}

func TestBackupDropsExcludedVolume(t *testing.T) {
	f := newFixture(t)
	modules := filepath.Join(t.TempDir(), "node_modules")
	write(t, filepath.Join(modules, "left-pad", "index.js"), "x")

	rt := dockertest.New()
	rt.AddContainer(models.ContainerRef{ID: "ff00", Name: "node", Status: "running"},
		f.volumes[0], models.VolumeRef{Name: "deps", Source: modules, Destination: "/app/node_modules"})
	f.client.runtime = rt

	result := f.backup(t, BackupOptions{Container: "node"})
	assert.True(t, result.Partial)
	require.Len(t, result.Volumes, 1)
	assert.Equal(t, "vol1", result.Volumes[0].Name)
}

func TestBackupEveryVolumeExcluded(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Excludes: []string{"_data"}})
	require.ErrorIs(t, err, ErrNoVolumesSelected)
	assert.Empty(t, archivesIn(t, f.backupDir))
}

func TestBackupSinglePath(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "settings.json")
	write(t, file, `{"a":1}`)

	result := f.backup(t, BackupOptions{Path: file})
	assert.False(t, result.Partial)
	require.Len(t, result.Volumes, 1)
	assert.Equal(t, models.VolumeRef{Name: "settings.json", Source: file, Destination: file}, result.Volumes[0])

	data, err := archive.ReadEntry(result.Archive, "settings.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestBackupMissingPath(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Path: filepath.Join(t.TempDir(), "gone")})
	require.ErrorIs(t, err, archive.ErrSourceNotFound)
	assert.Equal(t, 0, f.runtime.StopCalls())
}

func TestBackupMissingVolumeSourceWritesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.volumes[1].Source))

	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app"})
	require.ErrorIs(t, err, archive.ErrSourceNotFound)
	assert.Empty(t, archivesIn(t, f.backupDir))
}

func TestBackupSkipsDanglingLink(t *testing.T) {
	f := newFixture(t)
	link := filepath.Join(f.volumes[0].Source, "current")
	if err := os.Symlink(filepath.Join(f.volumes[0].Source, "release-1"), link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	result := f.backup(t, BackupOptions{})
	assert.Equal(t, []string{link}, result.Skipped)
	assert.Contains(t, f.out.String(), "Skipped 1 dangling or cyclic link(s)")

	entries, err := archive.List(result.Archive)
	require.NoError(t, err)
	assert.Contains(t, entries, "vol1/file.txt")
	assert.NotContains(t, entries, "vol1/current")
}

func TestBackupTimeoutProducesNoArchive(t *testing.T) {
	f := newFixture(t)
	f.runtime.StopStatus = ""
	f.runtime.Timeout = 1

	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Restart: true})
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Empty(t, archivesIn(t, f.backupDir))
	assert.Equal(t, 1, f.runtime.RestartCalls())
}

func TestBackupRestartsContainer(t *testing.T) {
	f := newFixture(t)
	f.backup(t, BackupOptions{Restart: true})
	assert.Equal(t, 1, f.runtime.RestartCalls())
	assert.Equal(t, "running", f.runtime.Status(f.container.ID))
}

func TestBackupRestartFailureReported(t *testing.T) {
	f := newFixture(t)
	f.runtime.RestartErr = assert.AnError

	result, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Restart: true})
	require.ErrorIs(t, err, assert.AnError)
	require.NotNil(t, result)
	assert.FileExists(t, result.Archive)
}

func TestBackupNoVolumes(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "other"})
	require.ErrorIs(t, err, ErrNoVolumes)
}

func TestBackupDuplicateVolumeNames(t *testing.T) {
	f := newFixture(t)
	rt := dockertest.New()
	rt.AddContainer(models.ContainerRef{ID: "dd00", Name: "dup", Status: "exited"},
		models.VolumeRef{Name: "_data", Source: f.volumes[0].Source, Destination: "/a"},
		models.VolumeRef{Name: "_data", Source: f.volumes[1].Source, Destination: "/b"})
	f.client.runtime = rt

	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "dup"})
	require.ErrorIs(t, err, ErrDuplicateVolume)
}

func TestBackupUpload(t *testing.T) {
	f := newFixture(t)
	remote, err := storage.NewLocalStorage(&storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	f.client.SetStorage(remote)

	result := f.backup(t, BackupOptions{Upload: true})
	assert.Equal(t, storage.ArchiveID(result.Archive), result.StorageID)

	stored, err := remote.Retrieve(context.Background(), result.StorageID)
	require.NoError(t, err)
	defer stored.DataReader.(*os.File).Close()
	assert.Equal(t, "app", stored.Info.ContainerName)
	assert.Equal(t, result.Size, stored.Info.Size)
	assert.Len(t, stored.Info.Volumes, 2)
}

func TestBackupUploadWithoutStorage(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Backup(context.Background(), BackupOptions{Container: "app", Excludes: defaultExcludes, Upload: true})
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestResolveContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.client.ResolveContainer(ctx, "c0ffee")
	require.NoError(t, err)
	assert.Equal(t, "app", c.Name)

	_, err = f.client.ResolveContainer(ctx, "missing")
	require.ErrorIs(t, err, ErrContainerNotFound)
	assert.Contains(t, err.Error(), "app, other")

	f.runtime.AddContainer(models.ContainerRef{ID: "aa11", Name: "apple"})
	f.runtime.AddContainer(models.ContainerRef{ID: "bb22", Name: "pineapple"})
	_, err = f.client.ResolveContainer(ctx, "apple")
	require.NoError(t, err)
	_, err = f.client.ResolveContainer(ctx, "pple")
	require.ErrorIs(t, err, ErrAmbiguousContainer)

	_, err = f.client.ResolveContainer(ctx, "")
	require.ErrorIs(t, err, ErrContainerNotFound)
}

func TestListContainers(t *testing.T) {
	f := newFixture(t)
	f.client.SetVerbose(true)

	var buf bytes.Buffer
	require.NoError(t, f.client.ListContainers(context.Background(), &buf))
	assert.Contains(t, buf.String(), "app")
	assert.Contains(t, buf.String(), "c0ffee000000")
	assert.Contains(t, buf.String(), "vol1")
}
