package backup

import "errors"

var (
	// ErrContainerNotFound means no container matched the query.
	ErrContainerNotFound = errors.New("container not found")
	// ErrAmbiguousContainer means several containers matched the query.
	ErrAmbiguousContainer = errors.New("container query is ambiguous")

	// ErrStopTimeout means the container did not reach a stopped state in time.
	ErrStopTimeout = errors.New("timed out waiting for container to stop")
	// ErrStopFailed means the stop command failed and the container kept running.
	ErrStopFailed = errors.New("failed to stop container")

	ErrNoVolumes          = errors.New("container has no volumes")
	ErrNoVolumesSelected  = errors.New("no volumes selected")
	ErrDuplicateVolume    = errors.New("duplicate volume name")
	ErrNotBackupArchive   = errors.New("archive has no mapping.toml, not a backup archive")
	ErrContainerMismatch  = errors.New("archive belongs to a different container")
	ErrPartialRestore     = errors.New("some volumes failed to restore")
	ErrStorageUnavailable = errors.New("no storage backend configured")
	ErrCancelled          = errors.New("operation cancelled")
)
