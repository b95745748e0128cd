package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// MappingFileName is the archive entry that describes the backup
	MappingFileName = "mapping.toml"

	// ArchiveExt is the extension of every archive produced by a backup
	ArchiveExt = ".tar.xz"

	// BackupTimeLayout is the layout of BackupMapping.BackupTime
	BackupTimeLayout = "2006-01-02 15:04:05"

	fileTimeLayout = "20060102_150405"
)

// ContainerRef identifies a container at the time it was observed.
type ContainerRef struct {
	ID     string
	Name   string
	Status string
}

// ShortID returns the first 12 characters of the container ID
func (c ContainerRef) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// VolumeRef stores volume details
type VolumeRef struct {
	Name        string `toml:"name" json:"name"`
	Source      string `toml:"source" json:"source"`
	Destination string `toml:"destination" json:"destination"`
}

// BackupMapping is written into every archive as mapping.toml
type BackupMapping struct {
	ContainerName string      `toml:"container_name"`
	ContainerID   string      `toml:"container_id"`
	Volumes       []VolumeRef `toml:"volumes"`
	BackupTime    string      `toml:"backup_time"`
	Version       string      `toml:"version"`
}

// NewBackupMapping builds the mapping for a backup of the given volumes taken at now.
func NewBackupMapping(container ContainerRef, volumes []VolumeRef, now time.Time, toolVersion string) *BackupMapping {
	vols := make([]VolumeRef, len(volumes))
	copy(vols, volumes)

	return &BackupMapping{
		ContainerName: container.Name,
		ContainerID:   container.ID,
		Volumes:       vols,
		BackupTime:    now.Format(BackupTimeLayout),
		Version:       toolVersion,
	}
}

// Volume returns the volume with the given name, if present
func (m *BackupMapping) Volume(name string) (VolumeRef, bool) {
	for _, v := range m.Volumes {
		if v.Name == name {
			return v, true
		}
	}
	return VolumeRef{}, false
}

// Time parses BackupTime in the local time zone
func (m *BackupMapping) Time() (time.Time, error) {
	return time.ParseInLocation(BackupTimeLayout, m.BackupTime, time.Local)
}

// EncodeMapping serializes a mapping to TOML
func EncodeMapping(m *BackupMapping) ([]byte, error) {
	if m == nil {
		return nil, errors.New("mapping is nil")
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mapping: %w", err)
	}
	return data, nil
}

// DecodeMapping parses a mapping previously produced by EncodeMapping
func DecodeMapping(data []byte) (*BackupMapping, error) {
	var m BackupMapping
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode mapping: %w", err)
	}
	if m.ContainerName == "" {
		return nil, errors.New("failed to decode mapping: container_name is missing")
	}
	return &m, nil
}

// ArchiveFileName returns "<container>_<all|partial>_<YYYYMMDD_HHMMSS>.tar.xz".
func ArchiveFileName(containerName string, partial bool, now time.Time) string {
	scope := "all"
	if partial {
		scope = "partial"
	}
	return fmt.Sprintf("%s_%s_%s%s", containerName, scope, now.Format(fileTimeLayout), ArchiveExt)
}

// IsRunningStatus reports whether a runtime status means the container is still live.
func IsRunningStatus(status string) bool {
	return status == "running" || status == "restarting"
}
