package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/ypeckstadt/dockbak/internal/models"
)

const (
	dataSuffix     = models.ArchiveExt
	metadataSuffix = ".json"
)

// ErrArchiveNotFound is returned when a backend has no archive with the requested ID
var ErrArchiveNotFound = errors.New("archive not found")

type Archive struct {
	ID         string
	Info       ArchiveInfo
	DataReader io.Reader
}

type ArchiveInfo struct {
	ID            string             `json:"id"`
	ContainerName string             `json:"container_name"`
	ContainerID   string             `json:"container_id,omitempty"`
	Volumes       []models.VolumeRef `json:"volumes,omitempty"`
	Partial       bool               `json:"partial"`
	Size          int64              `json:"size"`
	CreatedAt     time.Time          `json:"created_at"`
	ToolVersion   string             `json:"tool_version,omitempty"`
}

type Backend interface {
	Store(ctx context.Context, archive *Archive) error
	Retrieve(ctx context.Context, id string) (*Archive, error)
	List(ctx context.Context) ([]ArchiveInfo, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

type Config struct {
	Type  string
	Local *LocalConfig
	GCS   *GCSConfig
	S3    *S3Config
}

type LocalConfig struct {
	BasePath string
}

type GCSConfig struct {
	Bucket      string
	ProjectID   string
	Credentials string
	Prefix      string
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// ArchiveID derives the storage ID from an archive file name or path
func ArchiveID(name string) string {
	return strings.TrimSuffix(filepath.Base(name), dataSuffix)
}

// InfoFromMapping builds the sidecar metadata of an archive
func InfoFromMapping(id string, m *models.BackupMapping, partial bool, size int64) ArchiveInfo {
	info := ArchiveInfo{
		ID:            id,
		ContainerName: m.ContainerName,
		ContainerID:   m.ContainerID,
		Volumes:       m.Volumes,
		Partial:       partial,
		Size:          size,
		ToolVersion:   m.Version,
		CreatedAt:     time.Now(),
	}
	if t, err := m.Time(); err == nil {
		info.CreatedAt = t
	}
	return info
}

func objectKey(prefix, id, suffix string) string {
	if prefix == "" {
		return id + suffix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + id + suffix
}
