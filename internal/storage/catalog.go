package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoArchives is returned when a container has no stored archives
var ErrNoArchives = errors.New("no archives found")

// Catalog provides container-centric views over a backend
type Catalog struct {
	backend Backend
}

// NewCatalog creates a catalog over backend
func NewCatalog(backend Backend) *Catalog {
	return &Catalog{
		backend: backend,
	}
}

// ContainerHistory summarizes the archives stored for one container
type ContainerHistory struct {
	Name         string    `json:"name"`
	ArchiveCount int       `json:"archive_count"`
	TotalSize    int64     `json:"total_size"`
	LatestID     string    `json:"latest_id"`
	LatestAt     time.Time `json:"latest_at"`
}

// Archives returns the archives of container, newest first.
// An empty container name returns every archive.
func (c *Catalog) Archives(ctx context.Context, container string) ([]ArchiveInfo, error) {
	all, err := c.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	var archives []ArchiveInfo
	for _, a := range all {
		if container == "" || a.ContainerName == container {
			archives = append(archives, a)
		}
	}

	sort.SliceStable(archives, func(i, j int) bool {
		if archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].ID > archives[j].ID
		}
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	return archives, nil
}

// Latest returns the newest archive of container
func (c *Catalog) Latest(ctx context.Context, container string) (ArchiveInfo, error) {
	archives, err := c.Archives(ctx, container)
	if err != nil {
		return ArchiveInfo{}, err
	}
	if len(archives) == 0 {
		return ArchiveInfo{}, fmt.Errorf("%w for container '%s'", ErrNoArchives, container)
	}
	return archives[0], nil
}

// Containers returns one history per container, sorted by name
func (c *Catalog) Containers(ctx context.Context) ([]ContainerHistory, error) {
	archives, err := c.Archives(ctx, "")
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*ContainerHistory)
	for _, a := range archives {
		h, ok := byName[a.ContainerName]
		if !ok {
			// archives are newest first, so the first seen is the latest
			h = &ContainerHistory{Name: a.ContainerName, LatestID: a.ID, LatestAt: a.CreatedAt}
			byName[a.ContainerName] = h
		}
		h.ArchiveCount++
		h.TotalSize += a.Size
	}

	histories := make([]ContainerHistory, 0, len(byName))
	for _, h := range byName {
		histories = append(histories, *h)
	}
	sort.Slice(histories, func(i, j int) bool { return histories[i].Name < histories[j].Name })
	return histories, nil
}

// Delete removes one archive by ID, or file name
func (c *Catalog) Delete(ctx context.Context, id string) error {
	id = ArchiveID(id)

	exists, err := c.backend.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}
	return c.backend.Delete(ctx, id)
}

// Prune deletes all but the newest keep archives of container and returns the deleted IDs
func (c *Catalog) Prune(ctx context.Context, container string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}
	archives, err := c.Archives(ctx, container)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}

	var deleted []string
	for _, a := range archives[keep:] {
		if err := c.backend.Delete(ctx, a.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete archive %s: %w", a.ID, err)
		}
		deleted = append(deleted, a.ID)
	}
	return deleted, nil
}
