package backup

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ypeckstadt/dockbak/internal/storage"
)

// ListArchives prints stored archives, newest first. With an empty container
// it prints one summary line per container instead.
func (c *Client) ListArchives(ctx context.Context, container string, w io.Writer) error {
	if c.storage == nil {
		return ErrStorageUnavailable
	}
	catalog := storage.NewCatalog(c.storage)

	if container == "" {
		histories, err := catalog.Containers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list archives: %w", err)
		}
		if len(histories) == 0 {
			fmt.Fprintln(w, "No archives found")
			return nil
		}

		fmt.Fprintf(w, "%-30s %-10s %-12s %s\n", "CONTAINER", "ARCHIVES", "TOTAL SIZE", "LATEST")
		fmt.Fprintf(w, "%-30s %-10s %-12s %s\n", strings.Repeat("-", 30), strings.Repeat("-", 10), strings.Repeat("-", 12), strings.Repeat("-", 20))
		for _, h := range histories {
			fmt.Fprintf(w, "%-30s %-10d %-12s %s\n", h.Name, h.ArchiveCount, humanize.IBytes(uint64(h.TotalSize)), h.LatestAt.Format("2006-01-02 15:04:05"))
			if c.verbose {
				fmt.Fprintf(w, "  Latest: %s\n", h.LatestID)
			}
		}
		return nil
	}

	archives, err := catalog.Archives(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(archives) == 0 {
		fmt.Fprintf(w, "No archives found for container '%s'\n", container)
		return nil
	}

	fmt.Fprintf(w, "Archives for container '%s':\n\n", container)
	fmt.Fprintf(w, "%-45s %-20s %-10s %s\n", "ID", "CREATED", "SIZE", "SCOPE")
	fmt.Fprintf(w, "%-45s %-20s %-10s %s\n", strings.Repeat("-", 45), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 7))
	for _, a := range archives {
		scope := "all"
		if a.Partial {
			scope = "partial"
		}
		fmt.Fprintf(w, "%-45s %-20s %-10s %s\n", a.ID, a.CreatedAt.Format("2006-01-02 15:04:05"), humanize.IBytes(uint64(a.Size)), scope)
		if c.verbose {
			for _, v := range a.Volumes {
				fmt.Fprintf(w, "  - %s: %s\n", v.Name, v.Source)
			}
		}
	}
	return nil
}

// DeleteArchive removes one stored archive after confirmation; a nil confirm means yes
func (c *Client) DeleteArchive(ctx context.Context, id string, confirm func(prompt string) bool) error {
	if c.storage == nil {
		return ErrStorageUnavailable
	}

	if confirm != nil && !confirm(fmt.Sprintf("This will permanently delete archive %s", id)) {
		return ErrCancelled
	}

	if err := storage.NewCatalog(c.storage).Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	c.printf("🗑️  Deleted archive %s\n", storage.ArchiveID(id))
	return nil
}

// PruneArchives keeps the newest keep archives of container and deletes the rest
func (c *Client) PruneArchives(ctx context.Context, container string, keep int, confirm func(prompt string) bool) ([]string, error) {
	if c.storage == nil {
		return nil, ErrStorageUnavailable
	}
	if container == "" {
		return nil, fmt.Errorf("%w: prune needs a container name", ErrContainerNotFound)
	}

	catalog := storage.NewCatalog(c.storage)
	archives, err := catalog.Archives(ctx, container)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		c.printf("Nothing to prune, %d archive(s) of %s\n", len(archives), container)
		return nil, nil
	}

	if confirm != nil && !confirm(fmt.Sprintf("This will permanently delete %d archive(s) of %s", len(archives)-keep, container)) {
		return nil, ErrCancelled
	}

	deleted, err := catalog.Prune(ctx, container, keep)
	for _, id := range deleted {
		c.printf("🗑️  Deleted archive %s\n", id)
	}
	return deleted, err
}
