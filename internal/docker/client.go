package docker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/ypeckstadt/dockbak/internal/models"
)

// DefaultStopTimeout is the stop deadline in seconds when none is configured
const DefaultStopTimeout uint64 = 30

// maxStopGrace caps the seconds the daemon waits after SIGTERM before it kills the container
const maxStopGrace = 3

// stopGrace keeps the daemon's kill point inside the stop deadline so a forced stop
// is observed before the caller gives up.
func stopGrace(deadline uint64) int {
	if deadline <= 1 {
		return 0
	}
	return int(min(maxStopGrace, deadline-1))
}

// Options configures the Docker client
type Options struct {
	// Host overrides DOCKER_HOST when set
	Host string
	// StopTimeout bounds how long a stop may take, in seconds
	StopTimeout uint64
}

// Client wraps Docker client with utility methods
type Client struct {
	docker      *client.Client
	stopTimeout uint64
}

// NewClient creates a new Docker client wrapper
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Test Docker connection
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}

	timeout := opts.StopTimeout
	if timeout == 0 {
		timeout = DefaultStopTimeout
	}

	return &Client{docker: cli, stopTimeout: timeout}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// StopTimeoutSeconds returns the configured stop deadline
func (c *Client) StopTimeoutSeconds() uint64 {
	return c.stopTimeout
}

// ListContainers returns every container, running or not
func (c *Client) ListContainers(ctx context.Context) ([]models.ContainerRef, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	refs := make([]models.ContainerRef, 0, len(containers))
	for _, ctr := range containers {
		refs = append(refs, toRef(ctr))
	}
	return refs, nil
}

// FindContainers returns the containers matching query by ID, ID prefix or name,
// falling back to a substring match on the name.
func (c *Client) FindContainers(ctx context.Context, query string) ([]models.ContainerRef, error) {
	all, err := c.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	return MatchContainers(all, query), nil
}

// ContainerVolumes retrieves the volumes and bind mounts of a container
func (c *Client) ContainerVolumes(ctx context.Context, id string) ([]models.VolumeRef, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	return volumesFromMounts(info.Mounts), nil
}

// ContainerStatus returns the runtime state of a container, e.g. "running" or "exited"
func (c *Client) ContainerStatus(ctx context.Context, id string) (string, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("container %s reported no state", id)
	}
	return info.State.Status, nil
}

// StopContainer asks the daemon to stop a container
func (c *Client) StopContainer(ctx context.Context, id string) error {
	grace := stopGrace(c.stopTimeout)
	err := c.docker.ContainerStop(ctx, id, container.StopOptions{
		Timeout: &grace,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RestartContainer restarts a container, starting it if it was stopped
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	grace := stopGrace(c.stopTimeout)
	err := c.docker.ContainerRestart(ctx, id, container.StopOptions{
		Timeout: &grace,
	})
	if err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

func toRef(ctr types.Container) models.ContainerRef {
	name := ""
	if len(ctr.Names) > 0 {
		name = strings.TrimPrefix(ctr.Names[0], "/")
	}
	return models.ContainerRef{ID: ctr.ID, Name: name, Status: ctr.State}
}

func volumesFromMounts(mounts []types.MountPoint) []models.VolumeRef {
	var volumes []models.VolumeRef
	for _, m := range mounts {
		if m.Type != mount.TypeVolume && m.Type != mount.TypeBind {
			continue
		}
		if m.Source == "" || m.Destination == "" {
			continue
		}

		name := m.Name
		if name == "" {
			name = filepath.Base(m.Source)
		}
		volumes = append(volumes, models.VolumeRef{
			Name:        name,
			Source:      m.Source,
			Destination: m.Destination,
		})
	}
	return volumes
}
