package backup

import (
	"context"

	"github.com/ypeckstadt/dockbak/internal/models"
)

// Runtime is the container runtime capability the orchestrators depend on.
// docker.Client implements it against a Docker daemon.
type Runtime interface {
	ListContainers(ctx context.Context) ([]models.ContainerRef, error)
	FindContainers(ctx context.Context, query string) ([]models.ContainerRef, error)
	ContainerVolumes(ctx context.Context, id string) ([]models.VolumeRef, error)
	ContainerStatus(ctx context.Context, id string) (string, error)
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	StopTimeoutSeconds() uint64
}
