// Package dockertest provides an in-memory container runtime for tests.
package dockertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ypeckstadt/dockbak/internal/docker"
	"github.com/ypeckstadt/dockbak/internal/models"
)

// Runtime is a scriptable stand-in for the Docker client.
// The zero value is not usable; call New.
type Runtime struct {
	mu sync.Mutex

	containers []models.ContainerRef
	volumes    map[string][]models.VolumeRef
	status     map[string]string
	sequence   map[string][]string

	// StopErr is returned by StopContainer.
	StopErr error
	// StopStatus is the status a container moves to once stopped.
	// Leave empty to keep the current status.
	StopStatus string
	// StopBlock makes StopContainer wait until it is closed or the context ends.
	StopBlock chan struct{}
	// StopDelay makes StopContainer take this long before the container stops,
	// like a daemon waiting out its grace period before killing.
	StopDelay time.Duration
	// StatusErr is returned by ContainerStatus.
	StatusErr error
	// RestartErr is returned by RestartContainer.
	RestartErr error
	// Timeout is returned by StopTimeoutSeconds.
	Timeout uint64

	stopCalls    int
	restartCalls int
	statusCalls  int
}

// New returns a runtime that stops containers into the "exited" state.
func New() *Runtime {
	return &Runtime{
		volumes:    make(map[string][]models.VolumeRef),
		status:     make(map[string]string),
		sequence:   make(map[string][]string),
		StopStatus: "exited",
		Timeout:    docker.DefaultStopTimeout,
	}
}

// AddContainer registers a container with its volumes.
func (r *Runtime) AddContainer(c models.ContainerRef, volumes ...models.VolumeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers = append(r.containers, c)
	r.volumes[c.ID] = volumes
	r.status[c.ID] = c.Status
}

// SetStatusSequence makes successive ContainerStatus calls return statuses in
// order. The last status repeats once the sequence is exhausted.
func (r *Runtime) SetStatusSequence(id string, statuses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence[id] = statuses
}

// Status returns the current status of a container.
func (r *Runtime) Status(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[id]
}

// StopCalls returns how many times StopContainer was called.
func (r *Runtime) StopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls
}

// RestartCalls returns how many times RestartContainer was called.
func (r *Runtime) RestartCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartCalls
}

// StatusCalls returns how many times ContainerStatus was called.
func (r *Runtime) StatusCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCalls
}

func (r *Runtime) ListContainers(ctx context.Context) ([]models.ContainerRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.ContainerRef, len(r.containers))
	for i, c := range r.containers {
		c.Status = r.status[c.ID]
		out[i] = c
	}
	return out, nil
}

func (r *Runtime) FindContainers(ctx context.Context, query string) ([]models.ContainerRef, error) {
	all, err := r.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	return docker.MatchContainers(all, query), nil
}

func (r *Runtime) ContainerVolumes(ctx context.Context, id string) ([]models.VolumeRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vols, ok := r.volumes[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	out := make([]models.VolumeRef, len(vols))
	copy(out, vols)
	return out, nil
}

func (r *Runtime) ContainerStatus(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statusCalls++
	if r.StatusErr != nil {
		return "", r.StatusErr
	}
	if seq := r.sequence[id]; len(seq) > 0 {
		r.status[id] = seq[0]
		if len(seq) > 1 {
			r.sequence[id] = seq[1:]
		}
	}
	status, ok := r.status[id]
	if !ok {
		return "", fmt.Errorf("no such container: %s", id)
	}
	return status, nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	r.stopCalls++
	block := r.StopBlock
	delay := r.StopDelay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StopErr != nil {
		return r.StopErr
	}
	if r.StopStatus != "" {
		r.status[id] = r.StopStatus
		delete(r.sequence, id)
	}
	return nil
}

func (r *Runtime) RestartContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restartCalls++
	if r.RestartErr != nil {
		return r.RestartErr
	}
	r.status[id] = "running"
	return nil
}

func (r *Runtime) StopTimeoutSeconds() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Timeout
}
