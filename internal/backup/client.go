package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ypeckstadt/dockbak/internal/docker"
	"github.com/ypeckstadt/dockbak/internal/fsutil"
	"github.com/ypeckstadt/dockbak/internal/models"
	"github.com/ypeckstadt/dockbak/internal/privilege"
	"github.com/ypeckstadt/dockbak/internal/storage"
	"go.uber.org/zap"
)

// Client orchestrates backups and restores of container data
type Client struct {
	runtime   Runtime
	bridge    privilege.Bridge
	storage   storage.Backend
	logger    *zap.Logger
	out       io.Writer
	backupDir string
	verbose   bool
	quiet     bool
	progress  bool

	now          func() time.Time
	pollInterval time.Duration
	copyFn       func(from, to string) error
}

// NewClient creates a new backup client
func NewClient(runtime Runtime, bridge privilege.Bridge, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		runtime:      runtime,
		bridge:       bridge,
		logger:       logger,
		out:          os.Stdout,
		backupDir:    ".",
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		copyFn:       fsutil.CopyContents,
	}
}

// NewDockerClient connects to the Docker daemon and returns a client using it
func NewDockerClient(ctx context.Context, opts docker.Options, logger *zap.Logger) (*Client, error) {
	dockerClient, err := docker.NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(dockerClient, privilege.New(), logger), nil
}

// SetQuiet sets the quiet mode for the client
func (c *Client) SetQuiet(quiet bool) {
	c.quiet = quiet
}

// SetVerbose enables detailed output
func (c *Client) SetVerbose(verbose bool) {
	c.verbose = verbose
}

// SetProgress enables progress bars and spinners
func (c *Client) SetProgress(progress bool) {
	c.progress = progress
}

// SetOutput redirects user-facing messages
func (c *Client) SetOutput(out io.Writer) {
	c.out = out
}

// SetBackupDir sets where archives are written and searched for by default
func (c *Client) SetBackupDir(dir string) {
	c.backupDir = dir
}

// SetStorage attaches a storage backend for uploads and remote restores
func (c *Client) SetStorage(backend storage.Backend) {
	c.storage = backend
}

// Close releases the runtime and storage connections that support it
func (c *Client) Close() error {
	var errs []error
	if closer, ok := c.runtime.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := c.storage.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) printf(format string, args ...interface{}) {
	if !c.quiet {
		fmt.Fprintf(c.out, format, args...)
	}
}

func (c *Client) verbosef(format string, args ...interface{}) {
	if c.verbose && !c.quiet {
		fmt.Fprintf(c.out, format, args...)
	}
}

func (c *Client) spinner(description string) *Spinner {
	if !c.progress || c.quiet {
		return nil
	}
	return NewSpinner(description, c.out)
}

func (c *Client) readiness() *Readiness {
	out := c.out
	if c.quiet {
		out = io.Discard
	}
	r := NewReadiness(c.runtime, out, c.logger)
	r.PollInterval = c.pollInterval
	return r
}

func (c *Client) executor() *Executor {
	out := c.out
	if c.quiet {
		out = io.Discard
	}
	return &Executor{
		Bridge: c.bridge,
		Copy:   c.copyFn,
		Out:    out,
		Logger: c.logger,
	}
}

// ResolveContainer finds exactly one container for query
func (c *Client) ResolveContainer(ctx context.Context, query string) (models.ContainerRef, error) {
	if query == "" {
		return models.ContainerRef{}, fmt.Errorf("%w: no container given", ErrContainerNotFound)
	}

	matches, err := c.runtime.FindContainers(ctx, query)
	if err != nil {
		return models.ContainerRef{}, fmt.Errorf("failed to look up container %s: %w", query, err)
	}

	switch len(matches) {
	case 1:
		c.logger.Debug("resolved container",
			zap.String("query", query), zap.String("name", matches[0].Name), zap.String("id", matches[0].ShortID()))
		return matches[0], nil
	case 0:
		available, listErr := c.runtime.ListContainers(ctx)
		if listErr != nil || len(available) == 0 {
			return models.ContainerRef{}, fmt.Errorf("%w: %s", ErrContainerNotFound, query)
		}
		names := make([]string, 0, len(available))
		for _, a := range available {
			names = append(names, a.Name)
		}
		return models.ContainerRef{}, fmt.Errorf("%w: %s (available: %s)", ErrContainerNotFound, query, strings.Join(names, ", "))
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name)
		}
		return models.ContainerRef{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguousContainer, query, strings.Join(names, ", "))
	}
}

// restartAfter restarts the container once an operation has finished, successful or not.
// A restart failure is reported through errp only when the operation itself succeeded.
func (c *Client) restartAfter(ctx context.Context, container models.ContainerRef, errp *error) {
	ctx = context.WithoutCancel(ctx)

	c.printf("🔄 Restarting container %s...\n", container.Name)
	if err := c.runtime.RestartContainer(ctx, container.ID); err != nil {
		c.logger.Error("failed to restart container", zap.String("container", container.Name), zap.Error(err))
		if *errp == nil {
			*errp = fmt.Errorf("failed to restart container %s: %w", container.Name, err)
		} else {
			c.printf("Warning: failed to restart container %s: %v\n", container.Name, err)
		}
		return
	}
	c.printf("✅ Container %s restarted\n", container.Name)
}

// ListContainers prints every container known to the runtime
func (c *Client) ListContainers(ctx context.Context, w io.Writer) error {
	containers, err := c.runtime.ListContainers(ctx)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		fmt.Fprintln(w, "No containers found")
		return nil
	}

	fmt.Fprintf(w, "%-30s %-14s %s\n", "NAME", "ID", "STATUS")
	fmt.Fprintf(w, "%-30s %-14s %s\n", strings.Repeat("-", 30), strings.Repeat("-", 14), strings.Repeat("-", 10))
	for _, ctr := range containers {
		fmt.Fprintf(w, "%-30s %-14s %s\n", ctr.Name, ctr.ShortID(), ctr.Status)
	}

	if c.verbose {
		for _, ctr := range containers {
			volumes, err := c.runtime.ContainerVolumes(ctx, ctr.ID)
			if err != nil || len(volumes) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s volumes:\n", ctr.Name)
			for _, v := range volumes {
				fmt.Fprintf(w, "  - %s: %s -> %s\n", v.Name, v.Source, v.Destination)
			}
		}
	}
	return nil
}
