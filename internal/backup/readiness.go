package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ypeckstadt/dockbak/internal/models"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often the container status is polled while stopping
const DefaultPollInterval = time.Second

// Readiness brings a container into a stopped state before its data is touched.
type Readiness struct {
	Runtime      Runtime
	Timeout      time.Duration
	PollInterval time.Duration
	Out          io.Writer
	Logger       *zap.Logger
}

// NewReadiness returns a controller using the runtime's configured stop timeout
func NewReadiness(rt Runtime, out io.Writer, logger *zap.Logger) *Readiness {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Readiness{
		Runtime:      rt,
		Timeout:      time.Duration(rt.StopTimeoutSeconds()) * time.Second,
		PollInterval: DefaultPollInterval,
		Out:          out,
		Logger:       logger,
	}
}

// EnsureStopped returns once the container is observed in a non-running state.
//
// A container that is not running is left alone. Otherwise the stop command runs
// concurrently with a status poll, and only an observed terminal status counts as
// success: a stop that reports an error is still accepted when the container is
// seen stopped afterwards. ErrStopTimeout is returned when the deadline passes
// first and ErrStopFailed when the stop failed and the container is still running.
func (r *Readiness) EnsureStopped(ctx context.Context, c models.ContainerRef) error {
	status, err := r.Runtime.ContainerStatus(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to get status of container %s: %w", c.Name, err)
	}
	if !models.IsRunningStatus(status) {
		r.Logger.Debug("container not running, no stop needed",
			zap.String("container", c.Name), zap.String("status", status))
		return nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(r.Out, "⏹️  Stopping container %s (timeout %s)...\n", c.Name, timeout)
	last := ""
	report := func(s string) {
		if s != last {
			fmt.Fprintf(r.Out, "   status: %s\n", s)
			last = s
		}
	}
	report(status)

	stopped := make(chan error, 1)
	go func() {
		stopped <- r.Runtime.StopContainer(stopCtx, c.ID)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timedOut := func() error {
		if errors.Is(stopCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: container %s still %s after %s", ErrStopTimeout, c.Name, last, timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	stopResult := stopped
	for {
		select {
		case stopErr := <-stopResult:
			stopResult = nil
			if stopErr != nil {
				if err := timedOut(); err != nil {
					return err
				}
				r.Logger.Debug("stop command failed, checking status",
					zap.String("container", c.Name), zap.Error(stopErr))
			}

			status, err := r.Runtime.ContainerStatus(stopCtx, c.ID)
			if err != nil {
				if terr := timedOut(); terr != nil {
					return terr
				}
				return fmt.Errorf("failed to get status of container %s: %w", c.Name, err)
			}
			report(status)
			if !models.IsRunningStatus(status) {
				if stopErr != nil {
					r.Logger.Warn("stop command failed but container is stopped",
						zap.String("container", c.Name), zap.Error(stopErr))
				}
				fmt.Fprintf(r.Out, "✅ Container %s stopped\n", c.Name)
				return nil
			}
			if stopErr != nil {
				return fmt.Errorf("%w %s: %w", ErrStopFailed, c.Name, stopErr)
			}

		case <-ticker.C:
			status, err := r.Runtime.ContainerStatus(stopCtx, c.ID)
			if err != nil {
				if terr := timedOut(); terr != nil {
					return terr
				}
				return fmt.Errorf("failed to get status of container %s: %w", c.Name, err)
			}
			report(status)
			if !models.IsRunningStatus(status) {
				fmt.Fprintf(r.Out, "✅ Container %s stopped\n", c.Name)
				return nil
			}

		case <-stopCtx.Done():
			return timedOut()
		}
	}
}
