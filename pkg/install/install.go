// Package install runs the egg installation script as a one-shot container
// (spec.md §4.9), streaming its output to the io.Writer passed to Run; no
// install_output events are published, only install_started and
// install_completed. A thin
// wrapper over pkg/container, grounded on the teacher's pkg/runtime task
// lifecycle reused at a smaller scope (create, start, wait for exit, no
// restart semantics).
package install

import (
	"context"
	"io"
	"time"

	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/types"
)

// Runner executes an install container for a single server.
type Runner struct {
	client *container.Client
	bus    *events.Bus
}

// New creates an install runner against client, publishing progress on bus.
func New(client *container.Client, bus *events.Bus) *Runner {
	return &Runner{client: client, bus: bus}
}

// Config describes the one-shot install container.
type Config struct {
	ServerUUID     string
	Image          string
	Script         string
	Env            []string
	Mounts         []types.Mount
	Timeout        time.Duration
}

// Run creates, starts, and waits on the install container, publishing
// install_started at the beginning and install_completed (with
// InstallSuccessful set) once the container exits or the timeout elapses.
func (r *Runner) Run(ctx context.Context, cfg Config, output io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, nonZero(cfg.Timeout, 15*time.Minute))
	defer cancel()

	env := r.client.Environment("install-" + cfg.ServerUUID)
	r.publish(types.EventInstallStarted, true)

	cErr := env.Create(ctx, container.Config{
		ID:             "install-" + cfg.ServerUUID,
		Image:          cfg.Image,
		StartupCommand: cfg.Script,
		Env:            cfg.Env,
		Mounts:         cfg.Mounts,
	})
	if cErr != nil {
		r.publish(types.EventInstallCompleted, false)
		return cErr
	}
	defer env.Destroy(context.Background())

	if err := env.Start(ctx, output, output); err != nil {
		r.publish(types.EventInstallCompleted, false)
		return err
	}

	statusC, err := env.WaitExit(ctx)
	if err != nil {
		r.publish(types.EventInstallCompleted, false)
		return err
	}

	select {
	case status := <-statusC:
		success := status.ExitCode() == 0
		r.publish(types.EventInstallCompleted, success)
		return nil
	case <-ctx.Done():
		_ = env.Kill(context.Background())
		r.publish(types.EventInstallCompleted, false)
		return ctx.Err()
	}
}

func (r *Runner) publish(kind types.EventKind, successful bool) {
	r.bus.Publish(&types.Event{Kind: kind, InstallSuccessful: successful})
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
