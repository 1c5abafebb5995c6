// Package container abstracts the OCI container environment (spec.md §4.7),
// directly adapted from the teacher's pkg/runtime/containerd.go
// create/start/stop/kill/status/IP client, generalized from Warren's
// service/task container model to one container per Server.
package container

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/types"
)

const namespace = "warden"

// CgroupPath derives the deterministic cgroup path assigned to a server's
// container, so cmd/warden's pollStats can construct a StatsSource without tracking
// containerd's internal bookkeeping separately.
func CgroupPath(containerID string) string {
	return "/warden/" + containerID
}

// Config describes the container to create, derived from a server's
// types.Configuration.
type Config struct {
	ID             string
	Image          string
	StartupCommand string
	Env            []string
	Mounts         []types.Mount
	MemoryLimitMiB int64
	CPUPercent     float64 // e.g. 200 = 2 cores
	PIDLimit       int
}

// Environment is the per-server container handle. Not safe for concurrent
// Create/Start/Stop/Kill/Destroy calls from multiple goroutines; pkg/power
// serializes those per server.
type Environment struct {
	client    *containerd.Client
	id        string
	container containerd.Container
	task      containerd.Task
	startedAt time.Time
}

// New connects to the containerd socket. Grounded on
// runtime.NewContainerdRuntime.
func New(socketPath string) (*Client, error) {
	c, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &Client{client: c}, nil
}

// Client is the connection to the containerd daemon; it creates per-server
// Environment handles.
type Client struct {
	client *containerd.Client
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.client.Close() }

// PullImage pulls imageRef if not already present locally.
func (c *Client) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	_, err := c.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return apierror.Wrap(apierror.Transient, "pull image "+imageRef, err)
	}
	return nil
}

// Environment returns the handle for an existing or new container ID.
func (c *Client) Environment(id string) *Environment {
	return &Environment{client: c.client, id: id}
}

// Exists reports whether the container currently exists in containerd.
func (e *Environment) Exists(ctx context.Context) bool {
	ctx = namespaces.WithNamespace(ctx, namespace)
	_, err := e.client.LoadContainer(ctx, e.id)
	return err == nil
}

// Create makes the container (without starting it) from cfg.
func (e *Environment) Create(ctx context.Context, cfg Config) error {
	ctx = namespaces.WithNamespace(ctx, namespace)

	image, err := e.client.GetImage(ctx, cfg.Image)
	if err != nil {
		return apierror.Wrap(apierror.Validation, "image not found: "+cfg.Image, err)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(cfg.Env),
		oci.WithHostname(cfg.ID),
		oci.WithCgroup(CgroupPath(cfg.ID)),
	}
	if cfg.StartupCommand != "" {
		specOpts = append(specOpts, oci.WithProcessArgs("/bin/sh", "-c", cfg.StartupCommand))
	}
	if cfg.MemoryLimitMiB > 0 {
		limit := cfg.MemoryLimitMiB * 1024 * 1024
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(limit)))
	}
	if cfg.CPUPercent > 0 {
		quota := int64(cfg.CPUPercent * 1000) // period 100000us, percent*1000 keeps 3 decimal precision
		period := uint64(100000)
		specOpts = append(specOpts, oci.WithCPUCFS(quota, period))
	}
	if cfg.PIDLimit > 0 {
		specOpts = append(specOpts, oci.WithPidsLimit(int64(cfg.PIDLimit)))
	}
	for _, m := range cfg.Mounts {
		specOpts = append(specOpts, withBindMount(m))
	}

	container, err := e.client.NewContainer(
		ctx, cfg.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cfg.ID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return apierror.Wrap(apierror.Fatal, "create container", err)
	}
	e.container = container
	return nil
}

func withBindMount(m types.Mount) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		opts := []string{"rbind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: m.Target,
			Type:        "bind",
			Source:      m.Source,
			Options:     opts,
		})
		return nil
	}
}

// Start creates the containerd task with stdio wired through attach and
// starts it. On success the container is observed Running.
func (e *Environment) Start(ctx context.Context, stdout, stderr io.Writer) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	if e.container == nil {
		loaded, err := e.client.LoadContainer(ctx, e.id)
		if err != nil {
			return apierror.Wrap(apierror.NotFound, "load container", err)
		}
		e.container = loaded
	}

	task, err := e.container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return apierror.Wrap(apierror.Fatal, "create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return apierror.Wrap(apierror.Fatal, "start task", err)
	}
	e.task = task
	e.startedAt = time.Now()
	return nil
}

// Stop sends signal (or, if signal is 0, falls back to SIGTERM) and waits up
// to timeout for the task to exit, matching
// pkg/runtime.ContainerdRuntime.StopContainer's SIGTERM -> wait -> SIGKILL
// escalation.
func (e *Environment) Stop(ctx context.Context, signal syscall.Signal, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	if e.task == nil {
		return nil
	}
	if signal == 0 {
		signal = syscall.SIGTERM
	}

	statusC, err := e.task.Wait(ctx)
	if err != nil {
		return apierror.Wrap(apierror.Transient, "wait on task", err)
	}
	if err := e.task.Kill(ctx, signal); err != nil {
		return apierror.Wrap(apierror.Transient, "send stop signal", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		log.Warn("stop timeout exceeded, sending SIGKILL")
		if err := e.task.Kill(ctx, syscall.SIGKILL); err != nil {
			return apierror.Wrap(apierror.Fatal, "force kill", err)
		}
		<-statusC
	}
	_, err = e.task.Delete(ctx)
	e.task = nil
	return err
}

// Kill immediately SIGKILLs the task.
func (e *Environment) Kill(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	if e.task == nil {
		return nil
	}
	if err := e.task.Kill(ctx, syscall.SIGKILL); err != nil {
		return apierror.Wrap(apierror.Transient, "kill task", err)
	}
	statusC, err := e.task.Wait(ctx)
	if err == nil {
		<-statusC
	}
	_, err = e.task.Delete(ctx)
	e.task = nil
	return err
}

// Destroy tears down the container entirely (used after Stop/Kill).
func (e *Environment) Destroy(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	if e.container == nil {
		return nil
	}
	return e.container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// IsRunning reports whether the task is currently running.
func (e *Environment) IsRunning(ctx context.Context) bool {
	if e.task == nil {
		return false
	}
	status, err := e.task.Status(namespaces.WithNamespace(ctx, namespace))
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// Uptime returns the time elapsed since Start, or 0 if not running.
func (e *Environment) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// WaitExit returns a channel that receives the task's exit status once it
// exits; it does not block. Used by pkg/power's crash handler to detect
// unexpected exits.
func (e *Environment) WaitExit(ctx context.Context) (<-chan containerd.ExitStatus, error) {
	ctx = namespaces.WithNamespace(ctx, namespace)
	if e.task == nil {
		return nil, apierror.New(apierror.Conflict, "no task running")
	}
	return e.task.Wait(ctx)
}
