// Package server composes one server's runtime collaborators into a single
// aggregate (spec.md §3 "Server"): its event bus, console sink, power
// machine, container environment, and schedule executor. Per spec.md §9's
// design note on cyclic shared handles, the container environment and power
// machine do not hold a reference back to *Server (the power machine takes
// the event bus directly; neither takes the sink), so ownership only ever
// points outward from Server.
package server

import (
	"context"
	"sync"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/filesystem"
	"github.com/cuemby/warden/pkg/install"
	"github.com/cuemby/warden/pkg/power"
	"github.com/cuemby/warden/pkg/schedule"
	"github.com/cuemby/warden/pkg/sink"
	"github.com/cuemby/warden/pkg/transfer"
	"github.com/cuemby/warden/pkg/types"
)

// Factory builds a *Server from its persisted projection, wiring fresh
// runtime collaborators (container environment, power machine, schedule
// executor). Supplied by the daemon's composition root so pkg/manager and
// pkg/server stay free of direct containerd/backup/transfer construction
// details.
type Factory func(ctx context.Context, persisted types.Server) (*Server, error)

// Server is the live aggregate for one managed game server.
type Server struct {
	mu sync.RWMutex

	uuid   string
	config types.Configuration

	installing   bool
	transferring bool
	restoring    bool
	suspended    bool

	bus   *events.Bus
	sink  *sink.SinkPool
	power *power.Machine
	env   *container.Environment
	fs    *filesystem.Filesystem

	installer *install.Runner
	backups   *backup.Engine
	transfers *transfer.Engine
	schedules *schedule.Executor
}

// Deps bundles the collaborators a Factory constructs per server. Schedules
// is set after construction via SetSchedules, since the executor's
// TaskRunner needs the *Server it will belong to.
type Deps struct {
	Bus         *events.Bus
	Sink        *sink.SinkPool
	Env         *container.Environment
	Filesystem  *filesystem.Filesystem
	Installer   *install.Runner
	Backups     *backup.Engine
	Transfers   *transfer.Engine
	CrashPolicy types.CrashPolicy
}

// New assembles a Server aggregate from persisted state and fresh deps.
func New(persisted types.Server, deps Deps) *Server {
	s := &Server{
		uuid:         persisted.UUID,
		config:       persisted.Configuration,
		installing:   persisted.Installing,
		transferring: persisted.Transferring,
		restoring:    persisted.Restoring,
		suspended:    persisted.Suspended,
		bus:          deps.Bus,
		sink:         deps.Sink,
		env:          deps.Env,
		fs:           deps.Filesystem,
		power:        power.New(persisted.UUID, deps.Env, deps.Bus, deps.CrashPolicy),
		installer:    deps.Installer,
		backups:      deps.Backups,
		transfers:    deps.Transfers,
	}
	s.power.SetGate(s.startGate)
	return s
}

// startGate blocks power.ActionStart while any of the transient flags
// spec.md §4.8 names are set (installing, transferring, restoring,
// suspended).
func (s *Server) startGate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.installing:
		return apierror.New(apierror.Conflict, "cannot start while installing")
	case s.transferring:
		return apierror.New(apierror.Conflict, "cannot start while transferring")
	case s.restoring:
		return apierror.New(apierror.Conflict, "cannot start while restoring")
	case s.suspended:
		return apierror.New(apierror.Conflict, "cannot start while suspended")
	default:
		return nil
	}
}

// SetSchedules wires the schedule executor once it's been constructed with
// this server's RunScheduleTask as its TaskRunner, breaking the
// construction-order cycle between Server and its Executor.
func (s *Server) SetSchedules(exec *schedule.Executor) {
	s.mu.Lock()
	s.schedules = exec
	s.mu.Unlock()
}

// UUID returns the server's identifier.
func (s *Server) UUID() string { return s.uuid }

// Events returns the server's event bus, for subscribers (websocket
// streaming, pkg/pubsub forwarding).
func (s *Server) Events() *events.Bus { return s.bus }

// Console returns the server's console output sink.
func (s *Server) Console() *sink.SinkPool { return s.sink }

// Filesystem returns the server's sandboxed filesystem, for the SFTP
// handler's per-username resolver.
func (s *Server) Filesystem() *filesystem.Filesystem { return s.fs }

// Power returns the server's power state machine.
func (s *Server) Power() *power.Machine { return s.power }

// Configuration returns the server's current configuration snapshot.
func (s *Server) Configuration() types.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reconfigure atomically replaces the server's configuration, matching
// spec.md §4.5's "a reconfiguration replaces the whole value atomically"
// invariant, and publishes a configuration_updated event.
func (s *Server) Reconfigure(cfg types.Configuration) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	s.bus.Publish(&types.Event{Kind: types.EventConfigurationUpdate})
}

// SetFlag toggles one of the transient boolean flags (installing,
// transferring, restoring, suspended) tracked alongside the configuration.
func (s *Server) SetFlag(name string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "installing":
		s.installing = value
	case "transferring":
		s.transferring = value
	case "restoring":
		s.restoring = value
	case "suspended":
		s.suspended = value
	}
}

// Install runs the egg install script for this server.
func (s *Server) Install(ctx context.Context, image, script string, env []string) error {
	s.SetFlag("installing", true)
	defer s.SetFlag("installing", false)
	cfg := s.Configuration()
	return s.installer.Run(ctx, install.Config{
		ServerUUID: s.uuid,
		Image:      image,
		Script:     script,
		Env:        env,
		Mounts:     cfg.Mounts,
	}, consoleWriter{s.sink})
}

// Backup creates a new backup archive for this server.
func (s *Server) Backup(ctx context.Context) (types.BackupResult, error) {
	cfg := s.Configuration()
	return s.backups.Create(ctx, s.uuid, cfg.DenylistGlobs)
}

// Restore restores a backup archive, refusing to run while the server is
// running (spec.md §4.10 implicit precondition: restore targets a stopped
// server).
func (s *Server) Restore(ctx context.Context, backupUUID string) error {
	if s.power.State() != types.ProcessOffline {
		return apierror.New(apierror.Conflict, "cannot restore while running")
	}
	s.SetFlag("restoring", true)
	defer s.SetFlag("restoring", false)
	return s.backups.Restore(ctx, s.uuid, backupUUID)
}

// Transfer sends this server's data to another node.
func (s *Server) Transfer(ctx context.Context, destinationURL, authToken string) error {
	s.SetFlag("transferring", true)
	defer s.SetFlag("transferring", false)
	return s.transfers.Send(ctx, s.uuid, destinationURL, authToken)
}

// LoadSchedules registers every persisted schedule with the executor.
func (s *Server) LoadSchedules(schedules []*types.Schedule) {
	for _, sched := range schedules {
		_ = s.schedules.Add(*sched)
	}
}

// RunScheduleTask executes one schedule task's side effect; wired as the
// schedule.TaskRunner for this server's executor.
func (s *Server) RunScheduleTask(ctx context.Context, task types.ScheduleTask) error {
	switch task.Action {
	case types.ActionPowerStart:
		return s.power.Transition(ctx, power.ActionStart)
	case types.ActionPowerStop:
		return s.power.Transition(ctx, power.ActionStop)
	case types.ActionPowerRestart:
		return s.power.Transition(ctx, power.ActionRestart)
	case types.ActionBackup:
		_, err := s.Backup(ctx)
		return err
	case types.ActionCommand:
		return s.sendCommand(task.Payload)
	default:
		return nil
	}
}

func (s *Server) sendCommand(cmd string) error {
	s.sink.Push([]byte(cmd + "\n"))
	return nil
}

// Snapshot returns the current persisted projection of this server.
func (s *Server) Snapshot() types.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.Server{
		UUID:          s.uuid,
		Configuration: s.config,
		State:         s.power.State(),
		Installing:    s.installing,
		Transferring:  s.transferring,
		Restoring:     s.restoring,
		Suspended:     s.suspended,
	}
}

// Destroy stops the container (if running) and tears down its containerd
// resources.
func (s *Server) Destroy(ctx context.Context) error {
	if s.power.State() != types.ProcessOffline {
		_ = s.power.Transition(ctx, power.ActionKill)
	}
	s.schedules.Stop()
	return s.env.Destroy(ctx)
}

// consoleWriter adapts a SinkPool to io.Writer for install/attach streams.
type consoleWriter struct{ sink *sink.SinkPool }

func (c consoleWriter) Write(p []byte) (int, error) {
	c.sink.Push(p)
	return len(p), nil
}
