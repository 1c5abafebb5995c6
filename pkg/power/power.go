// Package power implements the server power-state machine and crash-loop
// handler (spec.md §4.8), grounded on the teacher's pkg/scheduler lock
// discipline (one mutex guarding a small state struct, transitions validated
// before taking effect) and pkg/worker/health_monitor.go's per-entity ticker
// pattern (one goroutine per watched entity, cancelled on removal).
package power

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// Action is a requested power transition.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionKill    Action = "kill"
)

// allowed lists the states from which an action may be requested; any other
// requesting state returns apierror.Conflict, matching spec.md §4.8's
// explicit transition table.
var allowed = map[Action]map[types.ProcessState]bool{
	ActionStart:   {types.ProcessOffline: true},
	ActionStop:    {types.ProcessRunning: true, types.ProcessStarting: true},
	ActionRestart: {types.ProcessRunning: true, types.ProcessOffline: true},
	ActionKill:    {types.ProcessRunning: true, types.ProcessStarting: true, types.ProcessStopping: true},
}

// Gate is consulted before an ActionStart transition is allowed to proceed.
// A non-nil error blocks the start and is returned to the caller unchanged.
type Gate func() error

// Machine drives one server's power state. Not embedded directly in
// types.Server to keep the mutable FSM (crash counters, timers) separate
// from the serializable projection persisted to pkg/storage.
type Machine struct {
	opMu         sync.Mutex // held for a whole Transition: one in flight at a time
	mu           sync.Mutex
	serverUUID   string
	state        types.ProcessState
	env          *container.Environment
	bus          *events.Bus
	policy       types.CrashPolicy
	gate         Gate
	crashTimes   []time.Time
	backoff      time.Duration
	stableTimer  *time.Timer
	cancelWait   context.CancelFunc
}

// New creates a power machine for a server, starting Offline.
func New(serverUUID string, env *container.Environment, bus *events.Bus, policy types.CrashPolicy) *Machine {
	return &Machine{
		serverUUID: serverUUID,
		state:      types.ProcessOffline,
		env:        env,
		bus:        bus,
		policy:     policy,
	}
}

// State returns the current process state.
func (m *Machine) State() types.ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetGate wires the start gate once the owning Server exists, breaking the
// construction-order cycle the same way schedule.Executor is wired via
// Server.SetSchedules.
func (m *Machine) SetGate(gate Gate) {
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
}

// Transition validates and runs action, returning once the underlying
// container operation has completed and the terminal state (Running/Offline)
// has been set. Transitions on one Machine are serialized: a second call
// waits until the one in flight has returned.
func (m *Machine) Transition(ctx context.Context, action Action) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if !allowed[action][m.state] {
		current := m.state
		m.mu.Unlock()
		return apierror.New(apierror.Conflict, fmt.Sprintf("cannot %s from state %s", action, current))
	}
	gate := m.gate
	m.mu.Unlock()

	// spec.md §4.8: reject Start while installing, transferring, restoring,
	// or suspended.
	if action == ActionStart && gate != nil {
		if err := gate(); err != nil {
			return err
		}
	}

	timer := metrics.NewTimer()
	var err error
	switch action {
	case ActionStart:
		err = m.doStart(ctx)
	case ActionStop:
		err = m.doStop(ctx)
	case ActionRestart:
		err = m.doRestart(ctx)
	case ActionKill:
		err = m.doKill(ctx)
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.PowerTransitionsTotal.WithLabelValues(string(action), outcome).Inc()
	timer.ObserveDurationVec(metrics.PowerTransitionDuration, string(action))
	return err
}

func (m *Machine) setState(state types.ProcessState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.bus.Publish(&types.Event{Kind: types.EventStateChange, State: state})
}

func (m *Machine) doStart(ctx context.Context) error {
	m.setState(types.ProcessStarting)
	if !m.env.Exists(ctx) {
		return m.failStart(apierror.New(apierror.NotFound, "container does not exist"))
	}
	var stdout, stderr sinkWriter
	if err := m.env.Start(ctx, stdout, stderr); err != nil {
		return m.failStart(err)
	}
	m.setState(types.ProcessRunning)
	m.watch(ctx)
	return nil
}

func (m *Machine) failStart(err error) error {
	m.setState(types.ProcessOffline)
	return err
}

func (m *Machine) doStop(ctx context.Context) error {
	m.cancelWatch()
	m.setState(types.ProcessStopping)
	if err := m.env.Stop(ctx, syscall.SIGTERM, 30*time.Second); err != nil {
		m.setState(types.ProcessRunning)
		return err
	}
	m.setState(types.ProcessOffline)
	return nil
}

func (m *Machine) doRestart(ctx context.Context) error {
	if m.State() == types.ProcessRunning {
		if err := m.doStop(ctx); err != nil {
			return err
		}
	}
	return m.doStart(ctx)
}

func (m *Machine) doKill(ctx context.Context) error {
	m.cancelWatch()
	if err := m.env.Kill(ctx); err != nil {
		return err
	}
	m.setState(types.ProcessOffline)
	return nil
}

// watch starts the crash-loop monitor: it blocks on the container's exit
// channel and, on an unexpected exit while in Running, records a crash and
// either restarts (with exponential backoff) or gives up once the sliding
// window holds too many crashes.
func (m *Machine) watch(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancelWait = cancel
	m.mu.Unlock()

	go func() {
		statusC, err := m.env.WaitExit(ctx)
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-statusC:
		}
		if m.State() != types.ProcessRunning {
			return // expected exit via doStop/doKill, already cancelled
		}
		m.handleCrash(parent)
	}()
}

func (m *Machine) cancelWatch() {
	m.mu.Lock()
	if m.cancelWait != nil {
		m.cancelWait()
		m.cancelWait = nil
	}
	m.mu.Unlock()
}

// handleCrash implements the sliding 60s window / max 5 crashes / exponential
// backoff min(2^k*1s, 60s) policy of spec.md §4.8.
func (m *Machine) handleCrash(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	window := time.Duration(m.policy.WindowSeconds) * time.Second
	cutoff := now.Add(-window)
	kept := m.crashTimes[:0]
	for _, t := range m.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.crashTimes = kept
	crashCount := len(m.crashTimes)
	m.mu.Unlock()

	m.setState(types.ProcessOffline)

	if crashCount > m.policy.MaxCrashes {
		log.Warn("crash loop detected, giving up restarts")
		metrics.CrashLoopsTotal.Inc()
		return
	}

	backoff := m.nextBackoff(crashCount)
	log.Info("restarting after crash")
	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}
	_ = m.Transition(ctx, ActionStart)
}

// nextBackoff computes min(2^(k-1)*base, max), k being the 1-indexed crash
// count within the window.
func (m *Machine) nextBackoff(crashCount int) time.Duration {
	base := m.policy.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := m.policy.MaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}
	d := base
	for i := 1; i < crashCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// sinkWriter is a no-op io.Writer that doStart passes as the container's
// stdout and stderr: the server process's output is discarded and reaches
// neither the server's SinkPool nor its event bus.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) { return len(p), nil }
