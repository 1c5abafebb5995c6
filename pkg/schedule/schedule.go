// Package schedule executes cron-triggered server task sequences (spec.md
// §4.12): ordered ScheduleTask lists, each either waiting a fixed delay or
// the prior task's completion event before advancing. Built on
// github.com/robfig/cron/v3 for the cron trigger itself, grounded on the
// teacher's pkg/worker ticker-per-entity pattern for the executor loop.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// TaskRunner executes one ScheduleTask's side effect (power action, backup,
// command) and is supplied by pkg/server, which has access to the server's
// power machine, backup engine, and container environment.
type TaskRunner func(ctx context.Context, task types.ScheduleTask) error

// onCompletionTimeout bounds how long the executor waits for an
// ON_COMPLETION-triggered task's corresponding event before giving up.
const onCompletionTimeout = 10 * time.Minute

// Executor runs one server's set of schedules.
type Executor struct {
	mu        sync.Mutex
	cron      *cron.Cron
	bus       *events.Bus
	run       TaskRunner
	notify    func(status types.ScheduleStatus)
	entries   map[string]cron.EntryID
	statuses  map[string]*types.ScheduleStatus
}

// NewExecutor creates a schedule executor. notify, if non-nil, is called
// after every status change (e.g. to forward to pkg/remote's
// notify_schedule_executing).
func NewExecutor(bus *events.Bus, run TaskRunner, notify func(types.ScheduleStatus)) *Executor {
	return &Executor{
		cron:     cron.New(cron.WithSeconds()),
		bus:      bus,
		run:      run,
		notify:   notify,
		entries:  make(map[string]cron.EntryID),
		statuses: make(map[string]*types.ScheduleStatus),
	}
}

// Start begins the cron dispatcher goroutine.
func (e *Executor) Start() { e.cron.Start() }

// Stop halts the dispatcher and waits for any in-flight run to finish.
func (e *Executor) Stop() { <-e.cron.Stop().Done() }

// Add registers or replaces a schedule.
func (e *Executor) Add(sched types.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.entries[sched.ID]; ok {
		e.cron.Remove(existing)
		delete(e.entries, sched.ID)
	}

	status := &types.ScheduleStatus{ID: sched.ID, Name: sched.Name, Enabled: sched.Enabled, ExecutingTaskIndex: -1}
	e.statuses[sched.ID] = status

	if !sched.Enabled {
		return nil
	}

	id, err := e.cron.AddFunc(sched.CronExpression, func() {
		e.execute(context.Background(), sched)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", sched.ID, sched.CronExpression, err)
	}
	e.entries[sched.ID] = id
	return nil
}

// Remove unregisters a schedule.
func (e *Executor) Remove(scheduleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.entries[scheduleID]; ok {
		e.cron.Remove(id)
		delete(e.entries, scheduleID)
	}
	delete(e.statuses, scheduleID)
}

// Status returns the current execution status of a schedule.
func (e *Executor) Status(scheduleID string) (types.ScheduleStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.statuses[scheduleID]
	if !ok {
		return types.ScheduleStatus{}, false
	}
	return *s, true
}

func (e *Executor) execute(parent context.Context, sched types.Schedule) {
	e.setExecuting(sched.ID, true, -1)
	defer e.setExecuting(sched.ID, false, -1)

	e.bus.Publish(&types.Event{Kind: types.EventScheduleExecuting, ScheduleID: sched.ID, ScheduleTaskIndex: -1})

	outcome := "success"
taskLoop:
	for i, task := range sched.Tasks {
		e.setExecuting(sched.ID, true, i)
		e.bus.Publish(&types.Event{Kind: types.EventScheduleExecuting, ScheduleID: sched.ID, ScheduleTaskIndex: i})

		if task.Trigger == types.TriggerTimeDelay && task.TimeOffsetSec > 0 {
			select {
			case <-parent.Done():
				outcome = "cancelled"
				break taskLoop
			case <-time.After(time.Duration(task.TimeOffsetSec) * time.Second):
			}
		}

		ctx, cancel := context.WithTimeout(parent, onCompletionTimeout)
		err := e.run(ctx, task)
		cancel()
		if err != nil {
			log.Errorf("schedule task failed", err)
			if task.Action == types.ActionCommand {
				// command failures are non-fatal: log and continue to the
				// next task rather than aborting the schedule.
				continue
			}
			outcome = "error"
			break
		}
		// TriggerOnCompletion: the runner itself blocks until the
		// completion event fires (see pkg/server's TaskRunner), so no
		// additional wait is needed here.
	}

	metrics.ScheduleRunsTotal.WithLabelValues(outcome).Inc()
	e.recordResult(sched.ID, outcome == "success")
}

func (e *Executor) setExecuting(scheduleID string, executing bool, taskIndex int) {
	e.mu.Lock()
	s, ok := e.statuses[scheduleID]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.IsExecuting = executing
	s.ExecutingTaskIndex = taskIndex
	if executing {
		s.LastExecutionTime = time.Now()
	}
	snapshot := *s
	e.mu.Unlock()

	if e.notify != nil {
		e.notify(snapshot)
	}
}

func (e *Executor) recordResult(scheduleID string, success bool) {
	e.mu.Lock()
	s, ok := e.statuses[scheduleID]
	if ok {
		s.LastResultSuccessful = success
		s.LastResultSet = true
	}
	e.mu.Unlock()
}
