package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/types"
)

func noopRunner(ctx context.Context, task types.ScheduleTask) error { return nil }

func TestAddRegistersDisabledScheduleWithoutCronEntry(t *testing.T) {
	e := NewExecutor(events.NewBus(), noopRunner, nil)

	err := e.Add(types.Schedule{ID: "s1", Name: "nightly", CronExpression: "0 0 3 * * *", Enabled: false})
	require.NoError(t, err)

	status, ok := e.Status("s1")
	require.True(t, ok)
	assert.Equal(t, -1, status.ExecutingTaskIndex)
	assert.False(t, status.IsExecuting)

	_, hasEntry := e.entries["s1"]
	assert.False(t, hasEntry)
}

func TestAddRejectsInvalidCronExpression(t *testing.T) {
	e := NewExecutor(events.NewBus(), noopRunner, nil)
	err := e.Add(types.Schedule{ID: "s1", CronExpression: "not a cron", Enabled: true})
	assert.Error(t, err)
}

func TestAddReplacesExistingSchedule(t *testing.T) {
	e := NewExecutor(events.NewBus(), noopRunner, nil)
	require.NoError(t, e.Add(types.Schedule{ID: "s1", CronExpression: "0 0 3 * * *", Enabled: true}))
	firstID := e.entries["s1"]

	require.NoError(t, e.Add(types.Schedule{ID: "s1", CronExpression: "0 0 4 * * *", Enabled: true}))
	secondID := e.entries["s1"]

	assert.NotEqual(t, firstID, secondID)
	assert.Len(t, e.entries, 1)
}

func TestRemoveUnregistersScheduleAndStatus(t *testing.T) {
	e := NewExecutor(events.NewBus(), noopRunner, nil)
	require.NoError(t, e.Add(types.Schedule{ID: "s1", CronExpression: "0 0 3 * * *", Enabled: true}))

	e.Remove("s1")

	_, ok := e.Status("s1")
	assert.False(t, ok)
	_, hasEntry := e.entries["s1"]
	assert.False(t, hasEntry)
}

func TestExecuteRunsTasksInOrderAndRecordsSuccess(t *testing.T) {
	var mu sync.Mutex
	var ranActions []types.ScheduleTaskAction
	runner := func(ctx context.Context, task types.ScheduleTask) error {
		mu.Lock()
		ranActions = append(ranActions, task.Action)
		mu.Unlock()
		return nil
	}

	var notified int32
	e := NewExecutor(events.NewBus(), runner, func(types.ScheduleStatus) {
		atomic.AddInt32(&notified, 1)
	})

	sched := types.Schedule{
		ID: "s1",
		Tasks: []types.ScheduleTask{
			{Action: types.ActionPowerStart, Trigger: types.TriggerOnCompletion},
			{Action: types.ActionBackup, Trigger: types.TriggerOnCompletion},
		},
	}
	e.statuses["s1"] = &types.ScheduleStatus{ID: "s1", ExecutingTaskIndex: -1}

	e.execute(context.Background(), sched)

	mu.Lock()
	assert.Equal(t, []types.ScheduleTaskAction{types.ActionPowerStart, types.ActionBackup}, ranActions)
	mu.Unlock()

	status, ok := e.Status("s1")
	require.True(t, ok)
	assert.False(t, status.IsExecuting)
	assert.Equal(t, -1, status.ExecutingTaskIndex)
	assert.True(t, status.LastResultSet)
	assert.True(t, status.LastResultSuccessful)
	assert.True(t, atomic.LoadInt32(&notified) > 0)
}

func TestExecuteStopsAtFirstFailingTask(t *testing.T) {
	var ranCount int32
	runner := func(ctx context.Context, task types.ScheduleTask) error {
		n := atomic.AddInt32(&ranCount, 1)
		if n == 1 {
			return assertError{}
		}
		return nil
	}

	e := NewExecutor(events.NewBus(), runner, nil)
	sched := types.Schedule{
		ID: "s1",
		Tasks: []types.ScheduleTask{
			{Action: types.ActionPowerStart, Trigger: types.TriggerOnCompletion},
			{Action: types.ActionBackup, Trigger: types.TriggerOnCompletion},
		},
	}
	e.statuses["s1"] = &types.ScheduleStatus{ID: "s1", ExecutingTaskIndex: -1}

	e.execute(context.Background(), sched)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ranCount))
	status, _ := e.Status("s1")
	assert.True(t, status.LastResultSet)
	assert.False(t, status.LastResultSuccessful)
}

func TestExecuteHonorsTimeDelayBetweenTasks(t *testing.T) {
	var timestamps []time.Time
	var mu sync.Mutex
	runner := func(ctx context.Context, task types.ScheduleTask) error {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		return nil
	}

	e := NewExecutor(events.NewBus(), runner, nil)
	sched := types.Schedule{
		ID: "s1",
		Tasks: []types.ScheduleTask{
			{Action: types.ActionPowerStart, Trigger: types.TriggerTimeDelay, TimeOffsetSec: 0},
			{Action: types.ActionBackup, Trigger: types.TriggerTimeDelay, TimeOffsetSec: 1},
			{Action: types.ActionCommand, Trigger: types.TriggerTimeDelay, TimeOffsetSec: 0},
		},
	}
	e.statuses["s1"] = &types.ScheduleStatus{ID: "s1", ExecutingTaskIndex: -1}

	start := time.Now()
	e.execute(context.Background(), sched)
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 3)
	assert.GreaterOrEqual(t, elapsed, time.Second)
}

func TestExecuteSleepsBeforeRunningTimeDelayTask(t *testing.T) {
	var ranAt time.Time
	runner := func(ctx context.Context, task types.ScheduleTask) error {
		ranAt = time.Now()
		return nil
	}

	e := NewExecutor(events.NewBus(), runner, nil)
	sched := types.Schedule{
		ID: "s1",
		Tasks: []types.ScheduleTask{
			{Action: types.ActionPowerStart, Trigger: types.TriggerTimeDelay, TimeOffsetSec: 1},
		},
	}
	e.statuses["s1"] = &types.ScheduleStatus{ID: "s1", ExecutingTaskIndex: -1}

	start := time.Now()
	e.execute(context.Background(), sched)

	assert.GreaterOrEqual(t, ranAt.Sub(start), time.Second)
}

func TestExecuteContinuesAfterCommandTaskFailure(t *testing.T) {
	var ranActions []types.ScheduleTaskAction
	var mu sync.Mutex
	runner := func(ctx context.Context, task types.ScheduleTask) error {
		mu.Lock()
		ranActions = append(ranActions, task.Action)
		mu.Unlock()
		if task.Action == types.ActionCommand {
			return assertError{}
		}
		return nil
	}

	e := NewExecutor(events.NewBus(), runner, nil)
	sched := types.Schedule{
		ID: "s1",
		Tasks: []types.ScheduleTask{
			{Action: types.ActionCommand, Trigger: types.TriggerOnCompletion},
			{Action: types.ActionBackup, Trigger: types.TriggerOnCompletion},
		},
	}
	e.statuses["s1"] = &types.ScheduleStatus{ID: "s1", ExecutingTaskIndex: -1}

	e.execute(context.Background(), sched)

	mu.Lock()
	assert.Equal(t, []types.ScheduleTaskAction{types.ActionCommand, types.ActionBackup}, ranActions)
	mu.Unlock()

	status, _ := e.Status("s1")
	assert.True(t, status.LastResultSuccessful)
}

type assertError struct{}

func (assertError) Error() string { return "task failed" }
