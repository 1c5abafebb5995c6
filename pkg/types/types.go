package types

import "time"

// ProcessState is the closed set of power states a server's container can be
// in. The power state machine (pkg/power) is the sole writer.
type ProcessState string

const (
	ProcessOffline  ProcessState = "offline"
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessStopping ProcessState = "stopping"
)

// Mount maps a host directory into the container, optionally read-only.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Configuration is an immutable snapshot of a server's runtime configuration.
// A reconfiguration replaces the whole value atomically; nothing mutates it
// in place.
type Configuration struct {
	Image           string
	StartupCommand  string
	StopSignal      string // empty means send StopCommand instead
	StopCommand     string
	Env             []string
	Mounts          []Mount
	DiskLimitBytes  int64 // 0 = unlimited
	MemoryLimitMiB  int64
	CPULimitPercent float64 // percent of one core, e.g. 200 = 2 cores
	DenylistGlobs   []string
	Ports           []int
	EggName         string
}

// CrashPolicy bounds auto-restart behavior after an unexpected exit.
type CrashPolicy struct {
	WindowSeconds int // sliding window width, default 60
	MaxCrashes    int // crashes allowed within the window, default 5
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultCrashPolicy matches spec.md §4.8: 60s window, 5 crashes, backoff
// min(2^k*1s, 60s).
func DefaultCrashPolicy() CrashPolicy {
	return CrashPolicy{
		WindowSeconds: 60,
		MaxCrashes:    5,
		BaseBackoff:   time.Second,
		MaxBackoff:    60 * time.Second,
	}
}

// EventKind tags the variant carried by an Event. Go has no sum types, so the
// tag plus per-kind fields stand in for the spec's tagged union.
type EventKind string

const (
	EventStateChange         EventKind = "state_change"
	EventConsoleOutput       EventKind = "console_output"
	EventStats               EventKind = "stats"
	EventInstallStarted      EventKind = "install_started"
	EventInstallOutput       EventKind = "install_output"
	EventInstallCompleted    EventKind = "install_completed"
	EventBackupStarted       EventKind = "backup_started"
	EventBackupCompleted     EventKind = "backup_completed"
	EventRestoreStarted      EventKind = "backup_restore_started"
	EventRestoreCompleted    EventKind = "backup_restore_completed"
	EventTransferStarted     EventKind = "transfer_started"
	EventTransferProgress    EventKind = "transfer_progress"
	EventTransferCompleted   EventKind = "transfer_completed"
	EventScheduleExecuting   EventKind = "schedule_executing"
	EventServerSynced        EventKind = "server_synced"
	EventConfigurationUpdate EventKind = "configuration_updated"
)

// Event is the tagged variant published on a server's event bus. Only the
// fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	State ProcessState // EventStateChange

	Bytes []byte // EventConsoleOutput, EventInstallOutput

	Stats Stats // EventStats

	InstallSuccessful bool // EventInstallCompleted

	BackupUUID       string // EventBackupStarted/Completed, RestoreStarted/Completed
	BackupSuccessful bool   // EventBackupCompleted, EventRestoreCompleted
	BackupChecksum   string // EventBackupCompleted
	BackupSize       int64  // EventBackupCompleted

	TransferProgress   float64 // EventTransferProgress
	TransferSuccessful bool    // EventTransferCompleted

	ScheduleID        string // EventScheduleExecuting
	ScheduleTaskIndex int    // EventScheduleExecuting; -1 means idle
}

// NetworkStats is the sum over all interfaces of rx/tx bytes.
type NetworkStats struct {
	RxBytes uint64
	TxBytes uint64
}

// Stats is a single resource snapshot for a server's container.
type Stats struct {
	MemoryBytes      uint64
	MemoryLimitBytes uint64
	CPUAbsolute      float64 // percent of one core * cores, 3 decimals
	Network          NetworkStats
	UptimeSeconds    int64
	DiskBytes        int64
	DiskLimitBytes   int64
}

// StatsEntry pairs a Stats snapshot with the millisecond timestamp it was
// captured at, as kept by the StatsBuffer.
type StatsEntry struct {
	Stats       Stats
	TimestampMS int64
}

// ScheduleTaskAction is the closed set of actions a ScheduleTask can perform.
type ScheduleTaskAction string

const (
	ActionPowerStart   ScheduleTaskAction = "power_start"
	ActionPowerStop    ScheduleTaskAction = "power_stop"
	ActionPowerRestart ScheduleTaskAction = "power_restart"
	ActionBackup       ScheduleTaskAction = "backup"
	ActionCommand      ScheduleTaskAction = "command"
)

// TriggerMode controls when the executor moves to the next task.
type TriggerMode string

const (
	TriggerTimeDelay    TriggerMode = "TIME_DELAY"
	TriggerOnCompletion TriggerMode = "ON_COMPLETION"
)

// ScheduleTask is one step of a Schedule, run in ascending Sequence order.
type ScheduleTask struct {
	ID            string
	Action        ScheduleTaskAction
	Payload       string
	TimeOffsetSec int
	Sequence      int
	Trigger       TriggerMode
}

// Schedule is a cron-triggered ordered list of tasks.
type Schedule struct {
	ID             string
	Name           string
	CronExpression string
	Enabled        bool
	Tasks          []ScheduleTask
}

// ScheduleStatus is the live execution tracker for one Schedule.
type ScheduleStatus struct {
	ID                   string
	Name                 string
	IsExecuting          bool
	ExecutingTaskIndex   int // -1 when not executing
	LastExecutionTime    time.Time
	NextExecutionTime    time.Time
	Enabled              bool
	LastResultSuccessful bool
	LastResultSet        bool
}

// BackupInfo describes a backup archive as listed from the backup directory.
type BackupInfo struct {
	UUID      string
	SizeBytes int64
	CreatedAt time.Time
}

// BackupResult is returned by a successful backup creation.
type BackupResult struct {
	Path      string
	SizeBytes int64
	Checksum  string // hex sha256
}

// Server is the persisted/serializable projection of a server aggregate: its
// identity, configuration, and transient flags. The mutable runtime state
// (event bus, sink, power FSM, container handle, schedules) lives in
// pkg/server.Server and is rebuilt from this on load.
type Server struct {
	UUID          string
	Configuration Configuration
	State         ProcessState
	Installing    bool
	Transferring  bool
	Restoring     bool
	Suspended     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
