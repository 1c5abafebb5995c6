// Package types defines the data model shared across warden's packages: the
// Server aggregate, its Configuration snapshot, the ProcessState machine, the
// tagged Event variants published on a server's event bus, resource Stats
// snapshots, and the Schedule/ScheduleStatus pair used by the schedule
// executor.
package types
