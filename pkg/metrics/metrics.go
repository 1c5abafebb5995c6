// Package metrics adapts the teacher's pkg/metrics/metrics.go: the same
// Gauge/Counter/Histogram + Timer helper pattern, with the cluster/raft/
// ingress-specific series dropped (see DESIGN.md) and replaced with
// server-lifecycle, backup/transfer, and SFTP-session metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_servers_total",
		Help: "Total number of servers managed by this node.",
	})

	ServersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_servers_by_state",
		Help: "Number of servers currently in each process state.",
	}, []string{"state"})

	PowerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_power_transitions_total",
		Help: "Total power state transitions, by action and outcome.",
	}, []string{"action", "outcome"})

	PowerTransitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_power_transition_duration_seconds",
		Help:    "Duration of power state transitions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	CrashLoopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_crash_loops_total",
		Help: "Total number of servers that exceeded the crash-loop threshold.",
	})

	BackupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_backups_total",
		Help: "Total backups created, by outcome.",
	}, []string{"outcome"})

	BackupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_backup_duration_seconds",
		Help:    "Duration of backup archive creation.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	BackupSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_backup_size_bytes",
		Help:    "Size of created backup archives.",
		Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
	})

	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_transfers_total",
		Help: "Total transfers, by direction and outcome.",
	}, []string{"direction", "outcome"})

	SinkDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_sink_dropped_messages_total",
		Help: "Total console messages dropped for lagging subscribers.",
	})

	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_events_dropped_total",
		Help: "Total events dropped for lagging subscribers.",
	})

	SFTPSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_sftp_sessions_active",
		Help: "Currently open SFTP sessions.",
	})

	SFTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_sftp_requests_total",
		Help: "Total SFTP requests handled, by packet type and status.",
	}, []string{"packet_type", "status"})

	ScheduleRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_schedule_runs_total",
		Help: "Total schedule executions, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ServersTotal,
		ServersByState,
		PowerTransitionsTotal,
		PowerTransitionDuration,
		CrashLoopsTotal,
		BackupsTotal,
		BackupDuration,
		BackupSizeBytes,
		TransfersTotal,
		SinkDroppedTotal,
		EventsDroppedTotal,
		SFTPSessionsActive,
		SFTPRequestsTotal,
		ScheduleRunsTotal,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time between NewTimer and ObserveDuration,
// mirroring the teacher's pkg/metrics.Timer helper.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a vector's labeled series.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
