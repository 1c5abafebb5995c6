package container

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	cgroupsv2 "github.com/containerd/cgroups/v3/cgroup2"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/blocking"
	"github.com/cuemby/warden/pkg/types"
)

// hostCgroupRoot is where the unified cgroup v2 hierarchy is mounted on a
// standard Linux host; overridable in tests.
var hostCgroupRoot = "/sys/fs/cgroup"

// directorySize sums file sizes under root, mirroring
// pkg/filesystem.Filesystem.DiskUsage's walk but kept local so pkg/container
// has no dependency on pkg/filesystem.
func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// sample is one raw cgroup reading, used to compute the CPU delta between
// two polls per spec.md §4.7's "(cpu_delta/system_delta)*100*cpus" formula.
type sample struct {
	cpuUsageNS   uint64
	systemUsage  uint64
	at           time.Time
}

// StatsSource reads live resource usage for a running container, implemented
// directly against the cgroup the containerd task was placed in rather than
// round-tripping through the containerd stats API, matching the teacher's
// direct-cgroups-read approach in pkg/runtime/containerd.go's statsLoop.
type StatsSource struct {
	env       *Environment
	cgroup    *cgroupsv2.Manager
	cpuCount  float64
	diskPool  *blocking.Pool
	mountRoot string
	prev      *sample
}

// NewStatsSource loads the cgroup for the environment's task. cpuCount is the
// number of cores visible to the container (used in the CPU percent formula);
// diskPool offloads the directory-size walk so stats polling never blocks on
// disk I/O, mirroring pkg/filesystem.DiskUsage's documented blocking-pool
// requirement.
func NewStatsSource(env *Environment, cgroupPath string, cpuCount float64, mountRoot string, diskPool *blocking.Pool) (*StatsSource, error) {
	mgr, err := cgroupsv2.Load(cgroupPath)
	if err != nil {
		return nil, apierror.Wrap(apierror.Transient, "load cgroup", err)
	}
	return &StatsSource{
		env:       env,
		cgroup:    mgr,
		cpuCount:  cpuCount,
		diskPool:  diskPool,
		mountRoot: mountRoot,
	}, nil
}

// OnlineCPUCount reports the number of CPUs visible to cgroupPath, read from
// cpuset.cpus.effective the same way dockerd falls back to OnlineCPUs/
// len(PercpuUsage) when a container isn't cpuset-pinned: if the file is
// absent or empty (no cpuset controller, or an unpinned cgroup), this falls
// back to the host's total CPU count.
func OnlineCPUCount(cgroupPath string) float64 {
	data, err := os.ReadFile(filepath.Join(hostCgroupRoot, cgroupPath, "cpuset.cpus.effective"))
	if err == nil {
		if count := parseCPUSetRange(strings.TrimSpace(string(data))); count > 0 {
			return float64(count)
		}
	}
	return float64(runtime.NumCPU())
}

// parseCPUSetRange parses a cpuset list like "0-2,5" into a CPU count.
func parseCPUSetRange(s string) int {
	if s == "" {
		return 0
	}
	count := 0
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, errLo := strconv.Atoi(part[:i])
			hi, errHi := strconv.Atoi(part[i+1:])
			if errLo != nil || errHi != nil || hi < lo {
				continue
			}
			count += hi - lo + 1
			continue
		}
		if _, err := strconv.Atoi(part); err == nil {
			count++
		}
	}
	return count
}

// Poll takes one stats snapshot, diffing CPU usage against the previous call.
// The first call after creation always returns a zero CPUAbsolute since there
// is no prior sample to delta against.
func (s *StatsSource) Poll(ctx context.Context) (types.Stats, error) {
	metrics, err := s.cgroup.Stat()
	if err != nil {
		return types.Stats{}, apierror.Wrap(apierror.Transient, "read cgroup stats", err)
	}

	now := time.Now()
	cur := &sample{at: now}
	var memBytes uint64
	var rxBytes, txBytes uint64

	if metrics.CPU != nil {
		cur.cpuUsageNS = metrics.CPU.UsageUsec * 1000
		sysUsage, err := systemCPUUsageNS()
		if err != nil {
			return types.Stats{}, apierror.Wrap(apierror.Transient, "read host cpu usage", err)
		}
		cur.systemUsage = sysUsage
	}
	if metrics.Memory != nil {
		memBytes = metrics.Memory.Usage
	}
	// containerd/cgroups v2 does not expose per-interface network counters,
	// so Poll reports zero rx/tx bytes; no caller in this tree reads them
	// elsewhere or merges them in via WithNetworkStats.
	_ = rxBytes
	_ = txBytes

	cpuPercent := 0.0
	if s.prev != nil {
		cpuDelta := float64(cur.cpuUsageNS) - float64(s.prev.cpuUsageNS)
		sysDelta := float64(cur.systemUsage) - float64(s.prev.systemUsage)
		if sysDelta > 0 && cpuDelta > 0 {
			cpuPercent = roundTo3(cpuDelta / sysDelta * 100 * s.cpuCount)
		}
	}
	s.prev = cur

	diskBytes, err := s.pollDiskUsage()
	if err != nil {
		return types.Stats{}, err
	}

	return types.Stats{
		MemoryBytes:   memBytes,
		CPUAbsolute:   cpuPercent,
		UptimeSeconds: int64(s.env.Uptime().Seconds()),
		DiskBytes:     diskBytes,
	}, nil
}

func (s *StatsSource) pollDiskUsage() (int64, error) {
	if s.diskPool == nil || s.mountRoot == "" {
		return 0, nil
	}
	result := make(chan int64, 1)
	errs := make(chan error, 1)
	s.diskPool.Submit(func() {
		size, err := directorySize(s.mountRoot)
		if err != nil {
			errs <- err
			return
		}
		result <- size
	})
	select {
	case size := <-result:
		return size, nil
	case err := <-errs:
		return 0, apierror.Wrap(apierror.Transient, "disk usage walk", err)
	}
}

func roundTo3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// clockTicksPerSecond is the kernel's USER_HZ, used to convert /proc/stat's
// jiffy counters to nanoseconds. 100 is the near-universal value on Linux
// (sysconf(_SC_CLK_TCK)); dockerd's calculateCPUPercentUnix makes the same
// assumption rather than calling out to libc.
const clockTicksPerSecond = 100

// systemCPUUsageNS sums cumulative host CPU time across all cores from
// /proc/stat's aggregate "cpu" line, the denominator spec.md §4.7's
// (cpu_delta/system_delta)*100*cpus formula needs to normalize a per-cgroup
// usage delta into a percentage.
func systemCPUUsageNS() (uint64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	line := data
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		line = data[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 8 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format: %q", string(line))
	}
	var totalTicks uint64
	for _, f := range fields[1:8] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, err
		}
		totalTicks += v
	}
	return totalTicks * (uint64(time.Second) / clockTicksPerSecond), nil
}

// WithNetworkStats merges externally-gathered interface counters (summed
// across all interfaces per spec.md §4.7) into a stats snapshot.
func WithNetworkStats(st types.Stats, rx, tx uint64) types.Stats {
	st.Network = types.NetworkStats{RxBytes: rx, TxBytes: tx}
	return st
}

