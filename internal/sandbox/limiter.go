package sandbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// usage is what the limiter measured for one run.
type usage struct {
	CpuMillis   int64
	WallMillis  int64
	PeakMemory  int64
	HitTime     bool
	HitMemory   bool
	WatchFailed bool
}

// cgroupPaths locates the control files accounting for a process.
// Supports cgroup v2 (unified) with a v1 fallback, resolved through the
// host view of /proc/<pid>/cgroup.
type cgroupPaths struct {
	memCurrent string
	cpuStat    string
	v2         bool
}

func findCgroupPaths(pid int) (*cgroupPaths, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return nil, err
	}
	return parseCgroupFile(data)
}

func parseCgroupFile(data []byte) (*cgroupPaths, error) {
	var p cgroupPaths
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		switch {
		case parts[0] == "0" && parts[1] == "":
			base := filepath.Join("/sys/fs/cgroup", parts[2])
			p.memCurrent = filepath.Join(base, "memory.current")
			p.cpuStat = filepath.Join(base, "cpu.stat")
			p.v2 = true
		case strings.Contains(parts[1], "memory"):
			base := filepath.Join("/sys/fs/cgroup/memory", parts[2])
			p.memCurrent = filepath.Join(base, "memory.usage_in_bytes")
		case strings.Contains(parts[1], "cpuacct"):
			p.cpuStat = filepath.Join("/sys/fs/cgroup/cpuacct", parts[2], "cpuacct.usage")
		}
	}
	if p.memCurrent == "" && p.cpuStat == "" {
		return nil, fmt.Errorf("no usable cgroup controllers found")
	}
	return &p, nil
}

// readMemory samples the instantaneous memory counter. The container's
// cgroup outlives individual execs, so the kernel's lifetime high-water
// mark would carry an earlier exec's usage into this run; the per-run
// peak is tracked by the watch loop instead.
func (p *cgroupPaths) readMemory() (int64, bool) {
	v, ok := readIntFile(p.memCurrent)
	return v, ok
}

// readCpuMillis returns cumulative cpu time of the cgroup.
func (p *cgroupPaths) readCpuMillis() (int64, bool) {
	if p.v2 {
		data, err := os.ReadFile(p.cpuStat)
		if err != nil {
			return 0, false
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				if usec, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return usec / 1000, true
				}
			}
		}
		return 0, false
	}
	// v1 cpuacct.usage is nanoseconds
	if ns, ok := readIntFile(p.cpuStat); ok {
		return ns / 1_000_000, true
	}
	return 0, false
}

func readIntFile(path string) (int64, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// killGroup kills the whole process group at limit expiry so forked
// children die with their parent. Non-positive pids would address the
// judger's own process group and must never be signalled.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	syscall.Kill(pid, syscall.SIGKILL)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

const samplePeriod = 10 * time.Millisecond

// watch polls the process until it exits or violates a limit, then reports
// precise usage. Cpu time is accounted as the cgroup delta from baseline;
// wall time bounds pathological sleepers.
func watch(pid int, lim Limits, stop <-chan struct{}) usage {
	start := time.Now()
	var u usage

	// an exec can finish before inspect ever reports its pid; nothing
	// to watch then, and nothing to kill
	if pid <= 0 {
		return u
	}

	paths, err := findCgroupPaths(pid)
	if err != nil {
		// process may have exited before the first sample
		if alive(pid) {
			u.WatchFailed = true
		}
		u.WallMillis = time.Since(start).Milliseconds()
		return u
	}
	baselineCpu, _ := paths.readCpuMillis()

	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()
	for alive(pid) {
		select {
		case <-stop:
			killGroup(pid)
		case <-ticker.C:
		}

		u.WallMillis = time.Since(start).Milliseconds()
		if cpu, ok := paths.readCpuMillis(); ok {
			u.CpuMillis = cpu - baselineCpu
		}
		if mem, ok := paths.readMemory(); ok && mem > u.PeakMemory {
			u.PeakMemory = mem
		}

		if lim.CpuMillis > 0 && u.CpuMillis >= lim.CpuMillis {
			u.HitTime = true
			killGroup(pid)
		}
		if u.WallMillis >= lim.WallMillis {
			u.HitTime = true
			killGroup(pid)
		}
		if lim.MemoryBytes > 0 && u.PeakMemory >= lim.MemoryBytes {
			u.HitMemory = true
			killGroup(pid)
		}
	}
	if u.WallMillis == 0 {
		u.WallMillis = time.Since(start).Milliseconds()
	}
	return u
}
