package events

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

func parseIntOr0(s string) uint64 {
	n, _ := strconv.ParseUint(s, 0, 64)
	return n
}

type cpuTotals struct {
	user, sys, total uint64
}

func readCPUTotals() (cpuTotals, error) {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTotals{}, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		// cpu  user nice system idle iowait irq softirq …
		fields := strings.Fields(line)[1:]
		var t cpuTotals
		for i, f := range fields {
			v := parseIntOr0(f)
			t.total += v
			switch i {
			case 0, 1:
				t.user += v
			case 2:
				t.sys += v
			}
		}
		return t, nil
	}
	return cpuTotals{}, nil
}

func readMemUsed() (uint64, error) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var total, available uint64
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		val := func(prefix string) (uint64, bool) {
			if !strings.HasPrefix(line, prefix) {
				return 0, false
			}
			v := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			kb := parseIntOr0(strings.TrimSuffix(v, " kB"))
			return kb * 1024, true
		}
		if v, ok := val("MemTotal:"); ok {
			total = v
		}
		if v, ok := val("MemAvailable:"); ok {
			available = v
		}
	}
	if available > total {
		return 0, nil
	}
	return total - available, nil
}

func readLoadavg() (l1, l5, l15 float64, _ error) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return 0, 0, 0, nil
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15, nil
}

func readDiskUsed(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return (st.Blocks - st.Bfree) * uint64(st.Bsize), nil
}

// SampleLoop emits one resource sample per interval until ctx is canceled.
// diskPath is the filesystem whose usage is reported (the orchestrator
// root). CPU percentages are computed from /proc/stat deltas between ticks.
func SampleLoop(ctx context.Context, rec Recorder, jobID, diskPath string, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	last, err := readCPUTotals()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			cur, err := readCPUTotals()
			if err != nil {
				return err
			}
			var userPct, sysPct float64
			if d := cur.total - last.total; d > 0 {
				userPct = 100 * float64(cur.user-last.user) / float64(d)
				sysPct = 100 * float64(cur.sys-last.sys) / float64(d)
			}
			last = cur

			mem, _ := readMemUsed()
			disk, _ := readDiskUsed(diskPath)
			l1, l5, l15, _ := readLoadavg()

			rec.Sample(Sample{
				JobID:        jobID,
				CPUUserPct:   userPct,
				CPUSystemPct: sysPct,
				MemUsed:      mem,
				DiskUsed:     disk,
				Load1:        l1,
				Load5:        l5,
				Load15:       l15,
				Timestamp:    time.Now(),
			})
		}
	}
}
