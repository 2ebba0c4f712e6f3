// proc.go
package main

import (
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/linnix-os/linnixd/types"
)

// BootTime anchors kernel monotonic timestamps to wall-clock time.
var BootTime time.Time

func calculateBootTime() time.Time {
	fs, err := procfs.NewDefaultFS()
	if err == nil {
		if stat, err := fs.Stat(); err == nil && stat.BootTime > 0 {
			return time.Unix(int64(stat.BootTime), 0)
		}
	}
	// Fallback: use daemon start as the reference point.
	return time.Now()
}

func bpfTimestampToTime(tsNs uint64) time.Time {
	return BootTime.Add(time.Duration(tsNs))
}

func timeToBpfTimestamp(t time.Time) uint64 {
	d := t.Sub(BootTime)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// scanProcs walks /proc and synthesizes FORK-equivalent events for every task
// alive at startup, so ancestry queries succeed for pre-existing processes.
// Tasks that exit mid-scan are skipped.
func scanProcs() ([]*types.Event, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, daemonErr(ErrIo, "opening /proc", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, daemonErr(ErrIo, "listing /proc", err)
	}

	events := make([]*types.Event, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue // exited during scan
		}

		startEpoch, err := stat.StartTime()
		var startTs uint64
		if err == nil {
			startTs = timeToBpfTimestamp(time.Unix(int64(startEpoch), 0))
		}

		ev := &types.Event{
			TsNs: startTs,
			Kind: types.KindFork,
			Pid:  uint32(p.PID),
			Tgid: uint32(p.PID),
			Ppid: uint32(stat.PPID),
			Comm: stat.Comm,
		}
		if cgroups, err := p.Cgroups(); err == nil && len(cgroups) > 0 {
			ev.CgroupPath = cgroups[0].Path
		}
		if rss := stat.ResidentMemory(); rss > 0 {
			ev.RSSBytes = uint64(rss)
		}
		events = append(events, ev)
	}
	return events, nil
}

// totalMemoryBytes returns the host memory size, or 0 when unreadable.
func totalMemoryBytes() uint64 {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil {
		return 0
	}
	return *mi.MemTotal * 1024
}

// Kernel worker comm prefixes whose EXIT events are bookkeeping noise on the
// stream. They still reach the store.
var kernelCommPrefixes = []string{
	"kworker/", "ksoftirqd/", "migration/", "cpuhp/", "watchdog/", "irq/",
	"kthread", "jbd2/", "kauditd", "kswapd", "kcompactd", "kdevtmpfs",
	"writeback", "khugepaged", "ipv6_addrconf", "scsi_eh_", "scsi_tmf_",
	"kintegrityd", "khungtaskd", "kblockd",
}

func isKernelComm(comm string) bool {
	for _, prefix := range kernelCommPrefixes {
		if strings.HasPrefix(comm, prefix) {
			return true
		}
	}
	return false
}
