// snapshot.go
package main

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/linnix-os/linnixd/types"
)

// SnapshotBuilder materializes point-in-time views for the request/response
// endpoints. Processes and System copy the store in one short read section,
// so neither observes a half-applied event. Graph makes three separate store
// reads (existence, lineage, descendants); an event applied between them can
// show up in one part of the view and not in another.
type SnapshotBuilder struct {
	store  *ProcessStore
	window *WindowBuffer
	bus    *AlertBus
	hub    *StreamHub

	startTime time.Time
	memTotal  uint64
}

func NewSnapshotBuilder(store *ProcessStore, window *WindowBuffer, bus *AlertBus, hub *StreamHub, memTotal uint64) *SnapshotBuilder {
	return &SnapshotBuilder{
		store:     store,
		window:    window,
		bus:       bus,
		hub:       hub,
		startTime: time.Now(),
		memTotal:  memTotal,
	}
}

// ProcessQuery selects and orders the /processes snapshot.
type ProcessQuery struct {
	Filter string
	Sort   string
	Limit  int
}

// processPredicate compiles a filter expression of comma-joined clauses:
// comm=NAME, tag=TAG, ppid=N, state=live|exited, min_cpu=PCT, min_rss=BYTES.
func processPredicate(expr string) (func(*types.Process) bool, error) {
	if expr == "" {
		return func(*types.Process) bool { return true }, nil
	}

	type clause func(*types.Process) bool
	var clauses []clause

	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, daemonErrf(ErrConfig, "bad filter clause %q", part)
		}
		switch key {
		case "comm":
			v := value
			clauses = append(clauses, func(p *types.Process) bool { return p.Comm == v })
		case "tag":
			v := value
			clauses = append(clauses, func(p *types.Process) bool {
				for _, t := range p.Tags {
					if t == v {
						return true
					}
				}
				return false
			})
		case "ppid":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, daemonErrf(ErrConfig, "bad ppid %q", value)
			}
			clauses = append(clauses, func(p *types.Process) bool { return p.Ppid == uint32(n) })
		case "state":
			want := types.StateLive
			if value == "exited" {
				want = types.StateExited
			}
			clauses = append(clauses, func(p *types.Process) bool { return p.State == want })
		case "min_cpu":
			pct, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, daemonErrf(ErrConfig, "bad min_cpu %q", value)
			}
			milli := uint32(pct * 1000)
			clauses = append(clauses, func(p *types.Process) bool {
				return p.CPUPct != types.PercentMilliUnknown && p.CPUPct >= milli
			})
		case "min_rss":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, daemonErrf(ErrConfig, "bad min_rss %q", value)
			}
			clauses = append(clauses, func(p *types.Process) bool { return p.RSSBytes >= n })
		default:
			return nil, daemonErrf(ErrConfig, "unknown filter key %q", key)
		}
	}

	return func(p *types.Process) bool {
		for _, c := range clauses {
			if !c(p) {
				return false
			}
		}
		return true
	}, nil
}

// Processes returns the filtered, sorted live-process snapshot.
func (sb *SnapshotBuilder) Processes(q ProcessQuery) ([]types.Process, error) {
	pred, err := processPredicate(q.Filter)
	if err != nil {
		return nil, err
	}

	all := sb.store.Snapshot()
	out := make([]types.Process, 0, len(all))
	for i := range all {
		if q.Filter == "" && all[i].State != types.StateLive {
			continue // default view lists live tasks only
		}
		if pred(&all[i]) {
			out = append(out, all[i])
		}
	}

	if err := sortProcesses(out, q.Sort); err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortProcesses(procs []types.Process, spec string) error {
	if spec == "" {
		spec = "pid:asc"
	}
	field, dir, _ := strings.Cut(spec, ":")
	desc := dir == "desc"

	var less func(a, b *types.Process) bool
	switch field {
	case "pid":
		less = func(a, b *types.Process) bool { return a.Pid < b.Pid }
	case "cpu":
		less = func(a, b *types.Process) bool { return cpuSortKey(a) < cpuSortKey(b) }
	case "rss":
		less = func(a, b *types.Process) bool { return a.RSSBytes < b.RSSBytes }
	case "start_time":
		less = func(a, b *types.Process) bool { return a.StartTsNs < b.StartTsNs }
	default:
		return daemonErrf(ErrConfig, "unknown sort field %q", field)
	}

	sort.SliceStable(procs, func(i, j int) bool {
		if desc {
			return less(&procs[j], &procs[i])
		}
		return less(&procs[i], &procs[j])
	})
	return nil
}

func cpuSortKey(p *types.Process) uint32 {
	if p.CPUPct == types.PercentMilliUnknown {
		return 0
	}
	return p.CPUPct
}

// GraphView is the lineage plus descendants of one task.
type GraphView struct {
	Pid         uint32          `json:"pid"`
	Ancestors   []types.Process `json:"ancestors"`
	Descendants []types.Process `json:"descendants"`
	Truncated   bool            `json:"truncated"`
}

// Graph materializes the ancestry chain and bounded descendant set.
func (sb *SnapshotBuilder) Graph(pid uint32) (GraphView, bool) {
	if _, ok := sb.store.Get(pid); !ok {
		return GraphView{}, false
	}
	ancestors, ancTrunc := sb.store.Lineage(pid)
	descendants, descTrunc := sb.store.Descendants(pid)
	return GraphView{
		Pid:         pid,
		Ancestors:   ancestors,
		Descendants: descendants,
		Truncated:   ancTrunc || descTrunc,
	}, true
}

// SystemView aggregates host-level numbers for /system.
type SystemView struct {
	ProcessCount   int     `json:"process_count"`
	CPUPctTotal    float64 `json:"cpu_pct_total"`
	MemBytesTotal  uint64  `json:"mem_bytes_total"`
	RSSBytesInUse  uint64  `json:"rss_bytes_in_use"`
	EventRate1s    float64 `json:"event_rate_1s"`
	EventRate10s   float64 `json:"event_rate_10s"`
	EventRate60s   float64 `json:"event_rate_60s"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	WindowEntries  int     `json:"window_entries"`
	AlertsSequence uint64  `json:"alerts_sequence"`
}

// System computes aggregate metrics as of nowNs (monotonic event time).
func (sb *SnapshotBuilder) System(nowNs uint64) SystemView {
	procs := sb.store.Snapshot()

	var cpuMilli uint64
	var rss uint64
	live := 0
	for i := range procs {
		if procs[i].State != types.StateLive {
			continue
		}
		live++
		rss += procs[i].RSSBytes
		if procs[i].CPUPct != types.PercentMilliUnknown {
			cpuMilli += uint64(procs[i].CPUPct)
		}
	}

	rate := func(seconds uint64) float64 {
		since := uint64(0)
		if nowNs > seconds*1e9 {
			since = nowNs - seconds*1e9
		}
		n := len(sb.window.Slice(since))
		return float64(n) / float64(seconds)
	}

	return SystemView{
		ProcessCount:   live,
		CPUPctTotal:    float64(cpuMilli) / 1000,
		MemBytesTotal:  sb.memTotal,
		RSSBytesInUse:  rss,
		EventRate1s:    rate(1),
		EventRate10s:   rate(10),
		EventRate60s:   rate(60),
		UptimeSeconds:  time.Since(sb.startTime).Seconds(),
		WindowEntries:  sb.window.Len(),
		AlertsSequence: sb.bus.Seq(),
	}
}

// MetricsJSON is the operator counter view served at /metrics.
func (sb *SnapshotBuilder) MetricsJSON() map[string]interface{} {
	cpuSeconds, rssBytes := selfUsage()
	return map[string]interface{}{
		"events_total":                  stats.eventsTotal.Load(),
		"events_dropped_total":          stats.eventsDropped.Load(),
		"events_decode_errors_total":    stats.decodeErrors.Load(),
		"ring_lost_total":               stats.ringLost.Load(),
		"lineage_gaps_total":            stats.lineageGaps.Load(),
		"pid_reuse_total":               stats.pidReuse.Load(),
		"store_invariant_repairs_total": stats.storeRepairs.Load(),
		"alerts_emitted_total":          stats.alertsEmitted.Load(),
		"alerts_suppressed_total":       stats.alertsSuppressed.Load(),
		"rule_eval_errors_total":        stats.ruleEvalErrors.Load(),
		"hub_drops_total":               stats.hubDrops.Load(),
		"lag_skipped_total":             stats.lagSkipped.Load(),
		"offline_denied_total":          stats.offlineDenied.Load(),
		"enrichment_discarded_total":    stats.enrichmentDropped.Load(),
		"notifier_failures_total":       stats.notifierFailures.Load(),
		"degradations_total":            stats.degradations.Load(),
		"probes_attached":               stats.probesAttached.Load(),
		"probes_skipped":                stats.probesSkipped.Load(),
		"subscribers":                   stats.subscribers.Load(),
		"sample_interval_ms":            stats.sampleIntervalMs.Load(),
		"window_entries_max":            stats.windowEntriesLimit.Load(),
		"window_entries":                sb.window.Len(),
		"processes_live":                sb.store.LiveCount(),
		"self_cpu_seconds":              cpuSeconds,
		"self_rss_bytes":                rssBytes,
	}
}
