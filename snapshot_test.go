package main

import (
	"testing"
	"time"

	"github.com/linnix-os/linnixd/types"
)

func newTestSnapshots(t *testing.T) (*SnapshotBuilder, *ProcessStore, *WindowBuffer) {
	store := newTestStore(t)
	window := NewWindowBuffer(time.Minute, 1000)
	bus := NewAlertBus(16)
	hub := newTestHub(16)
	return NewSnapshotBuilder(store, window, bus, hub, 16<<30), store, window
}

func seedProcs(s *ProcessStore) {
	s.Apply(&types.Event{TsNs: 1, Kind: types.KindFork, Pid: 1, Tgid: 1, Comm: "systemd"})
	s.Apply(&types.Event{TsNs: 2, Kind: types.KindFork, Pid: 10, Tgid: 10, Ppid: 1, Comm: "bash"})
	s.Apply(&types.Event{TsNs: 3, Kind: types.KindFork, Pid: 20, Tgid: 20, Ppid: 10, Comm: "cc1"})
	s.Apply(&types.Event{TsNs: 4, Kind: types.KindRSS, Pid: 20, Tgid: 20, Comm: "cc1", RSSBytes: 512 << 20})
	s.Apply(&types.Event{TsNs: 5, Kind: types.KindCPU, Pid: 20, Tgid: 20, Comm: "cc1", CPUDeltaNs: 2e9, IntervalNs: 1e9})
	s.Apply(&types.Event{TsNs: 6, Kind: types.KindFork, Pid: 30, Tgid: 30, Ppid: 10, Comm: "sleep"})
	s.Apply(&types.Event{TsNs: 7, Kind: types.KindExit, Pid: 30, Tgid: 30, Ppid: 10, Comm: "sleep"})
}

func TestSnapshotProcessesFilterSortLimit(t *testing.T) {
	sb, store, _ := newTestSnapshots(t)
	seedProcs(store)

	// Default: live only, pid ascending.
	procs, err := sb.Processes(ProcessQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 3 {
		t.Fatalf("live count = %d, want 3", len(procs))
	}
	for _, p := range procs {
		if p.State != types.StateLive {
			t.Errorf("default view includes exited pid %d", p.Pid)
		}
	}

	// Filter by comm.
	procs, err = sb.Processes(ProcessQuery{Filter: "comm=bash"})
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].Pid != 10 {
		t.Errorf("comm filter = %+v", procs)
	}

	// Filter by tag (cc1 is tagged compiler by the heuristics).
	procs, err = sb.Processes(ProcessQuery{Filter: "tag=compiler"})
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].Pid != 20 {
		t.Errorf("tag filter = %+v", procs)
	}

	// min_rss with sort and limit.
	procs, err = sb.Processes(ProcessQuery{Filter: "min_rss=1048576", Sort: "rss:desc", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].Pid != 20 {
		t.Errorf("min_rss query = %+v", procs)
	}

	// cpu sort puts the busy compiler first.
	procs, err = sb.Processes(ProcessQuery{Sort: "cpu:desc"})
	if err != nil {
		t.Fatal(err)
	}
	if procs[0].Pid != 20 {
		t.Errorf("cpu:desc first pid = %d, want 20", procs[0].Pid)
	}

	// Bad expressions are config-class errors.
	if _, err := sb.Processes(ProcessQuery{Filter: "nope=1"}); err == nil {
		t.Error("unknown filter key accepted")
	}
	if _, err := sb.Processes(ProcessQuery{Sort: "comm:asc"}); err == nil {
		t.Error("unknown sort field accepted")
	}
}

func TestSnapshotGraph(t *testing.T) {
	sb, store, _ := newTestSnapshots(t)
	store.Apply(forkAt(1, 100, 1))
	store.Apply(forkAt(2, 200, 100))
	store.Apply(forkAt(3, 201, 200))
	store.Apply(forkAt(4, 202, 201))

	graph, ok := sb.Graph(200)
	if !ok {
		t.Fatal("graph for tracked pid missing")
	}
	if graph.Ancestors[0].Pid != 200 {
		t.Errorf("chain starts at %d", graph.Ancestors[0].Pid)
	}
	got := map[uint32]bool{}
	for _, p := range graph.Descendants {
		got[p.Pid] = true
	}
	if !got[201] || !got[202] || len(got) != 2 {
		t.Errorf("descendants = %v, want {201, 202}", got)
	}

	if _, ok := sb.Graph(9999); ok {
		t.Error("graph for unknown pid should report missing")
	}
}

func TestSnapshotSystemRates(t *testing.T) {
	sb, store, window := newTestSnapshots(t)
	seedProcs(store)

	nowNs := uint64(100e9)
	// 10 events eight seconds back, then 5 within the last second.
	for i := uint64(0); i < 10; i++ {
		window.Append(forkAt(nowNs-8e9+i, uint32(2000+i), 1))
	}
	for i := uint64(0); i < 5; i++ {
		window.Append(forkAt(nowNs-5e8+i, uint32(1000+i), 1))
	}

	view := sb.System(nowNs)
	if view.ProcessCount != 3 {
		t.Errorf("process count = %d, want 3", view.ProcessCount)
	}
	if view.EventRate1s != 5 {
		t.Errorf("1s rate = %f, want 5", view.EventRate1s)
	}
	if view.EventRate10s != 1.5 {
		t.Errorf("10s rate = %f, want 1.5", view.EventRate10s)
	}
	if view.MemBytesTotal != 16<<30 {
		t.Errorf("mem total = %d", view.MemBytesTotal)
	}
}
