// store.go
package main

import (
	"math"
	"sync"
	"time"

	"github.com/linnix-os/linnixd/types"
)

const (
	maxLineageDepth    = 64
	maxDescendants     = 10000
	defaultGCHorizon   = 60 * time.Second
	defaultReorderSpan = 200 * time.Millisecond
)

type pendingExit struct {
	event      *types.Event
	receivedNs uint64
}

// ProcessStore is the authoritative in-memory model of live tasks. All
// mutations flow through the single pipeline goroutine calling Apply; readers
// take a short read lock against the versioned state.
type ProcessStore struct {
	mu       sync.RWMutex
	procs    map[uint32]*types.Process
	children map[uint32]map[uint32]struct{}
	version  uint64
	live     int

	pendingExits map[uint32]pendingExit

	tags      *TagCache
	onTagMiss func(comm, cgroupPath string)

	memTotal    uint64
	cores       int
	gcHorizon   time.Duration
	reorderSpan time.Duration

	logger *Logger
}

func NewProcessStore(tags *TagCache, memTotal uint64, cores int, logger *Logger) *ProcessStore {
	if cores <= 0 {
		cores = 1
	}
	return &ProcessStore{
		procs:        make(map[uint32]*types.Process),
		children:     make(map[uint32]map[uint32]struct{}),
		pendingExits: make(map[uint32]pendingExit),
		tags:         tags,
		memTotal:     memTotal,
		cores:        cores,
		gcHorizon:    defaultGCHorizon,
		reorderSpan:  defaultReorderSpan,
		logger:       logger,
	}
}

// Backfill seeds the store from a /proc scan so ancestry queries succeed for
// tasks that predate the daemon.
func (s *ProcessStore) Backfill(events []*types.Event) {
	for _, ev := range events {
		rss := ev.RSSBytes
		ev.RSSBytes = 0
		s.Apply(ev)
		if rss > 0 {
			s.Apply(&types.Event{
				TsNs: ev.TsNs, Kind: types.KindRSS,
				Pid: ev.Pid, Tgid: ev.Tgid, Comm: ev.Comm, RSSBytes: rss,
			})
		}
	}
}

// Apply updates state from one event. Returns false when the event was held
// back (EXIT buffered waiting for its FORK inside the reorder window).
func (s *ProcessStore) Apply(ev *types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := true
	switch ev.Kind {
	case types.KindFork:
		s.applyFork(ev)
	case types.KindExec:
		s.applyExec(ev)
	case types.KindExit:
		applied = s.applyExit(ev)
	case types.KindRSS:
		s.applyRSS(ev)
	case types.KindCPU:
		s.applyCPU(ev)
	}
	if applied {
		s.version++
	}
	processGauge.Set(float64(s.live))
	return applied
}

func (s *ProcessStore) applyFork(ev *types.Event) {
	if old, ok := s.procs[ev.Pid]; ok {
		if old.State == types.StateLive && old.StartTsNs == ev.TsNs {
			return // duplicate FORK delivery
		}
		// A FORK over a known pid means the kernel recycled it; the old
		// record is detached and the accumulators start fresh.
		countPidReuse()
		s.detachLocked(old)
	}

	p := &types.Process{
		Pid:        ev.Pid,
		Tgid:       ev.Tgid,
		Ppid:       ev.Ppid,
		StartTsNs:  ev.TsNs,
		Comm:       ev.Comm,
		CgroupPath: ev.CgroupPath,
		CPUPct:     types.PercentMilliUnknown,
		MemPct:     types.PercentMilliUnknown,
		State:      types.StateLive,
	}
	p.Tags = s.resolveTags(ev.Comm, ev.CgroupPath)
	s.insertLocked(p)

	// An EXIT that raced ahead of this FORK is released now.
	if pending, ok := s.pendingExits[ev.Pid]; ok && pending.event.TsNs >= ev.TsNs {
		delete(s.pendingExits, ev.Pid)
		s.applyExit(pending.event)
	}
}

func (s *ProcessStore) applyExec(ev *types.Event) {
	p, ok := s.procs[ev.Pid]
	if !ok {
		// EXEC for a pid we never saw fork: repair by synthesizing the task
		// so lineage closure holds for its children.
		countStoreRepair()
		s.applyFork(ev)
		return
	}

	if p.Comm != ev.Comm {
		p.Comm = ev.Comm
		p.CPUNsTotal = 0
		p.CPUPct = types.PercentMilliUnknown
		p.Tags = s.resolveTags(ev.Comm, p.CgroupPath)
	}
	if ev.CgroupPath != "" && ev.CgroupPath != p.CgroupPath {
		p.CgroupPath = ev.CgroupPath
	}
}

func (s *ProcessStore) applyExit(ev *types.Event) bool {
	p, ok := s.procs[ev.Pid]
	if !ok {
		// Hold the EXIT inside the reorder window in case its FORK is still
		// in flight on another ring.
		s.pendingExits[ev.Pid] = pendingExit{event: ev, receivedNs: ev.TsNs}
		return false
	}

	if p.State == types.StateLive {
		s.live--
	}
	p.State = types.StateExited
	p.ExitTsNs = ev.TsNs
	p.ExitCode = ev.ExitCode
	return true
}

func (s *ProcessStore) applyRSS(ev *types.Event) {
	p := s.ensureLocked(ev)
	p.RSSBytes = ev.RSSBytes
	if s.memTotal > 0 {
		pct := uint64(math.Round(100000 * float64(ev.RSSBytes) / float64(s.memTotal)))
		if pct > 100000 {
			pct = 100000
		}
		p.MemPct = uint32(pct)
	}
}

func (s *ProcessStore) applyCPU(ev *types.Event) {
	p := s.ensureLocked(ev)

	if p.State == types.StateExited || (ev.Comm != "" && p.Comm != "" && p.Comm != ev.Comm) {
		// Sample for a recycled pid that we missed the FORK for.
		countPidReuse()
		p.CPUNsTotal = 0
		p.CPUPct = types.PercentMilliUnknown
		if ev.Comm != "" {
			p.Comm = ev.Comm
		}
		if p.State == types.StateExited {
			s.live++
		}
		p.State = types.StateLive
		p.ExitTsNs = 0
		p.ExitCode = 0
	}

	p.CPUNsTotal += ev.CPUDeltaNs
	if ev.IntervalNs > 0 {
		pct := uint64(math.Round(100000 * float64(ev.CPUDeltaNs) /
			(float64(ev.IntervalNs) * float64(s.cores))))
		if pct > 100000 {
			pct = 100000
		}
		p.CPUPct = uint32(pct)
	}
}

// ensureLocked returns the task for a sample event, synthesizing a repaired
// record when the lifecycle events were lost.
func (s *ProcessStore) ensureLocked(ev *types.Event) *types.Process {
	if p, ok := s.procs[ev.Pid]; ok {
		return p
	}
	countStoreRepair()
	p := &types.Process{
		Pid:       ev.Pid,
		Tgid:      ev.Tgid,
		Ppid:      ev.Ppid,
		StartTsNs: ev.TsNs,
		Comm:      ev.Comm,
		CPUPct:    types.PercentMilliUnknown,
		MemPct:    types.PercentMilliUnknown,
		State:     types.StateLive,
	}
	s.insertLocked(p)
	return p
}

func (s *ProcessStore) insertLocked(p *types.Process) {
	s.procs[p.Pid] = p
	if p.State == types.StateLive {
		s.live++
	}
	set, ok := s.children[p.Ppid]
	if !ok {
		set = make(map[uint32]struct{})
		s.children[p.Ppid] = set
	}
	set[p.Pid] = struct{}{}
}

func (s *ProcessStore) detachLocked(p *types.Process) {
	if p.State == types.StateLive {
		s.live--
	}
	if set, ok := s.children[p.Ppid]; ok {
		delete(set, p.Pid)
		if len(set) == 0 {
			delete(s.children, p.Ppid)
		}
	}
	delete(s.procs, p.Pid)
}

func (s *ProcessStore) resolveTags(comm, cgroupPath string) []string {
	if s.tags == nil {
		return nil
	}
	hash := types.HashComm(comm)
	if tags, ok := s.tags.Get(hash); ok {
		return tags
	}
	tags := heuristicTags(comm, cgroupPath)
	s.tags.Put(hash, tags)
	if s.onTagMiss != nil {
		s.onTagMiss(comm, cgroupPath)
	}
	return tags
}

// GC removes exited tasks past the horizon and flushes stale reorder-buffer
// entries. Children of a collected task are re-parented through its oldest
// live ancestor so lineage closure holds.
func (s *ProcessStore) GC(nowNs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := uint64(s.gcHorizon.Nanoseconds())
	for pid, p := range s.procs {
		if p.State != types.StateExited {
			continue
		}
		if p.ExitTsNs+horizon > nowNs {
			continue
		}

		parent := s.oldestLiveAncestorLocked(p)
		if kids, ok := s.children[pid]; ok {
			for kid := range kids {
				child, ok := s.procs[kid]
				if !ok {
					continue
				}
				child.Ppid = parent
				set, ok := s.children[parent]
				if !ok {
					set = make(map[uint32]struct{})
					s.children[parent] = set
				}
				set[kid] = struct{}{}
			}
			delete(s.children, pid)
		}
		s.detachLocked(p)
	}

	reorder := uint64(s.reorderSpan.Nanoseconds())
	for pid, pending := range s.pendingExits {
		if pending.receivedNs+reorder <= nowNs {
			delete(s.pendingExits, pid)
			countStoreRepair()
		}
	}
	s.version++
}

func (s *ProcessStore) oldestLiveAncestorLocked(p *types.Process) uint32 {
	oldest := uint32(0)
	current := p.Ppid
	for depth := 0; depth < maxLineageDepth; depth++ {
		if current == 0 {
			break
		}
		a, ok := s.procs[current]
		if !ok {
			break
		}
		if a.State == types.StateLive {
			oldest = a.Pid
		}
		current = a.Ppid
	}
	return oldest
}

// Lineage returns the ancestor chain from pid to root. The chain truncates at
// the first missing link or at the depth cap; truncation by a gap is counted.
func (s *ProcessStore) Lineage(pid uint32) ([]types.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []types.Process
	seen := make(map[uint32]struct{})
	current := pid
	truncated := false

	for depth := 0; depth < maxLineageDepth; depth++ {
		if _, cycle := seen[current]; cycle {
			truncated = true
			break
		}
		seen[current] = struct{}{}

		p, ok := s.procs[current]
		if !ok {
			if depth > 0 {
				countLineageGap()
				truncated = true
			}
			break
		}
		chain = append(chain, *p)
		if p.Ppid == 0 {
			return chain, false
		}
		current = p.Ppid
	}
	if len(chain) == maxLineageDepth {
		truncated = true
	}
	return chain, truncated
}

// Descendants runs a bounded BFS over the lineage index.
func (s *ProcessStore) Descendants(pid uint32) ([]types.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids, truncated := s.descendantPidsLocked(pid)

	out := make([]types.Process, 0, len(pids))
	for _, kid := range pids {
		if p, ok := s.procs[kid]; ok {
			out = append(out, *p)
		}
	}
	return out, truncated
}

// DescendantSet returns the descendant pid set including the root, for
// subtree aggregation by the rule engine.
func (s *ProcessStore) DescendantSet(pid uint32) map[uint32]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids, _ := s.descendantPidsLocked(pid)

	set := make(map[uint32]struct{}, len(pids)+1)
	set[pid] = struct{}{}
	for _, kid := range pids {
		set[kid] = struct{}{}
	}
	return set
}

func (s *ProcessStore) descendantPidsLocked(pid uint32) ([]uint32, bool) {
	var out []uint32
	truncated := false
	seen := map[uint32]struct{}{pid: {}}

	type queued struct {
		pid   uint32
		depth int
	}
	queue := []queued{{pid, 0}}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		if head.depth >= maxLineageDepth {
			truncated = true
			continue
		}
		for kid := range s.children[head.pid] {
			if _, dup := seen[kid]; dup {
				continue
			}
			seen[kid] = struct{}{}
			if len(out) >= maxDescendants {
				return out, true
			}
			out = append(out, kid)
			queue = append(queue, queued{kid, head.depth + 1})
		}
	}
	return out, truncated
}

// Get copies a single task record.
func (s *ProcessStore) Get(pid uint32) (types.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[pid]
	if !ok {
		return types.Process{}, false
	}
	return *p, true
}

// Snapshot copies every tracked task under one short read section.
func (s *ProcessStore) Snapshot() []types.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, *p)
	}
	return out
}

// Version identifies the current state generation.
func (s *ProcessStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LiveCount reports the number of live tasks.
func (s *ProcessStore) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}
