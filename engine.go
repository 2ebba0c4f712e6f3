// engine.go
package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/linnix-os/linnixd/types"
)

// RuleEngine evaluates the declarative detector set against the window
// buffer. It runs on the single pipeline goroutine: OnEvent for incremental
// evaluation, Tick at 1 Hz for housekeeping and hot reload.
type RuleEngine struct {
	mu    sync.Mutex
	rules []types.Rule

	window *WindowBuffer
	store  *ProcessStore
	bus    *AlertBus
	logger *Logger
	cores  int

	cooldownUntil map[string]uint64 // rule|subject -> next allowed ts
	execCleared   map[string]uint64 // exec_rate rules ignore entries before this ts
	pendingRules  []types.Rule
	swapQueued    bool
}

func NewRuleEngine(rules []types.Rule, window *WindowBuffer, store *ProcessStore, bus *AlertBus, cores int, logger *Logger) *RuleEngine {
	if cores <= 0 {
		cores = 1
	}
	return &RuleEngine{
		rules:         rules,
		window:        window,
		store:         store,
		bus:           bus,
		logger:        logger,
		cores:         cores,
		cooldownUntil: make(map[string]uint64),
		execCleared:   make(map[string]uint64),
	}
}

// Swap queues a new rule set; it becomes active at the next tick boundary.
// Cooldown state for rule ids present in both sets is carried over.
func (e *RuleEngine) Swap(rules []types.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingRules = rules
	e.swapQueued = true
}

// RuleCount reports the size of the active set.
func (e *RuleEngine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

type candidate struct {
	rule       types.Rule
	subjectKey string
	pid        uint32
	ppid       uint32
	value      float64
	target     float64
	evidence   types.Evidence
	message    string
}

// OnEvent evaluates every rule whose detector is sensitive to this event
// kind. A panic inside one detector is isolated to that rule.
func (e *RuleEngine) OnEvent(ev *types.Event) {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	var fires []candidate
	for _, rule := range rules {
		if c, ok := e.evalRule(rule, ev); ok {
			fires = append(fires, c)
		}
	}
	if len(fires) == 0 {
		return
	}

	// Higher severity first, then lexicographically lower rule id.
	sort.Slice(fires, func(i, j int) bool {
		if fires[i].rule.Severity != fires[j].rule.Severity {
			return fires[i].rule.Severity > fires[j].rule.Severity
		}
		return fires[i].rule.ID < fires[j].rule.ID
	})
	for _, c := range fires {
		e.fire(c, ev.TsNs)
	}
}

// Tick performs cooldown housekeeping, window eviction and the atomic rule
// swap at the tick boundary.
func (e *RuleEngine) Tick(nowNs uint64) {
	e.window.Evict(nowNs)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.swapQueued {
		kept := make(map[string]bool, len(e.pendingRules))
		for _, r := range e.pendingRules {
			kept[r.ID] = true
		}
		for key := range e.cooldownUntil {
			id := key
			if i := strings.IndexByte(key, '|'); i >= 0 {
				id = key[:i]
			}
			if !kept[id] {
				delete(e.cooldownUntil, key)
			}
		}
		for id := range e.execCleared {
			if !kept[id] {
				delete(e.execCleared, id)
			}
		}
		e.rules = e.pendingRules
		e.pendingRules = nil
		e.swapQueued = false
	}

	for key, until := range e.cooldownUntil {
		if until <= nowNs {
			delete(e.cooldownUntil, key)
		}
	}
}

func (e *RuleEngine) evalRule(rule types.Rule, ev *types.Event) (c candidate, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			countRuleEvalError(rule.ID)
			e.logger.Warning("rules", "detector %s panicked: %v", rule.ID, r)
			fired = false
		}
	}()

	switch rule.Kind {
	case types.RuleForkRate:
		return e.evalForkRate(rule, ev)
	case types.RuleForkBurst:
		return e.evalForkBurst(rule, ev)
	case types.RuleExecRate:
		return e.evalExecRate(rule, ev)
	case types.RuleShortJob:
		return e.evalShortJobFlood(rule, ev)
	case types.RuleRunawayTree:
		return e.evalRunawayTree(rule, ev)
	case types.RuleMemGrowth:
		return e.evalMemGrowth(rule, ev)
	case types.RuleCPUSubtree:
		return e.evalCPUSubtree(rule, ev)
	}
	return candidate{}, false
}

func windowStart(tsNs uint64, windowSeconds uint32) uint64 {
	span := uint64(windowSeconds) * 1e9
	if tsNs <= span {
		return 0
	}
	return tsNs - span
}

func (e *RuleEngine) evalForkRate(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindFork {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)

	var count uint64
	subject := "*"
	var subjectPpid uint32

	switch rule.Per {
	case types.GroupingPerPpid:
		counts := e.window.CountKindBy(types.KindFork, since, func(w WindowEntry) (uint32, bool) {
			return w.Ppid, true
		})
		count = counts[ev.Ppid]
		subject = "ppid:" + strconv.FormatUint(uint64(ev.Ppid), 10)
		subjectPpid = ev.Ppid
	case types.GroupingCgroup:
		memo := make(map[uint32]uint32)
		keyOf := func(pid uint32) uint32 {
			if h, ok := memo[pid]; ok {
				return h
			}
			var h uint32
			if p, ok := e.store.Get(pid); ok {
				h = types.HashComm(p.CgroupPath)
			}
			memo[pid] = h
			return h
		}
		counts := e.window.CountKindBy(types.KindFork, since, func(w WindowEntry) (uint32, bool) {
			return keyOf(w.Pid), true
		})
		key := keyOf(ev.Pid)
		count = counts[key]
		subject = "cgroup:" + strconv.FormatUint(uint64(key), 10)
	default:
		count = e.window.CountKind(types.KindFork, since)
	}

	// Rate semantics: the window must hold threshold forks per second, with
	// the bare threshold as the floor for sub-second bursts.
	target := rule.Threshold * float64(rule.WindowSeconds)
	if target < rule.Threshold {
		target = rule.Threshold
	}
	if float64(count) < target {
		return candidate{}, false
	}

	return candidate{
		rule:       rule,
		subjectKey: subject,
		ppid:       subjectPpid,
		value:      float64(count),
		target:     target,
		evidence:   e.forkEvidence(rule, since, count),
		message:    fmt.Sprintf("fork rate exceeded %g/s: %d forks in %ds", rule.Threshold, count, rule.WindowSeconds),
	}, true
}

func (e *RuleEngine) evalForkBurst(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindFork {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)
	count := e.window.CountKind(types.KindFork, since)
	if float64(count) < rule.Threshold {
		return candidate{}, false
	}
	return candidate{
		rule:       rule,
		subjectKey: "*",
		value:      float64(count),
		target:     rule.Threshold,
		evidence:   e.forkEvidence(rule, since, count),
		message:    fmt.Sprintf("fork burst: %d forks in %ds", count, rule.WindowSeconds),
	}, true
}

func (e *RuleEngine) evalRunawayTree(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindFork || ev.Ppid == 0 {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)

	// The runaway root may be an ancestor of the immediate parent; walk the
	// chain from the nearest outward and fire for the first subtree that
	// crosses the threshold.
	ancestors := []uint32{ev.Ppid}
	if chain, _ := e.store.Lineage(ev.Ppid); len(chain) > 1 {
		for _, p := range chain[1:] {
			if p.Pid != 0 {
				ancestors = append(ancestors, p.Pid)
			}
		}
	}

	for _, root := range ancestors {
		subtree := e.store.DescendantSet(root)
		counts := e.window.CountKindBy(types.KindFork, since, func(w WindowEntry) (uint32, bool) {
			_, ok := subtree[w.Ppid]
			return w.Ppid, ok
		})
		var count uint64
		for _, n := range counts {
			count += n
		}
		if float64(count) < rule.Threshold {
			continue
		}

		return candidate{
			rule:       rule,
			subjectKey: "ppid:" + strconv.FormatUint(uint64(root), 10),
			ppid:       root,
			value:      float64(count),
			target:     rule.Threshold,
			evidence: types.Evidence{
				Count:         count,
				TopOffenders:  topOffenders(counts, e.store),
				WindowSeconds: rule.WindowSeconds,
			},
			message: fmt.Sprintf("ppid %d subtree spawned %d forks in %ds", root, count, rule.WindowSeconds),
		}, true
	}
	return candidate{}, false
}

func (e *RuleEngine) evalShortJobFlood(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindExit {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)
	maxLifetimeNs := rule.MaxLifetimeMs * 1e6

	entries := e.window.Slice(since)
	starts := make(map[uint32]uint64)
	perPpid := make(map[uint32]uint64)
	var count uint64
	for _, w := range entries {
		switch w.Kind {
		case types.KindFork:
			starts[w.Pid] = w.TsNs
		case types.KindExit:
			start, ok := starts[w.Pid]
			if !ok || w.TsNs < start {
				continue
			}
			if w.TsNs-start <= maxLifetimeNs {
				count++
				perPpid[w.Ppid]++
			}
		}
	}
	if float64(count) < rule.Threshold {
		return candidate{}, false
	}

	return candidate{
		rule:       rule,
		subjectKey: "*",
		value:      float64(count),
		target:     rule.Threshold,
		evidence: types.Evidence{
			Count:         count,
			TopOffenders:  topOffenders(perPpid, e.store),
			WindowSeconds: rule.WindowSeconds,
		},
		message: fmt.Sprintf("%d short-lived jobs (<= %dms) in %ds", count, rule.MaxLifetimeMs, rule.WindowSeconds),
	}, true
}

func (e *RuleEngine) evalExecRate(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindExec {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)
	e.mu.Lock()
	if cleared := e.execCleared[rule.ID]; cleared > since {
		since = cleared
	}
	e.mu.Unlock()

	entries := e.window.Slice(since)
	starts := make(map[uint32]uint64)
	var execCount uint64
	var lifetimes []uint64
	for _, w := range entries {
		switch w.Kind {
		case types.KindExec:
			execCount++
			starts[w.Pid] = w.TsNs
		case types.KindExit:
			if start, ok := starts[w.Pid]; ok && w.TsNs >= start {
				lifetimes = append(lifetimes, w.TsNs-start)
			}
		}
	}
	if float64(execCount) < rule.Threshold || len(lifetimes) == 0 {
		return candidate{}, false
	}
	sort.Slice(lifetimes, func(i, j int) bool { return lifetimes[i] < lifetimes[j] })
	median := lifetimes[len(lifetimes)/2]
	if median > rule.MaxLifetimeMs*1e6 {
		return candidate{}, false
	}

	// Restart the measurement window after a fire, so the same execs do not
	// feed the next evaluation.
	e.mu.Lock()
	e.execCleared[rule.ID] = ev.TsNs
	e.mu.Unlock()

	return candidate{
		rule:       rule,
		subjectKey: "*",
		value:      float64(execCount),
		target:     rule.Threshold,
		evidence: types.Evidence{
			Count:         execCount,
			WindowSeconds: rule.WindowSeconds,
		},
		message: fmt.Sprintf("%d execs in %ds with median lifetime %dms", execCount, rule.WindowSeconds, median/1e6),
	}, true
}

func (e *RuleEngine) evalMemGrowth(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindRSS {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)

	var first, last WindowEntry
	var n int
	for _, w := range e.window.Slice(since) {
		if w.Kind != types.KindRSS || w.Tgid != ev.Tgid {
			continue
		}
		if n == 0 {
			first = w
		}
		last = w
		n++
	}
	if n < 2 || last.TsNs <= first.TsNs {
		return candidate{}, false
	}
	if last.Value < rule.FloorBytes || last.Value <= first.Value {
		return candidate{}, false
	}

	slope := float64(last.Value-first.Value) / (float64(last.TsNs-first.TsNs) / 1e9)
	if slope < rule.Threshold {
		return candidate{}, false
	}

	comm := ""
	if p, ok := e.store.Get(ev.Tgid); ok {
		comm = p.Comm
	}
	return candidate{
		rule:       rule,
		subjectKey: "tgid:" + strconv.FormatUint(uint64(ev.Tgid), 10),
		pid:        ev.Tgid,
		value:      slope,
		target:     rule.Threshold,
		evidence: types.Evidence{
			Count:         uint64(n),
			TopOffenders:  []types.Offender{{Pid: ev.Tgid, Comm: comm, Contribution: last.Value}},
			WindowSeconds: rule.WindowSeconds,
		},
		message: fmt.Sprintf("tgid %d rss growing at %.0f bytes/s over %ds (now %d bytes)", ev.Tgid, slope, rule.WindowSeconds, last.Value),
	}, true
}

func (e *RuleEngine) evalCPUSubtree(rule types.Rule, ev *types.Event) (candidate, bool) {
	if ev.Kind != types.KindCPU {
		return candidate{}, false
	}
	since := windowStart(ev.TsNs, rule.WindowSeconds)

	subtree := e.store.DescendantSet(ev.Tgid)
	var samples uint64
	var deltaSum uint64
	perPid := make(map[uint32]uint64)
	for _, w := range e.window.Slice(since) {
		if w.Kind != types.KindCPU {
			continue
		}
		if _, ok := subtree[w.Pid]; !ok {
			continue
		}
		samples++
		deltaSum += w.Value
		perPid[w.Pid] += w.Value
	}
	if samples < uint64(rule.MinSamples) {
		return candidate{}, false
	}

	windowNs := float64(rule.WindowSeconds) * 1e9
	pct := 100 * float64(deltaSum) / (windowNs * float64(e.cores))
	if pct < rule.Threshold {
		return candidate{}, false
	}

	return candidate{
		rule:       rule,
		subjectKey: "tgid:" + strconv.FormatUint(uint64(ev.Tgid), 10),
		pid:        ev.Tgid,
		value:      pct,
		target:     rule.Threshold,
		evidence: types.Evidence{
			Count:         samples,
			TopOffenders:  topOffenders(perPid, e.store),
			WindowSeconds: rule.WindowSeconds,
		},
		message: fmt.Sprintf("tgid %d subtree at %.1f%% cpu across %d samples in %ds", ev.Tgid, pct, samples, rule.WindowSeconds),
	}, true
}

func (e *RuleEngine) forkEvidence(rule types.Rule, since uint64, count uint64) types.Evidence {
	perPpid := e.window.CountKindBy(types.KindFork, since, func(w WindowEntry) (uint32, bool) {
		return w.Ppid, true
	})
	return types.Evidence{
		Count:         count,
		TopOffenders:  topOffenders(perPpid, e.store),
		WindowSeconds: rule.WindowSeconds,
	}
}

// topOffenders ranks contributors and annotates the top five with comms.
func topOffenders(contrib map[uint32]uint64, store *ProcessStore) []types.Offender {
	offenders := make([]types.Offender, 0, len(contrib))
	for pid, n := range contrib {
		offenders = append(offenders, types.Offender{Pid: pid, Contribution: n})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Contribution != offenders[j].Contribution {
			return offenders[i].Contribution > offenders[j].Contribution
		}
		return offenders[i].Pid < offenders[j].Pid
	})
	if len(offenders) > 5 {
		offenders = offenders[:5]
	}
	for i := range offenders {
		if p, ok := store.Get(offenders[i].Pid); ok {
			offenders[i].Comm = p.Comm
		}
	}
	return offenders
}

// fire emits the alert unless the (rule, subject) pair is cooling down.
func (e *RuleEngine) fire(c candidate, nowNs uint64) {
	key := c.rule.ID + "|" + c.subjectKey

	e.mu.Lock()
	if until, ok := e.cooldownUntil[key]; ok && nowNs < until {
		e.mu.Unlock()
		countSuppressed()
		return
	}
	cooldownNs := uint64(c.rule.CooldownSeconds) * 1e9
	if cooldownNs == 0 {
		cooldownNs = 100 * 1e6
	}
	e.cooldownUntil[key] = nowNs + cooldownNs
	e.mu.Unlock()

	severity := c.rule.Severity
	if c.target > 0 && c.value >= 2*c.target {
		severity = severity.Escalate()
	}

	message := c.message
	if c.rule.Message != "" {
		message = expandMessage(c.rule, c)
	}

	alert := types.Alert{
		ID:          ulid.Make().String(),
		TsNs:        nowNs,
		RuleID:      c.rule.ID,
		Severity:    severity,
		SubjectPid:  c.pid,
		SubjectPpid: c.ppid,
		Message:     message,
		Evidence:    c.evidence,
	}

	countAlert(c.rule.ID)
	e.logger.Info("rules", "alert rule=%s severity=%s subject=%s: %s",
		alert.RuleID, alert.Severity, c.subjectKey, alert.Message)
	e.bus.Publish(alert)
}

func expandMessage(rule types.Rule, c candidate) string {
	r := strings.NewReplacer(
		"{threshold}", strconv.FormatFloat(rule.Threshold, 'g', -1, 64),
		"{window}", strconv.FormatUint(uint64(rule.WindowSeconds), 10),
		"{count}", strconv.FormatUint(c.evidence.Count, 10),
		"{value}", strconv.FormatFloat(c.value, 'g', -1, 64),
		"{pid}", strconv.FormatUint(uint64(c.pid), 10),
		"{ppid}", strconv.FormatUint(uint64(c.ppid), 10),
	)
	return r.Replace(rule.Message)
}
