package main

import (
	"testing"
	"time"

	"github.com/linnix-os/linnixd/types"
)

type engineHarness struct {
	store  *ProcessStore
	window *WindowBuffer
	bus    *AlertBus
	engine *RuleEngine
}

func newEngineHarness(t *testing.T, rules ...types.Rule) *engineHarness {
	t.Helper()
	h := &engineHarness{
		store:  newTestStore(t),
		window: NewWindowBuffer(5*time.Minute, 100000),
		bus:    NewAlertBus(64),
	}
	h.engine = NewRuleEngine(rules, h.window, h.store, h.bus, 4, testLogger())
	return h
}

func (h *engineHarness) inject(ev *types.Event) {
	h.store.Apply(ev)
	h.window.Append(ev)
	h.engine.OnEvent(ev)
}

func (h *engineHarness) alerts() []types.AlertRecord {
	recent := h.bus.Recent(0)
	// Recent returns newest first; reverse for chronological assertions.
	out := make([]types.AlertRecord, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i])
	}
	return out
}

func TestForkRateStorm(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "fork_rate", Kind: types.RuleForkRate,
		Threshold: 10, WindowSeconds: 5, CooldownSeconds: 60,
		Severity: types.SeverityHigh, Per: types.GroupingGlobal,
	})

	// 100 forks with distinct child pids under ppid 1000, all within 1s.
	h.inject(forkAt(1, 1000, 1))
	base := uint64(10e9)
	for i := uint32(0); i < 100; i++ {
		h.inject(forkAt(base+uint64(i)*1e7, 2000+i, 1000))
	}

	alerts := h.alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1", len(alerts))
	}
	a := alerts[0].Alert
	if a.RuleID != "fork_rate" {
		t.Errorf("rule id = %q", a.RuleID)
	}
	if a.Severity != types.SeverityHigh {
		t.Errorf("severity = %v, want high", a.Severity)
	}
	if a.Evidence.Count < 10 {
		t.Errorf("evidence count = %d, want >= 10", a.Evidence.Count)
	}
	if len(a.Evidence.TopOffenders) == 0 || a.Evidence.TopOffenders[0].Pid != 1000 {
		t.Errorf("top offender = %+v, want ppid 1000", a.Evidence.TopOffenders)
	}
	if a.ID == "" {
		t.Error("alert missing ulid")
	}
}

func TestForkBurstThresholdBoundary(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "burst", Kind: types.RuleForkBurst,
		Threshold: 5, WindowSeconds: 10, CooldownSeconds: 60,
		Severity: types.SeverityMedium,
	})

	for i := uint32(0); i < 4; i++ {
		h.inject(forkAt(uint64(i+1)*1e9, 100+i, 1))
	}
	if n := len(h.alerts()); n != 0 {
		t.Fatalf("fired below threshold: %d alerts", n)
	}

	// Exactly at threshold: comparison is >=, so the fifth fork fires.
	h.inject(forkAt(5e9, 104, 1))
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("got %d alerts at exact threshold, want 1", n)
	}
}

func TestShortJobFloodWithCooldown(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "short_job_flood", Kind: types.RuleShortJob,
		Threshold: 40, WindowSeconds: 30, CooldownSeconds: 60,
		Severity: types.SeverityMedium, MaxLifetimeMs: 1000,
	})

	inject := func(base uint64) {
		// 60 fork/exit pairs, each 50ms lifetime, spread over 10s.
		for i := uint32(0); i < 60; i++ {
			ts := base + uint64(i)*166e6
			pid := 5000 + i
			h.inject(forkAt(ts, pid, 99))
			h.inject(&types.Event{TsNs: ts + 50e6, Kind: types.KindExit, Pid: pid, Tgid: pid, Ppid: 99, Comm: "t"})
		}
	}

	inject(10e9)
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("got %d alerts, want exactly 1", n)
	}

	// The same pattern again inside the cooldown yields nothing new.
	inject(25e9)
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("cooldown violated: %d alerts", n)
	}

	// Past the cooldown the rule may fire again.
	inject(100e9)
	if n := len(h.alerts()); n != 2 {
		t.Fatalf("got %d alerts after cooldown, want 2", n)
	}
}

func TestCooldownIsPerSubject(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "per_parent", Kind: types.RuleForkRate,
		Threshold: 1, WindowSeconds: 1, CooldownSeconds: 600,
		Severity: types.SeverityInfo, Per: types.GroupingPerPpid,
	})

	// Roots predate the daemon: they arrive via backfill, not the ring.
	h.store.Backfill([]*types.Event{
		{TsNs: 1, Kind: types.KindFork, Pid: 10, Tgid: 10, Comm: "a"},
		{TsNs: 1, Kind: types.KindFork, Pid: 20, Tgid: 20, Comm: "b"},
	})

	h.inject(forkAt(2e9, 11, 10))
	h.inject(forkAt(2e9+1, 21, 20))
	// A second child under the same parent stays inside that subject's
	// cooldown.
	h.inject(forkAt(3e9, 12, 10))

	alerts := h.alerts()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want one per subject", len(alerts))
	}
	subjects := map[uint32]bool{}
	for _, a := range alerts {
		subjects[a.Alert.SubjectPpid] = true
	}
	if !subjects[10] || !subjects[20] {
		t.Errorf("subjects = %v, want ppids 10 and 20", subjects)
	}
}

func TestRunawayTreeCountsSubtree(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "runaway", Kind: types.RuleRunawayTree,
		Threshold: 10, WindowSeconds: 10, CooldownSeconds: 60,
		Severity: types.SeverityHigh,
	})

	// Root 100 arrives via backfill; 200 is its child. 100 spawns 4 more
	// directly and 200 spawns 5: the subtree of 100 reaches 10 forks even
	// though no single parent does.
	h.store.Backfill([]*types.Event{
		{TsNs: 1, Kind: types.KindFork, Pid: 100, Tgid: 100, Comm: "root"},
	})
	h.inject(forkAt(2, 200, 100))

	base := uint64(5e9)
	for i := uint32(0); i < 4; i++ {
		h.inject(forkAt(base+uint64(i), 300+i, 100))
	}
	if n := len(h.alerts()); n != 0 {
		t.Fatalf("fired too early: %d", n)
	}
	for i := uint32(0); i < 5; i++ {
		h.inject(forkAt(base+10+uint64(i), 400+i, 200))
	}

	alerts := h.alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1; alerts=%+v", len(alerts), alerts)
	}
	if alerts[0].Alert.SubjectPpid != 100 {
		t.Errorf("subject = %d, want tree root 100", alerts[0].Alert.SubjectPpid)
	}
}

func TestMemGrowthSlope(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "leak", Kind: types.RuleMemGrowth,
		Threshold: 1 << 20, WindowSeconds: 30, CooldownSeconds: 60,
		Severity: types.SeverityMedium, FloorBytes: 100 << 20,
	})

	h.inject(forkAt(1, 700, 1))
	// 10 MiB/s growth, crossing the floor.
	for i := uint64(0); i < 5; i++ {
		h.inject(&types.Event{
			TsNs: 10e9 + i*1e9, Kind: types.KindRSS, Pid: 700, Tgid: 700, Comm: "t",
			RSSBytes: 90<<20 + i*10<<20,
		})
	}

	alerts := h.alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Alert.SubjectPid != 700 {
		t.Errorf("subject = %d, want tgid 700", alerts[0].Alert.SubjectPid)
	}
}

func TestMemGrowthBelowFloorStaysQuiet(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "leak", Kind: types.RuleMemGrowth,
		Threshold: 1 << 20, WindowSeconds: 30, CooldownSeconds: 60,
		Severity: types.SeverityMedium, FloorBytes: 1 << 30,
	})

	h.inject(forkAt(1, 700, 1))
	for i := uint64(0); i < 5; i++ {
		h.inject(&types.Event{
			TsNs: 10e9 + i*1e9, Kind: types.KindRSS, Pid: 700, Tgid: 700, Comm: "t",
			RSSBytes: 10<<20 + i*10<<20,
		})
	}
	if n := len(h.alerts()); n != 0 {
		t.Fatalf("fired below absolute floor: %d alerts", n)
	}
}

func TestCPUSubtreeSustained(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "spin", Kind: types.RuleCPUSubtree,
		Threshold: 50, WindowSeconds: 10, CooldownSeconds: 60,
		Severity: types.SeverityMedium, MinSamples: 3,
	})

	h.inject(forkAt(1, 800, 1))
	h.inject(forkAt(2, 801, 800))

	// Parent plus child together burn >50% of 4 cores over the window:
	// 10s window * 4 cores = 40s budget; inject 24s of cpu across samples.
	base := uint64(100e9)
	for i := uint64(0); i < 6; i++ {
		pid := uint32(800)
		if i%2 == 1 {
			pid = 801
		}
		h.inject(&types.Event{
			TsNs: base + i*1e9, Kind: types.KindCPU, Pid: pid, Tgid: 800, Comm: "t",
			CPUDeltaNs: 4e9, IntervalNs: 1e9,
		})
	}

	alerts := h.alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Alert.Evidence.Count < 3 {
		t.Errorf("sample count = %d, want >= min_samples", alerts[0].Alert.Evidence.Count)
	}
}

func TestSeverityEscalatesAtDoubleThreshold(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "burst", Kind: types.RuleForkBurst,
		Threshold: 5, WindowSeconds: 10, CooldownSeconds: 0,
		Severity: types.SeverityMedium,
	})

	// Drive straight past 2x threshold; the first fire happens at count=5
	// (medium), and the count=10 fire escalates one band. Forks are spaced
	// past the zero-cooldown floor so each recount can fire.
	for i := uint32(0); i < 10; i++ {
		h.inject(forkAt(uint64(i+1)*2e8, 100+i, 1))
	}

	alerts := h.alerts()
	if len(alerts) < 2 {
		t.Fatalf("expected multiple fires with zero cooldown, got %d", len(alerts))
	}
	last := alerts[len(alerts)-1].Alert
	if last.Severity != types.SeverityHigh {
		t.Errorf("severity at 2x threshold = %v, want high (escalated)", last.Severity)
	}
}

func TestTieBreakOrdersBySeverityThenID(t *testing.T) {
	h := newEngineHarness(t,
		types.Rule{
			ID: "b_low", Kind: types.RuleForkBurst,
			Threshold: 3, WindowSeconds: 10, CooldownSeconds: 60,
			Severity: types.SeverityInfo,
		},
		types.Rule{
			ID: "a_high", Kind: types.RuleForkBurst,
			Threshold: 3, WindowSeconds: 10, CooldownSeconds: 60,
			Severity: types.SeverityCritical,
		},
	)

	for i := uint32(0); i < 3; i++ {
		h.inject(forkAt(uint64(i+1)*1e9, 100+i, 1))
	}

	alerts := h.alerts()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if alerts[0].Alert.RuleID != "a_high" {
		t.Errorf("first alert = %q, want the higher-severity rule", alerts[0].Alert.RuleID)
	}
}

func TestHotReloadPreservesCooldown(t *testing.T) {
	rule := types.Rule{
		ID: "burst", Kind: types.RuleForkBurst,
		Threshold: 2, WindowSeconds: 10, CooldownSeconds: 600,
		Severity: types.SeverityInfo,
	}
	h := newEngineHarness(t, rule)

	h.inject(forkAt(1e9, 1, 0))
	h.inject(forkAt(2e9, 2, 0))
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("setup fire missing: %d", n)
	}

	// Reload with the same rule id: cooldown state carries over, so the
	// next fork stays suppressed.
	h.engine.Swap([]types.Rule{rule})
	h.engine.Tick(3e9)
	h.inject(forkAt(4e9, 3, 0))
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("cooldown lost across reload: %d alerts", n)
	}

	// Reload without the rule, then with it again: state was discarded.
	h.engine.Swap(nil)
	h.engine.Tick(5e9)
	h.engine.Swap([]types.Rule{rule})
	h.engine.Tick(6e9)
	h.inject(forkAt(7e9, 4, 0))
	if n := len(h.alerts()); n != 2 {
		t.Fatalf("removed rule state not discarded: %d alerts", n)
	}
}

func TestExecRateFloodClearsAfterFire(t *testing.T) {
	h := newEngineHarness(t, types.Rule{
		ID: "exec_rate", Kind: types.RuleExecRate,
		Threshold: 10, WindowSeconds: 60, CooldownSeconds: 0,
		Severity: types.SeverityMedium, MaxLifetimeMs: 2000,
	})

	base := uint64(10e9)
	for i := uint32(0); i < 10; i++ {
		ts := base + uint64(i)*1e8
		pid := 9000 + i
		h.inject(&types.Event{TsNs: ts, Kind: types.KindExec, Pid: pid, Tgid: pid, Ppid: 1, Comm: "job"})
		h.inject(&types.Event{TsNs: ts + 5e7, Kind: types.KindExit, Pid: pid, Tgid: pid, Ppid: 1, Comm: "job"})
	}
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("got %d alerts, want 1", n)
	}

	// The window state cleared on fire: one more exec cannot re-trigger.
	h.inject(&types.Event{TsNs: base + 2e9, Kind: types.KindExec, Pid: 9100, Tgid: 9100, Ppid: 1, Comm: "job"})
	if n := len(h.alerts()); n != 1 {
		t.Fatalf("exec state not cleared after fire: %d alerts", n)
	}
}
