package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnix-os/linnixd/types"
)

func TestParseRulesWrappedDocument(t *testing.T) {
	doc := `
rules:
  - id: fork_storm
    kind: fork_rate
    threshold: 10
    window_seconds: 5
    cooldown_seconds: 30
    severity: high
    per: ppid
    message: "fork rate exceeded {threshold}/s"
  - id: leak
    kind: mem_growth
    threshold: 1048576
    window_seconds: 30
    floor_bytes: 268435456
`
	rules, err := parseRules([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("parsed %d rules, want 2", len(rules))
	}

	r := rules[0]
	if r.Kind != types.RuleForkRate || r.Threshold != 10 || r.WindowSeconds != 5 {
		t.Errorf("rule 0 = %+v", r)
	}
	if r.CooldownSeconds != 30 {
		t.Errorf("cooldown = %d, want 30", r.CooldownSeconds)
	}
	if r.Severity != types.SeverityHigh {
		t.Errorf("severity = %v", r.Severity)
	}
	if r.Per != types.GroupingPerPpid {
		t.Errorf("per = %q", r.Per)
	}

	// Defaults applied where the document is silent.
	if rules[1].CooldownSeconds != defaultCooldownSeconds {
		t.Errorf("default cooldown = %d", rules[1].CooldownSeconds)
	}
	if rules[1].Severity != types.SeverityInfo {
		t.Errorf("default severity = %v", rules[1].Severity)
	}
}

func TestParseRulesBareList(t *testing.T) {
	doc := `
- id: burst
  kind: fork_burst
  threshold: 20
  window_seconds: 10
`
	rules, err := parseRules([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].ID != "burst" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestParseRulesShortJobDefaultsLifetime(t *testing.T) {
	doc := `
- id: flood
  kind: short_job_flood
  threshold: 40
  window_seconds: 30
`
	rules, err := parseRules([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if rules[0].MaxLifetimeMs != defaultShortJobMs {
		t.Errorf("max lifetime = %d, want default %d", rules[0].MaxLifetimeMs, defaultShortJobMs)
	}
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown kind", "- id: x\n  kind: zombie_count\n  threshold: 1\n  window_seconds: 1\n"},
		{"missing id", "- kind: fork_burst\n  threshold: 1\n  window_seconds: 1\n"},
		{"zero threshold", "- id: x\n  kind: fork_burst\n  threshold: 0\n  window_seconds: 1\n"},
		{"zero window", "- id: x\n  kind: fork_burst\n  threshold: 1\n  window_seconds: 0\n"},
		{"bad grouping", "- id: x\n  kind: fork_rate\n  threshold: 1\n  window_seconds: 1\n  per: uid\n"},
		{"duplicate ids", "- id: x\n  kind: fork_burst\n  threshold: 1\n  window_seconds: 1\n- id: x\n  kind: fork_burst\n  threshold: 2\n  window_seconds: 2\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRules([]byte(tt.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestRuleWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("- id: a\n  kind: fork_burst\n  threshold: 5\n  window_seconds: 5\n")
	rules, err := loadRulesFile(path)
	if err != nil {
		t.Fatal(err)
	}

	h := newEngineHarness(t, rules...)
	watcher, err := NewRuleWatcher(path, h.engine, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()

	write("- id: a\n  kind: fork_burst\n  threshold: 5\n  window_seconds: 5\n- id: b\n  kind: fork_burst\n  threshold: 9\n  window_seconds: 5\n")

	deadline := time.After(3 * time.Second)
	for {
		h.engine.Tick(1) // swap applies at the tick boundary
		if h.engine.RuleCount() == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("rule reload never applied")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// A broken document keeps the active set.
	write("{{{{")
	time.Sleep(200 * time.Millisecond)
	h.engine.Tick(2)
	if got := h.engine.RuleCount(); got != 2 {
		t.Errorf("broken reload changed active set: %d rules", got)
	}
}
