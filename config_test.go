package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linnix-os/linnixd/types"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linnix.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9600" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.ShutdownGraceS != 5 {
		t.Errorf("grace = %d", cfg.ShutdownGraceS)
	}
	if cfg.RetentionSeconds != 30 || cfg.WindowEntriesMax != 200000 {
		t.Errorf("telemetry defaults = %d/%d", cfg.RetentionSeconds, cfg.WindowEntriesMax)
	}
	if cfg.Offline || cfg.ReasonerEnabled {
		t.Error("offline/reasoner should default off")
	}
	if !cfg.Prometheus {
		t.Error("prometheus exposition should default on")
	}
}

func TestLoadConfigFileAndInlineRules(t *testing.T) {
	path := writeConfig(t, `
runtime:
  offline: true
  listen: "0.0.0.0:9700"
telemetry:
  retention_seconds: 60
rules:
  - id: custom
    kind: fork_burst
    threshold: 15
    window_seconds: 5
    severity: critical
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Offline || cfg.Listen != "0.0.0.0:9700" || cfg.RetentionSeconds != 60 {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.Rules) != 1 {
		t.Fatalf("inline rules = %d", len(cfg.Rules))
	}
	if cfg.Rules[0].ID != "custom" || cfg.Rules[0].Severity != types.SeverityCritical {
		t.Errorf("rule = %+v", cfg.Rules[0])
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty listen", "runtime:\n  listen: \"\"\n"},
		{"zero retention", "telemetry:\n  retention_seconds: 0\n"},
		{"reasoner without endpoint", "reasoner:\n  enabled: true\n"},
		{"bad inline rule", "rules:\n  - id: x\n    kind: nonsense\n    threshold: 1\n    window_seconds: 1\n"},
		{
			"rules and rules_path together",
			"rules_path: /etc/linnix/rules.yaml\nrules:\n  - id: x\n    kind: fork_burst\n    threshold: 1\n    window_seconds: 1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.doc)
			_, err := loadConfig(path)
			if err == nil {
				t.Fatal("expected config error")
			}
			if classOf(err) != ErrConfig {
				t.Errorf("class = %v, want config", classOf(err))
			}
			if exitCodeFor(err) != exitConfig {
				t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitConfig)
			}
		})
	}
}

func TestDefaultRulesCompile(t *testing.T) {
	for _, rule := range defaultRules() {
		if !validRuleKinds[rule.Kind] {
			t.Errorf("built-in rule %q has unknown kind %q", rule.ID, rule.Kind)
		}
		if rule.Threshold <= 0 || rule.WindowSeconds == 0 {
			t.Errorf("built-in rule %q has zero threshold or window", rule.ID)
		}
	}
}
