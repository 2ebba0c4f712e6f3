// rules.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/linnix-os/linnixd/types"
)

const (
	defaultCooldownSeconds = 60
	defaultShortJobMs      = 1000
)

type rawRule struct {
	ID            string  `yaml:"id"`
	Kind          string  `yaml:"kind"`
	Threshold     float64 `yaml:"threshold"`
	WindowSeconds uint32  `yaml:"window_seconds"`
	Cooldown      *uint32 `yaml:"cooldown_seconds"`
	Severity      string  `yaml:"severity"`
	Per           string  `yaml:"per"`
	MaxLifetimeMs uint64  `yaml:"max_lifetime_ms"`
	FloorBytes    uint64  `yaml:"floor_bytes"`
	MinSamples    uint32  `yaml:"min_samples"`
	Message       string  `yaml:"message"`
}

type ruleDoc struct {
	Rules []rawRule `yaml:"rules"`
}

var validRuleKinds = map[types.RuleKind]bool{
	types.RuleForkRate:    true,
	types.RuleForkBurst:   true,
	types.RuleExecRate:    true,
	types.RuleShortJob:    true,
	types.RuleRunawayTree: true,
	types.RuleMemGrowth:   true,
	types.RuleCPUSubtree:  true,
}

// parseRules decodes a rules document. A document may be a bare list or
// wrapped in a top-level `rules:` key.
func parseRules(data []byte) ([]types.Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Rules) == 0 {
		var bare []rawRule
		if bareErr := yaml.Unmarshal(data, &bare); bareErr == nil && len(bare) > 0 {
			doc.Rules = bare
		} else if err != nil {
			return nil, daemonErr(ErrConfig, "parsing rules document", err)
		}
	}

	rules := make([]types.Rule, 0, len(doc.Rules))
	seen := make(map[string]bool)
	for i, raw := range doc.Rules {
		rule, err := compileRawRule(raw)
		if err != nil {
			return nil, daemonErr(ErrConfig, fmt.Sprintf("rule %d (%q)", i, raw.ID), err)
		}
		if seen[rule.ID] {
			return nil, daemonErrf(ErrConfig, "duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRawRule(raw rawRule) (types.Rule, error) {
	var zero types.Rule

	if raw.ID == "" {
		return zero, fmt.Errorf("missing id")
	}
	kind := types.RuleKind(strings.ToLower(raw.Kind))
	if !validRuleKinds[kind] {
		return zero, fmt.Errorf("unknown rule kind %q", raw.Kind)
	}
	if raw.Threshold <= 0 {
		return zero, fmt.Errorf("threshold must be positive")
	}
	if raw.WindowSeconds == 0 {
		return zero, fmt.Errorf("window_seconds must be positive")
	}

	cooldown := uint32(defaultCooldownSeconds)
	if raw.Cooldown != nil {
		cooldown = *raw.Cooldown
	}

	per := raw.Per
	switch kind {
	case types.RuleForkRate:
		switch per {
		case "", types.GroupingGlobal:
			per = types.GroupingGlobal
		case types.GroupingPerPpid, types.GroupingCgroup:
		default:
			return zero, fmt.Errorf("unknown grouping %q", per)
		}
	default:
		per = ""
	}

	maxLifetime := raw.MaxLifetimeMs
	if maxLifetime == 0 && (kind == types.RuleShortJob || kind == types.RuleExecRate) {
		maxLifetime = defaultShortJobMs
	}

	minSamples := raw.MinSamples
	if minSamples == 0 && kind == types.RuleCPUSubtree {
		minSamples = 3
	}

	return types.Rule{
		ID:              raw.ID,
		Kind:            kind,
		Threshold:       raw.Threshold,
		WindowSeconds:   raw.WindowSeconds,
		CooldownSeconds: cooldown,
		Severity:        types.ParseSeverity(strings.ToLower(raw.Severity)),
		Per:             per,
		MaxLifetimeMs:   maxLifetime,
		FloorBytes:      raw.FloorBytes,
		MinSamples:      minSamples,
		Message:         raw.Message,
	}, nil
}

// loadRulesFile reads and compiles a rules document from disk.
func loadRulesFile(path string) ([]types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, daemonErr(ErrConfig, "reading rules file", err)
	}
	return parseRules(data)
}

// RuleWatcher reloads the rules document when it changes on disk. A document
// that fails to parse leaves the active set untouched.
type RuleWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	engine  *RuleEngine
	logger  *Logger
	done    chan struct{}
}

func NewRuleWatcher(path string, engine *RuleEngine, logger *Logger) (*RuleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, daemonErr(ErrIo, "creating rules watcher", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, daemonErr(ErrIo, "watching rules directory", err)
	}

	rw := &RuleWatcher{
		path:    path,
		watcher: watcher,
		engine:  engine,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go rw.run()
	return rw, nil
}

func (rw *RuleWatcher) run() {
	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := loadRulesFile(rw.path)
			if err != nil {
				rw.logger.Warning("rules", "reload failed, keeping active set: %v", err)
				continue
			}
			rw.engine.Swap(rules)
			rw.logger.Info("rules", "reloaded %d rules from %s", len(rules), rw.path)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warning("rules", "watcher error: %v", err)
		}
	}
}

func (rw *RuleWatcher) Close() error {
	close(rw.done)
	return rw.watcher.Close()
}
