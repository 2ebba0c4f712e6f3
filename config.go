// config.go
package main

import (
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/linnix-os/linnixd/types"
)

// Config is the daemon's structured configuration, read once at startup.
// The rules document is the only hot-reloadable part.
type Config struct {
	Offline        bool
	ShutdownGraceS uint32
	Listen         string
	BPFObjectPath  string

	SampleIntervalMs uint32
	RetentionSeconds uint32
	WindowEntriesMax int

	ProbeNetwork    bool
	ProbeBlockIO    bool
	ProbePageFaults bool

	RulesPath string
	Rules     []types.Rule

	ReasonerEnabled   bool
	ReasonerEndpoint  string
	ReasonerModel     string
	ReasonerTimeoutMs uint32
	ReasonerWindowS   uint32

	Prometheus   bool
	JSONLPath    string
	NotifierURLs []string
	SlackWebhook string
	PagerdutyKey string

	TagCachePath string

	RSSSoftLimitMB  uint64
	CPUSoftLimitPct uint32
}

func (c *Config) probeEnabled(key string) bool {
	switch key {
	case "network":
		return c.ProbeNetwork
	case "block_io":
		return c.ProbeBlockIO
	case "page_faults":
		return c.ProbePageFaults
	}
	return false
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LINNIX")
	v.AutomaticEnv()

	v.SetDefault("runtime.offline", false)
	v.SetDefault("runtime.shutdown_grace_s", 5)
	v.SetDefault("runtime.listen", "127.0.0.1:9600")
	v.SetDefault("runtime.bpf_object", "/usr/lib/linnix/linnix-probes.o")
	v.SetDefault("telemetry.sample_interval_ms", 1000)
	v.SetDefault("telemetry.retention_seconds", 30)
	v.SetDefault("telemetry.window_entries_max", 200000)
	v.SetDefault("probes.enable_network", false)
	v.SetDefault("probes.enable_block_io", false)
	v.SetDefault("probes.enable_page_faults", false)
	v.SetDefault("reasoner.enabled", false)
	v.SetDefault("reasoner.timeout_ms", 2000)
	v.SetDefault("reasoner.window_seconds", 30)
	v.SetDefault("outputs.prometheus", true)
	v.SetDefault("tag_cache_path", "/var/lib/linnix/tagcache.json")
	v.SetDefault("limits.rss_soft_limit_mb", 512)
	v.SetDefault("limits.cpu_soft_limit_pct", 25)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, daemonErr(ErrConfig, "reading config file", err)
		}
	}

	cfg := &Config{
		Offline:           v.GetBool("runtime.offline"),
		ShutdownGraceS:    v.GetUint32("runtime.shutdown_grace_s"),
		Listen:            v.GetString("runtime.listen"),
		BPFObjectPath:     v.GetString("runtime.bpf_object"),
		SampleIntervalMs:  v.GetUint32("telemetry.sample_interval_ms"),
		RetentionSeconds:  v.GetUint32("telemetry.retention_seconds"),
		WindowEntriesMax:  v.GetInt("telemetry.window_entries_max"),
		ProbeNetwork:      v.GetBool("probes.enable_network"),
		ProbeBlockIO:      v.GetBool("probes.enable_block_io"),
		ProbePageFaults:   v.GetBool("probes.enable_page_faults"),
		RulesPath:         v.GetString("rules_path"),
		ReasonerEnabled:   v.GetBool("reasoner.enabled"),
		ReasonerEndpoint:  v.GetString("reasoner.endpoint"),
		ReasonerModel:     v.GetString("reasoner.model"),
		ReasonerTimeoutMs: v.GetUint32("reasoner.timeout_ms"),
		ReasonerWindowS:   v.GetUint32("reasoner.window_seconds"),
		Prometheus:        v.GetBool("outputs.prometheus"),
		JSONLPath:         v.GetString("outputs.jsonl_path"),
		NotifierURLs:      v.GetStringSlice("outputs.notifier_urls"),
		SlackWebhook:      v.GetString("outputs.slack_webhook"),
		PagerdutyKey:      v.GetString("outputs.pagerduty_key"),
		TagCachePath:      v.GetString("tag_cache_path"),
		RSSSoftLimitMB:    v.GetUint64("limits.rss_soft_limit_mb"),
		CPUSoftLimitPct:   v.GetUint32("limits.cpu_soft_limit_pct"),
	}

	// Rules may be inlined in the config instead of a separate document.
	if raw := v.Get("rules"); raw != nil {
		data, err := yaml.Marshal(map[string]interface{}{"rules": raw})
		if err != nil {
			return nil, daemonErr(ErrConfig, "re-encoding inline rules", err)
		}
		rules, err := parseRules(data)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return daemonErrf(ErrConfig, "runtime.listen must not be empty")
	}
	if c.SampleIntervalMs == 0 {
		return daemonErrf(ErrConfig, "telemetry.sample_interval_ms must be positive")
	}
	if c.RetentionSeconds == 0 {
		return daemonErrf(ErrConfig, "telemetry.retention_seconds must be positive")
	}
	if c.WindowEntriesMax <= 0 {
		return daemonErrf(ErrConfig, "telemetry.window_entries_max must be positive")
	}
	if c.ReasonerEnabled && c.ReasonerEndpoint == "" {
		return daemonErrf(ErrConfig, "reasoner.endpoint required when reasoner.enabled")
	}
	if len(c.Rules) > 0 && c.RulesPath != "" {
		return daemonErrf(ErrConfig, "rules and rules_path are mutually exclusive")
	}
	return nil
}

// defaultRules is the shipped detector set, active when neither rules nor
// rules_path is configured.
func defaultRules() []types.Rule {
	return []types.Rule{
		{
			ID: "fork_storm", Kind: types.RuleForkRate,
			Threshold: 10, WindowSeconds: 5, CooldownSeconds: 60,
			Severity: types.SeverityHigh, Per: types.GroupingGlobal,
		},
		{
			ID: "short_job_flood", Kind: types.RuleShortJob,
			Threshold: 40, WindowSeconds: 30, CooldownSeconds: 60,
			Severity: types.SeverityMedium, MaxLifetimeMs: 1000,
		},
		{
			ID: "runaway_tree", Kind: types.RuleRunawayTree,
			Threshold: 50, WindowSeconds: 10, CooldownSeconds: 120,
			Severity: types.SeverityHigh,
		},
		{
			ID: "mem_growth", Kind: types.RuleMemGrowth,
			Threshold: 64 << 20, WindowSeconds: 30, CooldownSeconds: 120,
			Severity: types.SeverityMedium, FloorBytes: 256 << 20,
		},
		{
			ID: "cpu_subtree", Kind: types.RuleCPUSubtree,
			Threshold: 90, WindowSeconds: 15, CooldownSeconds: 120,
			Severity: types.SeverityMedium, MinSamples: 3,
		},
	}
}
