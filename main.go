package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnix-os/linnixd/types"
)

var globalLogger *Logger

func main() {
	var flags struct {
		configPath   string
		logLevel     string
		logTimestamp bool
		listen       string
		offline      bool
	}

	rootCmd := &cobra.Command{
		Use:   "linnixd",
		Short: "Host-resident process observability daemon",
		Long: `linnixd ingests process lifecycle events from the kernel, maintains a live
process table with ancestry, evaluates a declarative rule set over a sliding
event window, and streams state to HTTP clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if flags.listen != "" {
				cfg.Listen = flags.listen
			}
			if flags.offline {
				cfg.Offline = true
			}

			logger := NewLogger(parseLogLevel(flags.logLevel), flags.logTimestamp)
			globalLogger = logger

			return runDaemon(cfg, logger)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (error, warning, info, debug, trace)")
	rootCmd.PersistentFlags().BoolVar(&flags.logTimestamp, "log-timestamp", false, "Show timestamps in console logs")
	rootCmd.PersistentFlags().StringVar(&flags.listen, "listen", "", "Listen address override")
	rootCmd.PersistentFlags().BoolVar(&flags.offline, "offline", false, "Forbid all outbound network I/O")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "linnixd: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func runDaemon(cfg *Config, logger *Logger) error {
	BootTime = calculateBootTime()
	logger.Info("main", "linnixd %s starting, boot time %s", daemonVersion, BootTime.Format(time.RFC3339))

	stats.sampleIntervalMs.Store(uint64(cfg.SampleIntervalMs))
	stats.windowEntriesLimit.Store(uint64(cfg.WindowEntriesMax))

	tagCache, err := NewTagCache(cfg.TagCachePath, defaultTagCacheSize)
	if err != nil {
		return err
	}
	defer tagCache.Close()

	memTotal := totalMemoryBytes()
	cores := runtime.NumCPU()
	store := NewProcessStore(tagCache, memTotal, cores, logger)

	logger.Info("main", "backfilling process table from /proc...")
	if seed, err := scanProcs(); err != nil {
		logger.Warning("main", "proc scan failed, ancestry may have gaps: %v", err)
	} else {
		store.Backfill(seed)
		logger.Info("main", "backfilled %d processes", len(seed))
	}

	window := NewWindowBuffer(time.Duration(cfg.RetentionSeconds)*time.Second, cfg.WindowEntriesMax)

	rules := cfg.Rules
	if len(rules) == 0 && cfg.RulesPath != "" {
		rules, err = loadRulesFile(cfg.RulesPath)
		if err != nil {
			return err
		}
	}
	if len(rules) == 0 {
		rules = defaultRules()
		logger.Info("rules", "no rules configured, using %d built-in detectors", len(rules))
	}

	bus := NewAlertBus(defaultAlertRingSize)
	hub := NewStreamHub(defaultSubscriberQueue, defaultDisconnectAfter, logger)
	guard := &offlineGuard{offline: cfg.Offline}

	var sink *JSONLSink
	if cfg.JSONLPath != "" {
		sink, err = NewJSONLSink(cfg.JSONLPath)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	notifier := NewNotifier(cfg.NotifierURLs, cfg.SlackWebhook, cfg.PagerdutyKey, guard, logger)
	defer notifier.Close()

	var reasoner *Reasoner
	if cfg.ReasonerEnabled {
		reasoner = NewReasoner(cfg, guard, bus, tagCache, logger)
		defer reasoner.Close()
		if !cfg.Offline {
			store.onTagMiss = reasoner.EnqueueTagRequest
		}
	}

	bus.OnPublish(func(record types.AlertRecord) {
		hub.Publish(TopicAlerts, "alert", record)
		if sink != nil {
			if err := sink.WriteAlert(record); err != nil {
				logger.Warning("jsonl", "alert write failed: %v", err)
			}
		}
		if notifier.Enabled() {
			notifier.Enqueue(record)
		}
		if reasoner != nil {
			reasoner.EnqueueAlert(record.Alert)
		}
	})

	engine := NewRuleEngine(rules, window, store, bus, cores, logger)
	logger.Info("rules", "%d rules active", engine.RuleCount())

	if cfg.RulesPath != "" {
		watcher, err := NewRuleWatcher(cfg.RulesPath, engine, logger)
		if err != nil {
			logger.Warning("rules", "hot reload unavailable: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	rings, err := loadKernelRings(cfg, logger)
	if err != nil {
		return err
	}
	defer rings.Close()

	drainer := NewDrainer(rings.Sources(), defaultEventQueueSize, logger)

	snapshots := NewSnapshotBuilder(store, window, bus, hub, memTotal)
	server, err := NewServer(cfg.Listen, snapshots, bus, hub, engine,
		rings.Status(), cfg.Offline, cfg.Prometheus, logger)
	if err != nil {
		return err
	}
	logger.Info("main", "listening on %s", server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// The pipeline must outlive the drainer so the final flush of in-flight
	// decodes is consumed before the last tick.
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainer.Run(ctx)
		stopPipe()
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve()
	}()

	pipe := &pipeline{
		cfg:       cfg,
		store:     store,
		window:    window,
		engine:    engine,
		hub:       hub,
		sink:      sink,
		snapshots: snapshots,
		tagCache:  tagCache,
		logger:    logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipe.run(pipeCtx, drainer.Out())
	}()

	select {
	case <-ctx.Done():
		logger.Info("main", "received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("main", "http server failed: %v", err)
		}
		stop()
	}

	// Teardown sequence: the drainer stops polling and flushes, the pipeline
	// drains the channel and runs a final tick, the hub says bye, everything
	// else closes behind the grace deadline.
	grace := time.Duration(cfg.ShutdownGraceS) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		hub.Bye()
		stopHub()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("main", "pipeline drained cleanly")
	case <-shutdownCtx.Done():
		logger.Warning("main", "shutdown grace period expired, aborting tasks")
		stopHub()
	}
	<-hubDone

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warning("main", "http shutdown: %v", err)
	}
	if err := tagCache.Flush(); err != nil {
		logger.Warning("main", "tag cache flush: %v", err)
	}
	logger.Info("main", "cleanup complete")
	return nil
}

// pipeline is the single consumer of the post-decode channel. It serializes
// all store mutations, feeds the window and rule engine a consistent prefix
// of events, and drives the 1 Hz housekeeping tick.
type pipeline struct {
	cfg       *Config
	store     *ProcessStore
	window    *WindowBuffer
	engine    *RuleEngine
	hub       *StreamHub
	sink      *JSONLSink
	snapshots *SnapshotBuilder
	tagCache  *TagCache
	logger    *Logger

	sampleDivisor uint64
	sampleCounter uint64
	prevCPU       float64
	flushCounter  int
}

func (p *pipeline) run(ctx context.Context, events <-chan *types.Event) {
	p.sampleDivisor = 1
	p.prevCPU, _ = selfUsage()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			p.handle(ev)
		case now := <-ticker.C:
			p.tick(now)
		case <-ctx.Done():
			// Drain whatever the drainer flushed before it stopped.
			for {
				select {
				case ev := <-events:
					p.handle(ev)
				default:
					p.engine.Tick(timeToBpfTimestamp(time.Now()))
					return
				}
			}
		}
	}
}

func (p *pipeline) handle(ev *types.Event) {
	if p.sampleDivisor > 1 && (ev.Kind == types.KindRSS || ev.Kind == types.KindCPU) {
		p.sampleCounter++
		if p.sampleCounter%p.sampleDivisor != 0 {
			countDrop("sample_shed")
			return
		}
	}

	p.store.Apply(ev)
	p.window.Append(ev)
	p.engine.OnEvent(ev)

	// Kernel worker exits are bookkeeping noise on the stream.
	if !(ev.Kind == types.KindExit && isKernelComm(ev.Comm)) {
		p.hub.Publish(TopicEvents, ev.Kind.String(), ev)
	}
	if p.sink != nil {
		if err := p.sink.WriteEvent(ev); err != nil {
			p.logger.ThrottledWarning("jsonl", "event_write", "event write failed: %v", err)
		}
	}
}

func (p *pipeline) tick(now time.Time) {
	nowNs := timeToBpfTimestamp(now)

	p.engine.Tick(nowNs)
	p.store.GC(nowNs)
	p.hub.Sweep(now)

	if procs, err := p.snapshots.Processes(ProcessQuery{Sort: "cpu:desc"}); err == nil {
		p.hub.Publish(TopicProcesses, "processes", procs)
	}

	p.governResources()

	p.flushCounter++
	if p.flushCounter%30 == 0 {
		if err := p.tagCache.Flush(); err != nil {
			p.logger.Warning("tags", "flush failed: %v", err)
		}
	}
}

// governResources enforces the soft caps: past the RSS cap the window is
// trimmed, then subscribers are shed; past the CPU cap the sample intake is
// halved. Every action is counted and visible at /metrics.
func (p *pipeline) governResources() {
	cpuSeconds, rssBytes := selfUsage()

	rssCap := p.cfg.RSSSoftLimitMB << 20
	if rssCap > 0 && rssBytes > rssCap {
		if n := p.window.Len(); n > 1024 {
			p.window.Resize(n / 2)
			countDegradation("window_trimmed")
			p.logger.Warning("governor", "rss %d over soft cap, window trimmed to %d entries", rssBytes, n/2)
		} else if p.hub.ShedOne() {
			countDegradation("subscriber_shed")
		}
	}

	cpuPct := (cpuSeconds - p.prevCPU) * 100
	p.prevCPU = cpuSeconds
	if limit := float64(p.cfg.CPUSoftLimitPct); limit > 0 && cpuPct > limit {
		if p.sampleDivisor < 8 {
			p.sampleDivisor *= 2
			countDegradation("sampling_halved")
			p.logger.Warning("governor", "cpu %.1f%% over soft cap, sampling divisor now %d", cpuPct, p.sampleDivisor)
		}
	} else if p.sampleDivisor > 1 && cpuPct < float64(p.cfg.CPUSoftLimitPct)/2 {
		p.sampleDivisor /= 2
	}
}
