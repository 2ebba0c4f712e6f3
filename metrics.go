// metrics.go
package main

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

// Event pipeline counters
var (
	eventCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_events_total",
			Help: "Total number of events accepted by the drainer by kind",
		},
		[]string{"kind"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_events_dropped_total",
			Help: "Total number of events dropped before the store by reason",
		},
		[]string{"reason"},
	)

	decodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_events_decode_errors_total",
			Help: "Total number of kernel records rejected by the decoder",
		},
	)

	ringLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_ring_lost_total",
			Help: "Records lost inside the kernel ring buffers",
		},
	)
)

// Store counters
var (
	lineageGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_lineage_gaps_total",
			Help: "Ancestry chains truncated at a missing parent link",
		},
	)

	pidReuseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_pid_reuse_total",
			Help: "CPU accumulator resets caused by detected pid reuse",
		},
	)

	storeRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_store_invariant_repairs_total",
			Help: "Store invariant violations repaired locally",
		},
	)

	processGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linnix_processes",
			Help: "Live processes currently tracked by the store",
		},
	)
)

// Rule engine / bus counters
var (
	alertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_alerts_emitted_total",
			Help: "Alerts emitted by rule id",
		},
		[]string{"rule"},
	)

	alertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_alerts_suppressed_total",
			Help: "Alerts collapsed into an earlier fire by cooldown dedup",
		},
	)

	ruleEvalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_rule_eval_errors_total",
			Help: "Detector evaluation failures isolated per rule",
		},
		[]string{"rule"},
	)

	enrichmentDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_enrichment_discarded_total",
			Help: "Reasoner insights that arrived after their alert was evicted",
		},
	)
)

// Hub counters
var (
	subscriberGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linnix_subscribers",
			Help: "Connected streaming subscribers by topic",
		},
		[]string{"topic"},
	)

	hubDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_hub_drops_total",
			Help: "Items dropped from the hub global queue",
		},
	)

	lagSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_lag_skipped_total",
			Help: "Items skipped for lagging subscribers",
		},
	)

	publishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linnix_hub_publish_seconds",
			Help:    "Hub publish-to-enqueue latency",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		},
	)
)

// Egress and resource counters
var (
	offlineDeniedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linnix_offline_denied_total",
			Help: "Outbound calls rejected by the offline guard",
		},
	)

	notifierFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_notifier_failures_total",
			Help: "Notification delivery failures by destination",
		},
		[]string{"destination"},
	)

	degradationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linnix_degradations_total",
			Help: "Resource soft-cap degradations applied, by action",
		},
		[]string{"action"},
	)

	resourceUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linnix_resource_usage",
			Help: "Daemon self resource utilization",
		},
		[]string{"resource"}, // rss_bytes, goroutines, cpu_seconds
	)
)

// daemonStats is the atomically updated source for the /metrics operator
// JSON. Prometheus counters are write-only from the daemon's perspective, so
// the JSON surface reads these instead.
type daemonStats struct {
	eventsTotal        atomic.Uint64
	eventsDropped      atomic.Uint64
	decodeErrors       atomic.Uint64
	ringLost           atomic.Uint64
	lineageGaps        atomic.Uint64
	pidReuse           atomic.Uint64
	storeRepairs       atomic.Uint64
	alertsEmitted      atomic.Uint64
	alertsSuppressed   atomic.Uint64
	ruleEvalErrors     atomic.Uint64
	hubDrops           atomic.Uint64
	lagSkipped         atomic.Uint64
	offlineDenied      atomic.Uint64
	enrichmentDropped  atomic.Uint64
	notifierFailures   atomic.Uint64
	degradations       atomic.Uint64
	probesAttached     atomic.Int64
	probesSkipped      atomic.Int64
	subscribers        atomic.Int64
	sampleIntervalMs   atomic.Uint64
	windowEntriesLimit atomic.Uint64
}

var stats daemonStats

func countEvent(kind string) {
	stats.eventsTotal.Add(1)
	eventCounter.WithLabelValues(kind).Inc()
}

func countDrop(reason string) {
	stats.eventsDropped.Add(1)
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

func countDecodeError() {
	stats.decodeErrors.Add(1)
	decodeErrorsTotal.Inc()
}

func countRingLost(n uint64) {
	if n == 0 {
		return
	}
	stats.ringLost.Add(n)
	ringLostTotal.Add(float64(n))
}

func countLineageGap() {
	stats.lineageGaps.Add(1)
	lineageGapsTotal.Inc()
}

func countPidReuse() {
	stats.pidReuse.Add(1)
	pidReuseTotal.Inc()
}

func countStoreRepair() {
	stats.storeRepairs.Add(1)
	storeRepairsTotal.Inc()
}

func countAlert(ruleID string) {
	stats.alertsEmitted.Add(1)
	alertsEmittedTotal.WithLabelValues(ruleID).Inc()
}

func countSuppressed() {
	stats.alertsSuppressed.Add(1)
	alertsSuppressedTotal.Inc()
}

func countRuleEvalError(ruleID string) {
	stats.ruleEvalErrors.Add(1)
	ruleEvalErrorsTotal.WithLabelValues(ruleID).Inc()
}

func countHubDrop() {
	stats.hubDrops.Add(1)
	hubDropsTotal.Inc()
}

func countLagSkipped(n uint64) {
	stats.lagSkipped.Add(n)
	lagSkippedTotal.Add(float64(n))
}

func countOfflineDenied() {
	stats.offlineDenied.Add(1)
	offlineDeniedTotal.Inc()
}

func countEnrichmentDiscarded() {
	stats.enrichmentDropped.Add(1)
	enrichmentDiscardedTotal.Inc()
}

func countNotifierFailure(destination string) {
	stats.notifierFailures.Add(1)
	notifierFailuresTotal.WithLabelValues(destination).Inc()
}

func countDegradation(action string) {
	stats.degradations.Add(1)
	degradationsTotal.WithLabelValues(action).Inc()
}

// selfUsage reports the daemon's own CPU time and max RSS via getrusage and
// refreshes the resource gauges.
func selfUsage() (cpuSeconds float64, rssBytes uint64) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		cpuSeconds = float64(ru.Utime.Sec+ru.Stime.Sec) +
			float64(ru.Utime.Usec+ru.Stime.Usec)/1e6
		// ru_maxrss is kilobytes on Linux
		rssBytes = uint64(ru.Maxrss) * 1024
	}
	resourceUsage.WithLabelValues("cpu_seconds").Set(cpuSeconds)
	resourceUsage.WithLabelValues("rss_bytes").Set(float64(rssBytes))
	resourceUsage.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
	return cpuSeconds, rssBytes
}
