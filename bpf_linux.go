//go:build linux

// bpf_linux.go
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
)

// Mandatory lifecycle tracepoints and their program names inside the kernel
// object. The object itself is built and shipped by the kernel layer; the
// daemon only consumes its ring maps.
var lifecycleProbes = []struct {
	group, name, program string
}{
	{"sched", "sched_process_fork", "handle_fork"},
	{"sched", "sched_process_exec", "handle_exec"},
	{"sched", "sched_process_exit", "handle_exit"},
}

// Optional probe groups, gated by config. Attachment failures are non-fatal.
var optionalProbes = []struct {
	key, group, name, program string
}{
	{"network", "sock", "inet_sock_set_state", "handle_sock_state"},
	{"block_io", "block", "block_rq_issue", "handle_block_rq"},
	{"page_faults", "exceptions", "page_fault_user", "handle_page_fault"},
}

type kernelRings struct {
	coll    *ebpf.Collection
	links   []link.Link
	sources []RingSource
	status  ProbeStatus
}

func (k *kernelRings) Sources() []RingSource { return k.sources }
func (k *kernelRings) Status() ProbeStatus   { return k.status }

func (k *kernelRings) Close() {
	for _, l := range k.links {
		if l != nil {
			l.Close()
		}
	}
	if k.coll != nil {
		k.coll.Close()
	}
}

// loadKernelRings loads the kernel object and attaches the probe set.
// A missing object degrades to a replay loopback source so the daemon can
// still serve backfilled state; load and mandatory-attach failures on a
// present object return Capability / ProbeAttach errors.
func loadKernelRings(cfg *Config, logger *Logger) (*kernelRings, error) {
	if cfg.BPFObjectPath == "" {
		return degradedRings("no kernel object configured", logger), nil
	}
	if _, err := os.Stat(cfg.BPFObjectPath); os.IsNotExist(err) {
		return degradedRings("kernel object not found at "+cfg.BPFObjectPath, logger), nil
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, daemonErr(ErrCapability, "removing memlock limit", err)
	}

	coll, err := ebpf.LoadCollection(cfg.BPFObjectPath)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, daemonErr(ErrCapability, "kernel rejected object", err)
		}
		return nil, daemonErr(ErrCapability, "loading kernel object", err)
	}

	rings := &kernelRings{coll: coll}

	for _, probe := range lifecycleProbes {
		prog, ok := coll.Programs[probe.program]
		if !ok {
			rings.Close()
			return nil, daemonErrf(ErrProbeAttach, "object missing program %s", probe.program)
		}
		l, err := link.Tracepoint(probe.group, probe.name, prog, nil)
		if err != nil {
			rings.Close()
			return nil, daemonErr(ErrProbeAttach,
				fmt.Sprintf("attaching %s:%s", probe.group, probe.name), err)
		}
		rings.links = append(rings.links, l)
	}
	rings.status.Attached = append(rings.status.Attached, "lifecycle")
	stats.probesAttached.Add(1)

	for _, probe := range optionalProbes {
		if !cfg.probeEnabled(probe.key) {
			continue
		}
		prog, ok := coll.Programs[probe.program]
		if !ok {
			logger.Warning("probes", "object has no %s program, skipping %s", probe.program, probe.key)
			rings.status.Skipped = append(rings.status.Skipped, probe.key)
			stats.probesSkipped.Add(1)
			continue
		}
		l, err := link.Tracepoint(probe.group, probe.name, prog, nil)
		if err != nil {
			logger.Warning("probes", "attaching optional %s probe failed: %v", probe.key, err)
			rings.status.Skipped = append(rings.status.Skipped, probe.key)
			stats.probesSkipped.Add(1)
			continue
		}
		rings.links = append(rings.links, l)
		rings.status.Attached = append(rings.status.Attached, probe.key)
		stats.probesAttached.Add(1)
	}

	for _, mapName := range []string{"events", "samples"} {
		m, ok := coll.Maps[mapName]
		if !ok {
			continue
		}
		reader, err := perf.NewReader(m, 64*os.Getpagesize())
		if err != nil {
			rings.Close()
			return nil, daemonErr(ErrProbeAttach,
				fmt.Sprintf("opening %s ring", mapName), err)
		}
		rings.sources = append(rings.sources, &perfSource{name: mapName, reader: reader})
	}
	if len(rings.sources) == 0 {
		rings.Close()
		return nil, daemonErrf(ErrProbeAttach, "kernel object exposes no ring maps")
	}

	logger.Info("probes", "attached %v, skipped %v", rings.status.Attached, rings.status.Skipped)
	return rings, nil
}

// degradedRings backs the no-kernel replay mode: a loopback source that
// produces nothing, so the HTTP surface still serves backfilled state.
func degradedRings(reason string, logger *Logger) *kernelRings {
	logger.Warning("probes", "%s, running without kernel ingest", reason)
	stats.probesSkipped.Add(1)
	return &kernelRings{
		sources: []RingSource{newLoopbackSource("replay", defaultEventQueueSize)},
		status:  ProbeStatus{Skipped: []string{"lifecycle"}},
	}
}

// perfSource adapts a cilium perf reader to the drainer's RingSource.
type perfSource struct {
	name   string
	reader *perf.Reader
}

func (s *perfSource) Name() string { return s.name }

func (s *perfSource) Read() (Record, error) {
	rec, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return Record{}, errRingClosed
		}
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample, LostSamples: rec.LostSamples}, nil
}

func (s *perfSource) Close() error { return s.reader.Close() }
