//go:build !linux

// bpf_stub.go
package main

// eBPF ingest requires Linux; elsewhere the daemon runs in replay mode
// against a loopback source, serving backfilled state only.
type kernelRings struct {
	sources []RingSource
	status  ProbeStatus
}

func (k *kernelRings) Sources() []RingSource { return k.sources }
func (k *kernelRings) Status() ProbeStatus   { return k.status }

func (k *kernelRings) Close() {
	for _, src := range k.sources {
		src.Close()
	}
}

func loadKernelRings(cfg *Config, logger *Logger) (*kernelRings, error) {
	logger.Warning("probes", "eBPF ingest requires linux, running without kernel ingest")
	stats.probesSkipped.Add(1)
	return &kernelRings{
		sources: []RingSource{newLoopbackSource("replay", defaultEventQueueSize)},
		status:  ProbeStatus{Skipped: []string{"lifecycle"}},
	}, nil
}
