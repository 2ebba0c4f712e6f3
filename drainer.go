// drainer.go
package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/linnix-os/linnixd/types"
)

const defaultEventQueueSize = 65536

// Record is one raw sample handed up by a ring source, mirroring the shape
// of a perf record so the drainer stays platform-independent.
type Record struct {
	RawSample   []byte
	LostSamples uint64
}

// errRingClosed is returned by ring sources after Close.
var errRingClosed = errors.New("ring source closed")

// RingSource is a platform-agnostic handle on one kernel ring buffer. The
// eBPF-backed implementation lives behind a build tag; tests inject loopback
// sources.
type RingSource interface {
	Name() string
	Read() (Record, error)
	Close() error
}

// ProbeStatus reports which probe groups attached at startup.
type ProbeStatus struct {
	Attached []string `json:"attached"`
	Skipped  []string `json:"skipped"`
}

// Drainer runs one worker per ring source, decodes records and delivers
// events to a single bounded channel. A full channel never blocks the
// producer side: the event is dropped and counted.
type Drainer struct {
	sources []RingSource
	out     chan *types.Event
	logger  *Logger
	wg      sync.WaitGroup
}

func NewDrainer(sources []RingSource, queueSize int, logger *Logger) *Drainer {
	if queueSize <= 0 {
		queueSize = defaultEventQueueSize
	}
	return &Drainer{
		sources: sources,
		out:     make(chan *types.Event, queueSize),
		logger:  logger,
	}
}

// Out is the post-decode event channel consumed by the pipeline.
func (d *Drainer) Out() <-chan *types.Event { return d.out }

// Run starts the per-ring workers and blocks until all of them have drained
// their outstanding records after ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	for _, src := range d.sources {
		d.wg.Add(1)
		go d.drain(src)
	}

	<-ctx.Done()
	for _, src := range d.sources {
		src.Close()
	}
	d.wg.Wait()
}

func (d *Drainer) drain(src RingSource) {
	defer d.wg.Done()
	d.logger.Info("drainer", "starting %s ring reader", src.Name())

	var handled, dropped uint64
	for {
		record, err := src.Read()
		if err != nil {
			if errors.Is(err, errRingClosed) {
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EINTR) {
				continue
			}
			d.logger.Error("drainer", "%s: read error: %v", src.Name(), err)
			break
		}

		countRingLost(record.LostSamples)
		if len(record.RawSample) == 0 {
			continue
		}

		ev, err := DecodeEvent(record.RawSample)
		if err != nil {
			countDecodeError()
			d.logger.ThrottledWarning("drainer", "decode:"+src.Name(),
				"%s: dropping undecodable record: %v", src.Name(), err)
			continue
		}

		countEvent(ev.Kind.String())
		select {
		case d.out <- ev:
			handled++
		default:
			dropped++
			countDrop("channel_full")
			d.logger.ThrottledWarning("drainer", "channel_full",
				"event channel full, dropping %s events", src.Name())
		}
	}

	d.logger.Info("drainer", "%s ring reader stopped: %d delivered, %d dropped",
		src.Name(), handled, dropped)
}

// loopbackSource replays pre-encoded records; used by tests and by the
// daemon's no-kernel degraded mode.
type loopbackSource struct {
	name    string
	records chan Record
	done    chan struct{}
	once    sync.Once
}

func newLoopbackSource(name string, depth int) *loopbackSource {
	return &loopbackSource{
		name:    name,
		records: make(chan Record, depth),
		done:    make(chan struct{}),
	}
}

func (s *loopbackSource) Name() string { return s.name }

func (s *loopbackSource) Inject(rec Record) {
	select {
	case s.records <- rec:
	case <-s.done:
	}
}

func (s *loopbackSource) Read() (Record, error) {
	select {
	case rec := <-s.records:
		return rec, nil
	case <-s.done:
		// Drain whatever was queued before Close.
		select {
		case rec := <-s.records:
			return rec, nil
		default:
			return Record{}, errRingClosed
		}
	}
}

func (s *loopbackSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
