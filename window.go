// window.go
package main

import (
	"sync"
	"time"

	"github.com/linnix-os/linnixd/types"
)

// WindowEntry is the projection stored per event. Full events are streamed to
// subscribers; detectors only need keys, kinds and sample values, so the
// window stores this fixed-size record instead.
type WindowEntry struct {
	TsNs     uint64
	Pid      uint32
	Tgid     uint32
	Ppid     uint32
	Kind     types.EventKind
	CommHash uint32
	Value    uint64
}

// WindowBuffer is an append-only, time-ordered deque of event projections
// bounded by wall-clock span and a hard entry cap. Eviction runs lazily on
// each append and on the engine tick.
type WindowBuffer struct {
	mu         sync.Mutex
	entries    []WindowEntry
	head       int
	span       time.Duration
	maxEntries int
}

func NewWindowBuffer(span time.Duration, maxEntries int) *WindowBuffer {
	if maxEntries <= 0 {
		maxEntries = 200000
	}
	return &WindowBuffer{
		span:       span,
		maxEntries: maxEntries,
	}
}

// Append projects an event into the window and evicts anything outside the
// retention span or over the entry cap.
func (w *WindowBuffer) Append(ev *types.Event) {
	entry := WindowEntry{
		TsNs:     ev.TsNs,
		Pid:      ev.Pid,
		Tgid:     ev.Tgid,
		Ppid:     ev.Ppid,
		Kind:     ev.Kind,
		CommHash: types.HashComm(ev.Comm),
	}
	switch ev.Kind {
	case types.KindRSS:
		entry.Value = ev.RSSBytes
	case types.KindCPU:
		entry.Value = ev.CPUDeltaNs
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry)
	w.evictLocked(ev.TsNs)
}

// Evict drops entries older than the retention span relative to nowNs.
func (w *WindowBuffer) Evict(nowNs uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(nowNs)
}

func (w *WindowBuffer) evictLocked(nowNs uint64) {
	horizon := uint64(0)
	if span := uint64(w.span.Nanoseconds()); nowNs > span {
		horizon = nowNs - span
	}
	for w.head < len(w.entries) && w.entries[w.head].TsNs < horizon {
		w.head++
	}
	for len(w.entries)-w.head > w.maxEntries {
		w.head++
	}
	// Compact once the dead prefix dominates, so the backing array does not
	// grow without bound.
	if w.head > 0 && w.head >= len(w.entries)/2 {
		n := copy(w.entries, w.entries[w.head:])
		w.entries = w.entries[:n]
		w.head = 0
	}
}

// Len returns the number of live entries.
func (w *WindowBuffer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries) - w.head
}

// Resize lowers (or restores) the entry cap. Used by the resource governor
// when the RSS soft cap is exceeded.
func (w *WindowBuffer) Resize(maxEntries int) {
	if maxEntries <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxEntries = maxEntries
	for len(w.entries)-w.head > w.maxEntries {
		w.head++
	}
}

// CountKind counts entries of the given kind with TsNs >= sinceNs.
func (w *WindowBuffer) CountKind(kind types.EventKind, sinceNs uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var n uint64
	for i := len(w.entries) - 1; i >= w.head; i-- {
		if w.entries[i].TsNs < sinceNs {
			break
		}
		if w.entries[i].Kind == kind {
			n++
		}
	}
	return n
}

// CountKindBy buckets entries of the given kind since sinceNs by an arbitrary
// key projection. Entries for which keyFn reports false are skipped.
func (w *WindowBuffer) CountKindBy(kind types.EventKind, sinceNs uint64, keyFn func(WindowEntry) (uint32, bool)) map[uint32]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[uint32]uint64)
	for i := len(w.entries) - 1; i >= w.head; i-- {
		if w.entries[i].TsNs < sinceNs {
			break
		}
		if w.entries[i].Kind != kind {
			continue
		}
		if key, ok := keyFn(w.entries[i]); ok {
			out[key]++
		}
	}
	return out
}

// Slice copies all entries with TsNs >= sinceNs in timestamp order. Detectors
// that need to correlate kinds (fork/exit pairing, slope fits) use this.
func (w *WindowBuffer) Slice(sinceNs uint64) []WindowEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	lo := len(w.entries)
	for i := len(w.entries) - 1; i >= w.head; i-- {
		if w.entries[i].TsNs < sinceNs {
			break
		}
		lo = i
	}
	out := make([]WindowEntry, len(w.entries)-lo)
	copy(out, w.entries[lo:])
	return out
}
