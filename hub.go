// hub.go
package main

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Topic string

const (
	TopicEvents    Topic = "events"
	TopicProcesses Topic = "processes"
	TopicAlerts    Topic = "alerts"
)

const (
	defaultSubscriberQueue = 256
	defaultGlobalQueue     = 4096
	defaultDisconnectAfter = 30 * time.Second
)

// Frame is one framed record on a stream: an event name plus a JSON payload.
type Frame struct {
	Event string
	Seq   uint64
	Data  []byte
}

// Subscriber is a bounded-FIFO consumer attached to one topic. When the
// queue overflows, the hub drops the oldest queued items and accumulates a
// skip count that the consumer turns into a lag marker.
type Subscriber struct {
	topic Topic
	ch    chan Frame

	lagPending     atomic.Uint64
	saturatedSince time.Time // guarded by hub.mu
	closed         bool      // guarded by hub.mu
}

// Frames is the consumer side of the queue. The channel closes when the hub
// disconnects the subscriber or shuts down.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// TakeLag returns and clears the number of items skipped since the last
// call. The consumer emits a lag marker before its next frame when nonzero.
func (s *Subscriber) TakeLag() uint64 { return s.lagPending.Swap(0) }

// StreamHub broadcasts frames to subscribers without ever blocking
// producers. Publishes land in a bounded global queue drained by the hub
// goroutine; per-subscriber overflow sheds the oldest queued items.
type StreamHub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	global chan publishItem

	queueSize       int
	disconnectAfter time.Duration
	eventSeq        atomic.Uint64
	logger          *Logger
}

func NewStreamHub(queueSize int, disconnectAfter time.Duration, logger *Logger) *StreamHub {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueue
	}
	if disconnectAfter <= 0 {
		disconnectAfter = defaultDisconnectAfter
	}
	return &StreamHub{
		subs:            make(map[*Subscriber]struct{}),
		global:          make(chan publishItem, defaultGlobalQueue),
		queueSize:       queueSize,
		disconnectAfter: disconnectAfter,
		logger:          logger,
	}
}

// Subscribe attaches a new consumer to a topic.
func (h *StreamHub) Subscribe(topic Topic) *Subscriber {
	sub := &Subscriber{
		topic: topic,
		ch:    make(chan Frame, h.queueSize),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	subscriberGauge.WithLabelValues(string(topic)).Inc()
	stats.subscribers.Add(1)
	return sub
}

// Unsubscribe detaches a consumer and closes its queue.
func (h *StreamHub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	h.closeLocked(sub, "client_gone")
	h.mu.Unlock()
}

func (h *StreamHub) closeLocked(sub *Subscriber, reason string) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
	subscriberGauge.WithLabelValues(string(sub.topic)).Dec()
	stats.subscribers.Add(-1)
	h.logger.Debug("hub", "closed %s subscriber: %s", sub.topic, reason)
}

// Publish enqueues one record for fan-out. When the global queue is full the
// oldest pending item is shed so the producer never stalls.
func (h *StreamHub) Publish(topic Topic, event string, payload interface{}) {
	start := time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warning("hub", "marshal %s: %v", event, err)
		return
	}

	var seq uint64
	switch v := payload.(type) {
	case seqCarrier:
		seq = v.StreamSeq()
	default:
		seq = h.eventSeq.Add(1)
	}
	item := publishItem{topic: topic, frame: Frame{Event: event, Seq: seq, Data: data}}

	for {
		select {
		case h.global <- item:
			publishLatency.Observe(time.Since(start).Seconds())
			return
		default:
			select {
			case <-h.global:
				countHubDrop()
			default:
			}
		}
	}
}

type publishItem struct {
	topic Topic
	frame Frame
}

// seqCarrier lets payloads with an authoritative sequence (alert records)
// keep it on the wire frame.
type seqCarrier interface{ StreamSeq() uint64 }

// Run drains the global queue and fans frames out to topic subscribers.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-h.global:
			h.fanout(item.topic, item.frame)
		}
	}
}

func (h *StreamHub) fanout(topic Topic, frame Frame) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- frame:
			sub.saturatedSince = time.Time{}
			continue
		default:
		}

		// Queue full: freshness wins. Shed the oldest queued item and
		// retry once; the consumer reports the skip as a lag marker.
		select {
		case <-sub.ch:
			sub.lagPending.Add(1)
			countLagSkipped(1)
		default:
		}
		select {
		case sub.ch <- frame:
		default:
			sub.lagPending.Add(1)
			countLagSkipped(1)
		}
		if sub.saturatedSince.IsZero() {
			sub.saturatedSince = now
		}
	}
}

// Sweep disconnects subscribers that stayed saturated past the grace period.
// Driven by the 1 Hz tick.
func (h *StreamHub) Sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.saturatedSince.IsZero() && now.Sub(sub.saturatedSince) >= h.disconnectAfter {
			h.logger.Info("hub", "disconnecting lagging %s subscriber", sub.topic)
			h.closeLocked(sub, "lagging")
		}
	}
}

// Bye sends the shutdown marker to every subscriber and closes them all.
func (h *StreamHub) Bye() {
	bye := Frame{Event: "bye", Data: []byte(`{}`)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- bye:
		default:
		}
		h.closeLocked(sub, "shutdown")
	}
}

// ShedOne disconnects one subscriber under resource pressure, preferring a
// lagging one. Returns false when nobody is connected.
func (h *StreamHub) ShedOne() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	var victim *Subscriber
	for sub := range h.subs {
		if victim == nil || !sub.saturatedSince.IsZero() {
			victim = sub
		}
	}
	if victim == nil {
		return false
	}
	h.logger.Warning("hub", "shedding %s subscriber under resource pressure", victim.topic)
	h.closeLocked(victim, "resource_pressure")
	return true
}

// SubscriberCount reports attached consumers across topics.
func (h *StreamHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
