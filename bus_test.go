package main

import (
	"fmt"
	"testing"

	"github.com/linnix-os/linnixd/types"
)

func TestBusRingEvictsOldest(t *testing.T) {
	bus := NewAlertBus(2)
	for i := 0; i < 3; i++ {
		bus.Publish(types.Alert{ID: fmt.Sprintf("a-%d", i), RuleID: "r", Message: "m"})
	}

	recent := bus.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("ring holds %d, want 2", len(recent))
	}
	if recent[0].Alert.ID != "a-2" || recent[1].Alert.ID != "a-1" {
		t.Errorf("recent = %v, want newest first", recent)
	}
	if _, ok := bus.Get("a-0"); ok {
		t.Error("evicted alert still reachable")
	}
}

func TestBusSequenceIsMonotonic(t *testing.T) {
	bus := NewAlertBus(8)
	var seqs []uint64
	bus.OnPublish(func(record types.AlertRecord) {
		seqs = append(seqs, record.Seq)
	})

	for i := 0; i < 4; i++ {
		bus.Publish(types.Alert{ID: fmt.Sprintf("a-%d", i), RuleID: "r"})
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, seq, i+1)
		}
	}
}

func TestBusEnrichmentCorrelation(t *testing.T) {
	bus := NewAlertBus(2)
	bus.Publish(types.Alert{ID: "keep", RuleID: "r"})

	if !bus.Enrich(types.Insight{AlertID: "keep", Summary: "explained"}) {
		t.Fatal("enrichment for live alert rejected")
	}
	record, _ := bus.Get("keep")
	if record.Insight == nil || record.Insight.Summary != "explained" {
		t.Errorf("insight not attached: %+v", record)
	}

	// Evict "keep" and verify a late enrichment is discarded and counted.
	bus.Publish(types.Alert{ID: "x1", RuleID: "r"})
	bus.Publish(types.Alert{ID: "x2", RuleID: "r"})
	before := stats.enrichmentDropped.Load()
	if bus.Enrich(types.Insight{AlertID: "keep", Summary: "late"}) {
		t.Error("enrichment for evicted alert accepted")
	}
	if stats.enrichmentDropped.Load() != before+1 {
		t.Error("discarded enrichment not counted")
	}
}

func TestBusFeedback(t *testing.T) {
	bus := NewAlertBus(4)
	bus.Publish(types.Alert{ID: "a", RuleID: "r"})

	if !bus.SetFeedback("a", types.FeedbackNoise) {
		t.Fatal("feedback rejected for live alert")
	}
	record, _ := bus.Get("a")
	if record.Feedback != types.FeedbackNoise {
		t.Errorf("feedback = %q, want noise", record.Feedback)
	}
	if bus.SetFeedback("missing", types.FeedbackUseful) {
		t.Error("feedback accepted for unknown alert")
	}
}
