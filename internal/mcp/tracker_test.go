package mcp

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(window time.Duration) (*historyTracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	tr := newHistoryTracker(window)
	tr.now = clk.now
	return tr, clk
}

func TestHistoryTracker_RecordAndCheck(t *testing.T) {
	tracker, _ := newTestTracker(time.Hour)

	if tracker.WasChecked("trav-1", "booking:lofoten") {
		t.Fatal("expected WasChecked to return false before any Record")
	}

	tracker.Record("trav-1", "booking:lofoten")

	if !tracker.WasChecked("trav-1", "booking:lofoten") {
		t.Fatal("expected WasChecked to return true after Record")
	}
}

func TestHistoryTracker_KeyedOnTravelerAndTopic(t *testing.T) {
	tracker, _ := newTestTracker(time.Hour)
	tracker.Record("trav-1", "booking:lofoten")

	if tracker.WasChecked("trav-1", "timing:lofoten") {
		t.Fatal("expected WasChecked to return false for another topic")
	}
	if tracker.WasChecked("trav-2", "booking:lofoten") {
		t.Fatal("expected WasChecked to return false for another traveller")
	}
}

func TestHistoryTracker_Expiry(t *testing.T) {
	tracker, clk := newTestTracker(time.Minute)

	tracker.Record("trav-1", "booking:lofoten")
	clk.advance(2 * time.Minute)

	if tracker.WasChecked("trav-1", "booking:lofoten") {
		t.Fatal("expected WasChecked to return false after window expired")
	}
	if n := tracker.size(); n != 0 {
		t.Fatalf("expected expired entry to be dropped, got %d entries", n)
	}
}

func TestHistoryTracker_UpdateTimestamp(t *testing.T) {
	tracker, clk := newTestTracker(time.Minute)

	tracker.Record("trav-1", "booking:lofoten")
	clk.advance(40 * time.Second)
	tracker.Record("trav-1", "booking:lofoten")
	clk.advance(40 * time.Second)

	if !tracker.WasChecked("trav-1", "booking:lofoten") {
		t.Fatal("expected WasChecked to return true after timestamp refresh")
	}
}

func TestHistoryTracker_PurgeStale(t *testing.T) {
	tracker, clk := newTestTracker(time.Minute)

	for i := range maxTrackedLookups + 100 {
		tracker.Record(fmt.Sprintf("trav-%d", i), "booking:lofoten")
	}
	clk.advance(time.Hour)

	// Exceeding the threshold sweeps every stale entry.
	tracker.Record("trav-fresh", "booking:lofoten")

	if !tracker.WasChecked("trav-fresh", "booking:lofoten") {
		t.Fatal("expected fresh entry to survive purge")
	}
	if n := tracker.size(); n != 1 {
		t.Fatalf("expected stale entries to be purged, got %d entries", n)
	}
}
