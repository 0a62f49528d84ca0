package mcp

import (
	"sync"
	"time"
)

// historyTracker records recent tabi_history lookups so handleEvaluate can
// tell when a caller asks for a verdict without first looking at what the
// traveller was told before, and nudge them.
//
// Entries are keyed on (travelerID, topicID). The tracker is in-memory and
// per-process; the nudge is advisory.
type historyTracker struct {
	mu     sync.Mutex
	checks map[historyKey]time.Time
	window time.Duration
	now    func() time.Time
}

type historyKey struct {
	travelerID string
	topicID    string
}

// maxTrackedLookups triggers a sweep of stale entries.
const maxTrackedLookups = 1000

func newHistoryTracker(window time.Duration) *historyTracker {
	return &historyTracker{
		checks: make(map[historyKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that the traveller's history on topicID was looked up.
func (t *historyTracker) Record(travelerID, topicID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[historyKey{travelerID, topicID}] = t.now()

	if len(t.checks) > maxTrackedLookups {
		t.purgeStale()
	}
}

// WasChecked reports whether the traveller's history on topicID was looked
// up within the window.
func (t *historyTracker) WasChecked(travelerID, topicID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := historyKey{travelerID, topicID}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *historyTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}

func (t *historyTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.checks)
}
