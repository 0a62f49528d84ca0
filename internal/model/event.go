package model

import "time"

// EventType is the category of an append-only event.
type EventType string

const (
	// Session and decision lifecycle.
	EventSessionStarted      EventType = "session_started"
	EventDecisionIssued      EventType = "decision_issued"
	EventDecisionRefused     EventType = "decision_refused"
	EventToolCompleted       EventType = "tool_completed"
	EventReviewFlagged       EventType = "review_flagged"
	EventReviewResolved      EventType = "review_resolved"
	EventSnapshotInvalidated EventType = "snapshot_invalidated"

	// Payment lifecycle. Provider webhooks redeliver, so duplicates are
	// idempotent.
	EventPaymentInitiated EventType = "payment_initiated"
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
)

// EventTypes lists every accepted event type.
var EventTypes = []EventType{
	EventSessionStarted, EventDecisionIssued, EventDecisionRefused, EventToolCompleted,
	EventReviewFlagged, EventReviewResolved, EventSnapshotInvalidated,
	EventPaymentInitiated, EventPaymentSucceeded, EventPaymentFailed,
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// IsPayment reports whether t belongs to the payment family.
func (t EventType) IsPayment() bool {
	switch t {
	case EventPaymentInitiated, EventPaymentSucceeded, EventPaymentFailed:
		return true
	default:
		return false
	}
}

// Event is an append-only record. Never mutated or deleted.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	SessionID  *string        `json:"session_id,omitempty"`
	DecisionID *string        `json:"decision_id,omitempty"`
	TravelerID *string        `json:"traveler_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ClientWritable reports whether t may be appended through the public events
// API. Decision, review and snapshot events are written by the service itself.
func (t EventType) ClientWritable() bool {
	return t == EventSessionStarted || t == EventToolCompleted || t.IsPayment()
}
