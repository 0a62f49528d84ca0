package model

import "time"

// ReviewTrigger names why a decision was flagged for human review.
type ReviewTrigger string

const (
	TriggerRepeatedVisits  ReviewTrigger = "repeated_visits"
	TriggerOutcomeFlip     ReviewTrigger = "outcome_flip"
	TriggerRefusalSpike    ReviewTrigger = "refusal_spike"
	TriggerConfidenceDrift ReviewTrigger = "confidence_drift"
	TriggerQualityGate     ReviewTrigger = "quality_gate"
)

// ReviewStatus is the lifecycle status of a review.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewReviewed  ReviewStatus = "reviewed"
	ReviewResolved  ReviewStatus = "resolved"
	ReviewDismissed ReviewStatus = "dismissed"
)

// Terminal reports whether a review in this status has left the queue.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewReviewed || s == ReviewResolved || s == ReviewDismissed
}

// Review is a queued request for a human to look at a decision. Only a human
// operator moves it out of pending.
type Review struct {
	ReviewID   string          `json:"review_id"`
	DecisionID string          `json:"decision_id"`
	TopicID    string          `json:"topic_id"`
	TravelerID *string         `json:"traveler_id,omitempty"`
	Triggers   []ReviewTrigger `json:"triggers"`
	Status     ReviewStatus    `json:"status"`
	Reviewer   *string         `json:"reviewer,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}
