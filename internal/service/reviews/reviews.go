// Package reviews decides when a decision needs a human look and manages the
// review queue. Triggers are evaluated before a decision is persisted so the
// record carries its review flag from creation; only an operator moves a
// review out of pending.
package reviews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/service/quality"
	"github.com/ashita-ai/tabi/internal/storage"
)

// Trigger thresholds.
const (
	// RepeatedVisitsWindow and RepeatedVisitsMin flag a traveller who asked
	// about the same topic RepeatedVisitsMin times, counting the current
	// request, within the window.
	RepeatedVisitsWindow = 24 * time.Hour
	RepeatedVisitsMin    = 3
	// ConfidenceDriftMin is the confidence change against the traveller's
	// previous verdict on the topic that flags drift.
	ConfidenceDriftMin = 0.25

	historyWindow = 30 * 24 * time.Hour
	historyLimit  = 50
)

// ErrInvalidStatus is returned when a resolution targets pending or an
// unknown status.
var ErrInvalidStatus = errors.New("reviews: status must be reviewed, resolved or dismissed")

// Store is the persistence the review service needs.
type Store interface {
	ListTravelerTopicDecisions(ctx context.Context, travelerID, topicID string, since time.Time, limit int) ([]model.DecisionRecord, error)
	CreateReview(ctx context.Context, r model.Review) error
	GetReview(ctx context.Context, reviewID string) (model.Review, error)
	ListReviews(ctx context.Context, status model.ReviewStatus, limit int) ([]model.Review, error)
	ResolveReview(ctx context.Context, reviewID string, status model.ReviewStatus, reviewer, notes string, at time.Time) (model.Review, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Service evaluates triggers and owns the review lifecycle.
type Service struct {
	store   Store
	events  *events.Recorder
	tracker *guardrails.Tracker
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a review Service.
func New(store Store, recorder *events.Recorder, tracker *guardrails.Tracker, logger *slog.Logger) *Service {
	return &Service{store: store, events: recorder, tracker: tracker, logger: logger, now: time.Now}
}

// Candidate is a decision about to be persisted.
type Candidate struct {
	TravelerID string
	TopicID    string
	Output     model.Output
}

// Triggers returns the review triggers that fire for c. History lookups that
// fail are logged and skipped; they never block the decision.
func (s *Service) Triggers(ctx context.Context, c Candidate) []model.ReviewTrigger {
	var out []model.ReviewTrigger

	current, isVerdict := model.Verdict(c.Output)

	if c.TravelerID != "" {
		now := s.now()
		history, err := s.store.ListTravelerTopicDecisions(ctx, c.TravelerID, c.TopicID, now.Add(-historyWindow), historyLimit)
		if err != nil {
			s.logger.Warn("reviews: history lookup failed, skipping history triggers",
				"traveler_id", c.TravelerID, "topic_id", c.TopicID, "error", err)
		} else {
			out = append(out, historyTriggers(history, current, now)...)
		}
	}

	if s.tracker != nil && s.tracker.TopicRefusalSpike(c.TopicID) {
		out = append(out, model.TriggerRefusalSpike)
	}

	if isVerdict && quality.Score(current) < quality.GateThreshold {
		out = append(out, model.TriggerQualityGate)
	}
	return out
}

// historyTriggers compares the current verdict (nil for non-verdicts) with
// the traveller's earlier decisions on the topic, newest first.
func historyTriggers(history []model.DecisionRecord, current *model.Decision, now time.Time) []model.ReviewTrigger {
	var out []model.ReviewTrigger

	recent := 1
	for _, rec := range history {
		if !rec.CreatedAt.Before(now.Add(-RepeatedVisitsWindow)) {
			recent++
		}
	}
	if recent >= RepeatedVisitsMin {
		out = append(out, model.TriggerRepeatedVisits)
	}

	if current == nil {
		return out
	}
	for _, rec := range history {
		prev, ok := model.Verdict(rec.Output.Output)
		if !ok {
			continue
		}
		if prev.Outcome != current.Outcome {
			out = append(out, model.TriggerOutcomeFlip)
		}
		if math.Abs(prev.Confidence-current.Confidence) >= ConfidenceDriftMin {
			out = append(out, model.TriggerConfidenceDrift)
		}
		break
	}
	return out
}

// Open queues a review for a flagged decision and records review_flagged.
// Decisions without a review flag are ignored.
func (s *Service) Open(ctx context.Context, rec model.DecisionRecord) (model.Review, error) {
	if !rec.Review.Needed {
		return model.Review{}, nil
	}
	r := model.Review{
		ReviewID:   model.NewReviewID(),
		DecisionID: rec.DecisionID,
		TopicID:    rec.TopicID,
		TravelerID: rec.TravelerID,
		Triggers:   rec.Review.Reasons,
		Status:     model.ReviewPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return model.Review{}, fmt.Errorf("reviews: open for %s: %w", rec.DecisionID, err)
	}
	if s.tracker != nil {
		s.tracker.TrackReviewCreated()
	}

	triggers := make([]string, len(r.Triggers))
	for i, t := range r.Triggers {
		triggers[i] = string(t)
	}
	if _, err := s.events.Log(ctx, model.Event{
		EventType:  model.EventReviewFlagged,
		SessionID:  rec.SessionID,
		DecisionID: &rec.DecisionID,
		TravelerID: rec.TravelerID,
		Payload:    map[string]any{"review_id": r.ReviewID, "triggers": triggers},
	}); err != nil {
		s.logger.Warn("reviews: log review_flagged failed", "review_id", r.ReviewID, "error", err)
	}
	s.notify(ctx, r)
	return r, nil
}

// Get returns one review.
func (s *Service) Get(ctx context.Context, reviewID string) (model.Review, error) {
	return s.store.GetReview(ctx, reviewID)
}

// List returns reviews in status, newest first.
func (s *Service) List(ctx context.Context, status model.ReviewStatus, limit int) ([]model.Review, error) {
	return s.store.ListReviews(ctx, status, limit)
}

// Resolve moves a pending review to a terminal status on behalf of operator.
// A review that already left pending yields the store's not-pending error.
func (s *Service) Resolve(ctx context.Context, reviewID, operator string, status model.ReviewStatus, notes string) (model.Review, error) {
	if !status.Terminal() {
		return model.Review{}, ErrInvalidStatus
	}
	if operator == "" {
		return model.Review{}, fmt.Errorf("reviews: resolve %s: operator required", reviewID)
	}
	r, err := s.store.ResolveReview(ctx, reviewID, status, operator, notes, s.now().UTC())
	if err != nil {
		return model.Review{}, err
	}
	s.logger.Info("reviews: resolved", "review_id", reviewID, "status", status, "operator", operator)

	if _, err := s.events.Log(ctx, model.Event{
		EventType:  model.EventReviewResolved,
		DecisionID: &r.DecisionID,
		TravelerID: r.TravelerID,
		Payload:    map[string]any{"review_id": r.ReviewID, "status": string(status), "operator": operator},
	}); err != nil {
		s.logger.Warn("reviews: log review_resolved failed", "review_id", reviewID, "error", err)
	}
	s.notify(ctx, r)
	return r, nil
}

// notify tells live subscribers a review changed. Best-effort.
func (s *Service) notify(ctx context.Context, r model.Review) {
	n := map[string]any{
		"review_id":   r.ReviewID,
		"decision_id": r.DecisionID,
		"topic_id":    r.TopicID,
		"status":      r.Status,
	}
	if r.TravelerID != nil {
		n["traveler_id"] = *r.TravelerID
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.store.Notify(ctx, storage.ChannelReviews, string(payload)); err != nil {
		s.logger.Debug("reviews: notify failed", "review_id", r.ReviewID, "error", err)
	}
}
