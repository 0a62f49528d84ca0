package reviews

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/storage"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu         sync.Mutex
	history    []model.DecisionRecord
	historyErr error
	reviews    map[string]model.Review
	events     []model.Event
	notices    []string
}

func (f *fakeStore) ListTravelerTopicDecisions(_ context.Context, _, _ string, since time.Time, _ int) ([]model.DecisionRecord, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var out []model.DecisionRecord
	for _, r := range f.history {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateReview(_ context.Context, r model.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reviews == nil {
		f.reviews = map[string]model.Review{}
	}
	for _, existing := range f.reviews {
		if existing.DecisionID == r.DecisionID && existing.Status == model.ReviewPending {
			return storage.ErrDuplicate
		}
	}
	f.reviews[r.ReviewID] = r
	return nil
}

func (f *fakeStore) GetReview(_ context.Context, id string) (model.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviews[id]
	if !ok {
		return model.Review{}, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ListReviews(_ context.Context, status model.ReviewStatus, _ int) ([]model.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Review
	for _, r := range f.reviews {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveReview(_ context.Context, id string, status model.ReviewStatus, reviewer, notes string, at time.Time) (model.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviews[id]
	if !ok {
		return model.Review{}, storage.ErrNotFound
	}
	if r.Status != model.ReviewPending {
		return model.Review{}, fmt.Errorf("storage: resolve review %s: %w", id, storage.ErrReviewNotPending)
	}
	r.Status = status
	r.Reviewer = &reviewer
	r.Notes = &notes
	r.ResolvedAt = &at
	f.reviews[id] = r
	return r, nil
}

func (f *fakeStore) Notify(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, channel+" "+payload)
	return nil
}

func (f *fakeStore) CreateEvent(_ context.Context, e model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func newService(store *fakeStore, tracker *guardrails.Tracker) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, events.NewRecorder(store, nil, logger), tracker, logger)
	svc.now = func() time.Time { return base }
	return svc
}

func strongVerdict(outcome model.Outcome, confidence float64) *model.Decision {
	return &model.Decision{
		Outcome:  outcome,
		Headline: "Book the coastal route for early June",
		Summary: "Early June avoids the school holiday surge while ferries already run the summer timetable, " +
			"so the route works without backtracking.",
		Assumptions: []model.Assumption{
			{ID: "a1", Text: "Dates are fixed", Confidence: 0.9},
			{ID: "a2", Text: "Ferries run on schedule", Confidence: 0.7},
			{ID: "a3", Text: "No car needed", Confidence: 0.6},
			{ID: "a4", Text: "Budget covers single rooms", Confidence: 0.8},
		},
		TradeOffs: model.TradeOffs{
			Gains:  []string{"Long days", "Open huts"},
			Losses: []string{"Higher fares", "Busier ferries"},
		},
		ChangeConditions: []string{"Ferry strike", "Storm warning", "Fares double"},
		Confidence:       confidence,
	}
}

func prior(ago time.Duration, out model.Output) model.DecisionRecord {
	return model.DecisionRecord{
		DecisionID: model.NewDecisionID(),
		CreatedAt:  base.Add(-ago),
		Output:     model.OutputDocument{Output: out},
	}
}

func TestTriggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		history []model.DecisionRecord
		output  model.Output
		want    []model.ReviewTrigger
	}{
		{
			name:   "first decision on topic",
			output: strongVerdict(model.OutcomeBook, 0.8),
			want:   nil,
		},
		{
			name: "third visit in a day",
			history: []model.DecisionRecord{
				prior(time.Hour, strongVerdict(model.OutcomeBook, 0.8)),
				prior(2*time.Hour, strongVerdict(model.OutcomeBook, 0.8)),
			},
			output: strongVerdict(model.OutcomeBook, 0.8),
			want:   []model.ReviewTrigger{model.TriggerRepeatedVisits},
		},
		{
			name: "older visits do not count",
			history: []model.DecisionRecord{
				prior(time.Hour, strongVerdict(model.OutcomeBook, 0.8)),
				prior(48*time.Hour, strongVerdict(model.OutcomeBook, 0.8)),
			},
			output: strongVerdict(model.OutcomeBook, 0.8),
			want:   nil,
		},
		{
			name:    "outcome flip",
			history: []model.DecisionRecord{prior(72*time.Hour, strongVerdict(model.OutcomeWait, 0.7))},
			output:  strongVerdict(model.OutcomeBook, 0.8),
			want:    []model.ReviewTrigger{model.TriggerOutcomeFlip},
		},
		{
			name:    "confidence drift at the threshold",
			history: []model.DecisionRecord{prior(72*time.Hour, strongVerdict(model.OutcomeBook, 0.5))},
			output:  strongVerdict(model.OutcomeBook, 0.75),
			want:    []model.ReviewTrigger{model.TriggerConfidenceDrift},
		},
		{
			name: "refusals are skipped when finding the previous verdict",
			history: []model.DecisionRecord{
				prior(48*time.Hour, &model.Refusal{Code: model.RefusalPolicyConflict}),
				prior(72*time.Hour, strongVerdict(model.OutcomeDiscard, 0.8)),
			},
			output: strongVerdict(model.OutcomeBook, 0.8),
			want:   []model.ReviewTrigger{model.TriggerOutcomeFlip},
		},
		{
			name:   "thin verdict fails the quality gate",
			output: &model.Decision{Outcome: model.OutcomeBook, Headline: "Book", Confidence: 1},
			want:   []model.ReviewTrigger{model.TriggerQualityGate},
		},
		{
			name:   "refusal has no verdict triggers",
			output: &model.Refusal{Code: model.RefusalServiceDegraded},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newService(&fakeStore{history: tt.history}, guardrails.New())
			got := svc.Triggers(context.Background(), Candidate{TravelerID: "trav-1", TopicID: "timing:bergen", Output: tt.output})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriggersWithoutTravelerSkipHistory(t *testing.T) {
	t.Parallel()

	store := &fakeStore{historyErr: errors.New("must not be called")}
	svc := newService(store, guardrails.New())
	got := svc.Triggers(context.Background(), Candidate{TopicID: "timing:bergen", Output: strongVerdict(model.OutcomeBook, 0.8)})
	assert.Empty(t, got)
}

func TestTriggersHistoryFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	svc := newService(&fakeStore{historyErr: errors.New("db down")}, guardrails.New())
	got := svc.Triggers(context.Background(), Candidate{TravelerID: "trav-1", TopicID: "t", Output: strongVerdict(model.OutcomeBook, 0.8)})
	assert.Empty(t, got)
}

func TestTriggersRefusalSpike(t *testing.T) {
	t.Parallel()

	tracker := guardrails.New(guardrails.WithClock(func() time.Time { return base }))
	for range guardrails.RefusalSpikeMinDecisions {
		tracker.TrackTopicDecision("timing:bergen", true)
	}
	svc := newService(&fakeStore{}, tracker)
	got := svc.Triggers(context.Background(), Candidate{TopicID: "timing:bergen", Output: &model.Refusal{Code: model.RefusalPolicyConflict}})
	assert.Equal(t, []model.ReviewTrigger{model.TriggerRefusalSpike}, got)
}

func TestOpenAndResolve(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	tracker := guardrails.New(guardrails.WithClock(func() time.Time { return base }))
	svc := newService(store, tracker)
	ctx := context.Background()

	none, err := svc.Open(ctx, model.DecisionRecord{DecisionID: "dec_unflagged"})
	require.NoError(t, err)
	assert.Empty(t, none.ReviewID)

	rec := model.DecisionRecord{
		DecisionID: "dec_1",
		TopicID:    "timing:bergen",
		Review:     model.ReviewFlag{Needed: true, Reasons: []model.ReviewTrigger{model.TriggerOutcomeFlip}},
	}
	r, err := svc.Open(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, r.Status)
	assert.Equal(t, 1, tracker.Evaluate().Counters.ReviewsCreated)
	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventReviewFlagged, store.events[0].EventType)

	_, err = svc.Resolve(ctx, r.ReviewID, "op-1", model.ReviewPending, "")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Resolve(ctx, r.ReviewID, "", model.ReviewResolved, "")
	require.Error(t, err)

	resolved, err := svc.Resolve(ctx, r.ReviewID, "op-1", model.ReviewResolved, "checked with traveller")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewResolved, resolved.Status)
	assert.Equal(t, model.EventReviewResolved, store.events[len(store.events)-1].EventType)

	require.Len(t, store.notices, 2, "open and resolve each notify subscribers")
	assert.Contains(t, store.notices[0], storage.ChannelReviews+" ")
	assert.Contains(t, store.notices[0], `"status":"pending"`)
	assert.Contains(t, store.notices[1], `"topic_id":"timing:bergen"`)
	assert.Contains(t, store.notices[1], `"status":"resolved"`)

	_, err = svc.Resolve(ctx, r.ReviewID, "op-2", model.ReviewDismissed, "")
	require.ErrorIs(t, err, storage.ErrReviewNotPending)
}
