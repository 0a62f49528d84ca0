package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/integrity"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/storage"
)

type fakeStore struct {
	pingErr   error
	pings     atomic.Int32
	reviews   map[model.ReviewStatus]int
	events    map[model.EventType]int
	outcomes  []storage.TopicOutcome
	scanErr   error
	integrity []storage.IntegrityRow
}

func (f *fakeStore) Ping(context.Context) error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeStore) CountReviewsByStatus(context.Context) (map[model.ReviewStatus]int, error) {
	return f.reviews, nil
}

func (f *fakeStore) CountEventsSince(context.Context, time.Time) (map[model.EventType]int, error) {
	return f.events, nil
}

func (f *fakeStore) ScanTopicOutcomes(_ context.Context, _ time.Time, maxRows int) ([]storage.TopicOutcome, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if len(f.outcomes) > maxRows {
		return nil, fmt.Errorf("storage: scan topic outcomes past %d rows: %w", maxRows, storage.ErrScanLimit)
	}
	return f.outcomes, nil
}

func (f *fakeStore) ListIntegrityRows(_ context.Context, _, _ time.Time, limit int) ([]storage.IntegrityRow, error) {
	if len(f.integrity) > limit+1 {
		return f.integrity[:limit+1], nil
	}
	return f.integrity, nil
}

func newService(store *fakeStore, tracker *guardrails.Tracker) *Service {
	return New(store, tracker, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestComputeHealthy(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		reviews: map[model.ReviewStatus]int{model.ReviewResolved: 2},
		events:  map[model.EventType]int{model.EventDecisionIssued: 4},
	}
	r := newService(store, guardrails.New()).Compute(context.Background(), false)

	assert.Equal(t, guardrails.LevelHealthy, r.Status)
	assert.True(t, r.Database.Reachable)
	assert.Equal(t, 4, r.Events[model.EventDecisionIssued])
	assert.Empty(t, r.Gaps)
	assert.Nil(t, r.Breakdown)
}

func TestComputeDatabaseDown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{pingErr: errors.New("connection refused")}
	r := newService(store, guardrails.New()).Compute(context.Background(), true)

	assert.Equal(t, guardrails.LevelCritical, r.Status)
	assert.False(t, r.Database.Reachable)
	assert.Contains(t, r.Database.Error, "connection refused")
	require.NotEmpty(t, r.Gaps)
	assert.Contains(t, r.Gaps[0], "unreachable")
	assert.Nil(t, r.Breakdown)
}

func TestPingIsCached(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	svc := newService(store, guardrails.New())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.Compute(context.Background(), false)
	svc.Compute(context.Background(), false)
	assert.Equal(t, int32(1), store.pings.Load())

	now = now.Add(pingCacheTTL)
	svc.Compute(context.Background(), false)
	assert.Equal(t, int32(2), store.pings.Load())
}

func TestBreakdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{outcomes: []storage.TopicOutcome{
		{TopicID: "timing:bergen", State: model.StateIssued},
		{TopicID: "timing:bergen", State: model.StateRefused},
		{TopicID: "timing:bergen", State: model.StateFlaggedForReview, ReviewNeeded: true},
		{TopicID: "booking:lofoten", State: model.StateRefused},
	}}
	r := newService(store, guardrails.New()).Compute(context.Background(), true)

	require.NotNil(t, r.Breakdown)
	assert.Empty(t, r.Breakdown.Error)
	assert.Equal(t, 4, r.Breakdown.Rows)
	require.Len(t, r.Breakdown.Topics, 2)
	bergen := r.Breakdown.Topics[0]
	assert.Equal(t, "timing:bergen", bergen.TopicID)
	assert.Equal(t, 3, bergen.Decisions)
	assert.Equal(t, 1, bergen.Refused)
	assert.Equal(t, 1, bergen.Flagged)
	assert.InDelta(t, 33.33, bergen.RefusalPct, 0.01)
	assert.InDelta(t, 100.0, r.Breakdown.Topics[1].RefusalPct, 0.001)
}

func TestBreakdownOverflowOnlyAbortsBreakdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		outcomes: make([]storage.TopicOutcome, BreakdownMaxRows+1),
		events:   map[model.EventType]int{model.EventDecisionIssued: 1},
	}
	r := newService(store, guardrails.New()).Compute(context.Background(), true)

	require.NotNil(t, r.Breakdown)
	assert.Contains(t, r.Breakdown.Error, "5000")
	assert.Empty(t, r.Breakdown.Topics)
	assert.True(t, r.Database.Reachable)
	assert.Equal(t, 1, r.Events[model.EventDecisionIssued])
}

func TestComputeGaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		st      guardrails.Status
		db      DatabaseStatus
		reviews map[model.ReviewStatus]int
		want    []string
	}{
		{
			name: "all clear",
			db:   DatabaseStatus{Reachable: true},
			want: []string{},
		},
		{
			name:    "pending reviews",
			db:      DatabaseStatus{Reachable: true},
			reviews: map[model.ReviewStatus]int{model.ReviewPending: 4},
			want:    []string{"4 reviews are pending."},
		},
		{
			name: "at most three, most severe first",
			st: guardrails.Status{
				InferenceCircuitOpen: true,
				AssuranceCircuitOpen: true,
				Counters:             guardrails.Counters{ConsecutiveInferenceFailures: 3, SchemaViolations: 1},
			},
			db: DatabaseStatus{},
			want: []string{
				"Database is unreachable. Decisions are answered but not persisted.",
				"Inference circuit is open after 3 consecutive failures.",
				"Assurance circuit is open. Paid artifacts are not being generated.",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, computeGaps(tt.st, tt.db, tt.reviews))
		})
	}
}

func integrityRow(id string, tamper bool) storage.IntegrityRow {
	f := integrity.Fields{
		DecisionID:   id,
		DecisionType: model.DecisionTypeTiming,
		State:        string(model.StateIssued),
		Outcome:      string(model.OutcomeWait),
		Confidence:   0.6,
		OutputJSON:   []byte(`{"type":"decision"}`),
		InputsHash:   "abc",
		LogicVersion: "test-1",
		CreatedAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	row := storage.IntegrityRow{ContentHash: integrity.ComputeContentHash(f), Fields: f}
	if tamper {
		row.Fields.Confidence = 0.9
	}
	return row
}

func TestVerifyIntegrity(t *testing.T) {
	t.Parallel()

	store := &fakeStore{integrity: []storage.IntegrityRow{
		integrityRow("dec_a", false),
		integrityRow("dec_b", true),
		integrityRow("dec_c", false),
	}}
	svc := newService(store, guardrails.New())
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	rep, err := svc.VerifyIntegrity(context.Background(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, []string{"dec_b"}, rep.Mismatched)
	assert.False(t, rep.Truncated)
	assert.Len(t, rep.MerkleRoot, 64)

	again, err := svc.VerifyIntegrity(context.Background(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, rep.MerkleRoot, again.MerkleRoot)

	_, err = svc.VerifyIntegrity(context.Background(), from, from)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestProveInclusion(t *testing.T) {
	t.Parallel()

	store := &fakeStore{integrity: []storage.IntegrityRow{
		integrityRow("dec_a", false),
		integrityRow("dec_b", true),
		integrityRow("dec_c", false),
	}}
	svc := newService(store, guardrails.New())
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	rep, err := svc.VerifyIntegrity(context.Background(), from, to)
	require.NoError(t, err)

	for _, id := range []string{"dec_a", "dec_b", "dec_c"} {
		proof, err := svc.ProveInclusion(context.Background(), from, to, id)
		require.NoError(t, err)
		assert.Equal(t, rep.MerkleRoot, proof.MerkleRoot)
		assert.True(t, integrity.VerifyMerkleProof(proof.ContentHash, proof.Steps, rep.MerkleRoot), id)
		assert.Equal(t, id != "dec_b", proof.Intact, id)
	}

	_, err = svc.ProveInclusion(context.Background(), from, to, "dec_missing")
	require.ErrorIs(t, err, ErrNotInWindow)
	_, err = svc.ProveInclusion(context.Background(), to, from, "dec_a")
	require.ErrorIs(t, err, ErrInvalidRange)
}
