package storage_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/storage"
	"github.com/ashita-ai/tabi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB  *storage.DB
	testDSN string
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	testDSN = tc.DSN

	ctx := context.Background()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func verdict(outcome model.Outcome, confidence float64) *model.Decision {
	return &model.Decision{
		Outcome:  outcome,
		Headline: "Go in late September",
		Summary:  "Crowds thin out and the weather holds.",
		Assumptions: []model.Assumption{
			{ID: "a1", Text: "Dates can move by a week", Confidence: 0.8},
			{ID: "a2", Text: "No school holidays apply", Confidence: 0.6},
		},
		TradeOffs: model.TradeOffs{
			Gains:  []string{"Lower prices"},
			Losses: []string{"Shorter days"},
		},
		ChangeConditions: []string{"Storm forecast", "Flight prices double"},
		Confidence:       confidence,
		ConfidenceLabel:  model.ConfidenceLabel(confidence),
	}
}

func newRecord(traveler, topic string, out model.Output) model.DecisionRecord {
	return model.DecisionRecord{
		DecisionID:    model.NewDecisionID(),
		TravelerID:    model.StrPtr(traveler),
		SessionID:     model.StrPtr("sess-" + traveler),
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
		DecisionType:  model.DecisionTypeTiming,
		State:         model.InitialState(out, false),
		Task:          model.TaskDecision,
		TopicID:       topic,
		Output:        model.OutputDocument{Output: out},
		InputSnapshot: map[string]any{"task": "decision", "scope": "timing"},
		InputsHash:    "hash-" + topic,
		LogicVersion:  "test",
		ModelTrace:    model.ModelTrace{Provider: "fake", AIUsed: true, Attempts: 1},
		ContentHash:   "v1:deadbeef",
	}
}

func TestCreateDecisionWriteOnce(t *testing.T) {
	ctx := context.Background()
	rec := newRecord("trav-write-once", "timing:kyoto", verdict(model.OutcomeBook, 0.8))

	require.NoError(t, testDB.CreateDecision(ctx, rec))

	second := rec
	second.Output = model.OutputDocument{Output: verdict(model.OutcomeDiscard, 0.3)}
	err := testDB.CreateDecision(ctx, second)
	require.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := testDB.GetDecision(ctx, rec.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeBook, got.Outcome())
	assert.Equal(t, model.StateIssued, got.State)
	assert.Equal(t, "timing:kyoto", got.TopicID)
	assert.True(t, got.ModelTrace.AIUsed)
}

func TestCreateDecisionConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	rec := newRecord("trav-race", "timing:race", verdict(model.OutcomeWait, 0.55))

	const writers = 8
	var created, dup atomic.Int32
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := testDB.CreateDecision(ctx, rec)
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, storage.ErrDuplicate):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(writers-1), dup.Load())
}

func TestDecisionRowsRejectUpdates(t *testing.T) {
	ctx := context.Background()
	rec := newRecord("trav-immutable", "timing:immutable", verdict(model.OutcomeBook, 0.9))
	require.NoError(t, testDB.CreateDecision(ctx, rec))

	_, err := testDB.Pool().Exec(ctx, `UPDATE decisions SET state = 'CLOSED' WHERE decision_id = $1`, rec.DecisionID)
	require.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM decisions WHERE decision_id = $1`, rec.DecisionID)
	require.Error(t, err)
}

func TestGetDecisionNotFound(t *testing.T) {
	_, err := testDB.GetDecision(context.Background(), "dec_missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSupersededStateIsDerived(t *testing.T) {
	ctx := context.Background()
	first := newRecord("trav-revise", "timing:lisbon", verdict(model.OutcomeWait, 0.6))
	require.NoError(t, testDB.CreateDecision(ctx, first))

	rev := newRecord("trav-revise", "timing:lisbon", &model.Revision{
		WhatChanged: "Dates are now fixed",
		Decision:    *verdict(model.OutcomeBook, 0.75),
	})
	rev.Task = model.TaskRevise
	rev.State = model.StateRevised
	rev.SupersedesDecisionID = &first.DecisionID
	require.NoError(t, testDB.CreateDecision(ctx, rev))

	got, err := testDB.GetDecision(ctx, first.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSuperseded, got.State)

	got, err = testDB.GetDecision(ctx, rev.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRevised, got.State)
	assert.Equal(t, model.OutcomeBook, got.Outcome())
}

func TestSupersedingUnknownDecision(t *testing.T) {
	rec := newRecord("trav-orphan", "timing:orphan", verdict(model.OutcomeBook, 0.8))
	missing := "dec_nope"
	rec.SupersedesDecisionID = &missing
	err := testDB.CreateDecision(context.Background(), rec)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListDecisions(t *testing.T) {
	ctx := context.Background()
	for i := range 3 {
		rec := newRecord("trav-list", "timing:porto", verdict(model.OutcomeWait, 0.5))
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, testDB.CreateDecision(ctx, rec))
	}

	byTraveler, err := testDB.ListDecisionsByTraveler(ctx, "trav-list", 10)
	require.NoError(t, err)
	require.Len(t, byTraveler, 3)
	assert.True(t, byTraveler[0].CreatedAt.After(byTraveler[2].CreatedAt), "newest first")

	limited, err := testDB.ListDecisionsByTopic(ctx, "timing:porto", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	recent, err := testDB.ListTravelerTopicDecisions(ctx, "trav-list", "timing:porto", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestReviewLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := newRecord("trav-review", "timing:oslo", verdict(model.OutcomeBook, 0.4))
	rec.Review = model.ReviewFlag{Needed: true, Reasons: []model.ReviewTrigger{model.TriggerOutcomeFlip}}
	rec.State = model.StateFlaggedForReview
	require.NoError(t, testDB.CreateDecision(ctx, rec))

	review := model.Review{
		ReviewID:   model.NewReviewID(),
		DecisionID: rec.DecisionID,
		TopicID:    rec.TopicID,
		TravelerID: rec.TravelerID,
		Triggers:   []model.ReviewTrigger{model.TriggerOutcomeFlip},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateReview(ctx, review))

	second := review
	second.ReviewID = model.NewReviewID()
	require.ErrorIs(t, testDB.CreateReview(ctx, second), storage.ErrDuplicate, "one pending review per decision")

	flagged, err := testDB.ListDecisionsNeedingReview(ctx, 500)
	require.NoError(t, err)
	assert.Contains(t, decisionIDs(flagged), rec.DecisionID)

	pending, err := testDB.ListReviews(ctx, model.ReviewPending, 500)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	resolved, err := testDB.ResolveReview(ctx, review.ReviewID, model.ReviewReviewed, "op-1", "looks fine", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.ReviewReviewed, resolved.Status)
	require.NotNil(t, resolved.Reviewer)
	assert.Equal(t, "op-1", *resolved.Reviewer)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = testDB.ResolveReview(ctx, review.ReviewID, model.ReviewDismissed, "op-2", "", time.Now().UTC())
	require.ErrorIs(t, err, storage.ErrReviewNotPending)

	_, err = testDB.ResolveReview(ctx, "rev_missing", model.ReviewDismissed, "op-2", "", time.Now().UTC())
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := testDB.GetDecision(ctx, rec.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReviewed, got.State)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	session := "sess-events"
	base := time.Now().UTC().Truncate(time.Microsecond)

	first := model.Event{
		EventID:    model.NewEventID(),
		EventType:  model.EventSessionStarted,
		SessionID:  &session,
		OccurredAt: base,
	}
	second := model.Event{
		EventID:    model.NewEventID(),
		EventType:  model.EventToolCompleted,
		SessionID:  &session,
		OccurredAt: base.Add(time.Second),
		Payload:    map[string]any{"tool": "weather"},
	}
	require.NoError(t, testDB.CreateEvent(ctx, second))
	require.NoError(t, testDB.CreateEvent(ctx, first))
	require.ErrorIs(t, testDB.CreateEvent(ctx, first), storage.ErrDuplicate)

	events, err := testDB.ListEventsBySession(ctx, session, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.EventID, events[0].EventID, "chronological order")
	assert.Equal(t, "weather", events[1].Payload["tool"])

	byType, err := testDB.ListEventsByType(ctx, model.EventToolCompleted, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, byType)

	counts, err := testDB.CountEventsSince(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[model.EventSessionStarted], 1)
}

func TestSnapshotLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	topic := "timing:snapshot-race"
	now := time.Now().UTC()

	const contenders = 12
	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := testDB.AcquireSnapshotLock(ctx, topic, "lock-"+string(rune('a'+i)), now, now.Add(30*time.Second))
			if assert.NoError(t, err) && ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}

func TestSnapshotLockRules(t *testing.T) {
	ctx := context.Background()
	topic := "timing:snapshot-rules"
	now := time.Now().UTC()

	ok, err := testDB.AcquireSnapshotLock(ctx, topic, "owner", now, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = testDB.AcquireSnapshotLock(ctx, topic, "owner", now, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "owner may refresh its own lock")

	ok, err = testDB.AcquireSnapshotLock(ctx, topic, "other", now, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = testDB.AcquireSnapshotLock(ctx, topic, "other", now.Add(time.Minute), now.Add(time.Minute+30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken over")

	snap := model.Snapshot{
		TopicID:      topic,
		InputsHash:   "h1",
		Output:       model.OutputDocument{Output: verdict(model.OutcomeBook, 0.8)},
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
		ExpiresEpoch: now.Add(96 * time.Hour).Unix(),
	}
	written, err := testDB.PutSnapshot(ctx, snap, "owner")
	require.NoError(t, err)
	assert.False(t, written, "previous owner lost the lock")

	written, err = testDB.PutSnapshot(ctx, snap, "other")
	require.NoError(t, err)
	assert.True(t, written)

	require.NoError(t, testDB.ReleaseSnapshotLock(ctx, topic, "other"))
	got, err := testDB.GetSnapshot(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.InputsHash)
	assert.Empty(t, got.LockID)
	assert.Nil(t, got.LockUntil)
	d, ok := model.Verdict(got.Output.Output)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeBook, d.Outcome)
}

func TestSnapshotReleaseDropsLockOnlyRow(t *testing.T) {
	ctx := context.Background()
	topic := "timing:lock-only"
	now := time.Now().UTC()

	ok, err := testDB.AcquireSnapshotLock(ctx, topic, "l1", now, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, testDB.ReleaseSnapshotLock(ctx, topic, "l1"))

	got, err := testDB.GetSnapshot(ctx, topic)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPurgeExpiredSnapshots(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := model.Snapshot{
		TopicID:      "timing:purge-old",
		InputsHash:   "h",
		Output:       model.OutputDocument{Output: verdict(model.OutcomeWait, 0.5)},
		CreatedAt:    now.Add(-100 * time.Hour),
		ExpiresAt:    now.Add(-76 * time.Hour),
		ExpiresEpoch: now.Add(-4 * time.Hour).Unix(),
	}
	written, err := testDB.PutSnapshot(ctx, old, "")
	require.NoError(t, err)
	require.True(t, written, "fresh row needs no lock")

	n, err := testDB.PurgeExpiredSnapshots(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetSnapshot(ctx, old.TopicID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, testDB.DeleteSnapshot(ctx, old.TopicID), "deleting a missing snapshot is not an error")
}

func TestIntegrityRowsVerify(t *testing.T) {
	ctx := context.Background()
	from := time.Now().UTC().Add(-time.Minute)
	rec := newRecord("trav-integrity", "timing:integrity", verdict(model.OutcomeSwitch, 0.7))
	require.NoError(t, testDB.CreateDecision(ctx, rec))

	rows, err := testDB.ListIntegrityRows(ctx, from, time.Now().UTC().Add(time.Minute), 500)
	require.NoError(t, err)
	var found bool
	for _, r := range rows {
		if r.Fields.DecisionID == rec.DecisionID {
			found = true
			assert.Equal(t, "switch", r.Fields.Outcome)
			assert.InDelta(t, 0.7, r.Fields.Confidence, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestScanTopicOutcomesLimit(t *testing.T) {
	ctx := context.Background()
	since := time.Now().UTC().Add(-time.Minute)
	for range 3 {
		require.NoError(t, testDB.CreateDecision(ctx, newRecord("trav-scan", "timing:scan", verdict(model.OutcomeBook, 0.8))))
	}

	_, err := testDB.ScanTopicOutcomes(ctx, since, 1)
	require.ErrorIs(t, err, storage.ErrScanLimit)

	rows, err := testDB.ScanTopicOutcomes(ctx, since, 5000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rows), 3)
}

func decisionIDs(recs []model.DecisionRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.DecisionID
	}
	return ids
}

func TestListenSurvivesBackendTermination(t *testing.T) {
	ctx := context.Background()
	db, err := storage.New(ctx, testDSN, testDSN, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close(ctx)

	require.NoError(t, db.Listen(ctx, storage.ChannelReviews))

	_, err = db.Pool().Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE application_name = 'tabi-listen'`)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err = db.WaitForNotification(waitCtx)
	require.Error(t, err, "terminated connection should surface an error")

	got := make(chan string, 1)
	go func() {
		ch, payload, err := db.WaitForNotification(waitCtx)
		if err == nil {
			got <- ch + " " + payload
		}
	}()

	// Notifications sent before the reconnect are lost, so keep sending.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-got:
			assert.Equal(t, storage.ChannelReviews+` {"review_id":"rev_reconnect"}`, msg)
			return
		case <-tick.C:
			require.NoError(t, testDB.Notify(ctx, storage.ChannelReviews, `{"review_id":"rev_reconnect"}`))
		case <-waitCtx.Done():
			t.Fatal("no notification after reconnect")
		}
	}
}

func TestRunMigrationsAppliesOnce(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{
		"900_probe.sql": {Data: []byte(`CREATE TABLE migration_probe (n INT); INSERT INTO migration_probe VALUES (1);`)},
		"README.md":     {Data: []byte("not a migration")},
	}

	require.NoError(t, testDB.RunMigrations(ctx, fsys))
	require.NoError(t, testDB.RunMigrations(ctx, fsys), "second run must skip the applied file")

	var rows int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM migration_probe`).Scan(&rows))
	assert.Equal(t, 1, rows)

	var checksum string
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT checksum FROM schema_migrations WHERE version = '900_probe.sql'`).Scan(&checksum))
	assert.Len(t, checksum, 64)

	// An edited file that already ran is left alone.
	fsys["900_probe.sql"] = &fstest.MapFile{Data: []byte(`INSERT INTO migration_probe VALUES (2);`)}
	require.NoError(t, testDB.RunMigrations(ctx, fsys))
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM migration_probe`).Scan(&rows))
	assert.Equal(t, 1, rows)
}
