package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisCache(t *testing.T) (*Cache, *RedisStore, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Store sets EXPIREAT from the clock, so it must track real time.
	clk := &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
	store := NewRedisStore(client, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCache(store, logger, WithClock(clk.Now)), store, clk
}

func sampleOutput() model.Output {
	return &model.Decision{
		Outcome:          model.OutcomeBook,
		Headline:         "Book the October window",
		Summary:          "Autumn colour peaks in early November.",
		Assumptions:      []model.Assumption{{ID: "a1", Text: "t", Confidence: 0.6}, {ID: "a2", Text: "u", Confidence: 0.5}},
		TradeOffs:        model.TradeOffs{Gains: []string{"colour"}, Losses: []string{"crowds"}},
		ChangeConditions: []string{"x", "y"},
		Confidence:       0.71,
		ConfidenceLabel:  "High",
	}
}

func TestCache_MissStoreHit(t *testing.T) {
	t.Parallel()
	c, _, _ := newRedisCache(t)
	ctx := context.Background()

	assert.Equal(t, StatusMiss, c.Get(ctx, "timing:kyoto", "h1").Status)

	lock := NewLockID()
	require.Equal(t, LockAcquired, c.AcquireLock(ctx, "timing:kyoto", lock))
	require.True(t, c.Store(ctx, "timing:kyoto", lock, "h1", sampleOutput()))
	c.Release(ctx, "timing:kyoto", lock)

	got := c.Get(ctx, "timing:kyoto", "h1")
	require.Equal(t, StatusHit, got.Status)
	d, ok := got.Snapshot.Output.Output.(*model.Decision)
	require.True(t, ok)
	assert.Equal(t, "Book the October window", d.Headline)
	assert.Empty(t, got.Snapshot.LockID)

	// Different inputs under the same topic never hit.
	assert.Equal(t, StatusMiss, c.Get(ctx, "timing:kyoto", "h2").Status)
}

func TestCache_StaleAfterTTL(t *testing.T) {
	t.Parallel()
	c, _, clk := newRedisCache(t)
	ctx := context.Background()

	require.True(t, c.Store(ctx, "t", "", "h", sampleOutput()))
	clk.Advance(TTL + time.Second)

	got := c.Get(ctx, "t", "h")
	assert.Equal(t, StatusStale, got.Status)
	require.NotNil(t, got.Snapshot)
}

func TestCache_LockedCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	c, _, clk := newRedisCache(t)
	ctx := context.Background()

	require.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_a"))
	clk.Advance(10 * time.Second)

	got := c.Get(ctx, "t", "h")
	assert.Equal(t, StatusLocked, got.Status)
	assert.Equal(t, 20*time.Second, got.RetryAfter)
	assert.Nil(t, got.Snapshot)
}

func TestCache_LockRules(t *testing.T) {
	t.Parallel()
	c, _, clk := newRedisCache(t)
	ctx := context.Background()

	assert.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_a"))
	assert.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_a"), "re-acquire is idempotent")
	assert.Equal(t, LockHeld, c.AcquireLock(ctx, "t", "lock_b"))

	clk.Advance(LockTTL + time.Millisecond)
	assert.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_b"), "expired lock can be taken over")

	// The previous owner lost the lock: its write and release are ignored.
	assert.False(t, c.Store(ctx, "t", "lock_a", "h", sampleOutput()))
	c.Release(ctx, "t", "lock_a")
	assert.Equal(t, LockHeld, c.AcquireLock(ctx, "t", "lock_c"))

	assert.True(t, c.Store(ctx, "t", "lock_b", "h", sampleOutput()))
	c.Release(ctx, "t", "lock_b")
	assert.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_c"))
}

func TestCache_ConcurrentAcquireMutualExclusion(t *testing.T) {
	t.Parallel()
	c, _, _ := newRedisCache(t)
	ctx := context.Background()

	const callers = 16
	results := make([]LockStatus, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.AcquireLock(ctx, "timing:kyoto", NewLockID())
		}()
	}
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r == LockAcquired {
			acquired++
		} else {
			assert.Equal(t, LockHeld, r)
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestCache_ReleaseOfLockOnlyRecordRemovesKey(t *testing.T) {
	t.Parallel()
	c, store, _ := newRedisCache(t)
	ctx := context.Background()

	require.Equal(t, LockAcquired, c.AcquireLock(ctx, "t", "lock_a"))
	c.Release(ctx, "t", "lock_a")

	snap, err := store.GetSnapshot(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()
	c, _, _ := newRedisCache(t)
	ctx := context.Background()

	require.True(t, c.Store(ctx, "t", "", "h", sampleOutput()))
	require.NoError(t, c.Invalidate(ctx, "t"))
	assert.Equal(t, StatusMiss, c.Get(ctx, "t", "h").Status)
}

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) GetSnapshot(context.Context, string) (*model.Snapshot, error) { return nil, errDown }
func (brokenStore) AcquireSnapshotLock(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, errDown
}
func (brokenStore) PutSnapshot(context.Context, model.Snapshot, string) (bool, error) {
	return false, errDown
}
func (brokenStore) ReleaseSnapshotLock(context.Context, string, string) error { return errDown }
func (brokenStore) DeleteSnapshot(context.Context, string) error              { return errDown }

func TestCache_InfrastructureErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	c := NewCache(brokenStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	assert.Equal(t, StatusMiss, c.Get(ctx, "t", "h").Status)
	assert.Equal(t, LockUnavailable, c.AcquireLock(ctx, "t", "lock_a"))
	assert.False(t, c.Store(ctx, "t", "lock_a", "h", sampleOutput()))
	c.Release(ctx, "t", "lock_a")
	assert.ErrorIs(t, c.Invalidate(ctx, "t"), errDown)
}

func defaultEnvelope() model.Envelope {
	return model.Envelope{
		Task: model.TaskDecision,
		UserContext: model.UserContext{
			TravelerType:  model.Unknown,
			BudgetBand:    model.Unknown,
			Pace:          model.Unknown,
			RiskTolerance: model.Unknown,
		},
		Request: model.Request{Question: "Is October good for Kyoto?", Scope: "timing", Destinations: []string{"Kyoto"}},
	}
}

func TestIsDefaultInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(e *model.Envelope)
		want   bool
	}{
		{"all unknown", func(*model.Envelope) {}, true},
		{"preselected values", func(e *model.Envelope) {
			e.UserContext.TravelerType = "solo"
			e.UserContext.BudgetBand = "moderate"
			e.UserContext.Pace = "moderate"
			e.UserContext.RiskTolerance = "medium"
			e.UserContext.GroupSize = 1
		}, true},
		{"linkage ids do not matter", func(e *model.Envelope) { e.TravelerID = "trav_1"; e.SessionID = "s" }, true},
		{"couple", func(e *model.Envelope) { e.UserContext.TravelerType = "couple" }, false},
		{"luxury", func(e *model.Envelope) { e.UserContext.BudgetBand = "luxury" }, false},
		{"fast pace", func(e *model.Envelope) { e.UserContext.Pace = "fast" }, false},
		{"low risk", func(e *model.Envelope) { e.UserContext.RiskTolerance = "low" }, false},
		{"dates", func(e *model.Envelope) { e.UserContext.Dates.Start = "2026-10-01" }, false},
		{"group of three", func(e *model.Envelope) { e.UserContext.GroupSize = 3 }, false},
		{"prior decisions", func(e *model.Envelope) { e.UserContext.PriorDecisionIDs = []string{"dec_1"} }, false},
		{"known facts", func(e *model.Envelope) { e.Facts.Known = []string{"has JR pass"} }, false},
		{"forbidden phrases", func(e *model.Envelope) { e.Policy.ForbiddenPhrases = []string{"must see"} }, false},
		{"revise", func(e *model.Envelope) { e.Task = model.TaskRevise }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := defaultEnvelope()
			tt.mutate(&env)
			assert.Equal(t, tt.want, IsDefaultInput(env))
		})
	}
}

func TestInputsHash(t *testing.T) {
	t.Parallel()
	a := defaultEnvelope()
	b := defaultEnvelope()
	b.Request.Question = "  is OCTOBER good   for kyoto? "
	assert.Equal(t, InputsHash(a), InputsHash(b), "case and spacing are not significant")
	assert.Len(t, InputsHash(a), 64)

	c := defaultEnvelope()
	c.Request.Destinations = []string{"Kyoto", "Osaka"}
	d := defaultEnvelope()
	d.Request.Destinations = []string{"osaka", "kyoto"}
	d.Request.TopicID = c.Topic()
	assert.Equal(t, InputsHash(c), InputsHash(d), "destination order is not significant")

	e := defaultEnvelope()
	e.Task = model.TaskTradeoff
	assert.NotEqual(t, InputsHash(a), InputsHash(e))
}
