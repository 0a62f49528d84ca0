// Package snapshot caches one evaluated output per topic for requests that
// carry default inputs, and coalesces concurrent evaluations of the same topic
// behind a store-arbitrated lock.
//
// The backing store's conditional write is the only mutual exclusion. Cache
// never holds an in-process mutex across requests, and infrastructure errors
// degrade to "miss" or "unavailable" rather than failing the caller.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/telemetry"
)

const (
	// TTL is how long a snapshot is served as fresh.
	TTL = 24 * time.Hour

	// LockTTL is how long a generation lock is held before it can be taken over.
	LockTTL = 30 * time.Second

	// StaleRetention is how long past expiry a snapshot stays available as a
	// degraded-path fallback before store-native eviction removes it.
	StaleRetention = 72 * time.Hour

	minRetryAfter = 250 * time.Millisecond
)

// Status is the result of a lookup.
type Status string

const (
	StatusHit    Status = "hit"
	StatusStale  Status = "stale"
	StatusLocked Status = "locked"
	StatusMiss   Status = "miss"
)

// LockStatus is the result of a lock acquisition.
type LockStatus string

const (
	LockAcquired    LockStatus = "acquired"
	LockHeld        LockStatus = "locked"
	LockUnavailable LockStatus = "unavailable"
)

// Lookup is the result of Cache.Get.
type Lookup struct {
	Status Status
	// Snapshot is set for hit and stale. For locked it is set when an expired
	// snapshot with matching inputs exists.
	Snapshot *model.Snapshot
	// RetryAfter is set for locked.
	RetryAfter time.Duration
}

// Store is a snapshot backend. Every method that changes a record must be a
// single atomic conditional write.
type Store interface {
	// GetSnapshot returns nil and no error when the topic has no record.
	GetSnapshot(ctx context.Context, topicID string) (*model.Snapshot, error)
	// AcquireSnapshotLock sets lock_id/lock_until if no lock exists, the
	// existing lock expired before now, or lockID already holds it. It creates
	// a lock-only record when the topic has none.
	AcquireSnapshotLock(ctx context.Context, topicID, lockID string, now, until time.Time) (bool, error)
	// PutSnapshot writes s only if no record exists or lockID holds the lock.
	PutSnapshot(ctx context.Context, s model.Snapshot, lockID string) (bool, error)
	// ReleaseSnapshotLock clears the lock only if lockID holds it.
	ReleaseSnapshotLock(ctx context.Context, topicID, lockID string) error
	// DeleteSnapshot removes the record unconditionally.
	DeleteSnapshot(ctx context.Context, topicID string) error
}

// Cache applies freshness, staleness and locking rules over a Store.
type Cache struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	lookups metric.Int64Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a Cache over store.
func NewCache(store Store, logger *slog.Logger, opts ...Option) *Cache {
	lookups, _ := telemetry.Meter("tabi/snapshot").Int64Counter("tabi.snapshot.lookups",
		metric.WithDescription("Snapshot cache lookups by status"),
	)
	c := &Cache{store: store, logger: logger, now: time.Now, lookups: lookups}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewLockID returns a fresh lock owner id.
func NewLockID() string { return "lock_" + uuid.NewString() }

// Get classifies the topic's snapshot for inputsHash. A snapshot produced
// from different inputs is treated as absent.
func (c *Cache) Get(ctx context.Context, topicID, inputsHash string) Lookup {
	res := c.get(ctx, topicID, inputsHash)
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	return res
}

func (c *Cache) get(ctx context.Context, topicID, inputsHash string) Lookup {
	snap, err := c.store.GetSnapshot(ctx, topicID)
	if err != nil {
		c.logger.Warn("snapshot: lookup failed, treating as miss", "topic_id", topicID, "error", err)
		return Lookup{Status: StatusMiss}
	}
	if snap == nil {
		return Lookup{Status: StatusMiss}
	}

	now := c.now()
	usable := snap.Output.Output != nil && snap.InputsHash == inputsHash
	if usable && snap.Fresh(now) {
		return Lookup{Status: StatusHit, Snapshot: snap}
	}
	if snap.Locked(now) {
		l := Lookup{Status: StatusLocked, RetryAfter: max(snap.LockUntil.Sub(now), minRetryAfter)}
		if usable {
			l.Snapshot = snap
		}
		return l
	}
	if usable {
		return Lookup{Status: StatusStale, Snapshot: snap}
	}
	return Lookup{Status: StatusMiss}
}

// AcquireLock tries to take the generation lock for topicID as lockID.
// Re-acquiring a lock already held by lockID extends it.
func (c *Cache) AcquireLock(ctx context.Context, topicID, lockID string) LockStatus {
	now := c.now()
	ok, err := c.store.AcquireSnapshotLock(ctx, topicID, lockID, now, now.Add(LockTTL))
	switch {
	case err != nil:
		c.logger.Warn("snapshot: lock unavailable, proceeding without coalescing", "topic_id", topicID, "error", err)
		return LockUnavailable
	case ok:
		return LockAcquired
	default:
		return LockHeld
	}
}

// Store writes out as the topic's fresh snapshot if lockID still holds the
// lock or no record exists. It reports whether the write happened.
func (c *Cache) Store(ctx context.Context, topicID, lockID, inputsHash string, out model.Output) bool {
	now := c.now().UTC()
	expires := now.Add(TTL)
	snap := model.Snapshot{
		TopicID:      topicID,
		InputsHash:   inputsHash,
		Output:       model.OutputDocument{Output: out},
		CreatedAt:    now,
		ExpiresAt:    expires,
		ExpiresEpoch: expires.Add(StaleRetention).Unix(),
	}
	ok, err := c.store.PutSnapshot(ctx, snap, lockID)
	if err != nil {
		c.logger.Warn("snapshot: store failed", "topic_id", topicID, "error", err)
		return false
	}
	if !ok {
		c.logger.Info("snapshot: lock lost, not overwriting", "topic_id", topicID, "lock_id", lockID)
	}
	return ok
}

// Release clears the lock if lockID still holds it.
func (c *Cache) Release(ctx context.Context, topicID, lockID string) {
	if err := c.store.ReleaseSnapshotLock(ctx, topicID, lockID); err != nil {
		c.logger.Warn("snapshot: release failed", "topic_id", topicID, "error", err)
	}
}

// Invalidate deletes the topic's snapshot and any lock on it.
func (c *Cache) Invalidate(ctx context.Context, topicID string) error {
	if err := c.store.DeleteSnapshot(ctx, topicID); err != nil {
		return fmt.Errorf("snapshot: invalidate %s: %w", topicID, err)
	}
	return nil
}
