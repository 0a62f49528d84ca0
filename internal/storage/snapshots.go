package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tabi/internal/model"
)

// The methods below implement snapshot.Store. Each write is one statement
// whose WHERE clause is the compare-and-swap condition; Postgres row locking
// arbitrates concurrent callers.

// GetSnapshot returns the topic's snapshot, or nil when none exists.
func (db *DB) GetSnapshot(ctx context.Context, topicID string) (*model.Snapshot, error) {
	var (
		s                    model.Snapshot
		inputsHash, lockID   *string
		output               []byte
		createdAt, expiresAt *time.Time
		expiresEpoch         *int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT topic_id, inputs_hash, output, created_at, expires_at, expires_epoch, lock_id, lock_until
		 FROM snapshots WHERE topic_id = $1`, topicID,
	).Scan(&s.TopicID, &inputsHash, &output, &createdAt, &expiresAt, &expiresEpoch, &lockID, &s.LockUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get snapshot: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &s.Output); err != nil {
			return nil, fmt.Errorf("storage: decode snapshot output for %s: %w", topicID, err)
		}
	}
	if inputsHash != nil {
		s.InputsHash = *inputsHash
	}
	if lockID != nil {
		s.LockID = *lockID
	}
	if createdAt != nil {
		s.CreatedAt = *createdAt
	}
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	if expiresEpoch != nil {
		s.ExpiresEpoch = *expiresEpoch
	}
	return &s, nil
}

// AcquireSnapshotLock takes the topic's lock if it is free, expired before
// now, or already held by lockID.
func (db *DB) AcquireSnapshotLock(ctx context.Context, topicID, lockID string, now, until time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO snapshots (topic_id, lock_id, lock_until) VALUES ($1, $2, $3)
		 ON CONFLICT (topic_id) DO UPDATE SET lock_id = EXCLUDED.lock_id, lock_until = EXCLUDED.lock_until
		 WHERE snapshots.lock_id IS NULL
		    OR snapshots.lock_until IS NULL
		    OR snapshots.lock_until <= $4
		    OR snapshots.lock_id = EXCLUDED.lock_id`,
		topicID, lockID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("storage: acquire snapshot lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PutSnapshot writes s if no row exists for the topic or lockID holds its
// lock. The lock fields are left as they are.
func (db *DB) PutSnapshot(ctx context.Context, s model.Snapshot, lockID string) (bool, error) {
	output, err := json.Marshal(s.Output)
	if err != nil {
		return false, fmt.Errorf("storage: encode snapshot output: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO snapshots (topic_id, inputs_hash, output, created_at, expires_at, expires_epoch)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (topic_id) DO UPDATE SET
		     inputs_hash = EXCLUDED.inputs_hash,
		     output = EXCLUDED.output,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at,
		     expires_epoch = EXCLUDED.expires_epoch
		 WHERE snapshots.lock_id = $7`,
		s.TopicID, s.InputsHash, output, s.CreatedAt, s.ExpiresAt, s.ExpiresEpoch, lockID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: put snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSnapshotLock clears the lock if lockID holds it, and removes rows
// that only ever held a lock.
func (db *DB) ReleaseSnapshotLock(ctx context.Context, topicID, lockID string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE snapshots SET lock_id = NULL, lock_until = NULL
			 WHERE topic_id = $1 AND lock_id = $2`, topicID, lockID); err != nil {
			return fmt.Errorf("storage: release snapshot lock: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM snapshots WHERE topic_id = $1 AND output IS NULL AND lock_id IS NULL`, topicID); err != nil {
			return fmt.Errorf("storage: drop empty snapshot: %w", err)
		}
		return nil
	})
}

// DeleteSnapshot removes the topic's snapshot and lock.
func (db *DB) DeleteSnapshot(ctx context.Context, topicID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM snapshots WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("storage: delete snapshot: %w", err)
	}
	return nil
}

// PurgeExpiredSnapshots deletes unlocked snapshots whose expires_epoch is
// before now. It plays the role of a store-native TTL.
func (db *DB) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM snapshots
		 WHERE expires_epoch < $1 AND (lock_until IS NULL OR lock_until <= $2)`,
		now.Unix(), now)
	if err != nil {
		return 0, fmt.Errorf("storage: purge expired snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
