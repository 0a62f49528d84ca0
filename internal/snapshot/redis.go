package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/tabi/internal/model"
)

// Each snapshot is one hash at prefix+topic. Lock fields are lock_id and
// lock_until_ms (unix milliseconds).

var acquireScript = redis.NewScript(`
local id = redis.call("HGET", KEYS[1], "lock_id")
local untilMs = tonumber(redis.call("HGET", KEYS[1], "lock_until_ms") or "0")
if id and id ~= ARGV[1] and untilMs > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "lock_id", ARGV[1], "lock_until_ms", ARGV[3])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

var putScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 and redis.call("HGET", KEYS[1], "lock_id") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1],
  "inputs_hash", ARGV[2],
  "output", ARGV[3],
  "created_at", ARGV[4],
  "expires_at", ARGV[5],
  "expires_epoch", ARGV[6])
redis.call("EXPIREAT", KEYS[1], ARGV[6])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock_id") ~= ARGV[1] then
  return 0
end
redis.call("HDEL", KEYS[1], "lock_id", "lock_until_ms")
if redis.call("HEXISTS", KEYS[1], "output") == 0 then
  redis.call("DEL", KEYS[1])
end
return 1
`)

// RedisStore keeps snapshots in Redis. Conditional writes run as Lua scripts,
// which Redis executes atomically.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix defaults to "tabi:snapshot:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tabi:snapshot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(topicID string) string { return r.prefix + topicID }

// GetSnapshot implements Store.
func (r *RedisStore) GetSnapshot(ctx context.Context, topicID string) (*model.Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key(topicID)).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", topicID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeHash(topicID, fields)
}

// AcquireSnapshotLock implements Store.
func (r *RedisStore) AcquireSnapshotLock(ctx context.Context, topicID, lockID string, now, until time.Time) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key(topicID)},
		lockID, now.UnixMilli(), until.UnixMilli(), until.Sub(now).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("snapshot: redis acquire %s: %w", topicID, err)
	}
	return n == 1, nil
}

// PutSnapshot implements Store.
func (r *RedisStore) PutSnapshot(ctx context.Context, s model.Snapshot, lockID string) (bool, error) {
	out, err := model.MarshalOutput(s.Output.Output)
	if err != nil {
		return false, fmt.Errorf("snapshot: encode output: %w", err)
	}
	n, err := putScript.Run(ctx, r.client, []string{r.key(s.TopicID)},
		lockID,
		s.InputsHash,
		string(out),
		s.CreatedAt.UTC().Format(time.RFC3339Nano),
		s.ExpiresAt.UTC().Format(time.RFC3339Nano),
		s.ExpiresEpoch,
	).Int()
	if err != nil {
		return false, fmt.Errorf("snapshot: redis put %s: %w", s.TopicID, err)
	}
	return n == 1, nil
}

// ReleaseSnapshotLock implements Store.
func (r *RedisStore) ReleaseSnapshotLock(ctx context.Context, topicID, lockID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(topicID)}, lockID).Err(); err != nil {
		return fmt.Errorf("snapshot: redis release %s: %w", topicID, err)
	}
	return nil
}

// DeleteSnapshot implements Store.
func (r *RedisStore) DeleteSnapshot(ctx context.Context, topicID string) error {
	if err := r.client.Del(ctx, r.key(topicID)).Err(); err != nil {
		return fmt.Errorf("snapshot: redis delete %s: %w", topicID, err)
	}
	return nil
}

func decodeHash(topicID string, f map[string]string) (*model.Snapshot, error) {
	s := &model.Snapshot{TopicID: topicID, InputsHash: f["inputs_hash"], LockID: f["lock_id"]}

	if raw := f["output"]; raw != "" {
		out, err := model.UnmarshalOutput([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode output for %s: %w", topicID, err)
		}
		s.Output.Output = out
	}
	var errs []error
	parseTime := func(name string, dst *time.Time) {
		if v := f[name]; v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			errs = append(errs, err)
			*dst = t
		}
	}
	parseTime("created_at", &s.CreatedAt)
	parseTime("expires_at", &s.ExpiresAt)
	if v := f["expires_epoch"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, err)
		s.ExpiresEpoch = n
	}
	if v := f["lock_until_ms"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, err)
		t := time.UnixMilli(ms).UTC()
		s.LockUntil = &t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", topicID, err)
	}
	return s, nil
}
