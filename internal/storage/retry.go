package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// writeRetry is the policy for appends that can lose a serialization or
// deadlock race with a concurrent writer.
var writeRetry = retryPolicy{attempts: 4, base: 20 * time.Millisecond}

// retryPolicy runs a write up to attempts times, sleeping base, 2*base, ...
// plus up to the same again in jitter between tries.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.base
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !transient(err) || attempt >= p.attempts {
			return err
		}
		//nolint:gosec // jitter only spreads retries
		wait := delay + time.Duration(rand.Int64N(int64(delay)))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

// transient matches serialization_failure and deadlock_detected.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func (db *DB) withRetry(ctx context.Context, fn func() error) error {
	return writeRetry.do(ctx, fn)
}
