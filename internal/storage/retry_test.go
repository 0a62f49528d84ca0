package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	deadlock := &pgconn.PgError{Code: "40P01"}
	unique := &pgconn.PgError{Code: "23505"}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{"first try", []error{nil}, 1, nil},
		{"recovers from serialization failure", []error{serialization, nil}, 2, nil},
		{"recovers from deadlock", []error{deadlock, deadlock, nil}, 3, nil},
		{"gives up after attempts", []error{serialization, serialization, serialization}, 3, serialization},
		{"permanent error is not retried", []error{unique, nil}, 1, unique},
		{"wrapped transient error", []error{errors.Join(errors.New("insert"), deadlock), nil}, 2, nil},
	}
	p := retryPolicy{attempts: 3, base: time.Millisecond}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := p.do(context.Background(), func() error {
				e := tt.errs[calls]
				calls++
				return e
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retryPolicy{attempts: 10, base: time.Hour}

	calls := 0
	err := p.do(ctx, func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNotifyRejectsOversizedPayload(t *testing.T) {
	db := &DB{}
	payload := make([]byte, maxNotifyPayload+1)
	err := db.Notify(context.Background(), ChannelDecisions, string(payload))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNotifyWithoutListenConnection(t *testing.T) {
	db := &DB{}
	assert.False(t, db.HasNotify())
	assert.ErrorIs(t, db.Listen(context.Background(), ChannelDecisions), errNoNotify)
	_, _, err := db.WaitForNotification(context.Background())
	assert.ErrorIs(t, err, errNoNotify)
}
