// Package events records append-only events. Both the HTTP API and the
// decision pipeline write through a Recorder so storage, duplicate handling
// and bus fan-out behave the same everywhere.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tabi/internal/eventbus"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/storage"
)

// ErrInvalidType is returned for an event type outside model.EventTypes.
var ErrInvalidType = errors.New("events: unknown event type")

// Store is the persistence the Recorder needs.
type Store interface {
	CreateEvent(ctx context.Context, e model.Event) error
}

// Recorder stores events and publishes them to the bus.
type Recorder struct {
	store     Store
	publisher eventbus.Publisher
	logger    *slog.Logger
	now       func() time.Time

	inflight sync.WaitGroup
}

// NewRecorder creates a Recorder. A nil publisher disables fan-out.
func NewRecorder(store Store, publisher eventbus.Publisher, logger *slog.Logger) *Recorder {
	if publisher == nil {
		publisher = eventbus.Nop{}
	}
	return &Recorder{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Log stores e, filling in a missing id and timestamp, and returns the stored
// event. A duplicate of a payment-family event is reported as success because
// payment providers redeliver webhooks; any other duplicate is an error.
func (r *Recorder) Log(ctx context.Context, e model.Event) (model.Event, error) {
	if !model.ValidEventType(e.EventType) {
		return model.Event{}, fmt.Errorf("%w: %q", ErrInvalidType, e.EventType)
	}
	if e.EventID == "" {
		e.EventID = model.NewEventID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}

	if err := r.store.CreateEvent(ctx, e); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && e.EventType.IsPayment() {
			r.logger.Info("events: duplicate payment event ignored", "event_id", e.EventID, "event_type", e.EventType)
			return e, nil
		}
		return model.Event{}, fmt.Errorf("events: log %s: %w", e.EventType, err)
	}

	r.publish(ctx, e)
	return e, nil
}

// publish hands e to the bus without blocking the caller. Failures are
// logged; the stored row is the record of truth.
func (r *Recorder) publish(ctx context.Context, e model.Event) {
	if _, ok := r.publisher.(eventbus.Nop); ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.publisher.Publish(ctx, e); err != nil {
			r.logger.Warn("events: publish failed", "event_id", e.EventID, "event_type", e.EventType, "error", err)
		}
	}()
}

// Drain waits for in-flight publishes to finish or ctx to end.
func (r *Recorder) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
