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

// CreateEvent appends e. A second insert under the same event_id is rejected
// with ErrDuplicate.
func (db *DB) CreateEvent(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(nonNilMap(e.Payload))
	if err != nil {
		return fmt.Errorf("storage: encode event payload: %w", err)
	}
	err = db.withRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO events (event_id, event_type, session_id, decision_id, traveler_id, occurred_at, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, string(e.EventType), e.SessionID, e.DecisionID, e.TravelerID, e.OccurredAt, payload,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: create event %s: %w", e.EventID, err)
	}
	return nil
}

// ListEventsByType returns events of one type, newest first.
func (db *DB) ListEventsByType(ctx context.Context, t model.EventType, limit int) ([]model.Event, error) {
	return db.listEvents(ctx, "type", `event_type = $1 ORDER BY occurred_at DESC, event_id DESC`, string(t), limit)
}

// ListEventsBySession returns a session's events in chronological order for
// replay.
func (db *DB) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]model.Event, error) {
	return db.listEvents(ctx, "session", `session_id = $1 ORDER BY occurred_at ASC, event_id ASC`, sessionID, limit)
}

// ListEventsByDecision returns a decision's events in chronological order.
func (db *DB) ListEventsByDecision(ctx context.Context, decisionID string, limit int) ([]model.Event, error) {
	return db.listEvents(ctx, "decision", `decision_id = $1 ORDER BY occurred_at ASC, event_id ASC`, decisionID, limit)
}

// CountEventsSince counts events per type that occurred at or after since.
func (db *DB) CountEventsSince(ctx context.Context, since time.Time) (map[model.EventType]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event_type, count(*) FROM events WHERE occurred_at >= $1 GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.EventType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("storage: scan event count: %w", err)
		}
		counts[model.EventType(t)] = n
	}
	return counts, rows.Err()
}

// GetEvent returns one event.
func (db *DB) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, event_type, session_id, decision_id, traveler_id, occurred_at, payload
		 FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return model.Event{}, err
	}
	if len(events) == 0 {
		return model.Event{}, fmt.Errorf("storage: event %s: %w", eventID, ErrNotFound)
	}
	return events[0], nil
}

func (db *DB) listEvents(ctx context.Context, by, whereOrder string, arg any, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, event_type, session_id, decision_id, traveler_id, occurred_at, payload
		 FROM events WHERE `+whereOrder+` LIMIT $2`, arg, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list events by %s: %w", by, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			t       string
			payload []byte
		)
		if err := rows.Scan(&e.EventID, &t, &e.SessionID, &e.DecisionID, &e.TravelerID, &e.OccurredAt, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.EventType = model.EventType(t)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: decode payload of %s: %w", e.EventID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: iterate events: %w", err)
	}
	return events, nil
}
