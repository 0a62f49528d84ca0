package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// LISTEN/NOTIFY channels.
const (
	ChannelDecisions = "tabi_decisions"
	ChannelReviews   = "tabi_reviews"
)

// maxNotifyPayload is Postgres's NOTIFY payload limit less one byte.
const maxNotifyPayload = 7999

var (
	errNoNotify     = errors.New("storage: notify connection not configured")
	errNotifyClosed = errors.New("storage: notify connection closed")

	// ErrPayloadTooLarge is returned by Notify for payloads Postgres would
	// reject.
	ErrPayloadTooLarge = errors.New("storage: notify payload too large")
)

// Listen subscribes the LISTEN connection to channel. Channels are
// remembered and re-subscribed after a reconnect.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if !db.HasNotify() {
		return errNoNotify
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	conn, err := db.notifyConnLocked(ctx)
	if err != nil {
		return err
	}
	if err := listen(ctx, conn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.listening, channel) {
		db.listening = append(db.listening, channel)
	}
	return nil
}

// WaitForNotification blocks for the next notification on any listened
// channel. After a connection failure it returns the error; the next call
// reconnects and listens again. Notifications sent while disconnected are
// lost.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if !db.HasNotify() {
		return "", "", errNoNotify
	}
	db.notifyMu.Lock()
	conn, err := db.notifyConnLocked(ctx)
	db.notifyMu.Unlock()
	if err != nil {
		return "", "", err
	}

	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() == nil && conn.IsClosed() {
			db.dropNotifyConn(conn)
		}
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the query pool, so writers
// need no LISTEN connection.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), channel)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyConnLocked returns the live LISTEN connection, dialing a new one
// and replaying LISTEN for every remembered channel if the last one died.
// Caller holds notifyMu.
func (db *DB) notifyConnLocked(ctx context.Context) (*pgx.Conn, error) {
	if db.notifyClosed {
		return nil, errNotifyClosed
	}
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return db.notifyConn, nil
	}
	conn, err := connectNotify(ctx, db.notifyDSN)
	if err != nil {
		return nil, err
	}
	for _, ch := range db.listening {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
	}
	if len(db.listening) > 0 {
		db.logger.Info("storage: notify connection re-established", "channels", db.listening)
	}
	db.notifyConn = conn
	return conn, nil
}

func (db *DB) dropNotifyConn(conn *pgx.Conn) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == conn {
		db.logger.Warn("storage: notify connection lost")
		db.notifyConn = nil
	}
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}
