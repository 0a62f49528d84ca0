// Package storage is tabi's Postgres layer: a pgxpool for queries, an
// optional direct connection for LISTEN, and the decision, event, review
// and snapshot tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is safe for concurrent use. The LISTEN side is single-reader: one
// goroutine (the SSE broker) calls WaitForNotification.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyDSN    string
	notifyMu     sync.Mutex
	notifyConn   *pgx.Conn
	notifyClosed bool
	listening    []string
}

// New connects the query pool and, when notifyDSN is set, the LISTEN
// connection. notifyDSN must reach Postgres directly; transaction poolers
// drop LISTEN state between statements.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "tabi"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger, notifyDSN: notifyDSN}
	if notifyDSN != "" {
		if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	cfg.RuntimeParams["application_name"] = "tabi-listen"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool exposes the query pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// HasNotify reports whether LISTEN is available.
func (db *DB) HasNotify() bool { return db.notifyDSN != "" }

// Ping checks the query pool.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close releases the pool and the LISTEN connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()

	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	db.notifyClosed = true
	if db.notifyConn == nil {
		return
	}
	if err := db.notifyConn.Close(ctx); err != nil {
		db.logger.Warn("storage: close notify connection", "error", err)
	}
	db.notifyConn = nil
}
