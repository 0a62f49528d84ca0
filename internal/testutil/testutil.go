// Package testutil starts the throwaway Postgres that storage, server and
// MCP integration tests run against.
//
//	func TestMain(m *testing.M) {
//		tc := testutil.MustStartPostgres()
//		db, _ := tc.NewTestDB(context.Background(), testutil.TestLogger())
//		code := m.Run()
//		db.Close(context.Background())
//		tc.Terminate()
//		os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/tabi/internal/storage"
	"github.com/ashita-ai/tabi/migrations"
)

// TestContainer is a running Postgres container and its DSN.
type TestContainer struct {
	Container *postgres.PostgresContainer
	DSN       string
}

// StartPostgres launches Postgres and waits until it accepts connections.
// Postgres logs "ready" once for the init server and once for the real
// one, so the wait needs both.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	c, err := postgres.Run(ctx, "postgres:18-alpine",
		postgres.WithDatabase("tabi"),
		postgres.WithUsername("tabi"),
		postgres.WithPassword("tabi"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(context.Background())
		return nil, fmt.Errorf("testutil: postgres dsn: %w", err)
	}
	return &TestContainer{Container: c, DSN: dsn}, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the test binary
// on failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB connects to the container with LISTEN enabled and applies the
// embedded migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger logs warnings and above to stderr.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
