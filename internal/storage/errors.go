package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when a create-if-absent write finds an existing
	// row with the same identity.
	ErrDuplicate = errors.New("storage: duplicate identity")

	// ErrReviewNotPending is returned when resolving a review that has already
	// left the pending state.
	ErrReviewNotPending = errors.New("storage: review is not pending")
)

// isForeignKeyViolation reports whether err is a Postgres 23503 error.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
