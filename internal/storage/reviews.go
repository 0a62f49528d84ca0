package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tabi/internal/model"
)

const reviewColumns = `review_id, decision_id, topic_id, traveler_id, triggers, status, reviewer, notes, created_at, resolved_at`

// CreateReview inserts a pending review. It returns ErrDuplicate when the
// review id exists or the decision already has a pending review.
func (db *DB) CreateReview(ctx context.Context, r model.Review) error {
	triggers := make([]string, len(r.Triggers))
	for i, t := range r.Triggers {
		triggers[i] = string(t)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO reviews (review_id, decision_id, topic_id, traveler_id, triggers, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		 ON CONFLICT DO NOTHING`,
		r.ReviewID, r.DecisionID, r.TopicID, r.TravelerID, triggers, r.CreatedAt,
	)
	switch {
	case isForeignKeyViolation(err):
		return fmt.Errorf("storage: create review for %s: %w", r.DecisionID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("storage: create review: %w", err)
	case tag.RowsAffected() == 0:
		return fmt.Errorf("storage: create review for %s: %w", r.DecisionID, ErrDuplicate)
	}
	return nil
}

// GetReview returns one review.
func (db *DB) GetReview(ctx context.Context, reviewID string) (model.Review, error) {
	r, err := scanReview(db.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE review_id = $1`, reviewID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Review{}, fmt.Errorf("storage: review %s: %w", reviewID, ErrNotFound)
	}
	if err != nil {
		return model.Review{}, fmt.Errorf("storage: get review: %w", err)
	}
	return r, nil
}

// ListReviews returns reviews in status, newest first. An empty status lists
// every review.
func (db *DB) ListReviews(ctx context.Context, status model.ReviewStatus, limit int) ([]model.Review, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+reviewColumns+` FROM reviews
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC, review_id DESC
		 LIMIT $2`, string(status), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list reviews: %w", err)
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReview moves a pending review to status. The transition is a
// conditional update: a review that already left pending yields
// ErrReviewNotPending and is not modified.
func (db *DB) ResolveReview(ctx context.Context, reviewID string, status model.ReviewStatus, reviewer, notes string, at time.Time) (model.Review, error) {
	r, err := scanReview(db.pool.QueryRow(ctx,
		`UPDATE reviews SET status = $2, reviewer = $3, notes = NULLIF($4, ''), resolved_at = $5
		 WHERE review_id = $1 AND status = 'pending'
		 RETURNING `+reviewColumns, reviewID, string(status), reviewer, notes, at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Review{}, fmt.Errorf("storage: resolve review: %w", err)
	}
	if _, err := db.GetReview(ctx, reviewID); err != nil {
		return model.Review{}, err
	}
	return model.Review{}, fmt.Errorf("storage: resolve review %s: %w", reviewID, ErrReviewNotPending)
}

// CountReviewsByStatus returns the number of reviews per status.
func (db *DB) CountReviewsByStatus(ctx context.Context) (map[model.ReviewStatus]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT status, count(*) FROM reviews GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count reviews: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ReviewStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan review count: %w", err)
		}
		counts[model.ReviewStatus(s)] = n
	}
	return counts, rows.Err()
}

func scanReview(row pgx.Row) (model.Review, error) {
	var (
		r        model.Review
		triggers []string
		status   string
	)
	if err := row.Scan(&r.ReviewID, &r.DecisionID, &r.TopicID, &r.TravelerID, &triggers, &status,
		&r.Reviewer, &r.Notes, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return model.Review{}, err
	}
	r.Status = model.ReviewStatus(status)
	for _, t := range triggers {
		r.Triggers = append(r.Triggers, model.ReviewTrigger(t))
	}
	return r, nil
}
