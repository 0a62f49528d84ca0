package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tabi/internal/integrity"
	"github.com/ashita-ai/tabi/internal/model"
)

// maxListLimit bounds every list query.
const maxListLimit = 500

// decisionColumns selects a decision row plus the flags that derive its
// read-time state.
const decisionColumns = `d.decision_id, d.traveler_id, d.session_id, d.lead_id, d.created_at,
	d.decision_type, d.state, d.task, d.topic_id, d.output, d.input_snapshot, d.inputs_hash,
	d.logic_version, d.model_trace, d.review_needed, d.review_reasons, d.supersedes_decision_id,
	d.content_hash,
	EXISTS (SELECT 1 FROM decisions s WHERE s.supersedes_decision_id = d.decision_id) AS superseded,
	EXISTS (SELECT 1 FROM reviews r WHERE r.decision_id = d.decision_id AND r.status IN ('reviewed', 'resolved')) AS reviewed`

// CreateDecision inserts rec. A second insert under the same decision_id is
// rejected with ErrDuplicate and leaves the first row untouched. A
// supersedes_decision_id that names no decision yields ErrNotFound.
func (db *DB) CreateDecision(ctx context.Context, rec model.DecisionRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("storage: encode decision output: %w", err)
	}
	snapshot, err := json.Marshal(nonNilMap(rec.InputSnapshot))
	if err != nil {
		return fmt.Errorf("storage: encode input snapshot: %w", err)
	}
	trace, err := json.Marshal(rec.ModelTrace)
	if err != nil {
		return fmt.Errorf("storage: encode model trace: %w", err)
	}

	var outcome *string
	var confidence *float64
	if d, ok := model.Verdict(rec.Output.Output); ok {
		o := string(d.Outcome)
		c := d.Confidence
		outcome, confidence = &o, &c
	}
	reasons := make([]string, len(rec.Review.Reasons))
	for i, r := range rec.Review.Reasons {
		reasons[i] = string(r)
	}

	err = db.withRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO decisions (decision_id, traveler_id, session_id, lead_id, created_at,
				decision_type, state, task, topic_id, outcome, confidence, output, input_snapshot,
				inputs_hash, logic_version, model_trace, review_needed, review_reasons,
				supersedes_decision_id, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			 ON CONFLICT (decision_id) DO NOTHING`,
			rec.DecisionID, rec.TravelerID, rec.SessionID, rec.LeadID, rec.CreatedAt,
			rec.DecisionType, string(rec.State), string(rec.Task), rec.TopicID, outcome, confidence,
			output, snapshot, rec.InputsHash, rec.LogicVersion, trace, rec.Review.Needed, reasons,
			rec.SupersedesDecisionID, rec.ContentHash,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicate):
		return fmt.Errorf("storage: create decision %s: %w", rec.DecisionID, ErrDuplicate)
	case isForeignKeyViolation(err):
		return fmt.Errorf("storage: create decision %s: superseded decision: %w", rec.DecisionID, ErrNotFound)
	default:
		return fmt.Errorf("storage: create decision %s: %w", rec.DecisionID, err)
	}
}

// GetDecision returns a decision with its read-time state: SUPERSEDED when a
// later record supersedes it, REVIEWED when a human closed its review.
func (db *DB) GetDecision(ctx context.Context, decisionID string) (model.DecisionRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions d WHERE d.decision_id = $1`, decisionID)
	rec, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionRecord{}, fmt.Errorf("storage: decision %s: %w", decisionID, ErrNotFound)
		}
		return model.DecisionRecord{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return rec, nil
}

// ListDecisionsByTraveler returns a traveller's decisions, newest first.
func (db *DB) ListDecisionsByTraveler(ctx context.Context, travelerID string, limit int) ([]model.DecisionRecord, error) {
	return db.listDecisions(ctx, "traveler", `d.traveler_id = $1`, travelerID, limit)
}

// ListDecisionsBySession returns a session's decisions, newest first.
func (db *DB) ListDecisionsBySession(ctx context.Context, sessionID string, limit int) ([]model.DecisionRecord, error) {
	return db.listDecisions(ctx, "session", `d.session_id = $1`, sessionID, limit)
}

// ListDecisionsByTopic returns a topic's decisions, newest first.
func (db *DB) ListDecisionsByTopic(ctx context.Context, topicID string, limit int) ([]model.DecisionRecord, error) {
	return db.listDecisions(ctx, "topic", `d.topic_id = $1`, topicID, limit)
}

// ListDecisionsNeedingReview returns decisions flagged for review at
// creation, newest first.
func (db *DB) ListDecisionsNeedingReview(ctx context.Context, limit int) ([]model.DecisionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions d WHERE d.review_needed
		 ORDER BY d.created_at DESC, d.decision_id DESC
		 LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions needing review: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// ListTravelerTopicDecisions returns a traveller's decisions on one topic
// created at or after since, newest first.
func (db *DB) ListTravelerTopicDecisions(ctx context.Context, travelerID, topicID string, since time.Time, limit int) ([]model.DecisionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions d
		 WHERE d.traveler_id = $1 AND d.topic_id = $2 AND d.created_at >= $3
		 ORDER BY d.created_at DESC, d.decision_id DESC
		 LIMIT $4`, travelerID, topicID, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list traveler topic decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func (db *DB) listDecisions(ctx context.Context, by, where string, arg any, limit int) ([]model.DecisionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions d WHERE `+where+`
		 ORDER BY d.created_at DESC, d.decision_id DESC
		 LIMIT $2`, arg, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions by %s: %w", by, err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows pgx.Rows) ([]model.DecisionRecord, error) {
	var out []model.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDecision(row pgx.Row) (model.DecisionRecord, error) {
	var (
		rec                  model.DecisionRecord
		state, task          string
		output, snap, trace  []byte
		reasons              []string
		superseded, reviewed bool
	)
	if err := row.Scan(
		&rec.DecisionID, &rec.TravelerID, &rec.SessionID, &rec.LeadID, &rec.CreatedAt,
		&rec.DecisionType, &state, &task, &rec.TopicID, &output, &snap, &rec.InputsHash,
		&rec.LogicVersion, &trace, &rec.Review.Needed, &reasons, &rec.SupersedesDecisionID,
		&rec.ContentHash, &superseded, &reviewed,
	); err != nil {
		return model.DecisionRecord{}, err
	}
	if err := json.Unmarshal(output, &rec.Output); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("decode output of %s: %w", rec.DecisionID, err)
	}
	if err := json.Unmarshal(snap, &rec.InputSnapshot); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("decode input snapshot of %s: %w", rec.DecisionID, err)
	}
	if err := json.Unmarshal(trace, &rec.ModelTrace); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("decode model trace of %s: %w", rec.DecisionID, err)
	}
	rec.Task = model.Task(task)
	for _, r := range reasons {
		rec.Review.Reasons = append(rec.Review.Reasons, model.ReviewTrigger(r))
	}

	rec.State = model.DecisionState(state)
	switch {
	case superseded:
		rec.State = model.StateSuperseded
	case reviewed:
		rec.State = model.StateReviewed
	}
	return rec, nil
}

// IntegrityRow is a decision's stored hash with the fields it covers.
type IntegrityRow struct {
	ContentHash string
	Fields      integrity.Fields
}

// ListIntegrityRows returns decisions created in [from, to) ordered by
// decision_id, with the stored (not derived) state. At most limit+1 rows are
// read so the caller can detect truncation.
func (db *DB) ListIntegrityRows(ctx context.Context, from, to time.Time, limit int) ([]IntegrityRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT decision_id, decision_type, state, COALESCE(outcome, ''), COALESCE(confidence, -1),
		        output, inputs_hash, logic_version, created_at, content_hash
		 FROM decisions
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY decision_id
		 LIMIT $3`, from, to, limit+1)
	if err != nil {
		return nil, fmt.Errorf("storage: list integrity rows: %w", err)
	}
	defer rows.Close()

	var out []IntegrityRow
	for rows.Next() {
		var (
			r   IntegrityRow
			raw []byte
		)
		if err := rows.Scan(&r.Fields.DecisionID, &r.Fields.DecisionType, &r.Fields.State,
			&r.Fields.Outcome, &r.Fields.Confidence, &raw, &r.Fields.InputsHash,
			&r.Fields.LogicVersion, &r.Fields.CreatedAt, &r.ContentHash); err != nil {
			return nil, fmt.Errorf("storage: scan integrity row: %w", err)
		}
		// JSONB does not preserve bytes; re-encode through the typed form the
		// hash was computed over.
		var doc model.OutputDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("storage: decode output of %s: %w", r.Fields.DecisionID, err)
		}
		if r.Fields.OutputJSON, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("storage: encode output of %s: %w", r.Fields.DecisionID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopicOutcome is one row of the health breakdown scan.
type TopicOutcome struct {
	TopicID      string
	State        model.DecisionState
	ReviewNeeded bool
}

// ErrScanLimit is returned when a bounded scan would read more than its
// ceiling.
var ErrScanLimit = errors.New("storage: scan limit exceeded")

// ScanTopicOutcomes reads (topic, stored state, review flag) for decisions
// created since. It stops with ErrScanLimit after maxRows rows.
func (db *DB) ScanTopicOutcomes(ctx context.Context, since time.Time, maxRows int) ([]TopicOutcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT topic_id, state, review_needed FROM decisions
		 WHERE created_at >= $1
		 LIMIT $2`, since, maxRows+1)
	if err != nil {
		return nil, fmt.Errorf("storage: scan topic outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]TopicOutcome, 0, 64)
	for rows.Next() {
		if len(out) == maxRows {
			return nil, fmt.Errorf("storage: scan topic outcomes past %d rows: %w", maxRows, ErrScanLimit)
		}
		var t TopicOutcome
		var state string
		if err := rows.Scan(&t.TopicID, &state, &t.ReviewNeeded); err != nil {
			return nil, fmt.Errorf("storage: scan topic outcome: %w", err)
		}
		t.State = model.DecisionState(state)
		out = append(out, t)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
