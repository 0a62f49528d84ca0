// Package health computes the operational health report: guardrail state,
// store reachability, review queue depth, recent event volume and an
// optional per-topic breakdown of recent decisions.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/storage"
)

const (
	// BreakdownMaxRows caps the rows read for the per-topic breakdown.
	BreakdownMaxRows = 5000
	// BreakdownWindow is how far back the breakdown looks.
	BreakdownWindow = 24 * time.Hour
	// BreakdownTopics caps the topics reported, busiest first.
	BreakdownTopics = 50

	pingCacheTTL = 5 * time.Second
	pingTimeout  = 3 * time.Second
	maxGaps      = 3
)

// Store is the persistence the health service reads.
type Store interface {
	Ping(ctx context.Context) error
	CountReviewsByStatus(ctx context.Context) (map[model.ReviewStatus]int, error)
	CountEventsSince(ctx context.Context, since time.Time) (map[model.EventType]int, error)
	ScanTopicOutcomes(ctx context.Context, since time.Time, maxRows int) ([]storage.TopicOutcome, error)
	ListIntegrityRows(ctx context.Context, from, to time.Time, limit int) ([]storage.IntegrityRow, error)
}

// Report is the /ops/health response body.
type Report struct {
	Status     guardrails.Level           `json:"status"`
	Guardrails guardrails.Status          `json:"guardrails"`
	Database   DatabaseStatus             `json:"database"`
	Reviews    map[model.ReviewStatus]int `json:"reviews"`
	Events     map[model.EventType]int    `json:"events_last_window"`
	Gaps       []string                   `json:"gaps"`
	Breakdown  *Breakdown                 `json:"breakdown,omitempty"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// DatabaseStatus reports store reachability.
type DatabaseStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Breakdown is per-topic decision health over BreakdownWindow. When the scan
// would exceed BreakdownMaxRows, Topics is empty and Error explains why; the
// rest of the report is unaffected.
type Breakdown struct {
	Since  time.Time     `json:"since"`
	Rows   int           `json:"rows"`
	Topics []TopicHealth `json:"topics"`
	Error  string        `json:"error,omitempty"`
}

// TopicHealth summarises one topic.
type TopicHealth struct {
	TopicID    string  `json:"topic_id"`
	Decisions  int     `json:"decisions"`
	Refused    int     `json:"refused"`
	Flagged    int     `json:"flagged"`
	RefusalPct float64 `json:"refusal_pct"`
}

// Service computes health reports.
type Service struct {
	store   Store
	tracker *guardrails.Tracker
	logger  *slog.Logger
	now     func() time.Time

	pingGroup singleflight.Group
	pingMu    sync.Mutex
	pingAt    time.Time
	pingErr   error
}

// New creates a health service.
func New(store Store, tracker *guardrails.Tracker, logger *slog.Logger) *Service {
	return &Service{store: store, tracker: tracker, logger: logger, now: time.Now}
}

// Compute builds a health report. Store failures degrade the report rather
// than failing it, since health must stay answerable while the database is
// down.
func (s *Service) Compute(ctx context.Context, breakdown bool) *Report {
	now := s.now().UTC()
	st := s.tracker.Evaluate()
	r := &Report{
		Status:     st.Level,
		Guardrails: st,
		CheckedAt:  now,
	}

	if err := s.ping(ctx); err != nil {
		r.Database = DatabaseStatus{Error: err.Error()}
		r.Status = guardrails.LevelCritical
		r.Gaps = computeGaps(st, r.Database, nil)
		return r
	}
	r.Database.Reachable = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.store.CountReviewsByStatus(gctx)
		if err != nil {
			return fmt.Errorf("health: review counts: %w", err)
		}
		r.Reviews = counts
		return nil
	})
	g.Go(func() error {
		counts, err := s.store.CountEventsSince(gctx, now.Add(-guardrails.Window))
		if err != nil {
			return fmt.Errorf("health: event counts: %w", err)
		}
		r.Events = counts
		return nil
	})
	if breakdown {
		g.Go(func() error {
			r.Breakdown = s.breakdown(gctx, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("health: count queries failed", "error", err)
		r.Database.Error = err.Error()
	}

	r.Gaps = computeGaps(st, r.Database, r.Reviews)
	return r
}

// breakdown never fails the report; scan errors are carried in the result.
func (s *Service) breakdown(ctx context.Context, now time.Time) *Breakdown {
	since := now.Add(-BreakdownWindow)
	b := &Breakdown{Since: since, Topics: []TopicHealth{}}
	rows, err := s.store.ScanTopicOutcomes(ctx, since, BreakdownMaxRows)
	if err != nil {
		if errors.Is(err, storage.ErrScanLimit) {
			b.Error = fmt.Sprintf("more than %d decisions in window; breakdown skipped", BreakdownMaxRows)
		} else {
			s.logger.Warn("health: breakdown scan failed", "error", err)
			b.Error = "breakdown scan failed"
		}
		return b
	}
	b.Rows = len(rows)
	b.Topics = summarize(rows)
	return b
}

func summarize(rows []storage.TopicOutcome) []TopicHealth {
	byTopic := make(map[string]*TopicHealth)
	for _, row := range rows {
		th, ok := byTopic[row.TopicID]
		if !ok {
			th = &TopicHealth{TopicID: row.TopicID}
			byTopic[row.TopicID] = th
		}
		th.Decisions++
		if row.State == model.StateRefused {
			th.Refused++
		}
		if row.ReviewNeeded {
			th.Flagged++
		}
	}

	out := make([]TopicHealth, 0, len(byTopic))
	for _, th := range byTopic {
		th.RefusalPct = float64(th.Refused) / float64(th.Decisions) * 100
		out = append(out, *th)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Decisions != out[j].Decisions {
			return out[i].Decisions > out[j].Decisions
		}
		return out[i].TopicID < out[j].TopicID
	})
	if len(out) > BreakdownTopics {
		out = out[:BreakdownTopics]
	}
	return out
}

// ping checks the store at most once per pingCacheTTL. Concurrent callers
// after expiry share one check.
func (s *Service) ping(ctx context.Context) error {
	s.pingMu.Lock()
	if !s.pingAt.IsZero() && s.now().Sub(s.pingAt) < pingCacheTTL {
		err := s.pingErr
		s.pingMu.Unlock()
		return err
	}
	s.pingMu.Unlock()

	// The first caller's context would be shared by every waiter.
	res, _, _ := s.pingGroup.Do("ping", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
		defer cancel()
		err := s.store.Ping(pctx)
		if err != nil {
			err = fmt.Errorf("health: database unreachable: %w", err)
		}
		s.pingMu.Lock()
		s.pingAt, s.pingErr = s.now(), err
		s.pingMu.Unlock()
		return err, nil
	})
	if res == nil {
		return nil
	}
	return res.(error)
}

// computeGaps lists the most pressing findings, most severe first.
func computeGaps(st guardrails.Status, db DatabaseStatus, reviews map[model.ReviewStatus]int) []string {
	gaps := []string{}
	if !db.Reachable {
		gaps = append(gaps, "Database is unreachable. Decisions are answered but not persisted.")
	}
	if st.InferenceCircuitOpen {
		gaps = append(gaps, fmt.Sprintf(
			"Inference circuit is open after %d consecutive failures.", st.Counters.ConsecutiveInferenceFailures))
	}
	if st.AssuranceCircuitOpen {
		gaps = append(gaps, "Assurance circuit is open. Paid artifacts are not being generated.")
	}
	if st.Counters.SchemaViolations > 0 {
		gaps = append(gaps, fmt.Sprintf(
			"%d outputs failed enforcement in the last hour.", st.Counters.SchemaViolations))
	}
	for _, spike := range st.RefusalSpikes {
		gaps = append(gaps, fmt.Sprintf(
			"Topic %s refused %d of %d requests.", spike.TopicID, spike.Refusals, spike.Decisions))
	}
	if n := reviews[model.ReviewPending]; n > 0 {
		gaps = append(gaps, fmt.Sprintf("%d reviews are pending.", n))
	}
	if len(gaps) > maxGaps {
		gaps = gaps[:maxGaps]
	}
	return gaps
}
