// Package decisions runs the evaluate pipeline and answers decision queries.
//
// Both the HTTP API and the MCP server delegate to this service, so
// validation, conflict handling, model invocation, enforcement, caching,
// review flagging and persistence behave the same on every surface.
package decisions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tabi/internal/conflicts"
	"github.com/ashita-ai/tabi/internal/enforce"
	"github.com/ashita-ai/tabi/internal/evidence"
	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/inference"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/schema"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/service/reviews"
	"github.com/ashita-ai/tabi/internal/snapshot"
	"github.com/ashita-ai/tabi/internal/storage"
	"github.com/ashita-ai/tabi/internal/telemetry"
)

// Defaults for Config fields left at zero.
const (
	DefaultLoopBudget     = 2
	DefaultLockPolls      = 3
	DefaultPersistTimeout = 5 * time.Second
	DefaultLogicVersion   = "tabi-2026.10"

	maxPollWait = time.Second
)

// ErrCacheDisabled is returned by InvalidateSnapshot when no snapshot cache
// is configured.
var ErrCacheDisabled = errors.New("decisions: snapshot cache is disabled")

// Store is the persistence the decision service needs. *storage.DB
// satisfies it.
type Store interface {
	CreateDecision(ctx context.Context, rec model.DecisionRecord) error
	GetDecision(ctx context.Context, decisionID string) (model.DecisionRecord, error)
	ListDecisionsByTraveler(ctx context.Context, travelerID string, limit int) ([]model.DecisionRecord, error)
	ListDecisionsBySession(ctx context.Context, sessionID string, limit int) ([]model.DecisionRecord, error)
	ListDecisionsByTopic(ctx context.Context, topicID string, limit int) ([]model.DecisionRecord, error)
	ListDecisionsNeedingReview(ctx context.Context, limit int) ([]model.DecisionRecord, error)
	ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]model.Event, error)
	ListEventsByType(ctx context.Context, t model.EventType, limit int) ([]model.Event, error)
	ListEventsByDecision(ctx context.Context, decisionID string, limit int) ([]model.Event, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Config tunes the pipeline.
type Config struct {
	LogicVersion string
	// LoopBudget is the number of invoke-and-enforce attempts, independent of
	// the invoker's own transport retries.
	LoopBudget int
	// EvidenceLimit is passed to the retriever; non-positive uses its default.
	EvidenceLimit int
	// LockPolls is how many times a request waits on another request's
	// generation lock before generating on its own.
	LockPolls      int
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LogicVersion == "" {
		c.LogicVersion = DefaultLogicVersion
	}
	if c.LoopBudget <= 0 {
		c.LoopBudget = DefaultLoopBudget
	}
	if c.LockPolls < 0 {
		c.LockPolls = 0
	} else if c.LockPolls == 0 {
		c.LockPolls = DefaultLockPolls
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

// Deps are the collaborators of a Service. Snapshots and Reviews may be nil.
type Deps struct {
	Store      Store
	Events     *events.Recorder
	Invoker    *inference.Invoker
	Evidence   *evidence.Retriever
	Snapshots  *snapshot.Cache
	Guardrails *guardrails.Tracker
	Reviews    *reviews.Service
	Detector   *conflicts.Detector
	Enforcer   *enforce.Enforcer
	Logger     *slog.Logger
}

// Service encapsulates decision business logic shared by HTTP and MCP handlers.
type Service struct {
	store      Store
	events     *events.Recorder
	invoker    *inference.Invoker
	evidence   *evidence.Retriever
	snapshots  *snapshot.Cache
	guardrails *guardrails.Tracker
	reviews    *reviews.Service
	detector   *conflicts.Detector
	enforcer   *enforce.Enforcer
	logger     *slog.Logger
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	tracer           trace.Tracer
	evaluateDuration metric.Float64Histogram
	outcomes         metric.Int64Counter
}

// New creates a decision Service.
func New(d Deps, cfg Config) *Service {
	meter := telemetry.Meter("tabi/decisions")
	dur, _ := meter.Float64Histogram("tabi.evaluate.duration",
		metric.WithDescription("End-to-end evaluate pipeline time (ms)"),
		metric.WithUnit("ms"),
	)
	outcomes, _ := meter.Int64Counter("tabi.evaluate.outcomes",
		metric.WithDescription("Evaluate results by output kind and outcome or refusal code"),
	)
	if d.Evidence == nil {
		d.Evidence = evidence.NewRetriever(nil)
	}
	if d.Guardrails == nil {
		d.Guardrails = guardrails.New()
	}
	if d.Detector == nil {
		d.Detector = conflicts.NewDetector(nil)
	}
	if d.Enforcer == nil {
		d.Enforcer = enforce.New(nil)
	}
	return &Service{
		store:            d.Store,
		events:           d.Events,
		invoker:          d.Invoker,
		evidence:         d.Evidence,
		snapshots:        d.Snapshots,
		guardrails:       d.Guardrails,
		reviews:          d.Reviews,
		detector:         d.Detector,
		enforcer:         d.Enforcer,
		logger:           d.Logger,
		cfg:              cfg.withDefaults(),
		now:              time.Now,
		sleep:            sleepCtx,
		tracer:           telemetry.Tracer("tabi/decisions"),
		evaluateDuration: dur,
		outcomes:         outcomes,
	}
}

// LogicVersion returns the version stamped on new records.
func (s *Service) LogicVersion() string { return s.cfg.LogicVersion }

// pipeline states.
type state string

const (
	stateValidating       state = "VALIDATING"
	stateConflictCheck    state = "CONFLICT_CHECK"
	stateRefusedImmediate state = "REFUSED_IMMEDIATE"
	stateInvoking         state = "INVOKING"
	stateEnforcing        state = "ENFORCING"
	stateRetryInvoke      state = "RETRY_INVOKE"
	stateDone             state = "DONE"
	statePersisting       state = "PERSISTING"
	stateComplete         state = "COMPLETE"
)

// run carries per-request pipeline state.
type run struct {
	env    model.Envelope
	span   trace.Span
	logger *slog.Logger
	states []state
}

func (r *run) enter(st state) {
	r.states = append(r.states, st)
	r.span.AddEvent(string(st))
	r.logger.Debug("decisions: state", "state", string(st))
}

// Evaluate runs the pipeline for one raw request body. The only errors it
// returns are *schema.ValidationError for structurally invalid requests and
// errors decoding a structurally valid one; every other path ends in a
// decision or a refusal.
func (s *Service) Evaluate(ctx context.Context, raw map[string]any) (model.EvaluateResponse, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "decisions.evaluate")
	defer span.End()

	r := &run{span: span, logger: s.logger}
	r.enter(stateValidating)
	env, err := schema.Decode(raw)
	if err == nil {
		err = s.checkSupersedes(ctx, env)
	}
	if err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return model.EvaluateResponse{}, err
	}
	r.env = env
	r.logger = s.logger.With("topic_id", env.Topic(), "task", string(env.Task))
	span.SetAttributes(
		attribute.String("tabi.task", string(env.Task)),
		attribute.String("tabi.topic_id", env.Topic()),
	)

	out, tr := s.decide(ctx, r)
	resp := s.finish(ctx, r, out, tr)

	s.evaluateDuration.Record(ctx, float64(s.now().Sub(start).Milliseconds()))
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(out.Kind())),
		attribute.String("result", outcomeLabel(out)),
	))
	span.SetAttributes(attribute.String("tabi.outcome", outcomeLabel(out)))
	return resp, nil
}

// checkSupersedes rejects a revision that names a decision the store has
// never seen. Lookup failures other than not-found let the request through;
// persistence reports them later.
func (s *Service) checkSupersedes(ctx context.Context, env model.Envelope) error {
	if env.SupersedesDecisionID == "" {
		return nil
	}
	_, err := s.store.GetDecision(ctx, env.SupersedesDecisionID)
	if errors.Is(err, storage.ErrNotFound) {
		return &schema.ValidationError{Fields: []model.FieldError{{
			Field:   "supersedes_decision_id",
			Message: "no decision with this id",
		}}}
	}
	if err != nil {
		s.logger.Warn("decisions: supersedes lookup failed", "decision_id", env.SupersedesDecisionID, "error", err)
	}
	return nil
}

// decide produces the output for a validated request.
func (s *Service) decide(ctx context.Context, r *run) (model.Output, model.ModelTrace) {
	env := r.env
	r.enter(stateConflictCheck)
	found := s.detector.Detect(env)
	if blocking := conflicts.MustRefuse(env, found); len(blocking) > 0 {
		r.enter(stateRefusedImmediate)
		r.logger.Info("decisions: refused before invocation", "conflicts", conflicts.Tokens(blocking))
		return conflicts.Refusal(blocking), model.ModelTrace{}
	}

	c := s.openCache(ctx, env)
	defer c.release(ctx)
	if c.served != nil {
		return c.served.Output.Output, model.ModelTrace{Cache: c.status}
	}

	if c.fallback != nil && s.guardrails.IsInferenceCircuitOpen() {
		r.logger.Warn("decisions: inference circuit open, serving stale snapshot")
		return c.fallback.Output.Output, model.ModelTrace{Cache: string(snapshot.StatusStale)}
	}

	out, tr, result := s.invokeLoop(ctx, r, conflicts.Tokens(found))
	tr.Cache = c.status
	switch result {
	case loopDegraded:
		if c.fallback != nil {
			r.logger.Warn("decisions: model unavailable, serving stale snapshot")
			tr.Cache = string(snapshot.StatusStale)
			return c.fallback.Output.Output, tr
		}
	case loopPassed:
		if _, refused := model.AsRefusal(out); !refused {
			c.store(ctx, out)
		}
	}
	return out, tr
}

type loopResult int

const (
	loopPassed loopResult = iota
	loopExhausted
	loopDegraded
)

// invokeLoop invokes the model and enforces its output, re-prompting with a
// corrective instruction until an output passes or the budget is spent.
func (s *Service) invokeLoop(ctx context.Context, r *run, tokens []model.ConflictToken) (model.Output, model.ModelTrace, loopResult) {
	env := r.env
	cards := s.evidence.Retrieve(env.Topic(), evidence.InferTags(env), s.cfg.EvidenceLimit)
	in := inference.PromptInput{
		Envelope:  env,
		Evidence:  evidence.Format(cards),
		Conflicts: tokens,
	}

	var (
		tr       model.ModelTrace
		lastErrs []model.FieldError
	)
	for attempt := 0; attempt < s.cfg.LoopBudget; attempt++ {
		if attempt > 0 {
			r.enter(stateRetryInvoke)
			tr.RetryCount++
		}
		r.enter(stateInvoking)
		inv := s.invoker.Invoke(ctx, in)
		tr.Provider, tr.ModelID = inv.Provider, inv.ModelID
		tr.Attempts += inv.Attempts
		tr.RetryCount += inv.Retries
		tr.InputTokens += inv.InputTokens
		tr.OutputTokens += inv.OutputTokens
		tr.LatencyMS += inv.Latency.Milliseconds()
		s.guardrails.TrackInferenceResult(!inv.Degraded)

		if inv.Degraded {
			r.logger.Warn("decisions: invoker degraded", "attempt", attempt+1, "last_error", inv.LastError)
			return inv.Output, tr, loopDegraded
		}

		r.enter(stateEnforcing)
		res := s.enforcer.Check(env.Task, inv.Output, env.Policy.ForbiddenPhrases)
		if res.Pass {
			r.enter(stateDone)
			tr.AIUsed = true
			return inv.Output, tr, loopPassed
		}
		lastErrs = res.Errors
		r.logger.Info("decisions: output rejected by enforcement", "attempt", attempt+1, "problems", len(res.Errors))
		in.Corrective = enforce.CorrectiveInstruction(res.Errors)
	}

	s.guardrails.TrackSchemaViolation()
	r.logger.Error("decisions: enforcement budget exhausted", "attempts", s.cfg.LoopBudget, "problems", len(lastErrs))
	return validationRefusal(lastErrs), tr, loopExhausted
}

// validationRefusal is returned when no model output passed enforcement.
func validationRefusal(errs []model.FieldError) *model.Refusal {
	var items []string
	seen := make(map[string]bool)
	for _, e := range errs {
		if len(items) == 5 {
			break
		}
		if !seen[e.Field] {
			seen[e.Field] = true
			items = append(items, "invalid field: "+e.Field)
		}
	}
	for _, filler := range []string{"validated model output", "answer within quality rules"} {
		if len(items) >= 2 {
			break
		}
		items = append(items, filler)
	}
	return &model.Refusal{
		Code:                 model.RefusalInternalValidation,
		Reason:               "The reasoning model's answers did not meet the service's quality rules, so no verdict was issued.",
		MissingOrConflicting: items,
		SafeNextStep:         "Ask again, ideally with travel dates and budget so the answer can be more specific.",
	}
}

// cacheRun is the snapshot state of one request.
type cacheRun struct {
	cache    *snapshot.Cache
	topic    string
	hash     string
	lockID   string
	status   string
	served   *model.Snapshot
	fallback *model.Snapshot
}

const cacheBypass = "bypass"

// openCache looks up the topic snapshot for default-input requests. A hit is
// served directly. On a miss or stale entry the request tries to become the
// topic's generator; when another request holds the lock it waits up to
// LockPolls times for that request's result and then generates without
// coalescing.
func (s *Service) openCache(ctx context.Context, env model.Envelope) *cacheRun {
	c := &cacheRun{cache: s.snapshots, topic: env.Topic()}
	if s.snapshots == nil {
		return c
	}
	if !snapshot.IsDefaultInput(env) {
		c.status = cacheBypass
		return c
	}
	c.hash = snapshot.InputsHash(env)

	polls := 0
	for {
		lookup := s.snapshots.Get(ctx, c.topic, c.hash)
		switch lookup.Status {
		case snapshot.StatusHit:
			c.status, c.served = string(snapshot.StatusHit), lookup.Snapshot
			return c
		case snapshot.StatusLocked:
			if lookup.Snapshot != nil {
				c.fallback = lookup.Snapshot
			}
			if polls >= s.cfg.LockPolls || s.sleep(ctx, min(lookup.RetryAfter, maxPollWait)) != nil {
				c.status = string(snapshot.StatusLocked)
				return c
			}
			polls++
			continue
		case snapshot.StatusStale:
			c.fallback = lookup.Snapshot
		}
		c.status = string(lookup.Status)

		lockID := snapshot.NewLockID()
		switch s.snapshots.AcquireLock(ctx, c.topic, lockID) {
		case snapshot.LockAcquired:
			c.lockID = lockID
			return c
		case snapshot.LockHeld:
			if polls >= s.cfg.LockPolls {
				c.status = string(snapshot.StatusLocked)
				return c
			}
			polls++
		default:
			return c
		}
	}
}

func (c *cacheRun) store(ctx context.Context, out model.Output) {
	if c.lockID == "" {
		return
	}
	c.cache.Store(ctx, c.topic, c.lockID, c.hash, out)
}

func (c *cacheRun) release(ctx context.Context) {
	if c.lockID == "" {
		return
	}
	c.cache.Release(context.WithoutCancel(ctx), c.topic, c.lockID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcomeLabel is the verdict outcome, the refusal code or the output kind.
func outcomeLabel(out model.Output) string {
	if d, ok := model.Verdict(out); ok {
		return string(d.Outcome)
	}
	if ref, ok := model.AsRefusal(out); ok {
		return ref.Code
	}
	return string(out.Kind())
}

// failedOutcome reports whether out is a fallback refusal rather than an
// answer.
func failedOutcome(out model.Output) bool {
	ref, ok := model.AsRefusal(out)
	return ok && (ref.Code == model.RefusalServiceDegraded || ref.Code == model.RefusalInternalValidation)
}

// Get returns one decision with its read-time state.
func (s *Service) Get(ctx context.Context, decisionID string) (model.DecisionRecord, error) {
	return s.store.GetDecision(ctx, decisionID)
}

// ListByTraveler returns a traveller's decisions, newest first.
func (s *Service) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]model.DecisionRecord, error) {
	return s.store.ListDecisionsByTraveler(ctx, travelerID, limit)
}

// ListBySession returns a session's decisions, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.DecisionRecord, error) {
	return s.store.ListDecisionsBySession(ctx, sessionID, limit)
}

// ListByTopic returns a topic's decisions, newest first.
func (s *Service) ListByTopic(ctx context.Context, topicID string, limit int) ([]model.DecisionRecord, error) {
	return s.store.ListDecisionsByTopic(ctx, topicID, limit)
}

// ListNeedingReview returns decisions flagged at creation, newest first.
func (s *Service) ListNeedingReview(ctx context.Context, limit int) ([]model.DecisionRecord, error) {
	return s.store.ListDecisionsNeedingReview(ctx, limit)
}

// SessionEvents returns a session's events in chronological order.
func (s *Service) SessionEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error) {
	return s.store.ListEventsBySession(ctx, sessionID, limit)
}

// EventsByType returns events of one type, newest first.
func (s *Service) EventsByType(ctx context.Context, t model.EventType, limit int) ([]model.Event, error) {
	return s.store.ListEventsByType(ctx, t, limit)
}

// DecisionEvents returns a decision's events in chronological order.
func (s *Service) DecisionEvents(ctx context.Context, decisionID string, limit int) ([]model.Event, error) {
	return s.store.ListEventsByDecision(ctx, decisionID, limit)
}

// InvalidateSnapshot drops the topic snapshot and records the invalidation.
func (s *Service) InvalidateSnapshot(ctx context.Context, topicID, operator string) error {
	if s.snapshots == nil {
		return ErrCacheDisabled
	}
	if err := s.snapshots.Invalidate(ctx, topicID); err != nil {
		return err
	}
	if _, err := s.events.Log(ctx, model.Event{
		EventType: model.EventSnapshotInvalidated,
		Payload:   map[string]any{"topic_id": topicID, "operator": operator},
	}); err != nil {
		s.logger.Warn("decisions: log snapshot invalidation failed", "topic_id", topicID, "error", err)
	}
	return nil
}
