package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/tabi/internal/integrity"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/service/reviews"
	"github.com/ashita-ai/tabi/internal/snapshot"
	"github.com/ashita-ai/tabi/internal/storage"
)

// finish labels the output, evaluates review triggers, persists the record
// and assembles the response. Persistence failures are logged and reported
// as persisted=false; the caller still gets its answer.
func (s *Service) finish(ctx context.Context, r *run, out model.Output, tr model.ModelTrace) model.EvaluateResponse {
	env := r.env
	if d, ok := model.Verdict(out); ok {
		d.ConfidenceLabel = model.ConfidenceLabel(d.Confidence)
	}
	_, refused := model.AsRefusal(out)
	s.guardrails.TrackTopicDecision(env.Topic(), refused)

	var triggers []model.ReviewTrigger
	if s.reviews != nil {
		triggers = s.reviews.Triggers(ctx, reviews.Candidate{
			TravelerID: env.TravelerID,
			TopicID:    env.Topic(),
			Output:     out,
		})
	}

	rec := model.DecisionRecord{
		DecisionID:           model.NewDecisionID(),
		TravelerID:           model.StrPtr(env.TravelerID),
		SessionID:            model.StrPtr(env.SessionID),
		LeadID:               model.StrPtr(env.LeadID),
		CreatedAt:            s.now().UTC().Truncate(time.Microsecond),
		DecisionType:         model.ClassifyDecision(env.Task, env.Request.Question, out),
		State:                model.InitialState(out, len(triggers) > 0),
		Task:                 env.Task,
		TopicID:              env.Topic(),
		Output:               model.OutputDocument{Output: out},
		InputSnapshot:        inputSnapshot(env),
		InputsHash:           snapshot.InputsHash(env),
		LogicVersion:         s.cfg.LogicVersion,
		ModelTrace:           tr,
		Review:               model.ReviewFlag{Needed: len(triggers) > 0, Reasons: triggers},
		SupersedesDecisionID: model.StrPtr(env.SupersedesDecisionID),
	}

	r.enter(statePersisting)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	persisted := true
	if err := s.storeDecision(pctx, &rec); err != nil {
		persisted = false
		r.logger.Error("decisions: persist failed, returning unpersisted decision",
			"decision_id", rec.DecisionID, "error", err)
	} else {
		s.afterPersist(pctx, rec)
	}
	s.guardrails.TrackDecisionOutcome(!persisted || failedOutcome(out))
	r.enter(stateComplete)

	r.logger.Info("decisions: evaluated",
		"decision_id", rec.DecisionID,
		"kind", string(out.Kind()),
		"result", outcomeLabel(out),
		"state", string(rec.State),
		"ai_used", tr.AIUsed,
		"retry_count", tr.RetryCount,
		"cache", tr.Cache,
		"persisted", persisted,
	)

	return model.EvaluateResponse{
		DecisionID: rec.DecisionID,
		Output:     rec.Output,
		Metadata: model.EvaluateMetadata{
			LogicVersion: rec.LogicVersion,
			AIUsed:       tr.AIUsed,
			RetryCount:   tr.RetryCount,
			Persisted:    persisted,
			Cache:        tr.Cache,
			State:        rec.State,
		},
	}
}

// storeDecision seals rec with its content hash and writes it.
func (s *Service) storeDecision(ctx context.Context, rec *model.DecisionRecord) error {
	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("decisions: encode output: %w", err)
	}
	rec.ContentHash = integrity.ComputeContentHash(integrity.Fields{
		DecisionID:   rec.DecisionID,
		DecisionType: rec.DecisionType,
		State:        string(rec.State),
		Outcome:      string(rec.Outcome()),
		Confidence:   rec.Confidence(),
		OutputJSON:   outputJSON,
		InputsHash:   rec.InputsHash,
		LogicVersion: rec.LogicVersion,
		CreatedAt:    rec.CreatedAt,
	})
	return s.store.CreateDecision(ctx, *rec)
}

// afterPersist records the lifecycle event, queues a review when flagged and
// notifies listeners. None of these fail the request.
func (s *Service) afterPersist(ctx context.Context, rec model.DecisionRecord) {
	if rec.Refused() {
		s.LogDecisionRefused(ctx, rec)
	} else {
		s.LogDecisionIssued(ctx, rec)
	}
	if s.reviews != nil && rec.Review.Needed {
		if _, err := s.reviews.Open(ctx, rec); err != nil {
			s.logger.Warn("decisions: open review failed", "decision_id", rec.DecisionID, "error", err)
		}
	}
	s.notify(ctx, rec)
}

// LogDecisionIssued records a decision_issued event for rec.
func (s *Service) LogDecisionIssued(ctx context.Context, rec model.DecisionRecord) {
	payload := map[string]any{
		"decision_type": rec.DecisionType,
		"topic_id":      rec.TopicID,
		"kind":          string(rec.Output.Output.Kind()),
	}
	if o := rec.Outcome(); o != "" {
		payload["outcome"] = string(o)
		payload["confidence"] = rec.Confidence()
	}
	s.LogEvent(ctx, model.EventDecisionIssued, rec, payload)
}

// LogDecisionRefused records a decision_refused event for rec.
func (s *Service) LogDecisionRefused(ctx context.Context, rec model.DecisionRecord) {
	payload := map[string]any{"topic_id": rec.TopicID}
	if ref, ok := model.AsRefusal(rec.Output.Output); ok {
		payload["code"] = ref.Code
	}
	s.LogEvent(ctx, model.EventDecisionRefused, rec, payload)
}

// LogEvent records an event linked to rec. Failures are logged.
func (s *Service) LogEvent(ctx context.Context, t model.EventType, rec model.DecisionRecord, payload map[string]any) {
	if s.events == nil {
		return
	}
	id := rec.DecisionID
	if _, err := s.events.Log(ctx, model.Event{
		EventType:  t,
		SessionID:  rec.SessionID,
		DecisionID: &id,
		TravelerID: rec.TravelerID,
		Payload:    payload,
	}); err != nil {
		s.logger.Warn("decisions: log event failed", "event_type", t, "decision_id", rec.DecisionID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, rec model.DecisionRecord) {
	n := map[string]any{
		"decision_id": rec.DecisionID,
		"topic_id":    rec.TopicID,
		"state":       rec.State,
	}
	if rec.TravelerID != nil {
		n["traveler_id"] = *rec.TravelerID
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.store.Notify(ctx, storage.ChannelDecisions, string(payload)); err != nil {
		s.logger.Debug("decisions: notify failed", "decision_id", rec.DecisionID, "error", err)
	}
}

// inputSnapshot is the redacted copy of the request stored with a decision.
// Free-text facts and linkage ids are reduced to counts or left out; the
// question is truncated.
func inputSnapshot(env model.Envelope) map[string]any {
	uc := env.UserContext
	snap := map[string]any{
		"task": string(env.Task),
		"user_context": compact(map[string]any{
			"traveler_type":  uc.TravelerType,
			"budget_band":    uc.BudgetBand,
			"pace":           uc.Pace,
			"risk_tolerance": uc.RiskTolerance,
			"group_size":     uc.GroupSize,
			"dates": compact(map[string]any{
				"start":    uc.Dates.Start,
				"end":      uc.Dates.End,
				"flexible": uc.Dates.Flexible,
			}),
			"prior_decision_count": len(uc.PriorDecisionIDs),
		}),
		"request": compact(map[string]any{
			"question":     truncate(env.Request.Question, model.SnapshotQuestionLen),
			"scope":        env.Request.Scope,
			"destinations": env.Request.Destinations,
			"topic_id":     env.Topic(),
		}),
		"facts": compact(map[string]any{
			"known_count":   len(env.Facts.Known),
			"unknown_count": len(env.Facts.Unknown),
		}),
	}
	if len(env.Policy.MustRefuseIf) > 0 {
		tokens := make([]string, len(env.Policy.MustRefuseIf))
		for i, t := range env.Policy.MustRefuseIf {
			tokens[i] = string(t)
		}
		snap["policy"] = map[string]any{"must_refuse_if": tokens}
	}
	return compact(snap)
}

// compact drops zero values so the snapshot only carries what was supplied.
func compact(m map[string]any) map[string]any {
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if t == "" {
				delete(m, k)
			}
		case int:
			if t == 0 {
				delete(m, k)
			}
		case bool:
			if !t {
				delete(m, k)
			}
		case []string:
			if len(t) == 0 {
				delete(m, k)
			}
		case map[string]any:
			if len(t) == 0 {
				delete(m, k)
			}
		}
	}
	return m
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}
