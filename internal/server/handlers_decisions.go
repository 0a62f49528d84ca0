package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/schema"
	"github.com/ashita-ai/tabi/internal/storage"
)

const defaultListLimit = 50

// HandleEvaluate handles POST /decision/evaluate. Every pipeline outcome,
// refusals included, is a 200; only malformed requests get a 400.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decodeJSON(w, r, &raw, h.MaxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if raw == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body must be a JSON object")
		return
	}

	ctx := r.Context()
	if h.EvaluateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.EvaluateTimeout)
		defer cancel()
	}

	resp, err := h.DecisionSvc.Evaluate(ctx, raw)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"request envelope failed validation", verr.Fields)
			return
		}
		h.writeInternalError(w, r, "evaluate failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleGetDecision handles GET /v1/decisions/{id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := h.DecisionSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to get decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleListDecisions handles GET /v1/decisions. Exactly one of traveler_id,
// topic_id, session_id or needs_review=true selects the decisions.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, defaultListLimit)

	var (
		recs    []model.DecisionRecord
		err     error
		filters int
	)
	for _, k := range []string{"traveler_id", "topic_id", "session_id", "needs_review"} {
		if q.Get(k) != "" {
			filters++
		}
	}
	if filters != 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of traveler_id, topic_id, session_id or needs_review is required")
		return
	}

	switch {
	case q.Get("traveler_id") != "":
		recs, err = h.DecisionSvc.ListByTraveler(r.Context(), q.Get("traveler_id"), limit)
	case q.Get("topic_id") != "":
		recs, err = h.DecisionSvc.ListByTopic(r.Context(), q.Get("topic_id"), limit)
	case q.Get("session_id") != "":
		recs, err = h.DecisionSvc.ListBySession(r.Context(), q.Get("session_id"), limit)
	default:
		if q.Get("needs_review") != "true" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "needs_review only accepts true")
			return
		}
		recs, err = h.DecisionSvc.ListNeedingReview(r.Context(), limit)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to list decisions", err)
		return
	}
	writeList(w, r, recs, limit)
}
