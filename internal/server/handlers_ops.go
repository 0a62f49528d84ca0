package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/service/decisions"
	"github.com/ashita-ai/tabi/internal/service/health"
	"github.com/ashita-ai/tabi/internal/service/reviews"
	"github.com/ashita-ai/tabi/internal/storage"
)

// defaultIntegrityWindow applies when /ops/integrity gets no from.
const defaultIntegrityWindow = 24 * time.Hour

// HandleHealth handles GET /ops/health[?breakdown=true]. The report is always
// returned; the status is 503 only while the database is unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.HealthSvc.Compute(r.Context(), r.URL.Query().Get("breakdown") == "true")
	status := http.StatusOK
	if !report.Database.Reachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, report)
}

// integrityWindow reads ?from=&to=. to defaults to now and from to
// defaultIntegrityWindow before to.
func integrityWindow(r *http.Request) (from, to time.Time, err error) {
	end, err := queryTime(r, "to")
	if err != nil {
		return from, to, err
	}
	start, err := queryTime(r, "from")
	if err != nil {
		return from, to, err
	}
	to = time.Now().UTC()
	if end != nil {
		to = *end
	}
	from = to.Add(-defaultIntegrityWindow)
	if start != nil {
		from = *start
	}
	return from, to, nil
}

// HandleIntegrity handles GET /ops/integrity?from=&to=.
func (h *Handlers) HandleIntegrity(w http.ResponseWriter, r *http.Request) {
	from, to, err := integrityWindow(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rep, err := h.HealthSvc.VerifyIntegrity(r.Context(), from, to)
	switch {
	case errors.Is(err, health.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case err != nil:
		h.writeInternalError(w, r, "integrity check failed", err)
	default:
		writeJSON(w, r, http.StatusOK, rep)
	}
}

// HandleIntegrityProof handles GET /ops/integrity/proof?decision_id=&from=&to=.
func (h *Handlers) HandleIntegrityProof(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("decision_id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision_id is required")
		return
	}
	from, to, err := integrityWindow(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	proof, err := h.HealthSvc.ProveInclusion(r.Context(), from, to, id)
	switch {
	case errors.Is(err, health.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, health.ErrNotInWindow):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case err != nil:
		h.writeInternalError(w, r, "inclusion proof failed", err)
	default:
		writeJSON(w, r, http.StatusOK, proof)
	}
}

// HandleAssurance handles POST /ops/assurance. The artifact generator reports
// each run here so the assurance circuit tracks it.
func (h *Handlers) HandleAssurance(w http.ResponseWriter, r *http.Request) {
	var req model.AssuranceReport
	if err := decodeJSON(w, r, &req, h.MaxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.Guardrails.TrackAssuranceResult(req.Success)
	if !req.Success {
		h.Logger.Warn("ops: assurance run failed",
			"operator_id", ClaimsFromContext(r.Context()).OperatorID, "detail", req.Detail)
	}
	st := h.Guardrails.Evaluate()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"assurance_circuit_open": st.AssuranceCircuitOpen,
		"status":                 st.Level,
	})
}

// HandleInvalidateSnapshot handles DELETE /ops/snapshots/{topic}.
func (h *Handlers) HandleInvalidateSnapshot(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	operator := ClaimsFromContext(r.Context()).OperatorID
	if err := h.DecisionSvc.InvalidateSnapshot(r.Context(), topic, operator); err != nil {
		if errors.Is(err, decisions.ErrCacheDisabled) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to invalidate snapshot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListReviews handles GET /v1/reviews?status= (default pending).
func (h *Handlers) HandleListReviews(w http.ResponseWriter, r *http.Request) {
	status := model.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ReviewPending
	}
	if status != model.ReviewPending && !status.Terminal() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+string(status))
		return
	}
	limit := queryLimit(r, defaultListLimit)
	list, err := h.ReviewSvc.List(r.Context(), status, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list reviews", err)
		return
	}
	writeList(w, r, list, limit)
}

// HandleGetReview handles GET /v1/reviews/{id}.
func (h *Handlers) HandleGetReview(w http.ResponseWriter, r *http.Request) {
	rev, err := h.ReviewSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "review not found")
			return
		}
		h.writeInternalError(w, r, "failed to get review", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rev)
}

// HandleResolveReview handles POST /v1/reviews/{id}/resolve. The reviewer is
// always the authenticated operator.
func (h *Handlers) HandleResolveReview(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveReviewRequest
	if err := decodeJSON(w, r, &req, h.MaxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	operator := ClaimsFromContext(r.Context()).OperatorID

	rev, err := h.ReviewSvc.Resolve(r.Context(), r.PathValue("id"), operator, req.Status, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, reviews.ErrInvalidStatus):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "review not found")
		case errors.Is(err, storage.ErrReviewNotPending):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "review is no longer pending")
		default:
			h.writeInternalError(w, r, "failed to resolve review", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, rev)
}
