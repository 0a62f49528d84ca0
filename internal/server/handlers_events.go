package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/storage"
)

// HandleCreateEvent handles POST /v1/events. Only session, tool and payment
// events may be appended from outside. A redelivered payment event is
// accepted again without a second row.
func (h *Handlers) HandleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req, h.MaxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidEventType(req.EventType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown event_type: "+string(req.EventType))
		return
	}
	if !req.EventType.ClientWritable() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"event_type "+string(req.EventType)+" is recorded by the service")
		return
	}
	if req.EventType.IsPayment() && req.EventID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payment events require event_id")
		return
	}

	e, err := h.Recorder.Log(r.Context(), model.Event{
		EventID:    req.EventID,
		EventType:  req.EventType,
		SessionID:  optional(req.SessionID),
		DecisionID: optional(req.DecisionID),
		TravelerID: optional(req.TravelerID),
		Payload:    req.Payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, events.ErrInvalidType):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, storage.ErrDuplicate):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "event_id already recorded")
		default:
			h.writeInternalError(w, r, "failed to record event", err)
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, e)
}

// HandleListEvents handles GET /v1/events. Exactly one of session_id, type
// or decision_id selects the events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, defaultListLimit)

	var (
		evs []model.Event
		err error
	)
	switch {
	case q.Get("session_id") != "" && q.Get("type") == "" && q.Get("decision_id") == "":
		evs, err = h.DecisionSvc.SessionEvents(r.Context(), q.Get("session_id"), limit)
	case q.Get("decision_id") != "" && q.Get("type") == "" && q.Get("session_id") == "":
		evs, err = h.DecisionSvc.DecisionEvents(r.Context(), q.Get("decision_id"), limit)
	case q.Get("type") != "" && q.Get("session_id") == "" && q.Get("decision_id") == "":
		t := model.EventType(q.Get("type"))
		if !model.ValidEventType(t) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown type: "+string(t))
			return
		}
		evs, err = h.DecisionSvc.EventsByType(r.Context(), t, limit)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of session_id, type or decision_id is required")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to list events", err)
		return
	}
	writeList(w, r, evs, limit)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
