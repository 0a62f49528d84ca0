package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
)

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{RequestID: RequestIDFromContext(r.Context()), Timestamp: time.Now().UTC()}
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeBody(w, status, model.APIResponse{Data: data, Meta: responseMeta(r)})
}

// writeList writes one page. has_more is set when the page came back full.
func writeList[T any](w http.ResponseWriter, r *http.Request, items []T, limit int) {
	if items == nil {
		items = []T{}
	}
	writeBody(w, http.StatusOK, model.ListResponse{
		Data:    items,
		HasMore: len(items) >= limit,
		Limit:   limit,
		Meta:    responseMeta(r),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeBody(w, status, model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message, Details: details},
		Meta:  responseMeta(r),
	})
}

var (
	errBodyTooLarge = errors.New("request body too large")
	errTrailingData = errors.New("request body must contain a single JSON value")
)

// decodeJSON reads exactly one JSON value of at most maxBytes into target.
// Unknown fields are an error unless target is a *map[string]any.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if _, loose := target.(*map[string]any); !loose {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
}
