package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/tabi/internal/auth"
	"github.com/ashita-ai/tabi/internal/model"
)

// Handlers serves the API routes. Only New builds one.
type Handlers struct {
	ServerConfig
	startedAt time.Time
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.MaxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OperatorID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator_id and api_key are required")
		return
	}

	role, err := h.Operators.Authenticate(req.OperatorID, req.APIKey)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	case err != nil:
		h.Logger.Error("auth: operator key check failed", "operator_id", req.OperatorID, "error", err)
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.JWTMgr.IssueToken(req.OperatorID, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.Logger.Info("auth: token issued", "operator_id", req.OperatorID, "role", role, "ip", r.RemoteAddr)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleLiveness handles GET /health without touching any dependency.
func (h *Handlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.Logger.Error("http: "+msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
