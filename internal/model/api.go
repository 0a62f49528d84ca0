package model

import "time"

// Field length limits for request envelopes.
const (
	MaxQuestionLen      = 4 * 1024
	MaxListItems        = 32
	MaxListItemLen      = 512
	SnapshotQuestionLen = 280
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// EvaluateResponse is the body of a successful POST /decision/evaluate.
type EvaluateResponse struct {
	DecisionID string           `json:"decision_id"`
	Output     OutputDocument   `json:"output"`
	Metadata   EvaluateMetadata `json:"metadata"`
}

// EvaluateMetadata describes how the output was produced.
type EvaluateMetadata struct {
	LogicVersion string        `json:"logic_version"`
	AIUsed       bool          `json:"ai_used"`
	RetryCount   int           `json:"retry_count"`
	Persisted    bool          `json:"persisted"`
	Cache        string        `json:"cache,omitempty"`
	State        DecisionState `json:"state"`
}

// CreateEventRequest is the body for POST /v1/events.
type CreateEventRequest struct {
	EventType  EventType      `json:"event_type"`
	SessionID  string         `json:"session_id,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	TravelerID string         `json:"traveler_id,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ResolveReviewRequest is the body for POST /v1/reviews/{id}/resolve.
type ResolveReviewRequest struct {
	Status ReviewStatus `json:"status"`
	Notes  string       `json:"notes,omitempty"`
}

// AssuranceReport is the body for POST /ops/assurance. It reports the
// outcome of a downstream artifact generator run.
type AssuranceReport struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
