package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/auth"
	"github.com/ashita-ai/tabi/internal/model"
)

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.Meta.RequestID)
}

func TestRecoveryMiddleware_AbortHandlerPropagates(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	})
}

func TestRequestIDMiddleware_RejectsOversizedID(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Len(t, seen, 36, "an oversized id is replaced with a UUID")
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestAuthAndRequireRole(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)
	opToken, _, err := jwtMgr.IssueToken("ops-1", auth.RoleOperator)
	require.NoError(t, err)
	auditToken, _, err := jwtMgr.IssueToken("audit-1", auth.RoleAuditor)
	require.NoError(t, err)

	var gotOperator string
	protected := requireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = ClaimsFromContext(r.Context()).OperatorID
		w.WriteHeader(http.StatusNoContent)
	}))
	h := authMiddleware(jwtMgr, protected)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + opToken, http.StatusUnauthorized},
		{"bad token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"wrong role", "Bearer " + auditToken, http.StatusForbidden},
		{"operator", "Bearer " + opToken, http.StatusNoContent},
		{"lowercase scheme", "bearer " + opToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, "ops-1", gotOperator)
}

func TestDecodeJSON(t *testing.T) {
	type target struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name     string
		body     string
		max      int64
		wantErr  bool
		tooLarge bool
	}{
		{name: "valid", body: `{"name":"x"}`, max: 1024},
		{name: "unknown field", body: `{"name":"x","extra":1}`, max: 1024, wantErr: true},
		{name: "trailing value", body: `{"name":"x"}{"name":"y"}`, max: 1024, wantErr: true},
		{name: "trailing whitespace", body: "{\"name\":\"x\"}\n  ", max: 1024},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", 200) + `"}`, max: 64, wantErr: true, tooLarge: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body))
			var got target
			err := decodeJSON(httptest.NewRecorder(), req, &got, tt.max)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "x", got.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.tooLarge, err == errBodyTooLarge)
		})
	}
}

func TestDecodeJSON_MapAcceptsAnyField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"anything":{"nested":true}}`))
	var got map[string]any
	require.NoError(t, decodeJSON(httptest.NewRecorder(), req, &got, 1024))
	assert.Contains(t, got, "anything")
}

func TestWriteList_HasMore(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	rec := httptest.NewRecorder()
	writeList(rec, req, []int{1, 2}, 2)
	var full model.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	assert.True(t, full.HasMore)

	rec = httptest.NewRecorder()
	writeList[int](rec, req, nil, 2)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
	assert.Contains(t, rec.Body.String(), `"has_more":false`)
}

func TestMuxRoutes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/decisions/{id}", func(http.ResponseWriter, *http.Request) {})
	route := muxRoutes(mux)

	assert.Equal(t, "GET /v1/decisions/{id}", route(httptest.NewRequest(http.MethodGet, "/v1/decisions/dec_1", nil)))
	assert.Equal(t, "GET /v1/decisions/{id}", route(httptest.NewRequest(http.MethodGet, "/v1/decisions/dec_2", nil)),
		"ids must not leak into the route label")
	assert.Equal(t, "unmatched", route(httptest.NewRequest(http.MethodGet, "/nope", nil)))
}

func TestLoggingMiddleware_RecordsOperatorAndStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)
	token, _, err := jwtMgr.IssueToken("ops-7", auth.RoleOperator)
	require.NoError(t, err)

	h := loggingMiddleware(logger, authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(buf.String()), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.InDelta(t, http.StatusTeapot, line["status"], 0)
	assert.Equal(t, "ops-7", line["operator_id"])
}
