package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
)

// KeyFunc names the caller a request is charged to. An empty key exempts
// the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id set by the server's middleware.
type RequestIDFunc func(r *http.Request) string

// Guard charges requests to per-route buckets of one Limiter. Each route
// class gets its own key space, so exhausting evaluate does not lock a
// caller out of /auth/token.
type Guard struct {
	limiter   Limiter
	key       KeyFunc
	requestID RequestIDFunc
	logger    *slog.Logger
	wait      time.Duration
}

// NewGuard builds a Guard keyed by client IP. A nil limiter admits
// everything.
func NewGuard(l Limiter, requestID RequestIDFunc, logger *slog.Logger) *Guard {
	if l == nil {
		l = NoopLimiter{}
	}
	g := &Guard{limiter: l, key: ClientIP, requestID: requestID, logger: logger, wait: time.Second}
	if ra, ok := l.(interface{ RetryAfter() time.Duration }); ok {
		g.wait = ra.RetryAfter()
	}
	return g
}

// WithKey returns a copy of g that charges requests to key(r) instead.
func (g *Guard) WithKey(key KeyFunc) *Guard {
	c := *g
	c.key = key
	return &c
}

// Wrap limits next under route class.
func (g *Guard) Wrap(class string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := g.key(r)
		if caller == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := class + ":" + caller
		ok, err := g.limiter.Allow(r.Context(), key)
		switch {
		case err != nil:
			g.logger.Warn("ratelimit: limiter failed, admitting request", "key", key, "error", err)
		case !ok:
			g.reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request) {
	var id string
	if g.requestID != nil {
		id = g.requestID(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(g.wait)))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: id, Timestamp: time.Now().UTC()},
	})
}

// ClientIP keys by the connection's remote address. X-Forwarded-For is
// client-controlled and ignored; a trusted proxy must rewrite RemoteAddr.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
