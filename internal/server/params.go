package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// maxQueryLimit caps ?limit= on list routes.
const maxQueryLimit = 500

// queryLimit reads ?limit=, falling back to def when absent or not a
// number, and clamps the result to [1, maxQueryLimit].
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		n = def
	}
	return min(max(n, 1), maxQueryLimit)
}

// queryTime reads an optional RFC 3339 timestamp.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: want RFC 3339, e.g. 2026-01-01T00:00:00Z", key)
	}
	return &t, nil
}
