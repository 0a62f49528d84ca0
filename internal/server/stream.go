package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
)

// streamKeepalive is the comment-line interval that keeps proxies from
// closing an idle event stream.
const streamKeepalive = 15 * time.Second

// HandleSubscribe handles GET /v1/subscribe. Optional topic_id and
// traveler_id narrow the stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.Broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream unavailable: no LISTEN connection configured")
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.Logger.Warn("stream: flush unsupported", "error", err)
		return
	}
	// The server's WriteTimeout would otherwise cut idle streams.
	_ = rc.SetWriteDeadline(time.Time{})

	q := r.URL.Query()
	ch := h.Broker.Subscribe(StreamFilter{TopicID: q.Get("topic_id"), TravelerID: q.Get("traveler_id")})
	defer h.Broker.Unsubscribe(ch)

	tick := time.NewTicker(streamKeepalive)
	defer tick.Stop()

	for {
		var frame []byte
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			frame = []byte(":keepalive\n\n")
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame = ev
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
