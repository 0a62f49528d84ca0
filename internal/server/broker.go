package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tabi/internal/storage"
)

// Notifier is the LISTEN side of the store. *storage.DB satisfies it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// streamEvents maps notify channels to the SSE event names clients see.
var streamEvents = map[string]string{
	storage.ChannelDecisions: "decision",
	storage.ChannelReviews:   "review",
}

const (
	subscriberBuffer = 64
	// relistenBackoff paces the receive loop while the notify connection is down.
	relistenBackoff = time.Second
)

// StreamFilter narrows a subscription. Empty fields match everything.
type StreamFilter struct {
	TopicID    string
	TravelerID string
}

// notice is the part of a notification payload filters look at.
type notice struct {
	TopicID    string `json:"topic_id"`
	TravelerID string `json:"traveler_id"`
}

func (f StreamFilter) matches(n notice) bool {
	if f.TopicID != "" && f.TopicID != n.TopicID {
		return false
	}
	if f.TravelerID != "" && f.TravelerID != n.TravelerID {
		return false
	}
	return true
}

// Broker relays stored-decision and review notifications to SSE
// subscribers. A subscriber whose buffer is full misses events rather than
// stalling the others.
type Broker struct {
	db     Notifier
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]StreamFilter
}

// NewBroker creates a broker. Call Start to begin relaying.
func NewBroker(db Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]StreamFilter),
	}
}

// Start listens on every stream channel and relays until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	channels := make([]string, 0, len(streamEvents))
	for ch := range streamEvents {
		if err := b.db.Listen(ctx, ch); err != nil {
			b.logger.Error("broker: listen failed", "channel", ch, "error", err)
			return
		}
		channels = append(channels, ch)
	}
	b.logger.Info("broker: relaying notifications", "channels", channels)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(relistenBackoff):
			}
			continue
		}
		b.publish(channel, payload)
	}
}

// Subscribe registers a subscriber. The caller must Unsubscribe.
func (b *Broker) Subscribe(f StreamFilter) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// publish formats one notification and hands it to matching subscribers.
// Payloads that do not parse still reach unfiltered subscribers.
func (b *Broker) publish(channel, payload string) {
	name, ok := streamEvents[channel]
	if !ok {
		name = channel
	}
	var n notice
	parsed := json.Unmarshal([]byte(payload), &n) == nil
	event := formatSSE(name, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subscribers {
		if f != (StreamFilter{}) && (!parsed || !f.matches(n)) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func formatSSE(event, data string) []byte {
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}
