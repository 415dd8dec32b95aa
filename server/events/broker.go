// Package events fans change notifications out to live SSE subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/wkchat/wkchat/server/internal/observability"
)

// Name is the SSE event name.
type Name string

const (
	MessageCreated      Name = "message.created"
	MessageUpdated      Name = "message.updated"
	ConversationChanged Name = "conversation.changed"
)

// Conversation change actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Payload carries the minimal identifiers a subscriber needs to re-fetch
// authoritative state. This is a change-notification channel, not a data
// channel; no full objects are pushed.
type Payload struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Action         string `json:"action,omitempty"`
}

// Event is one framed notification.
type Event struct {
	Name    Name
	Payload Payload
}

// Subscriber is one live SSE connection.
type Subscriber struct {
	ch chan Event
}

// Events is the subscriber's delivery channel. It is closed when the broker
// drops the subscriber.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broker holds the set of open streams. Publish is synchronous iteration, so
// subscribers observe events in publish order; delivery to any one subscriber
// is fire-and-forget.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new stream with the given delivery buffer.
func (b *Broker) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe deregisters a stream. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every live subscriber. It never blocks and
// never surfaces an error: a subscriber that cannot keep up is dropped so one
// stalled client cannot wedge the publisher.
func (b *Broker) Publish(name Name, payload Payload) {
	event := Event{Name: name, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			delete(b.subs, sub)
			close(sub.ch)
			b.logger.Warn("dropping slow event subscriber",
				slog.String(observability.LogFieldEvent, string(name)))
		}
	}
}

// SubscriberCount reports the live stream count.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber, used on shutdown.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
