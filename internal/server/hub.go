package server

import (
	"context"
	"sync"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	"brokerd/pkg/telemetry"
)

// subscriberBuffer is how many undelivered frames a subscriber may lag
// behind before the hub evicts it.
const subscriberBuffer = 256

// subscriber is one events.subscribe connection. Frames are queued through
// a buffered channel so a slow reader never blocks the broadcast path.
type subscriber struct {
	id     string
	topics map[string]struct{}

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSubscriber(id string, topics []string) *subscriber {
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	return &subscriber{
		id:     id,
		topics: set,
		send:   make(chan []byte, subscriberBuffer),
	}
}

func (s *subscriber) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// deliver queues one pre-encoded frame without blocking. A full buffer
// means the reader has stalled.
func (s *subscriber) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close ends the stream exactly once. The connection's writer loop exits
// when the send channel drains.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// hub fans daemon events out to event stream subscribers. Each event is
// encoded once and queued to every subscriber whose topic set matches.
type hub struct {
	logger core.ILogger

	mu          sync.RWMutex
	subscribers map[*subscriber]bool
}

func newHub(logger core.ILogger) *hub {
	return &hub{
		logger:      logger,
		subscribers: make(map[*subscriber]bool),
	}
}

func (h *hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = true
	total := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug("subscriber registered", "subscriber_id", sub.id, "total", total)
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		sub.close()
	}
	total := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug("subscriber removed", "subscriber_id", sub.id, "total", total)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// broadcast queues an event to every matching subscriber. Subscribers that
// cannot keep up are dropped so one stalled reader cannot back up the rest.
func (h *hub) broadcast(event core.Event) {
	h.mu.RLock()
	if len(h.subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	envelope := &protocol.EventEnvelope{
		Topic: string(event.Topic),
		Data: map[string]any{
			"topic":     string(event.Topic),
			"timestamp": event.Timestamp,
			"payload":   event.Payload,
		},
	}
	frame, err := protocol.Encode(envelope)
	if err != nil {
		h.logger.Warn("failed to encode event", "topic", event.Topic, "error", err)
		return
	}
	telemetry.GetGlobalMetrics().RecordEventPublished(context.Background(), string(event.Topic))

	for _, sub := range subs {
		if !sub.wants(string(event.Topic)) {
			continue
		}
		if !sub.deliver(frame) {
			h.logger.Warn("dropping stalled subscriber", "subscriber_id", sub.id, "topic", event.Topic)
			h.remove(sub)
		}
	}
}

// closeAll drops every subscriber, ending their streams.
func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
		delete(h.subscribers, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
