package core

import (
	"sort"
	"strings"
	"time"
)

// Topic names one broadcast event stream.
type Topic string

const (
	TopicOrders     Topic = "orders"
	TopicFills      Topic = "fills"
	TopicPositions  Topic = "positions"
	TopicPnL        Topic = "pnl"
	TopicRisk       Topic = "risk"
	TopicConnection Topic = "connection"
)

// ValidTopics lists every broadcast topic in display order.
func ValidTopics() []Topic {
	return []Topic{TopicOrders, TopicFills, TopicPositions, TopicPnL, TopicRisk, TopicConnection}
}

// ValidTopicNames returns the topic names as sorted strings.
func ValidTopicNames() []string {
	names := make([]string, 0, len(ValidTopics()))
	for _, t := range ValidTopics() {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// IsValidTopic reports whether the (case-insensitive) name is a known topic.
func IsValidTopic(name string) bool {
	lowered := strings.ToLower(name)
	for _, t := range ValidTopics() {
		if string(t) == lowered {
			return true
		}
	}
	return false
}

// Event is one broadcast payload on a topic.
type Event struct {
	Topic     Topic          `msgpack:"topic" json:"topic"`
	Timestamp time.Time      `msgpack:"timestamp" json:"timestamp"`
	Payload   map[string]any `msgpack:"payload" json:"payload"`
}

// NewEvent stamps an event with the current time.
func NewEvent(topic Topic, payload map[string]any) Event {
	return Event{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}
}

// EventSink receives provider and daemon events for broadcast.
type EventSink func(event Event)
