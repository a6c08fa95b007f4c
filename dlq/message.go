package dlq

import (
	"encoding/json"
	"time"
)

// Message is a durable record of an operation whose retries were exhausted.
// It is owned exclusively by the queue: callers hand in a payload and get
// callbacks, never the record itself to mutate.
type Message struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error"`
	Stack        string          `json:"stack,omitempty"`
	Attempts     int             `json:"attempts"`
	FirstFailure time.Time       `json:"firstFailure"`
	LastFailure  time.Time       `json:"lastFailure"`
	RetryAfter   *time.Time      `json:"retryAfter,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// Critical reports whether the message was flagged critical at enqueue time
func (m *Message) Critical() bool {
	if m.Metadata == nil {
		return false
	}
	critical, ok := m.Metadata["critical"].(bool)
	return ok && critical
}

// due reports whether the message is eligible for reprocessing at now
func (m *Message) due(now time.Time) bool {
	return m.RetryAfter == nil || !now.Before(*m.RetryAfter)
}

// clone returns a deep-enough copy handed to processors and callbacks so the
// queue's record cannot be mutated from outside
func (m *Message) clone() *Message {
	c := *m
	if m.RetryAfter != nil {
		t := *m.RetryAfter
		c.RetryAfter = &t
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	return &c
}
