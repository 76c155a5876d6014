package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message on the bus.
type Kind string

const (
	// KindRequest asks a capability to do work and expects exactly one
	// matching RESPONSE or ERROR, paired by correlation ID.
	KindRequest Kind = "REQUEST"

	// KindResponse answers a REQUEST.
	KindResponse Kind = "RESPONSE"

	// KindEvent is fire-and-forget to all current subscribers of a channel.
	KindEvent Kind = "EVENT"

	// KindError answers a REQUEST with an agent-declared failure.
	KindError Kind = "ERROR"
)

// Broadcast is the recipient sentinel for messages addressed to every
// subscriber of the event channel rather than a single capability.
const Broadcast = "*"

// Priority orders competing messages. The bus itself does not reorder;
// priority is advisory metadata carried to the recipient.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Message is the unit of communication between the engine and agents.
//
// Delivery is at-least-once: recipients must be idempotent with respect to
// ID. Messages to the same recipient carrying the same correlation ID are
// delivered in send order; no ordering holds across correlation IDs.
type Message struct {
	// ID uniquely identifies this message for deduplication.
	ID string `json:"id"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`

	// From is the sending capability name (or "engine").
	From string `json:"from"`

	// To is the recipient capability name, or Broadcast for events.
	To string `json:"to"`

	// TaskID correlates the message with a task or flow session.
	TaskID string `json:"task_id,omitempty"`

	// Kind is the message class.
	Kind Kind `json:"kind"`

	// CorrelationID pairs a RESPONSE or ERROR with its REQUEST.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Event names the event class for KindEvent (e.g. "task.submitted").
	Event string `json:"event,omitempty"`

	// Payload is the structured body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is advisory delivery metadata.
	Priority Priority `json:"priority,omitempty"`

	// TTL, when set, lets recipients drop messages older than Timestamp+TTL.
	TTL time.Duration `json:"ttl,omitempty"`
}

// ErrorPayload is the body of a KindError message.
type ErrorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewRequest builds a REQUEST addressed to a capability.
func NewRequest(from, to, taskID string, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	return &Message{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		From:          from,
		To:            to,
		TaskID:        taskID,
		Kind:          KindRequest,
		CorrelationID: uuid.New().String(),
		Payload:       body,
		Priority:      PriorityNormal,
	}, nil
}

// NewEvent builds a broadcast EVENT of the given class.
func NewEvent(from, event, taskID string, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        Broadcast,
		TaskID:    taskID,
		Kind:      KindEvent,
		Event:     event,
		Payload:   body,
		Priority:  PriorityNormal,
	}, nil
}

// Reply builds a RESPONSE or ERROR paired with m by correlation ID.
func (m *Message) Reply(kind Kind, payload any) (*Message, error) {
	if kind != KindResponse && kind != KindError {
		return nil, fmt.Errorf("reply kind must be RESPONSE or ERROR, got %s", kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reply payload: %w", err)
	}
	return &Message{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		From:          m.To,
		To:            m.From,
		TaskID:        m.TaskID,
		Kind:          kind,
		CorrelationID: m.CorrelationID,
		Payload:       body,
		Priority:      m.Priority,
	}, nil
}

// Expired reports whether the message's TTL has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}

// Validate checks required fields before the message is put on the wire.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.To == "" {
		return fmt.Errorf("message recipient is required")
	}
	switch m.Kind {
	case KindRequest, KindResponse, KindError:
		if m.CorrelationID == "" {
			return fmt.Errorf("%s requires a correlation id", m.Kind)
		}
	case KindEvent:
		if m.Event == "" {
			return fmt.Errorf("EVENT requires an event class")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}
