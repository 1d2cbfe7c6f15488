// Package event defines the typed messages pushed to realtime clients and
// their JSON envelope.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
)

// Kind is the closed set of event types
type Kind string

const (
	KindChatStream   Kind = "chat_stream"
	KindToolProgress Kind = "tool_progress"
	KindCostUpdate   Kind = "cost_update"
	KindSystemStatus Kind = "system_status"
	KindError        Kind = "error"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindChatStream, KindToolProgress, KindCostUpdate, KindSystemStatus, KindError, KindPing, KindPong:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Priority orders replayed events; higher drains first
func (k Kind) Priority() int {
	switch k {
	case KindSystemStatus:
		return 10
	case KindError:
		return 9
	case KindCostUpdate:
		return 8
	case KindToolProgress:
		return 7
	case KindChatStream:
		return 5
	default:
		return 1
	}
}

// ParseKind converts s to a Kind, rejecting unknown values
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", cnst.ErrUnknownEventType, s)
	}
	return k, nil
}

// Event is a server-originated message addressed to one session. Events are
// not mutated after construction; use WithSession to re-address a copy.
type Event struct {
	SessionID string
	Timestamp time.Time
	Data      Payload
}

// New builds an event stamped with the current time
func New(sessionID string, data Payload) *Event {
	return &Event{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Kind returns the event type carried by the payload
func (e *Event) Kind() Kind {
	if e == nil || e.Data == nil {
		return ""
	}
	return e.Data.Kind()
}

// Priority returns the replay priority of the event
func (e *Event) Priority() int {
	return e.Kind().Priority()
}

// WithSession returns a copy of the event addressed to sessionID
func (e *Event) WithSession(sessionID string) *Event {
	cp := *e
	cp.SessionID = sessionID
	return &cp
}

type envelope struct {
	Type      Kind            `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON writes the {type, timestamp, session_id, data} envelope
func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("event for session %q has no payload", e.SessionID)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{
		Type:      e.Kind(),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID: e.SessionID,
		Data:      data,
	})
}

// UnmarshalJSON reads an envelope and decodes data according to its type
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	kind, err := ParseKind(string(env.Type))
	if err != nil {
		return err
	}
	payload, err := DecodePayload(kind, env.Data)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid event timestamp %q: %w", env.Timestamp, err)
	}
	e.SessionID = env.SessionID
	e.Timestamp = ts
	e.Data = payload
	return nil
}
