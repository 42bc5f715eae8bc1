// Package message defines the realtime wire protocol: a JSON frame carrying
// an event name and an event-specific payload.
package message

import (
	"encoding/json"
	"time"
)

// EventType names a realtime event
type EventType string

// Inbound events (client to server)
const (
	EventJoin         EventType = "join"
	EventMessage      EventType = "message"
	EventRequestHuman EventType = "request_human"
	EventLeave        EventType = "leave"
)

// Outbound events (server to client). EventMessage is used in both directions.
const (
	EventStatus         EventType = "status"
	EventSessionUpdated EventType = "session_updated"
	EventError          EventType = "error"
	EventConnected      EventType = "connected"
)

// Frame is a single realtime message on the wire
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the union of all client payload fields. The authenticated
// connection identity always takes precedence over UserID.
type Inbound struct {
	Event     EventType `json:"-"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// StatusPayload is broadcast for room membership and handoff notices
type StatusPayload struct {
	Msg       string `json:"msg"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrorPayload is delivered only to the connection that caused it
type ErrorPayload struct {
	Msg         string `json:"msg"`
	Code        string `json:"code,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// ChatPayload carries a persisted chat message to room members.
// UserID is null for ai and system messages.
type ChatPayload struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	UserID     *string   `json:"user_id"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionUpdatedPayload announces a session type or status change
type SessionUpdatedPayload struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
}

// ConnectedPayload greets a newly authenticated connection
type ConnectedPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// Encode marshals an outbound event into a wire frame
func Encode(event EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses a raw wire frame into its event name and payload
func Decode(raw []byte) (*Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	in := &Inbound{Event: frame.Event}
	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		if err := json.Unmarshal(frame.Data, in); err != nil {
			return nil, err
		}
	}
	in.Event = frame.Event
	return in, nil
}

// DecodePayload unmarshals the data of an outbound frame, used by clients and tests
func DecodePayload(raw []byte, out any) (EventType, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", err
	}
	if out != nil && len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, out); err != nil {
			return frame.Event, err
		}
	}
	return frame.Event, nil
}
