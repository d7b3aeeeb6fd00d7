// Package wire defines the duplex JSON protocol shared by the realtime layer
// and the HTTP surface: message envelopes, event names, and error codes.
package wire

import "encoding/json"

// Envelope is the single-frame JSON message exchanged over the duplex channel.
type Envelope struct {
	Type    string          `json:"t"`
	Seq     uint64          `json:"seq"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"p"`
}

// Message type discriminators carried in the envelope "t" field.
const (
	TypeEvent = "event"
	TypeError = "error"
)

// Client-initiated events.
const (
	EventEcho         = "echo"
	EventResyncReq    = "resync_request"
	EventSessionInput = "session.input"
)

// Server-initiated events.
const (
	EventAuthState      = "auth_state"
	EventSessionCreated = "session.created"
	EventSessionStarted = "session.started"
	EventSessionState   = "session.state"
	EventSessionEnded   = "session.ended"
	EventResyncState    = "resync_state"
)

// errorPayload is the body of every error frame.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarshalEvent encodes an event frame. Server-originated events pass seq 0;
// replies echo the client's seq.
func MarshalEvent(event string, seq uint64, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeEvent, Seq: seq, Event: event, Payload: body})
}

// MarshalError encodes an error frame with an empty event name.
func MarshalError(code, message string, seq uint64) ([]byte, error) {
	body, err := json.Marshal(errorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeError, Seq: seq, Event: "", Payload: body})
}
