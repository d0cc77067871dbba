package types

import (
	"errors"
	"fmt"
	"time"
)

// Wire event names.
const (
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventAck            = "ack"
	EventError          = "error"
)

// Error codes carried in the data field of an error frame.
const (
	CodeCapacityExceeded = "capacity_exceeded"
	CodeUnknownEvent     = "unknown_event"
	CodeBadFrame         = "bad_frame"
)

var (
	// ErrCapacityExceeded is returned when the registry is already full.
	ErrCapacityExceeded = errors.New("relay: capacity exceeded")
	// ErrHubStopped is returned by hub operations after Stop.
	ErrHubStopped = errors.New("relay: hub stopped")
	// ErrClientNotFound is returned when a connection id is not registered.
	ErrClientNotFound = errors.New("relay: client not found")
)

// DecodeError reports a frame that arrived whole but is not a valid Frame.
// The connection stays usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "relay: bad frame: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is a WebSocket frame exchanged between relay and clients.
// Data is an opaque string the relay never inspects.
type Frame struct {
	Event     string `json:"event"`
	Data      string `json:"data"`
	ID        string `json:"id,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
	Failed    *int   `json:"failed,omitempty"`
}

// AckFrame builds the acknowledgement returned to a sender that asked for one.
// Its counts are queue outcomes taken at fan-out time, see BroadcastResult.
func AckFrame(id string, res BroadcastResult) Frame {
	delivered, failed := res.Delivered, res.Failed
	return Frame{Event: EventAck, ID: id, Delivered: &delivered, Failed: &failed}
}

// ErrorFrame builds an error frame with the given code.
func ErrorFrame(code string) Frame {
	return Frame{Event: EventError, Data: code}
}

// BroadcastResult summarizes one fan-out. Delivered counts recipients whose
// outbound queue accepted the frame, not frames written to the wire; a later
// write failure only shows up in metrics. Failed counts full or closed
// queues.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "disconnected":
		*s = StateDisconnected
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// ClientInfo holds metadata about a connected WebSocket client.
type ClientInfo struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	WritePing() error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// EventKind names a relay lifecycle event.
type EventKind string

const (
	EventKindConnected    EventKind = "connected"
	EventKindDisconnected EventKind = "disconnected"
	EventKindBroadcast    EventKind = "broadcast"
)

// Event describes something the relay did. It never carries a message
// payload.
type Event struct {
	Kind       EventKind `json:"kind"`
	ClientID   string    `json:"client_id,omitempty"`
	Recipients int       `json:"recipients,omitempty"`
	Delivered  int       `json:"delivered,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	At         time.Time `json:"at"`
}
