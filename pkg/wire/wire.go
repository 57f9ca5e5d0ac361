// Package wire defines the JSON frame shapes exchanged between the specdeck
// daemon and its realtime subscribers. Frames travel as newline-free JSON text
// messages over a WebSocket; this package carries no behavior beyond
// encoding/decoding.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Actions a client may send in a Command frame.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Topic names used by the daemon's collaborators. Connections opt in via
// subscribe commands; broadcasts to other topics never reach them.
const (
	TopicFileUpdates  = "files:updates"
	TopicFileErrors   = "files:errors"
	TopicInboxUpdates = "inbox:updates"
)

// EventConnected tags the lifecycle frame sent once per accepted connection.
const EventConnected = "connected"

// WebSocket close codes used by the server side of the protocol.
const (
	CloseNormal    = 1000 // shutdown or clean client disconnect
	CloseGoingAway = 1001 // heartbeat timeout eviction
)

// Command is the client→server frame.
//
// Payload stays raw here; each action decodes it into its own shape so a
// malformed envelope and malformed action payload produce distinct errors.
type Command struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TopicsPayload is the payload for subscribe and unsubscribe commands.
type TopicsPayload struct {
	Topics []string `json:"topics"`
}

// Topics decodes the command payload as a topic list.
func (c *Command) Topics() ([]string, error) {
	if len(c.Payload) == 0 {
		return nil, fmt.Errorf("missing payload")
	}
	var p TopicsPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode topics payload: %w", err)
	}
	if len(p.Topics) == 0 {
		return nil, fmt.Errorf("empty topics list")
	}
	for _, t := range p.Topics {
		if t == "" {
			return nil, fmt.Errorf("empty topic name")
		}
	}
	return p.Topics, nil
}

// Ack is the server's reply to a Command. RequestID echoes the command's when
// one was supplied; Error is populated only on failure.
type Ack struct {
	Ack       bool   `json:"ack"`
	RequestID string `json:"request_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Connected is the first frame on every accepted connection.
type Connected struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

// Event is a broadcast frame. MsgID identifies the logical event and is shared
// by every recipient; Seq is assigned per connection at send time and is the
// value clients deduplicate on.
type Event struct {
	MsgID     string          `json:"msg_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the event payload into v, which must be a pointer.
// A null or absent payload leaves v untouched.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// ServerFrame is the decoded form of one server→client frame: exactly one of
// the fields is set.
type ServerFrame struct {
	Connected *Connected
	Ack       *Ack
	Event     *Event
}

// frameProbe picks out the discriminating fields of a server frame without
// committing to a shape.
type frameProbe struct {
	Ack   *bool  `json:"ack"`
	MsgID string `json:"msg_id"`
	Event string `json:"event"`
}

// DecodeServerFrame classifies and decodes a raw server→client frame. Ack
// frames carry an "ack" marker, broadcast events a "msg_id", and lifecycle
// frames only an "event" tag.
func DecodeServerFrame(raw []byte) (ServerFrame, error) {
	var probe frameProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ServerFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch {
	case probe.Ack != nil:
		var a Ack
		if err := json.Unmarshal(raw, &a); err != nil {
			return ServerFrame{}, fmt.Errorf("decode ack frame: %w", err)
		}
		return ServerFrame{Ack: &a}, nil
	case probe.MsgID != "":
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return ServerFrame{}, fmt.Errorf("decode event frame: %w", err)
		}
		return ServerFrame{Event: &e}, nil
	case probe.Event == EventConnected:
		var c Connected
		if err := json.Unmarshal(raw, &c); err != nil {
			return ServerFrame{}, fmt.Errorf("decode connected frame: %w", err)
		}
		return ServerFrame{Connected: &c}, nil
	default:
		return ServerFrame{}, fmt.Errorf("unrecognized server frame")
	}
}
