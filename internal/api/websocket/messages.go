package websocket

import (
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/streaming"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Machine events, named after the event kinds they carry
	MessageTypeStateChanged MessageType = "state_changed"
	MessageTypeError        MessageType = "error"
	MessageTypeTelemetry    MessageType = "telemetry"
	MessageTypeRunStarted   MessageType = "run_started"
	MessageTypeRunFinished  MessageType = "run_finished"

	// Session messages
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeInvalid     MessageType = "invalid"
)

// Message represents a WebSocket message sent to clients
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ClientMessage is what clients send: auth, subscribe or unsubscribe.
type ClientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(ev *streaming.Event) Message {
	return Message{
		Type:      MessageType(ev.Kind),
		Topic:     ev.Topic,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Data:      ev.Payload,
	}
}
