package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types sent over an EventSub WebSocket session.
const (
	MessageWelcome    = "session_welcome"
	MessageKeepalive  = "session_keepalive"
	MessageReconnect  = "session_reconnect"
	MessageNotify     = "notification"
	MessageRevocation = "revocation"
)

// ErrMalformedFrame is returned for frames that are not valid JSON or carry
// no message type.
var ErrMalformedFrame = errors.New("malformed eventsub frame")

// Metadata is the envelope header of every frame.
type Metadata struct {
	MessageTimestamp    time.Time `json:"message_timestamp"`
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	SubscriptionType    string    `json:"subscription_type"`
	SubscriptionVersion string    `json:"subscription_version"`
}

// Session describes the socket session in welcome and reconnect frames.
type Session struct {
	ConnectedAt             time.Time `json:"connected_at"`
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ReconnectURL            string    `json:"reconnect_url"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
}

// Payload carries either a session or a subscription plus its event.
type Payload struct {
	Session      *Session        `json:"session,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// Frame is one decoded message.
type Frame struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// ParseFrame decodes a raw text message.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Metadata.MessageType == "" {
		return nil, fmt.Errorf("%w: missing message_type", ErrMalformedFrame)
	}
	return &f, nil
}
