package gateway

import (
	"encoding/json"
	"time"
)

// MessageType identifies a gateway frame
type MessageType string

const (
	// Client frames
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePublish     MessageType = "publish"
	MessageTypePing        MessageType = "ping"

	// Server frames
	MessageTypeResponse MessageType = "response"
	MessageTypeMessage  MessageType = "message"
	MessageTypePong     MessageType = "pong"
	MessageTypeWelcome  MessageType = "welcome"
)

// ClientMessage is a frame sent by a WebSocket client
type ClientMessage struct {
	// ID correlates the request with its response
	ID string `json:"id,omitempty"`

	Type    MessageType `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Payload string      `json:"payload,omitempty"`
}

// ServerMessage is a frame sent to a WebSocket client
type ServerMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Success   bool        `json:"success,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Identity  string      `json:"identity,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	Payload   string      `json:"payload,omitempty"`
	Receivers *int64      `json:"receivers,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// ErrorInfo describes a failed request
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseMessage decodes a client frame
func ParseMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsValid reports whether the frame carries what its type requires
func (m *ClientMessage) IsValid() bool {
	switch m.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe, MessageTypePublish:
		return m.Channel != ""
	case MessageTypePing:
		return true
	default:
		return false
	}
}

// NewResponse builds a successful response to request id
func NewResponse(id string) *ServerMessage {
	return &ServerMessage{
		ID:        id,
		Type:      MessageTypeResponse,
		Success:   true,
		Timestamp: time.Now(),
	}
}

// NewErrorResponse builds a failed response to request id
func NewErrorResponse(id, code, message string) *ServerMessage {
	return &ServerMessage{
		ID:   id,
		Type: MessageTypeResponse,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now(),
	}
}

// NewDelivery builds the frame carrying a channel message to a client
func NewDelivery(channel, payload string, receivedAt time.Time) *ServerMessage {
	return &ServerMessage{
		Type:      MessageTypeMessage,
		Channel:   channel,
		Payload:   payload,
		Timestamp: receivedAt,
	}
}

// ToJSON encodes the frame
func (m *ServerMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
