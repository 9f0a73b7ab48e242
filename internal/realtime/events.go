package realtime

import (
	"encoding/json"

	"tabletalk/internal/domain"
)

// Envelope is the json frame both directions share: a logical event name and
// an event-specific payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "joinRoom"
	EventLeaveRoom    = "leaveRoom"
	EventTypingStart  = "typingStart"
	EventTypingStop   = "typingStop"
	EventSendMessage  = "sendMessage"
	EventMarkRead     = "markRead"
)

// Server → client events.
const (
	EventAuthenticated  = "authenticated"
	EventReceiveMessage = "receiveMessage"
	EventUserTyping     = "userTyping"
	EventMessageAck     = "messageAck"
	EventMessagesRead   = "messagesRead"
)

type authenticatePayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	Ref     string `json:"ref,omitempty"`
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type userTypingPayload struct {
	RoomID   string          `json:"roomId"`
	User     domain.Identity `json:"user"`
	IsTyping bool            `json:"isTyping"`
}

// messageAckPayload answers exactly one sendMessage frame: success carries the
// canonical stored message, failure carries a stable error code.
type messageAckPayload struct {
	Ref     string          `json:"ref,omitempty"`
	Success bool            `json:"success"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type messagesReadPayload struct {
	RoomID string          `json:"roomId"`
	User   domain.Identity `json:"user"`
}

// encodeFrame marshals an envelope. Payloads are our own types, so a marshal
// failure is a programming error; we return nil and let callers drop the frame.
func encodeFrame(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil
	}
	return frame
}
