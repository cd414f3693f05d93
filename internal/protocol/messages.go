// Package protocol defines the wire types exchanged with workflow session
// clients and with per-user notification actors. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Real-time event kinds broadcast to session connections.
const (
	EventMessage           = "message"
	EventStatusUpdate      = "status_update"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventWorkflowCompleted = "workflow_completed"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
)

// TypeSessionMessagePush is the type of the lightweight push delivered to
// per-user notification actors.
const TypeSessionMessagePush = "new_session_message"

// PreviewLimit is the maximum number of runes carried in a push preview.
const PreviewLimit = 80

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is an inbound message from a session participant. Only the
// "message" kind carries content; typing indicators are content-free.
type ClientMessage struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	MediaFileID *int64 `json:"mediaFileId,omitempty"`
	ShareToken  string `json:"shareToken,omitempty"`
}

// clientTypes is the set of message types a client may send.
var clientTypes = map[string]bool{
	EventMessage:     true,
	EventTypingStart: true,
	EventTypingStop:  true,
}

// ParseClientMessage decodes raw WebSocket bytes into a ClientMessage.
// An error is returned for malformed JSON, a missing type discriminator,
// or a type clients are not allowed to send.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	if !clientTypes[msg.Type] {
		return nil, fmt.Errorf("protocol: unknown client message type: %q", msg.Type)
	}
	return &msg, nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is the broadcast envelope delivered to every live connection of a
// session. Data holds the kind-specific payload; it is never inspected by
// the transport layer.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an Event of the given kind, marshaling payload into the
// data field and stamping the current time.
func NewEvent(kind string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", kind, err)
	}
	return &Event{
		Type:      kind,
		Data:      raw,
		Timestamp: time.Now().Unix(),
	}, nil
}

// RawEvent builds an Event of the given kind around an already-encoded
// payload (e.g. one received on the notification endpoint).
func RawEvent(kind string, data json.RawMessage) *Event {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &Event{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// Encode serializes the event for transmission.
func (e *Event) Encode() ([]byte, error) {
	out, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}

// MessagePayload is the data field of a "message" event. MessageID is the
// id assigned by the external store at persistence time.
type MessagePayload struct {
	MessageID   int64  `json:"message_id"`
	SessionID   string `json:"session_id"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	MediaFileID *int64 `json:"media_file_id,omitempty"`
	ShareToken  string `json:"share_token,omitempty"`
}

// PresencePayload is the data field of participant_joined and
// participant_left events.
type PresencePayload struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
}

// TypingPayload is the data field of typing_start / typing_stop events.
type TypingPayload struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
}

// ErrorMsg is sent to a client whose own operation failed (e.g. its message
// could not be persisted). Other participants never see these.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage encodes an ErrorMsg ready for transmission.
func NewErrorMessage(code, message string) ([]byte, error) {
	out, err := json.Marshal(ErrorMsg{Type: "error", Code: code, Message: message})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal error message: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Cross-actor notification push
// ---------------------------------------------------------------------------

// NotifyPush is the lightweight payload delivered to a per-user notification
// actor. It carries only enough for a badge update, never the full event.
type NotifyPush struct {
	Type string   `json:"type"` // always TypeSessionMessagePush
	Data PushData `json:"data"`
}

// PushData is the body of a NotifyPush.
type PushData struct {
	SessionID      string `json:"session_id"`
	MessageID      int64  `json:"message_id"`
	SenderIdentity string `json:"sender_identity"`
	Preview        string `json:"preview"`
	Timestamp      int64  `json:"timestamp"`
}

// NewSessionMessagePush builds the push for a newly stored session message.
func NewSessionMessagePush(sessionID string, messageID int64, sender, content string) NotifyPush {
	return NotifyPush{
		Type: TypeSessionMessagePush,
		Data: PushData{
			SessionID:      sessionID,
			MessageID:      messageID,
			SenderIdentity: sender,
			Preview:        Preview(content),
			Timestamp:      time.Now().Unix(),
		},
	}
}

// Preview truncates content to PreviewLimit runes for inclusion in a push.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLimit {
		return content
	}
	return string(runes[:PreviewLimit])
}
