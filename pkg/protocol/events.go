// Package protocol defines the WebSocket wire protocol shared by the
// server hub and the client library: event names and payload shapes.
package protocol

import (
	"encoding/json"
	"time"
)

// EditWindow is how long after sending a message may still be edited.
const EditWindow = 10 * time.Minute

type EventType string

const (
	EventJoinChat       EventType = "join_chat"
	EventLeaveChat      EventType = "leave_chat"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventMessageRead    EventType = "message_read"
	EventMessageSent    EventType = "message_sent"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventError          EventType = "error"
)

// Envelope is the frame read off the wire; Payload is decoded per Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Frame is the frame written to the wire.
// Payload uses typed structs to avoid map[string]any allocations.
type Frame struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Message is the wire representation of a chat message. The ID is minted
// by the sending client so optimistic, persisted and broadcast copies
// share identity.
type Message struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	Content        string    `json:"content"`
	Images         []string  `json:"images"`
	IsEdited       bool      `json:"is_edited"`
	IsDeleted      bool      `json:"is_deleted"`
	SentAt         time.Time `json:"sent_at"`
}

// JoinChatPayload subscribes/unsubscribes the connection to a chat.
type JoinChatPayload struct {
	ChatID string `json:"chat_id"`
}

// TypingPayload is relayed for typing_start/typing_stop. MemberIDs names
// the rooms to relay to; the originating user is excluded by the router.
type TypingPayload struct {
	ChatID    string   `json:"chat_id"`
	UserID    string   `json:"user_id"`
	Username  string   `json:"username,omitempty"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

// MessageReadPayload is sent by a client to advance its read pointer.
type MessageReadPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ReadReceiptPayload is broadcast when a member's read pointer advances.
type ReadReceiptPayload struct {
	ChatID            string    `json:"chat_id"`
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// MessageSentPayload is broadcast after a message is persisted.
type MessageSentPayload struct {
	Message
	MemberIDs []string `json:"member_ids,omitempty"`
}

// MessageEditedPayload is broadcast when a message is edited. SentAt is
// not carried: an edit never moves a message in the timeline.
type MessageEditedPayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	Images    []string  `json:"images"`
	IsEdited  bool      `json:"is_edited"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageDeletedPayload is broadcast when a message is soft-deleted.
type MessageDeletedPayload struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
}

// ErrorPayload is sent to a client whose inbound event was rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}
