package model

import "time"

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

type Chat struct {
	ID        string    `json:"id"`
	ChatType  ChatType  `json:"chat_type"`
	Name      string    `json:"name,omitempty"` // groups only
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMember ties a user to a chat. A member with LeftAt set no longer
// receives fan-out events for the chat.
type ChatMember struct {
	ChatID   string     `json:"chat_id"`
	UserID   string     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// ReadReceipt is the per-(chat, user) last-read pointer. Advancement is
// monotonic in (LastReadAt, LastReadMessageID).
type ReadReceipt struct {
	ChatID            string    `json:"chat_id"`
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// Before reports whether the receipt's pointer is strictly before the
// (sentAt, id) position, i.e. the message at that position is unread.
func (r ReadReceipt) Before(sentAt time.Time, id string) bool {
	if r.LastReadAt.Before(sentAt) {
		return true
	}
	return r.LastReadAt.Equal(sentAt) && r.LastReadMessageID < id
}

type ChatWithLastMessage struct {
	Chat        Chat         `json:"chat"`
	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []UserPublic `json:"members"`
	UnreadCount int          `json:"unread_count"`
}
