package model

import "time"

const (
	// EditWindow is how long after sending a message may still be edited.
	// Enforced client-side before the network call and re-validated
	// server-side.
	EditWindow = 10 * time.Minute

	MaxMessageLength    = 5000
	MaxImagesPerMessage = 5
)

// Message is one chat message. The ID is minted by the sending client
// (random UUID) so the optimistic copy, the persisted row and every
// broadcast share identity; it is the sole dedup key.
type Message struct {
	ID             string      `json:"id"`
	ChatID         string      `json:"chat_id"`
	SenderID       string      `json:"sender_id"`
	SenderUsername string      `json:"sender_username,omitempty"`
	Content        string      `json:"content"`
	Images         []string    `json:"images"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	SentAt         time.Time   `json:"sent_at"`
	Sender         *UserPublic `json:"sender,omitempty"`
}

// Editable reports whether a message sent at sentAt may still be edited
// at now.
func Editable(sentAt, now time.Time) bool {
	return now.Sub(sentAt) <= EditWindow
}

// MessageBefore orders messages by (sent_at, id); ties on the timestamp are
// broken by id so the ordering is deterministic.
func MessageBefore(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}
