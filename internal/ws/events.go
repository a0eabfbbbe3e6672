package ws

import (
	"github.com/bubbles/internal/model"
	"github.com/bubbles/pkg/protocol"
)

// WireMessage converts a stored message into its wire representation.
func WireMessage(m *model.Message) protocol.Message {
	out := protocol.Message{
		ID:             m.ID,
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Images:         m.Images,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		SentAt:         m.SentAt,
	}
	if out.Images == nil {
		out.Images = []string{}
	}
	return out
}
