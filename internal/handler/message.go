package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/middleware"
	"github.com/bubbles/internal/model"
	"github.com/bubbles/internal/presence"
	"github.com/bubbles/internal/repository"
	"github.com/bubbles/internal/upload"
	"github.com/bubbles/internal/ws"
	"github.com/bubbles/pkg/protocol"
)

// Notifier delivers push notifications. A nil Notifier disables them.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type MessageHandler struct {
	msgRepo     *repository.MessageRepository
	chatRepo    *repository.ChatRepository
	receiptRepo *repository.ReceiptRepository
	hub         *ws.Hub
	pres        presence.Store
	notifier    Notifier
	uploads     *upload.Store
}

func NewMessageHandler(
	msgRepo *repository.MessageRepository,
	chatRepo *repository.ChatRepository,
	receiptRepo *repository.ReceiptRepository,
	hub *ws.Hub,
	pres presence.Store,
	notifier Notifier,
	uploads *upload.Store,
) *MessageHandler {
	return &MessageHandler{
		msgRepo:     msgRepo,
		chatRepo:    chatRepo,
		receiptRepo: receiptRepo,
		hub:         hub,
		pres:        pres,
		notifier:    notifier,
		uploads:     uploads,
	}
}

type SendMessageRequest struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Images  []string `json:"images"`
}

type EditMessageRequest struct {
	Content      string   `json:"content"`
	RemoveImages []string `json:"remove_images"`
}

type MessagesResponse struct {
	Messages     []model.Message     `json:"messages"`
	HasMore      bool                `json:"has_more"`
	NextCursor   string              `json:"next_cursor,omitempty"`
	ReadReceipts []model.ReadReceipt `json:"read_receipts"`
}

// SendMessage persists a message and broadcasts message_sent to the
// chat. The message id is minted by the client, so a retried request
// with an already-stored id returns the stored message instead of a
// duplicate.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendMessage", time.Now())()
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	username := middleware.GetUsername(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, "id must be a valid uuid")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "content or images required")
		return
	}
	if len(req.Content) > model.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}
	if len(req.Images) > model.MaxImagesPerMessage {
		writeError(w, http.StatusBadRequest, "too many images")
		return
	}

	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	// Retry of an already-persisted send: answer with the stored copy.
	if existing, err := h.msgRepo.GetByID(r.Context(), req.ID); err == nil {
		if existing.SenderID != userID || existing.ChatID != chatID {
			writeError(w, http.StatusConflict, "id already used")
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	m := &model.Message{
		ID:             req.ID,
		ChatID:         chatID,
		SenderID:       userID,
		SenderUsername: username,
		Content:        req.Content,
		Images:         req.Images,
		SentAt:         time.Now().UTC(),
	}
	if err := h.msgRepo.Create(r.Context(), m); err != nil {
		// Lost the race against a concurrent retry of the same send.
		if existing, getErr := h.msgRepo.GetByID(r.Context(), req.ID); getErr == nil && existing.SenderID == userID {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		logger.Errorf("save message chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	if m.Images == nil {
		m.Images = []string{}
	}

	memberIDs, err := h.chatRepo.GetMemberIDs(r.Context(), chatID)
	if err != nil {
		logger.Errorf("get members chat=%s: %v", chatID, err)
		writeJSON(w, http.StatusCreated, m)
		return
	}

	h.hub.BroadcastToMembers(chatID, memberIDs, protocol.Frame{
		Type: protocol.EventMessageSent,
		Payload: protocol.MessageSentPayload{
			Message:   ws.WireMessage(m),
			MemberIDs: memberIDs,
		},
	})
	h.notifyOffline(r.Context(), m, memberIDs)

	writeJSON(w, http.StatusCreated, m)
}

// notifyOffline sends a push notification to members without an active
// connection.
func (h *MessageHandler) notifyOffline(ctx context.Context, m *model.Message, memberIDs []string) {
	if h.notifier == nil {
		return
	}
	online, err := h.pres.OnlineAmong(ctx, memberIDs)
	if err != nil {
		logger.Errorf("presence lookup chat=%s: %v", m.ChatID, err)
		return
	}
	onlineSet := make(map[string]struct{}, len(online))
	for _, uid := range online {
		onlineSet[uid] = struct{}{}
	}

	title := m.SenderUsername
	if title == "" {
		title = "New message"
	}
	body := m.Content
	if body == "" {
		body = "Attachment"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"chat_id": m.ChatID, "message_id": m.ID}
	for _, uid := range memberIDs {
		if uid == m.SenderID {
			continue
		}
		if _, ok := onlineSet[uid]; ok {
			continue
		}
		uid := uid
		go h.notifier.Notify(context.Background(), uid, title, body, data)
	}
}

// GetMessages pages a chat's history newest first with a keyset cursor.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}

	var cursor *model.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, err := model.DecodeCursor(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &c
	}

	messages, hasMore, err := h.msgRepo.GetChatMessages(r.Context(), chatID, limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	receipts, err := h.receiptRepo.GetForChat(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get read receipts")
		return
	}

	resp := MessagesResponse{
		Messages:     messages,
		HasMore:      hasMore,
		ReadReceipts: receipts,
	}
	if hasMore && len(messages) > 0 {
		oldest := messages[len(messages)-1]
		resp.NextCursor = model.Cursor{SentAt: oldest.SentAt, ID: oldest.ID}.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// EditMessage updates a message's content within the edit window and
// broadcasts message_edited.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.EditMessage", time.Now())()
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if len(req.Content) > model.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}

	m, removed, err := h.msgRepo.Edit(r.Context(), messageID, userID, req.Content, req.RemoveImages)
	if err != nil {
		writeMutationError(w, err, "failed to edit message")
		return
	}

	// Only files the repository actually detached from this message;
	// arbitrary client-supplied URLs must not reach storage deletion.
	if len(removed) > 0 {
		h.uploads.Delete(removed)
	}

	h.hub.BroadcastToChat(r.Context(), m.ChatID, protocol.Frame{
		Type: protocol.EventMessageEdited,
		Payload: protocol.MessageEditedPayload{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Content:   m.Content,
			Images:    m.Images,
			IsEdited:  true,
			UpdatedAt: time.Now().UTC(),
		},
	})
	writeJSON(w, http.StatusOK, m)
}

// DeleteMessage soft-deletes a message, removes its stored attachments
// and broadcasts message_deleted.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.DeleteMessage", time.Now())()
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	m, removed, err := h.msgRepo.SoftDelete(r.Context(), messageID, userID)
	if err != nil {
		writeMutationError(w, err, "failed to delete message")
		return
	}

	if len(removed) > 0 {
		h.uploads.Delete(removed)
	}

	h.hub.BroadcastToChat(r.Context(), m.ChatID, protocol.Frame{
		Type: protocol.EventMessageDeleted,
		Payload: protocol.MessageDeletedPayload{
			ID:     m.ID,
			ChatID: m.ChatID,
		},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeMutationError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, repository.ErrNotSender):
		writeError(w, http.StatusForbidden, "not the message sender")
	case errors.Is(err, repository.ErrEditWindowExpired):
		writeError(w, http.StatusBadRequest, "edit window expired")
	default:
		logger.Errorf("%s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
