package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/middleware"
	"github.com/bubbles/internal/model"
	"github.com/bubbles/internal/repository"
)

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
}

func NewChatHandler(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository, msgRepo *repository.MessageRepository) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, userRepo: userRepo, msgRepo: msgRepo}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// CreateDirectChat returns the existing chat for the pair when one
// exists (200), otherwise creates it (201). One direct chat per
// unordered user pair.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create chat with yourself")
		return
	}

	if existing, err := h.chatRepo.FindDirectChat(r.Context(), currentUserID, req.UserID); err == nil {
		enriched, err := h.enrichChat(r.Context(), existing, currentUserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load chat")
			return
		}
		writeJSON(w, http.StatusOK, enriched)
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	chat, err := h.chatRepo.CreateDirect(r.Context(), currentUserID, req.UserID)
	if err != nil {
		logger.Errorf("create direct chat %s<->%s: %v", currentUserID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	enriched, err := h.enrichChat(r.Context(), chat, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusCreated, enriched)
}

func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	others := 0
	for _, id := range req.MemberIDs {
		if id != currentUserID && id != "" {
			others++
		}
	}
	if others == 0 {
		writeError(w, http.StatusBadRequest, "at least one other member required")
		return
	}

	chat, err := h.chatRepo.CreateGroup(r.Context(), req.Name, currentUserID, req.MemberIDs)
	if err != nil {
		logger.Errorf("create group chat by %s: %v", currentUserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	enriched, err := h.enrichChat(r.Context(), chat, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusCreated, enriched)
}

// GetChats returns the user's chats with members, last message and
// unread count, ordered by latest activity.
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}

	out := make([]model.ChatWithLastMessage, 0, len(chats))
	for i := range chats {
		enriched, err := h.enrichChat(r.Context(), &chats[i], userID)
		if err != nil {
			logger.Errorf("enrich chat %s: %v", chats[i].ID, err)
			continue
		}
		out = append(out, *enriched)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
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

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	enriched, err := h.enrichChat(r.Context(), chat, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

// LeaveChat marks the member as left. The chat itself is never deleted;
// remaining members keep their history.
func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
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

	if err := h.chatRepo.Leave(r.Context(), chatID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to leave chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ChatHandler) enrichChat(ctx context.Context, chat *model.Chat, userID string) (*model.ChatWithLastMessage, error) {
	members, err := h.chatRepo.GetMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	out := &model.ChatWithLastMessage{Chat: *chat, Members: members}

	last, err := h.msgRepo.GetLastMessage(ctx, chat.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	out.LastMessage = last

	unread, err := h.chatRepo.GetUnreadCount(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	out.UnreadCount = unread
	return out, nil
}
