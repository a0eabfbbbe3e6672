package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/metrics"
	"github.com/bubbles/internal/model"
	"github.com/bubbles/internal/presence"
	"github.com/bubbles/pkg/protocol"
)

// MembershipStore is the slice of the chat repository the hub needs.
type MembershipStore interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// ReceiptStore persists read pointers. SetLastRead never moves a pointer
// backwards; it returns the receipt as stored.
type ReceiptStore interface {
	SetLastRead(ctx context.Context, chatID, userID, messageID string) (*model.ReadReceipt, error)
}

// Hub routes events between WebSocket connections. Connections are keyed
// by user id: delivering to a chat means delivering to each member's
// connections, filtered by the per-connection joined-chat set.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	chats    MembershipStore
	receipts ReceiptStore
	pres     presence.Store

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chats MembershipStore, receipts ReceiptStore, pres presence.Store, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		chats:      chats,
		receipts:   receipts,
		pres:       pres,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	metrics.IncWSActive()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pres.SetOnline(ctx, c.userID); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	metrics.DecWSActive()

	// Network I/O outside the lock.
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A connection that vanished mid-typing leaves peers with a stuck
	// indicator; emit the trailing stop on its behalf.
	for _, chatID := range c.activeTypingChats() {
		h.relayTyping(ctx, c, chatID, protocol.EventTypingStop)
	}

	if lastClient {
		if err := h.pres.SetOffline(ctx, c.userID); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
	}
}

// refreshPresence extends the online TTL; called from the pong handler.
func (h *Hub) refreshPresence(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pres.SetOnline(ctx, userID); err != nil {
		logger.Errorf("ws refresh presence user=%s: %v", userID, err)
	}
}

// HandleEvent dispatches incoming WebSocket events.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, env protocol.Envelope) {
	metrics.IncWSEvent(string(env.Type))
	switch env.Type {
	case protocol.EventJoinChat:
		h.handleJoinChat(ctx, c, env.Payload)
	case protocol.EventLeaveChat:
		h.handleLeaveChat(c, env.Payload)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		h.handleTyping(ctx, c, env.Type, env.Payload)
	case protocol.EventMessageRead:
		h.handleMessageRead(ctx, c, env.Payload)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleJoinChat(ctx context.Context, c *Client, raw json.RawMessage) {
	var p protocol.JoinChatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == "" {
		h.sendError(c, "chat_id required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.chats.IsMember(ctx, p.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership chat=%s user=%s: %v", p.ChatID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !isMember {
		h.sendError(c, "not a member")
		return
	}
	c.joinChat(p.ChatID)
}

func (h *Hub) handleLeaveChat(c *Client, raw json.RawMessage) {
	var p protocol.JoinChatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == "" {
		return
	}
	c.leaveChat(p.ChatID)
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, ev protocol.EventType, raw json.RawMessage) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == "" {
		return
	}
	if !c.hasJoined(p.ChatID) {
		return
	}
	// Repeat starts and stray stops are dropped so one typing session
	// yields exactly one start and one stop relay.
	if ev == protocol.EventTypingStart && !c.startTyping(p.ChatID) {
		return
	}
	if ev == protocol.EventTypingStop && !c.stopTyping(p.ChatID) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	h.relayTyping(ctx, c, p.ChatID, ev)
}

func (h *Hub) relayTyping(ctx context.Context, c *Client, chatID string, ev protocol.EventType) {
	memberIDs, err := h.chats.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("ws get members for typing chat=%s: %v", chatID, err)
		return
	}
	frame := protocol.Frame{
		Type: ev,
		Payload: protocol.TypingPayload{
			ChatID:   chatID,
			UserID:   c.userID,
			Username: c.username,
		},
	}
	h.deliver(chatID, memberIDs, frame, c.userID)
}

func (h *Hub) handleMessageRead(ctx context.Context, c *Client, raw json.RawMessage) {
	var p protocol.MessageReadPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == "" || p.MessageID == "" {
		h.sendError(c, "chat_id and message_id required")
		return
	}
	if !c.hasJoined(p.ChatID) {
		h.sendError(c, "not joined")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	receipt, err := h.receipts.SetLastRead(ctx, p.ChatID, c.userID, p.MessageID)
	if err != nil {
		logger.Errorf("ws mark read chat=%s user=%s: %v", p.ChatID, c.userID, err)
		h.sendError(c, "failed to mark read")
		return
	}
	// A stale ack leaves the stored pointer ahead of the acked message;
	// nothing changed, so peers hear nothing.
	if receipt.LastReadMessageID != p.MessageID {
		return
	}

	memberIDs, err := h.chats.GetMemberIDs(ctx, p.ChatID)
	if err != nil {
		logger.Errorf("ws get members for read chat=%s: %v", p.ChatID, err)
		return
	}
	frame := protocol.Frame{
		Type: protocol.EventMessageRead,
		Payload: protocol.ReadReceiptPayload{
			ChatID:            receipt.ChatID,
			UserID:            receipt.UserID,
			LastReadMessageID: receipt.LastReadMessageID,
			LastReadAt:        receipt.LastReadAt,
		},
	}
	h.deliver(p.ChatID, memberIDs, frame, c.userID)
}

// BroadcastToMembers delivers a frame to every given member's connections
// that joined the chat. Used by the HTTP layer after a mutation is
// persisted; the sender's own connections are included so its other
// devices converge.
func (h *Hub) BroadcastToMembers(chatID string, memberIDs []string, frame protocol.Frame) {
	defer logger.DeferLogDuration("ws.BroadcastToMembers", time.Now())()
	h.deliver(chatID, memberIDs, frame, "")
}

// BroadcastToChat looks up the chat's members and delivers to them.
func (h *Hub) BroadcastToChat(ctx context.Context, chatID string, frame protocol.Frame) {
	memberIDs, err := h.chats.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("ws broadcast to chat %s: %v", chatID, err)
		return
	}
	h.BroadcastToMembers(chatID, memberIDs, frame)
}

// deliver fans a frame out to member connections subscribed to the chat,
// skipping every connection of excludeUserID when non-empty.
func (h *Hub) deliver(chatID string, memberIDs []string, frame protocol.Frame, excludeUserID string) {
	metrics.IncBroadcast(string(frame.Type))
	h.mu.RLock()
	targets := make([]*Client, 0, len(memberIDs))
	for _, uid := range memberIDs {
		if uid == excludeUserID {
			continue
		}
		for c := range h.clients[uid] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.hasJoined(chatID) {
			continue
		}
		h.sendToClient(c, frame)
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	h.sendToClient(c, protocol.Frame{Type: protocol.EventError, Payload: protocol.ErrorPayload{Message: msg}})
}

func (h *Hub) sendToClient(c *Client, frame protocol.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		metrics.IncSlowClientDrop()
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
