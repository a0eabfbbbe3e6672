package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bubbles/internal/model"
	"github.com/bubbles/internal/presence/memory"
	"github.com/bubbles/pkg/protocol"
)

type fakeChats struct {
	members map[string][]string // chat id -> member ids
}

func (f *fakeChats) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	for _, id := range f.members[chatID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeChats) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	return f.members[chatID], nil
}

// fakeReceipts advances a per-(chat, user) pointer only forward by
// message id, returning the stored pointer like the SQL upsert does.
type fakeReceipts struct {
	stored map[string]*model.ReadReceipt
}

func (f *fakeReceipts) SetLastRead(ctx context.Context, chatID, userID, messageID string) (*model.ReadReceipt, error) {
	if f.stored == nil {
		f.stored = make(map[string]*model.ReadReceipt)
	}
	key := chatID + "|" + userID
	cur, ok := f.stored[key]
	if !ok || messageID > cur.LastReadMessageID {
		cur = &model.ReadReceipt{
			ChatID:            chatID,
			UserID:            userID,
			LastReadMessageID: messageID,
			LastReadAt:        time.Now().UTC(),
		}
		f.stored[key] = cur
	}
	return cur, nil
}

func newTestHub(members map[string][]string) *Hub {
	return NewHub(&fakeChats{members: members}, &fakeReceipts{}, memory.New(), 16)
}

// addConn attaches a connection without running the pumps; tests drive
// HandleEvent directly and read delivered frames off the send channel.
func addConn(h *Hub, userID string) *Client {
	c := NewClient(h, nil, userID, "name-"+userID)
	h.addClient(c)
	return c
}

func envelope(t *testing.T, ev protocol.EventType, payload any) protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Envelope{Type: ev, Payload: raw}
}

func recvFrame(c *Client) (protocol.Frame, bool) {
	select {
	case f := <-c.send:
		return f, true
	default:
		return protocol.Frame{}, false
	}
}

func join(t *testing.T, h *Hub, c *Client, chatID string) {
	t.Helper()
	h.HandleEvent(context.Background(), c, envelope(t, protocol.EventJoinChat, protocol.JoinChatPayload{ChatID: chatID}))
	require.True(t, c.hasJoined(chatID))
}

func TestHubJoinRequiresMembership(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1"}})
	c := addConn(h, "u2")

	h.HandleEvent(context.Background(), c, envelope(t, protocol.EventJoinChat, protocol.JoinChatPayload{ChatID: "c1"}))

	assert.False(t, c.hasJoined("c1"))
	f, ok := recvFrame(c)
	require.True(t, ok)
	assert.Equal(t, protocol.EventError, f.Type)
}

func TestHubDeliveryRequiresJoin(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1", "u2"}})
	joined := addConn(h, "u1")
	idle := addConn(h, "u2")
	join(t, h, joined, "c1")

	frame := protocol.Frame{Type: protocol.EventMessageSent, Payload: protocol.MessageSentPayload{}}
	h.BroadcastToMembers("c1", []string{"u1", "u2"}, frame)

	_, ok := recvFrame(joined)
	assert.True(t, ok, "joined connection receives the frame")
	_, ok = recvFrame(idle)
	assert.False(t, ok, "member without a join subscription hears nothing")
}

func TestHubDeliveryReachesAllSenderConnections(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1"}})
	phone := addConn(h, "u1")
	laptop := addConn(h, "u1")
	join(t, h, phone, "c1")
	join(t, h, laptop, "c1")

	h.BroadcastToMembers("c1", []string{"u1"}, protocol.Frame{Type: protocol.EventMessageSent})

	_, ok := recvFrame(phone)
	assert.True(t, ok)
	_, ok = recvFrame(laptop)
	assert.True(t, ok, "the sender's other devices converge too")
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1"}})
	c := addConn(h, "u1")
	join(t, h, c, "c1")

	h.HandleEvent(context.Background(), c, envelope(t, protocol.EventLeaveChat, protocol.JoinChatPayload{ChatID: "c1"}))
	assert.False(t, c.hasJoined("c1"))

	h.BroadcastToMembers("c1", []string{"u1"}, protocol.Frame{Type: protocol.EventMessageSent})
	_, ok := recvFrame(c)
	assert.False(t, ok)
}

func TestHubTypingSessionIdempotent(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1", "u2"}})
	typer := addConn(h, "u1")
	peer := addConn(h, "u2")
	join(t, h, typer, "c1")
	join(t, h, peer, "c1")

	payload := protocol.TypingPayload{ChatID: "c1"}
	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStart, payload))
	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStart, payload))
	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStart, payload))
	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStop, payload))
	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStop, payload))

	f, ok := recvFrame(peer)
	require.True(t, ok)
	assert.Equal(t, protocol.EventTypingStart, f.Type)
	p, ok := f.Payload.(protocol.TypingPayload)
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "name-u1", p.Username)

	f, ok = recvFrame(peer)
	require.True(t, ok)
	assert.Equal(t, protocol.EventTypingStop, f.Type)
	_, ok = recvFrame(peer)
	assert.False(t, ok, "repeats collapse into one start and one stop")

	_, ok = recvFrame(typer)
	assert.False(t, ok, "typing is never echoed to the typist")
}

func TestHubTypingRequiresJoin(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1", "u2"}})
	typer := addConn(h, "u1")
	peer := addConn(h, "u2")
	join(t, h, peer, "c1")

	h.HandleEvent(context.Background(), typer, envelope(t, protocol.EventTypingStart, protocol.TypingPayload{ChatID: "c1"}))

	_, ok := recvFrame(peer)
	assert.False(t, ok)
}

func TestHubReadReceiptBroadcast(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1", "u2"}})
	reader := addConn(h, "u1")
	peer := addConn(h, "u2")
	join(t, h, reader, "c1")
	join(t, h, peer, "c1")

	h.HandleEvent(context.Background(), reader, envelope(t, protocol.EventMessageRead,
		protocol.MessageReadPayload{ChatID: "c1", MessageID: "m5"}))

	f, ok := recvFrame(peer)
	require.True(t, ok)
	require.Equal(t, protocol.EventMessageRead, f.Type)
	p, ok := f.Payload.(protocol.ReadReceiptPayload)
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "m5", p.LastReadMessageID)

	_, ok = recvFrame(reader)
	assert.False(t, ok, "the reader's own ack is not echoed")
}

func TestHubStaleReadAckSuppressed(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1", "u2"}})
	reader := addConn(h, "u1")
	peer := addConn(h, "u2")
	join(t, h, reader, "c1")
	join(t, h, peer, "c1")

	h.HandleEvent(context.Background(), reader, envelope(t, protocol.EventMessageRead,
		protocol.MessageReadPayload{ChatID: "c1", MessageID: "m5"}))
	_, ok := recvFrame(peer)
	require.True(t, ok)

	// An ack for an older message does not move the stored pointer, so
	// nothing is broadcast.
	h.HandleEvent(context.Background(), reader, envelope(t, protocol.EventMessageRead,
		protocol.MessageReadPayload{ChatID: "c1", MessageID: "m3"}))
	_, ok = recvFrame(peer)
	assert.False(t, ok)
}

func TestHubReadRequiresJoin(t *testing.T) {
	h := newTestHub(map[string][]string{"c1": {"u1"}})
	c := addConn(h, "u1")

	h.HandleEvent(context.Background(), c, envelope(t, protocol.EventMessageRead,
		protocol.MessageReadPayload{ChatID: "c1", MessageID: "m1"}))

	f, ok := recvFrame(c)
	require.True(t, ok)
	assert.Equal(t, protocol.EventError, f.Type)
}

func TestHubUnknownEvent(t *testing.T) {
	h := newTestHub(nil)
	c := addConn(h, "u1")

	h.HandleEvent(context.Background(), c, protocol.Envelope{Type: "subscribe_all", Payload: nil})

	f, ok := recvFrame(c)
	require.True(t, ok)
	assert.Equal(t, protocol.EventError, f.Type)
}
