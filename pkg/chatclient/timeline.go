package chatclient

import (
	"sort"
	"sync"

	"github.com/bubbles/pkg/protocol"
)

// Timeline reconciles one chat's messages from every source feeding it:
// history pages, live broadcasts and optimistic local copies. The
// message id is the sole identity; merging the same id twice replaces
// the stored copy rather than duplicating it. Messages are kept ordered
// by (sent_at, id) ascending regardless of arrival order.
type Timeline struct {
	mu         sync.Mutex
	byID       map[string]int
	order      []protocol.Message
	receipts   map[string]protocol.ReadReceiptPayload
	hasMore    bool
	nextCursor string
}

func NewTimeline() *Timeline {
	return &Timeline{
		byID:     make(map[string]int),
		receipts: make(map[string]protocol.ReadReceiptPayload),
		hasMore:  true,
	}
}

// less orders messages by (SentAt, ID).
func less(a, b *protocol.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// Upsert merges a message. A known id is replaced in place; when its
// position changed (a server-confirmed copy with an authoritative
// sent_at), the message is re-sorted.
func (t *Timeline) Upsert(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(msg)
}

func (t *Timeline) upsertLocked(msg protocol.Message) {
	if i, ok := t.byID[msg.ID]; ok {
		old := t.order[i]
		t.order[i] = msg
		if !old.SentAt.Equal(msg.SentAt) {
			t.resortLocked()
		}
		return
	}
	i := sort.Search(len(t.order), func(i int) bool { return !less(&t.order[i], &msg) })
	t.order = append(t.order, protocol.Message{})
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = msg
	for j := i; j < len(t.order); j++ {
		t.byID[t.order[j].ID] = j
	}
}

func (t *Timeline) resortLocked() {
	sort.SliceStable(t.order, func(i, j int) bool { return less(&t.order[i], &t.order[j]) })
	for i := range t.order {
		t.byID[t.order[i].ID] = i
	}
}

// AddPage merges a history page and records the paging state. Pages may
// overlap already-known messages; overlaps collapse by id.
func (t *Timeline) AddPage(msgs []protocol.Message, hasMore bool, nextCursor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		t.upsertLocked(m)
	}
	t.hasMore = hasMore
	t.nextCursor = nextCursor
}

// ApplyEdit rewrites content in place. The message keeps its timeline
// position: edits never move messages.
func (t *Timeline) ApplyEdit(p protocol.MessageEditedPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[p.ID]
	if !ok {
		return
	}
	t.order[i].Content = p.Content
	t.order[i].Images = p.Images
	t.order[i].IsEdited = p.IsEdited
}

// ApplyDelete tombstones the message, keeping its position.
func (t *Timeline) ApplyDelete(p protocol.MessageDeletedPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[p.ID]
	if !ok {
		return
	}
	t.order[i].IsDeleted = true
	t.order[i].Content = ""
	t.order[i].Images = []string{}
}

// Remove drops a message entirely. Used to roll back an optimistic send
// the server rejected.
func (t *Timeline) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	t.order = append(t.order[:i], t.order[i+1:]...)
	for j := i; j < len(t.order); j++ {
		t.byID[t.order[j].ID] = j
	}
}

// Get returns a copy of the message with the given id.
func (t *Timeline) Get(id string) (protocol.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return protocol.Message{}, false
	}
	return t.order[i], true
}

// Messages returns the reconciled timeline, oldest first.
func (t *Timeline) Messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Message, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// HasMore reports whether older history remains beyond the oldest
// fetched page.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// NextCursor is the cursor for the next older page.
func (t *Timeline) NextCursor() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextCursor
}

// SetReceipt records a member's read pointer. A receipt older than the
// stored one is ignored, so out-of-order delivery cannot move a pointer
// backwards.
func (t *Timeline) SetReceipt(p protocol.ReadReceiptPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.receipts[p.UserID]
	if ok {
		if p.LastReadAt.Before(cur.LastReadAt) {
			return
		}
		if p.LastReadAt.Equal(cur.LastReadAt) && p.LastReadMessageID <= cur.LastReadMessageID {
			return
		}
	}
	t.receipts[p.UserID] = p
}

// Receipt returns a member's read pointer.
func (t *Timeline) Receipt(userID string) (protocol.ReadReceiptPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.receipts[userID]
	return r, ok
}

// ReadBy lists the members whose read pointer is at or past the given
// message. Unknown ids read as unread by everyone.
func (t *Timeline) ReadBy(messageID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[messageID]
	if !ok {
		return nil
	}
	msg := &t.order[i]
	var users []string
	for uid, r := range t.receipts {
		if r.LastReadAt.After(msg.SentAt) ||
			(r.LastReadAt.Equal(msg.SentAt) && r.LastReadMessageID >= msg.ID) {
			users = append(users, uid)
		}
	}
	sort.Strings(users)
	return users
}
