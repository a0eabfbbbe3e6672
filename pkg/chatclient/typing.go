package chatclient

import (
	"sync"
	"time"

	"github.com/bubbles/pkg/protocol"
)

// TypingDebounce is how long after the last keystroke the typing session
// ends.
const TypingDebounce = 2 * time.Second

// Sender sends protocol frames; satisfied by *Manager.
type Sender interface {
	Send(event string, payload any) error
}

// TypingIndicator turns a stream of keystrokes into at most one
// typing_start per session and one typing_stop once the keystrokes pause
// for TypingDebounce (or Stop is called, e.g. when the message is sent).
type TypingIndicator struct {
	sender   Sender
	chatID   string
	debounce time.Duration

	mu     sync.Mutex
	active bool
	// gen invalidates scheduled timers: every keystroke and stop bumps
	// it, so a timer that already fired but has not run yet is stale by
	// the time it takes the lock and cannot end a live session.
	gen   int
	timer *time.Timer
}

func NewTypingIndicator(sender Sender, chatID string) *TypingIndicator {
	return &TypingIndicator{sender: sender, chatID: chatID, debounce: TypingDebounce}
}

// Keystroke notes input activity. The first keystroke of a session emits
// typing_start; every keystroke pushes the stop out by the debounce
// interval.
func (t *TypingIndicator) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		t.active = true
		t.sender.Send("typing_start", protocol.TypingPayload{ChatID: t.chatID})
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, func() { t.expire(gen) })
}

// expire is the debounce timeout for the generation that scheduled it.
func (t *TypingIndicator) expire(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || gen != t.gen {
		return
	}
	t.stopLocked()
}

// Stop ends the session immediately, emitting typing_stop if one was
// active. Safe to call when idle.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.stopLocked()
}

func (t *TypingIndicator) stopLocked() {
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.sender.Send("typing_stop", protocol.TypingPayload{ChatID: t.chatID})
}

// TypingSet tracks which peers are currently typing in a chat, fed from
// typing_start/typing_stop events.
type TypingSet struct {
	mu    sync.Mutex
	users map[string]string // user id -> username
}

func NewTypingSet() *TypingSet {
	return &TypingSet{users: make(map[string]string)}
}

func (s *TypingSet) Apply(event string, p protocol.TypingPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case "typing_start":
		s.users[p.UserID] = p.Username
	case "typing_stop":
		delete(s.users, p.UserID)
	}
}

// Typing returns the user ids currently typing.
func (s *TypingSet) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.users))
	for uid := range s.users {
		out = append(out, uid)
	}
	return out
}

// ReadTracker advances the local user's read pointer. Acks that do not
// move the pointer forward in (sent_at, id) order are suppressed, so
// revisiting old messages never regresses the receipt or spams the
// server.
type ReadTracker struct {
	sender Sender
	chatID string

	mu         sync.Mutex
	lastSentAt time.Time
	lastID     string
}

func NewReadTracker(sender Sender, chatID string) *ReadTracker {
	return &ReadTracker{sender: sender, chatID: chatID}
}

// MarkRead acks the message if it is beyond the furthest position acked
// so far. Reports whether an ack was sent.
func (r *ReadTracker) MarkRead(msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.SentAt.Before(r.lastSentAt) {
		return false
	}
	if msg.SentAt.Equal(r.lastSentAt) && msg.ID <= r.lastID {
		return false
	}
	r.lastSentAt = msg.SentAt
	r.lastID = msg.ID
	r.sender.Send("message_read", protocol.MessageReadPayload{ChatID: r.chatID, MessageID: msg.ID})
	return true
}
