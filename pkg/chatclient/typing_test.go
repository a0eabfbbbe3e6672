package chatclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bubbles/pkg/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSender) Send(event string, payload any) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func waitForEvents(t *testing.T, s *recordingSender, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.Events(); len(got) >= len(want) {
			assert.Equal(t, want, got)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, got %v", want, s.Events())
}

func TestTypingIndicatorDebounce(t *testing.T) {
	s := &recordingSender{}
	ti := NewTypingIndicator(s, "chat-1")
	ti.debounce = 30 * time.Millisecond

	// A burst of keystrokes collapses into one start and, after the
	// pause, one stop.
	for i := 0; i < 10; i++ {
		ti.Keystroke()
	}
	assert.Equal(t, []string{"typing_start"}, s.Events())

	waitForEvents(t, s, []string{"typing_start", "typing_stop"})
}

func TestTypingIndicatorKeystrokeExtends(t *testing.T) {
	s := &recordingSender{}
	ti := NewTypingIndicator(s, "chat-1")
	ti.debounce = 200 * time.Millisecond

	ti.Keystroke()
	time.Sleep(100 * time.Millisecond)
	ti.Keystroke()
	time.Sleep(100 * time.Millisecond)

	// Still inside the pushed-out window: no stop yet.
	assert.Equal(t, []string{"typing_start"}, s.Events())
	waitForEvents(t, s, []string{"typing_start", "typing_stop"})
}

func TestTypingIndicatorStop(t *testing.T) {
	s := &recordingSender{}
	ti := NewTypingIndicator(s, "chat-1")
	ti.debounce = time.Hour // the explicit stop must not depend on the timer

	ti.Keystroke()
	ti.Stop()
	assert.Equal(t, []string{"typing_start", "typing_stop"}, s.Events())

	// Stop when idle is a no-op.
	ti.Stop()
	assert.Equal(t, []string{"typing_start", "typing_stop"}, s.Events())
}

func TestTypingIndicatorNewSessionAfterStop(t *testing.T) {
	s := &recordingSender{}
	ti := NewTypingIndicator(s, "chat-1")
	ti.debounce = time.Hour

	ti.Keystroke()
	ti.Stop()
	ti.Keystroke()
	ti.Stop()
	assert.Equal(t, []string{"typing_start", "typing_stop", "typing_start", "typing_stop"}, s.Events())
}

func TestTypingIndicatorStaleTimerIgnored(t *testing.T) {
	s := &recordingSender{}
	ti := NewTypingIndicator(s, "chat-1")
	ti.debounce = time.Hour

	// Two keystrokes schedule generations 1 and 2. The first timer may
	// already have fired when the second keystroke lands; its callback
	// must not stop the still-live session.
	ti.Keystroke()
	ti.Keystroke()
	ti.expire(1)
	assert.Equal(t, []string{"typing_start"}, s.Events())

	ti.expire(2)
	assert.Equal(t, []string{"typing_start", "typing_stop"}, s.Events())

	// After the session ended, a leftover callback is a no-op too.
	ti.expire(2)
	assert.Equal(t, []string{"typing_start", "typing_stop"}, s.Events())
}

func TestTypingSet(t *testing.T) {
	set := NewTypingSet()

	set.Apply("typing_start", protocol.TypingPayload{ChatID: "chat-1", UserID: "u2", Username: "bob"})
	set.Apply("typing_start", protocol.TypingPayload{ChatID: "chat-1", UserID: "u2", Username: "bob"})
	set.Apply("typing_start", protocol.TypingPayload{ChatID: "chat-1", UserID: "u3", Username: "carol"})
	assert.ElementsMatch(t, []string{"u2", "u3"}, set.Typing())

	set.Apply("typing_stop", protocol.TypingPayload{ChatID: "chat-1", UserID: "u2"})
	assert.Equal(t, []string{"u3"}, set.Typing())

	// Stop for someone not typing changes nothing.
	set.Apply("typing_stop", protocol.TypingPayload{ChatID: "chat-1", UserID: "u9"})
	assert.Equal(t, []string{"u3"}, set.Typing())
}

func TestReadTrackerMonotonic(t *testing.T) {
	s := &recordingSender{}
	rt := NewReadTracker(s, "chat-1")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m1 := protocol.Message{ID: "m1", SentAt: base}
	m2 := protocol.Message{ID: "m2", SentAt: base.Add(time.Second)}

	require.True(t, rt.MarkRead(m2))
	assert.False(t, rt.MarkRead(m2), "re-reading the same message is not re-acked")
	assert.False(t, rt.MarkRead(m1), "scrolling back never regresses the pointer")

	m3 := protocol.Message{ID: "m3", SentAt: base.Add(2 * time.Second)}
	require.True(t, rt.MarkRead(m3))

	assert.Equal(t, []string{"message_read", "message_read"}, s.Events())
}

func TestReadTrackerTieBreakByID(t *testing.T) {
	s := &recordingSender{}
	rt := NewReadTracker(s, "chat-1")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, rt.MarkRead(protocol.Message{ID: "m2", SentAt: at}))
	assert.False(t, rt.MarkRead(protocol.Message{ID: "m1", SentAt: at}))
	assert.True(t, rt.MarkRead(protocol.Message{ID: "m3", SentAt: at}))
}
