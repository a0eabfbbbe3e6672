// Package chatclient is the client side of the chat protocol: a
// reconnecting WebSocket connection manager, a timeline reconciler, an
// optimistic mutation pipeline and typing/read-receipt helpers.
package chatclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// Outbound frames held while disconnected. When full, the oldest
	// queued frame is dropped.
	sendQueueCap = 256

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Handler receives the raw payload of a matched inbound event.
type Handler func(payload json.RawMessage)

// Manager keeps one logical connection to the server alive. Dial
// failures and dropped connections are retried with exponential backoff
// (1s doubling to 30s, reset after a successful open). While
// disconnected, outbound frames are queued and flushed in order on the
// next open; the joined-chat set is re-announced first, since the server
// forgets it with the connection.
type Manager struct {
	url    string
	dialer Dialer

	mu        sync.Mutex
	conn      Conn
	connected bool
	closed    bool
	attempts  int
	queue     [][]byte
	joined    map[string]struct{}
	handlers  map[string]map[int]Handler
	nextID    int

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(url string, dialer Dialer) *Manager {
	return &Manager{
		url:      url,
		dialer:   dialer,
		joined:   make(map[string]struct{}),
		handlers: make(map[string]map[int]Handler),
		done:     make(chan struct{}),
	}
}

// Connect starts the connect/read/reconnect loop. It returns
// immediately; delivery callbacks fire from a background goroutine.
func (m *Manager) Connect(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Close permanently stops the manager. No reconnection is attempted
// afterwards, even if a connection drops concurrently.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	close(m.done)
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
}

// Connected reports whether a connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// On registers a handler for an event type and returns its unsubscribe
// function.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.handlers[event][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// Send delivers a frame immediately when connected, otherwise queues it.
func (m *Manager) Send(event string, payload any) error {
	data, err := marshalFrame(event, payload)
	if err != nil {
		return err
	}
	m.sendRaw(data)
	return nil
}

// JoinChat subscribes to a chat's events. The subscription is remembered
// and re-announced on every reconnect.
func (m *Manager) JoinChat(chatID string) {
	m.mu.Lock()
	m.joined[chatID] = struct{}{}
	m.mu.Unlock()
	data, _ := marshalFrame("join_chat", map[string]string{"chat_id": chatID})
	m.sendRaw(data)
}

// LeaveChat drops the subscription.
func (m *Manager) LeaveChat(chatID string) {
	m.mu.Lock()
	delete(m.joined, chatID)
	m.mu.Unlock()
	data, _ := marshalFrame("leave_chat", map[string]string{"chat_id": chatID})
	m.sendRaw(data)
}

func marshalFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{Type: event, Payload: payload})
}

func (m *Manager) sendRaw(data []byte) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		m.mu.Lock()
		m.enqueueLocked(data)
		m.mu.Unlock()
		conn.Close()
	}
}

func (m *Manager) enqueueLocked(data []byte) {
	if m.closed {
		return
	}
	if len(m.queue) >= sendQueueCap {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, data)
}

func (m *Manager) loop(ctx context.Context) {
	for {
		if m.isDone(ctx) {
			return
		}
		conn, err := m.dialer.Dial(ctx, m.url)
		if err == nil {
			m.onOpen(conn)
			m.readLoop(conn)
			m.onClosed(conn)
		}
		if m.isDone(ctx) {
			return
		}
		delay := m.nextBackoff()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Manager) isDone(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// nextBackoff returns min(1s * 2^attempts, 30s) and bumps the counter.
func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := baseBackoff << m.attempts
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	if m.attempts < 31 {
		m.attempts++
	}
	return d
}

func (m *Manager) onOpen(conn Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.attempts = 0
	joined := make([]string, 0, len(m.joined))
	for chatID := range m.joined {
		joined = append(joined, chatID)
	}
	m.mu.Unlock()

	// Re-establish server-side subscriptions before flushing queued
	// frames so nothing chat-scoped is sent into the void.
	for _, chatID := range joined {
		data, _ := marshalFrame("join_chat", map[string]string{"chat_id": chatID})
		if conn.WriteMessage(data) != nil {
			conn.Close()
			return
		}
	}

	// Drain the queue before exposing the connection to Send, so queued
	// frames keep their order relative to new ones.
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.conn = conn
			m.connected = true
			m.mu.Unlock()
			return
		}
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()
		for i, data := range pending {
			if conn.WriteMessage(data) != nil {
				conn.Close()
				m.requeue(pending[i:])
				return
			}
		}
	}
}

// requeue puts an unflushed remainder back at the FRONT of the queue:
// Send may have enqueued newer frames while the flush was running, and
// those must stay behind the older ones. Oldest frames are dropped if
// the merge exceeds the cap.
func (m *Manager) requeue(pending [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	merged := make([][]byte, 0, len(pending)+len(m.queue))
	merged = append(merged, pending...)
	merged = append(merged, m.queue...)
	if len(merged) > sendQueueCap {
		merged = merged[len(merged)-sendQueueCap:]
	}
	m.queue = merged
}

func (m *Manager) onClosed(conn Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected = false
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		m.dispatch(env.Type, env.Payload)
	}
}

func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[event]))
	for _, h := range m.handlers[event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}
