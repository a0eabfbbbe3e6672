package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the hot path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan protocol.Frame
	userID   string
	username string

	// stateMu guards joined and typing. The joined set holds chat ids this
	// connection subscribed to; it dies with the connection, so a
	// reconnecting client must re-join. typing marks chats with an active
	// typing_start from this connection, suppressing duplicates.
	stateMu sync.Mutex
	joined  map[string]struct{}
	typing  map[string]struct{}

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, username string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan protocol.Frame, sendBufSize),
		userID:   userID,
		username: username,
		joined:   make(map[string]struct{}),
		typing:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the read and write pumps with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

func (c *Client) joinChat(chatID string) {
	c.stateMu.Lock()
	c.joined[chatID] = struct{}{}
	c.stateMu.Unlock()
}

func (c *Client) leaveChat(chatID string) {
	c.stateMu.Lock()
	delete(c.joined, chatID)
	delete(c.typing, chatID)
	c.stateMu.Unlock()
}

func (c *Client) hasJoined(chatID string) bool {
	c.stateMu.Lock()
	_, ok := c.joined[chatID]
	c.stateMu.Unlock()
	return ok
}

// startTyping records an active typing session for the chat and reports
// whether this is a fresh start. A repeat start without an intervening
// stop returns false so the hub relays nothing.
func (c *Client) startTyping(chatID string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, active := c.typing[chatID]; active {
		return false
	}
	c.typing[chatID] = struct{}{}
	return true
}

// stopTyping clears the typing session; false when none was active.
func (c *Client) stopTyping(chatID string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, active := c.typing[chatID]; !active {
		return false
	}
	delete(c.typing, chatID)
	return true
}

// activeTypingChats returns the chats with an unfinished typing session.
// Used on disconnect to emit the trailing typing_stop.
func (c *Client) activeTypingChats() []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]string, 0, len(c.typing))
	for chatID := range c.typing {
		out = append(out, chatID)
	}
	return out
}

// readPump reads frames from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.hub.refreshPresence(c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			continue
		}

		c.hub.HandleEvent(ctx, c, env)
	}
}

// writePump writes frames to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(frame); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
