package chatclient

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is a single WebSocket connection as the manager sees it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. The default dials with gorilla/websocket;
// tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	return c.conn.Close()
}

type gorillaDialer struct {
	header http.Header
}

// NewDialer returns the production dialer. The token is passed as a
// bearer header on the handshake.
func NewDialer(token string) Dialer {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &gorillaDialer{header: h}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}
