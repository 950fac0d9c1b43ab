package wsconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/pixelgrid/pkg/protocol"
)

// Client is the observer side of a session.
type Client struct {
	conn *websocket.Conn
	wlk  sync.Mutex
}

// Dial connects to a server websocket endpoint such as ws://host:port/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one message. It is safe to call from several goroutines.
func (c *Client) Send(t protocol.MessageType, data any) error {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}
	c.wlk.Lock()
	defer c.wlk.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives. Pings are answered by the
// underlying connection.
func (c *Client) Receive() (protocol.Envelope, error) {
	for {
		mt, p, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return protocol.Decode(p)
	}
}

func (c *Client) Close() error {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
