package tui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MegaGrindStone/llama-relay/internal/protocol"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the client end of a relay session.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens a session with the relay server at url, e.g. "ws://127.0.0.1:3001/ws".
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Send writes one frame to the server.
func (c *Conn) Send(msg protocol.ClientMessage) error {
	data, err := protocol.EncodeClientMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Receive blocks until the next frame from the server arrives. Frames this client does not understand
// are skipped.
func (c *Conn) Receive() (protocol.ServerMessage, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}

// Close says goodbye to the server and releases the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
