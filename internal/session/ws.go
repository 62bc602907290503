package session

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSConn adapts a WebSocket connection to the Conn interface.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSConn) Send(ctx context.Context, event Event) error {
	return c.Write(ctx, event)
}

// Write sends any JSON frame, used for handshake replies and pongs.
func (c *WSConn) Write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// Close starts the close handshake in the background so callers holding no
// reader on the connection are not blocked by an unresponsive peer.
func (c *WSConn) Close(reason string) error {
	go func() {
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
	}()
	return nil
}
