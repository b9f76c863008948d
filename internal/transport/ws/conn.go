// Package ws provides the gorilla/websocket implementation of transport.Conn.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Conn adapts gorilla/websocket to the transport.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
	writeMu    sync.Mutex
}

// NewConn wraps a websocket.Conn using its socket address.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn, remoteAddr: conn.RemoteAddr().String()}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements transport.Conn.
// Text frames are skipped. Cancelling ctx unblocks the read and leaves the
// connection unusable.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close implements transport.Conn. It may be called concurrently with Write.
func (c *Conn) Close() error {
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
