// Package gobwas provides a transport.Dialer built on gobwas/ws, for
// deployments that prefer its zero-copy framing over gorilla/websocket.
package gobwas

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/pkg/protocol"
)

const (
	writeWait = 5 * time.Second
	closeWait = time.Second
)

// Dialer dials client connections with the docmux sub-protocol.
type Dialer struct {
	Timeout time.Duration
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	dialer := ws.Dialer{
		Protocols: []string{protocol.Subprotocol},
		Timeout:   d.Timeout,
	}
	conn, br, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if hs.Protocol != protocol.Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to server: %w (got %q)", transport.ErrSubprotocol, hs.Protocol)
	}

	c := &Conn{conn: conn, reader: conn}
	if br != nil {
		// The server may have sent frames right after the handshake.
		c.reader = br
	}
	return c, nil
}

// Conn wraps a net.Conn speaking the client side of WebSocket framing.
type Conn struct {
	conn    net.Conn
	reader  io.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Read implements transport.Conn.
// Control frames are answered by wsutil; text frames are skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if op == ws.OpBinary {
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
	return wsutil.WriteClientBinary(c.conn, data)
}

// Close implements transport.Conn. It may be called concurrently with
// Write; the close frame is skipped while a write is in flight, and closing
// the socket unblocks that write.
func (c *Conn) Close() error {
	if c.writeMu.TryLock() {
		c.conn.SetWriteDeadline(time.Now().Add(closeWait))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// lockedWriter lets wsutil answer pings without racing Write.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
