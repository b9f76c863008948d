package ws

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/pkg/protocol"
)

// Dialer dials client connections with the docmux sub-protocol.
type Dialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}

	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to server: %w (got %q)", transport.ErrSubprotocol, conn.Subprotocol())
	}
	return NewConn(conn), nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// Accept upgrades a server-side request. Clients that do not offer the
// docmux sub-protocol are rejected before the upgrade.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !slices.Contains(websocket.Subprotocols(r), protocol.Subprotocol) {
		http.Error(w, "unsupported sub-protocol", http.StatusBadRequest)
		return nil, transport.ErrSubprotocol
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewConnWithAddr(conn, r.RemoteAddr), nil
}
