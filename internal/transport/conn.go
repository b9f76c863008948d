// Package transport defines the physical connection abstraction shared by the
// multiplexer and the relay.
package transport

import (
	"context"
	"errors"
)

// ErrSubprotocol is returned when the peer did not negotiate the docmux sub-protocol.
var ErrSubprotocol = errors.New("transport: sub-protocol not negotiated")

// Conn abstracts one bidirectional binary WebSocket.
// This interface isolates the WebSocket library from the multiplexer.
type Conn interface {
	// Read reads a single binary frame.
	// Returns io.EOF or a close error when the connection is gone.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single binary frame. Implementations serialize concurrent writers.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
