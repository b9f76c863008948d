package mux

import (
	"errors"
	"fmt"

	"github.com/omochice/docmux/pkg/protocol"
)

// ErrClosed is returned for operations on a closed Multiplexer.
var ErrClosed = errors.New("mux: closed")

// ErrQueueFull is the cause reported when the outbound queue overflows and
// the connection is dropped.
var ErrQueueFull = errors.New("mux: outbound queue full")

// State is the state of the physical connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is reported to OnState listeners. Err is set when the
// transition was caused by an error; an *AuthError means no redial follows.
type StateChange struct {
	From State
	To   State
	Err  error
}

// AuthError reports that the relay rejected the credential. The multiplexer
// stops redialing until Connect is called again.
type AuthError struct {
	Code protocol.ErrorCode
	Body string
}

func (e *AuthError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mux: authentication rejected: %s", e.Code)
	}
	return fmt.Sprintf("mux: authentication rejected: %s: %s", e.Code, e.Body)
}

// ChannelError reports a relay error scoped to one channel token.
type ChannelError struct {
	Token   string
	Code    protocol.ErrorCode
	Message string
}

func (e *ChannelError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mux: channel %s: %s", e.Token, e.Code)
	}
	return fmt.Sprintf("mux: channel %s: %s: %s", e.Token, e.Code, e.Message)
}

type recordState int

const (
	// recordBuffered waits for authentication before its Subscribe is sent.
	recordBuffered recordState = iota
	// recordPending has a Subscribe in flight.
	recordPending
	recordSubscribed
	// recordUnsubscribing has an Unsubscribe in flight.
	recordUnsubscribing
)
