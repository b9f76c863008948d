// Package channel presents one multiplexed channel to its consumer with the
// event contract of a raw socket: open, message, close and error.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotOpen is returned by Send when the channel is not Open. Nothing is sent.
	ErrNotOpen = errors.New("channel: not open")
	// ErrClosed is returned by Wait once the channel has closed.
	ErrClosed = errors.New("channel: closed")
)

// ReadyState mirrors the readyState of a WebSocket.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

// String returns the string representation of ReadyState
func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies an Event.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	// EventInterrupted reports that the physical connection dropped. The
	// channel stays subscribed and a later EventOpen reports the resubscribe.
	EventInterrupted
	EventError
	EventClose
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners registered with On.
type Event struct {
	Type   EventType
	Data   []byte
	Err    error
	Reason string
}

// Listener receives channel events. Listeners run on the multiplexer's event
// loop and must not block.
type Listener func(Event)

// Channel is a socket-shaped view of one channel token. It knows nothing about
// the physical connection; the multiplexer drives it through the Handle methods.
type Channel struct {
	token   string
	send    func([]byte) error
	release func(*Channel)

	mu          sync.Mutex
	state       ReadyState
	listeners   map[uint64]Listener
	order       []uint64
	nextID      uint64
	released    bool
	closeReason string
	changed     chan struct{}
}

// New creates a Channel in the Connecting state. send forwards outbound
// payloads; release is called once when the consumer closes the channel.
func New(token string, send func([]byte) error, release func(*Channel)) *Channel {
	return &Channel{
		token:     token,
		send:      send,
		release:   release,
		state:     Connecting,
		listeners: make(map[uint64]Listener),
		changed:   make(chan struct{}),
	}
}

// Token returns the channel token.
func (c *Channel) Token() string {
	return c.token
}

// ReadyState returns the current state.
func (c *Channel) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason returns the reason carried by the close event, once Closed.
func (c *Channel) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// On registers a listener and returns a function that removes it.
func (c *Channel) On(l Listener) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Send forwards data upstream. It is a no-op returning ErrNotOpen unless the
// channel is Open; nothing is buffered for later.
func (c *Channel) Send(data []byte) error {
	if c.ReadyState() != Open {
		return ErrNotOpen
	}
	if err := c.send(data); err != nil {
		return fmt.Errorf("failed to send on %s: %w", c.token, err)
	}
	return nil
}

// Close moves the channel to Closing and releases the upstream subscription.
// The close event follows once the multiplexer confirms it.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.released || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.setStateLocked(Closing)
	c.mu.Unlock()

	if c.release != nil {
		c.release(c)
	}
}

// Wait blocks until the channel is Open, it closes, or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch state {
		case Open:
			return nil
		case Closing, Closed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleOpen reports that the subscription was accepted.
func (c *Channel) HandleOpen() {
	if c.transition(Open, Connecting) {
		c.emit(Event{Type: EventOpen})
	}
}

// HandleMessage delivers an inbound payload.
func (c *Channel) HandleMessage(data []byte) {
	if c.ReadyState() != Open {
		return
	}
	c.emit(Event{Type: EventMessage, Data: data})
}

// HandleInterrupted reports a physical disconnect while subscribed.
func (c *Channel) HandleInterrupted() {
	if c.transition(Connecting, Open) {
		c.emit(Event{Type: EventInterrupted})
	}
}

// HandleError reports a terminal error. A close event must follow.
func (c *Channel) HandleError(err error) {
	if c.ReadyState() == Closed {
		return
	}
	c.emit(Event{Type: EventError, Err: err})
}

// HandleClose moves the channel to Closed. It is idempotent.
func (c *Channel) HandleClose(reason string) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.closeReason = reason
	c.setStateLocked(Closed)
	c.mu.Unlock()

	c.emit(Event{Type: EventClose, Reason: reason})

	c.mu.Lock()
	c.listeners = make(map[uint64]Listener)
	c.order = nil
	c.mu.Unlock()
}

// transition moves to next if the current state is one of from.
func (c *Channel) transition(next ReadyState, from ...ReadyState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.setStateLocked(next)
			return true
		}
	}
	return false
}

func (c *Channel) setStateLocked(s ReadyState) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.order))
	live := c.order[:0]
	for _, id := range c.order {
		if l, ok := c.listeners[id]; ok {
			listeners = append(listeners, l)
			live = append(live, id)
		}
	}
	c.order = live
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
