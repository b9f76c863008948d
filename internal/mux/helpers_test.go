package mux_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/docmux/internal/channel"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/pkg/protocol"
)

const waitTimeout = 2 * time.Second

// mockConn is the client end of an in-memory connection. The test plays the
// relay through inject and next.
type mockConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.in:
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case m.out <- data:
		return nil
	case <-m.closed:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return "mock"
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// inject delivers a server message to the client.
func (m *mockConn) inject(t *testing.T, msg protocol.ServerMessage) {
	t.Helper()
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		t.Fatalf("EncodeServer(%v) error = %v", msg, err)
	}
	m.in <- data
}

// next returns the next frame written by the client.
func (m *mockConn) next(t *testing.T) protocol.ClientMessage {
	t.Helper()
	select {
	case data := <-m.out:
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			t.Fatalf("DecodeClient() error = %v", err)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

// expectQuiet fails if the client writes anything within d.
func (m *mockConn) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-m.out:
		msg, _ := protocol.DecodeClient(data)
		t.Fatalf("unexpected client frame %#v", msg)
	case <-time.After(d):
	}
}

// fakeDialer hands every new connection to the test.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	dials int
	conns chan *mockConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *mockConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	c := newMockConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) accept(t *testing.T) *mockConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// recorder collects channel events from the event loop.
type recorder struct {
	mu     sync.Mutex
	events []channel.Event
}

func record(ch *channel.Channel) *recorder {
	r := &recorder{}
	ch.On(func(ev channel.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) types() []channel.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channel.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == channel.EventMessage {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func (r *recorder) count(typ channel.EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == typ {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// countingBackOff hands out a constant delay and counts how the curve is used.
type countingBackOff struct {
	interval time.Duration

	mu    sync.Mutex
	next  int
	reset int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return b.interval
}

func (b *countingBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset++
}

func (b *countingBackOff) nexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

func (b *countingBackOff) resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset
}
