// Package mux shares one physical WebSocket between many channels.
//
// The Multiplexer owns the socket: it authenticates, keeps one subscription
// record per channel token (ref-counted across local consumers), routes
// pushes to the channel adapters and resubscribes everything after a
// reconnect. All of its state belongs to a single event-loop goroutine; API
// calls and socket events reach it through a non-blocking queue, so socket
// events and consumer calls are applied in the order they happened.
package mux

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/omochice/docmux/internal/channel"
	"github.com/omochice/docmux/internal/metrics"
	"github.com/omochice/docmux/internal/reconnect"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/internal/transport/ws"
	"github.com/omochice/docmux/pkg/protocol"
)

const (
	defaultOutboundQueue = 256
	defaultDialTimeout   = 15 * time.Second

	reasonReleased = "released"
	reasonShutdown = "multiplexer closed"
)

// TokenSource supplies the credential sent in the Auth frame. It is called
// before every dial, so a refreshed credential is picked up on reconnect.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config configures a Multiplexer.
type Config struct {
	URL    string
	Tokens TokenSource

	// Dialer opens the physical connection. Defaults to the gorilla dialer.
	Dialer transport.Dialer

	// Backoff paces redials. Defaults to reconnect.NewLogBackOff().
	Backoff backoff.BackOff

	Metrics *metrics.Mux

	// OutboundQueue bounds frames waiting for the writer goroutine.
	OutboundQueue int
	DialTimeout   time.Duration
}

type record struct {
	token    string
	state    recordState
	channels []*channel.Channel
	// closing holds released channels waiting for UnsubscribeAccept.
	closing []*channel.Channel
}

// link is one physical connection and its goroutines.
type link struct {
	conn   transport.Conn
	out    chan []byte
	done   chan struct{}
	cancel context.CancelFunc
}

// Multiplexer shares one physical connection between channels.
type Multiplexer struct {
	cfg     Config
	redial  *reconnect.Redialer
	metrics *metrics.Mux

	ctx    context.Context
	cancel context.CancelFunc

	qmu      sync.Mutex
	queue    []func()
	shut     bool
	wake     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	current atomic.Int32

	lmu       sync.Mutex
	listeners map[uint64]func(StateChange)
	nextID    uint64

	// Owned by the event loop.
	state      State
	link       *link
	dialing    bool
	authed     bool
	authFailed error
	buffered   map[string]struct{}
	active     map[string]struct{}
	records    map[string]*record
	closed     bool
}

// New creates a Multiplexer and starts its event loop. No connection is
// made until Connect is called; channels opened before that are buffered.
func New(cfg Config) *Multiplexer {
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &ws.Dialer{}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = reconnect.NewLogBackOff()
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		cfg:       cfg,
		redial:    reconnect.NewRedialer(cfg.Backoff),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		listeners: make(map[uint64]func(StateChange)),
		state:     StateDisconnected,
		buffered:  make(map[string]struct{}),
		active:    make(map[string]struct{}),
		records:   make(map[string]*record),
	}
	m.current.Store(int32(StateDisconnected))
	go m.run()
	return m
}

// Connect starts dialing. After an authentication failure, calling Connect
// again retries with a credential fetched fresh from the TokenSource.
func (m *Multiplexer) Connect() {
	m.enqueue(func() {
		m.authFailed = nil
		if m.link == nil && !m.dialing {
			m.redial.Cancel()
			m.dial()
		}
	})
}

// Close shuts the multiplexer down. Every channel receives a close event,
// no further redials happen and the physical connection is closed before
// Close returns. Close must not be called from a channel listener.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.redial.Stop()
		m.qmu.Lock()
		m.queue = append(m.queue, m.shutdown)
		m.shut = true
		m.qmu.Unlock()
		m.notify()

		<-m.loopDone
		m.wg.Wait()
	})
	return nil
}

// State returns the current physical connection state.
func (m *Multiplexer) State() State {
	return State(m.current.Load())
}

// OnState registers a listener for connection state changes. Listeners run
// on the event loop and must not block.
func (m *Multiplexer) OnState(fn func(StateChange)) (cancel func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

// Open returns a new channel adapter for token. Adapters opened for the same
// token share one subscription; the adapter emits EventOpen once the relay
// has accepted it.
func (m *Multiplexer) Open(token string) *channel.Channel {
	ch := channel.New(token, func(data []byte) error {
		return m.send(token, data)
	}, m.release)

	if err := protocol.ValidToken(token); err != nil {
		ch.HandleError(err)
		ch.HandleClose(err.Error())
		return ch
	}
	if !m.enqueue(func() { m.attach(ch) }) {
		ch.HandleClose(reasonShutdown)
	}
	return ch
}

func (m *Multiplexer) release(ch *channel.Channel) {
	if !m.enqueue(func() { m.detach(ch) }) {
		ch.HandleClose(reasonShutdown)
	}
}

func (m *Multiplexer) send(token string, data []byte) error {
	payload := bytes.Clone(data)
	ok := m.enqueue(func() {
		rec := m.records[token]
		if !m.authed || rec == nil || rec.state != recordSubscribed {
			m.metrics.Dropped("send_not_subscribed")
			return
		}
		m.write(protocol.Data{Token: token, Payload: payload})
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

func (m *Multiplexer) enqueue(op func()) bool {
	m.qmu.Lock()
	if m.shut {
		m.qmu.Unlock()
		return false
	}
	m.queue = append(m.queue, op)
	m.qmu.Unlock()
	m.notify()
	return true
}

func (m *Multiplexer) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) run() {
	defer close(m.loopDone)
	for range m.wake {
		m.qmu.Lock()
		ops := m.queue
		m.queue = nil
		m.qmu.Unlock()

		for _, op := range ops {
			op()
			if m.closed {
				return
			}
		}
	}
}

// dial starts a connection attempt on its own goroutine.
func (m *Multiplexer) dial() {
	if m.closed || m.link != nil || m.dialing || m.authFailed != nil {
		return
	}
	m.dialing = true
	m.setState(StateConnecting, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		defer cancel()

		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
		var token string
		if err == nil {
			token, err = m.cfg.Tokens(ctx)
			if err == nil && !utf8.ValidString(token) {
				err = fmt.Errorf("failed to fetch credential: %w", protocol.ErrInvalidUTF8)
			}
			if err != nil {
				conn.Close()
				conn = nil
			}
		}
		if !m.enqueue(func() { m.dialed(conn, token, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Multiplexer) dialed(conn transport.Conn, token string, err error) {
	m.dialing = false
	if err != nil {
		glog.Warningf("[mux] dial %s failed: %v", m.cfg.URL, err)
		m.setState(StateDisconnected, err)
		m.scheduleRedial()
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	l := &link{
		conn:   conn,
		out:    make(chan []byte, m.cfg.OutboundQueue),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.link = l
	glog.Infof("[mux] connected to %s", conn.RemoteAddr())
	m.setState(StateAuthenticating, nil)

	m.wg.Add(2)
	go m.readLoop(ctx, l)
	go m.writeLoop(l)

	m.write(protocol.Auth{Token: token})
}

func (m *Multiplexer) readLoop(ctx context.Context, l *link) {
	defer m.wg.Done()
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			m.enqueue(func() { m.dropped(l, err) })
			return
		}
		m.enqueue(func() { m.receive(l, data) })
	}
}

func (m *Multiplexer) writeLoop(l *link) {
	defer m.wg.Done()
	for {
		select {
		case data := <-l.out:
			if err := l.conn.Write(context.Background(), data); err != nil {
				m.enqueue(func() { m.dropped(l, err) })
				return
			}
		case <-l.done:
			return
		}
	}
}

// write encodes msg and hands it to the writer goroutine, the only writer
// of the physical socket.
func (m *Multiplexer) write(msg protocol.ClientMessage) {
	l := m.link
	if l == nil {
		return
	}
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		glog.Warningf("[mux] dropping outbound %s: %v", msg.Kind(), err)
		return
	}
	select {
	case l.out <- data:
		m.metrics.FrameSent(msg.Kind().String())
		if glog.V(2) {
			glog.Infof("[mux] -> %s (%d bytes)", msg.Kind(), len(data))
		}
	default:
		// The writer is stuck; the link is dropped once this op returns.
		m.metrics.Dropped("outbound_full")
		m.enqueue(func() { m.dropped(l, ErrQueueFull) })
	}
}

func (m *Multiplexer) dropped(l *link, err error) {
	if m.link != l {
		return
	}
	glog.Warningf("[mux] connection to %s lost: %v", l.conn.RemoteAddr(), err)
	m.teardown(err)
	m.scheduleRedial()
}

func (m *Multiplexer) scheduleRedial() {
	if m.closed || m.authFailed != nil {
		return
	}
	delay := m.redial.Schedule(func() {
		m.enqueue(m.dial)
	})
	if delay == backoff.Stop {
		return
	}
	m.metrics.Redial()
	glog.Infof("[mux] redialing %s in %v", m.cfg.URL, delay)
}

// teardown discards the current link. Subscribed channels are interrupted
// and stay in active so the next AuthAccept resubscribes them.
func (m *Multiplexer) teardown(cause error) {
	l := m.link
	if l == nil {
		return
	}
	m.link = nil
	close(l.done)
	l.cancel()
	l.conn.Close()

	m.authed = false
	for token := range m.buffered {
		m.active[token] = struct{}{}
	}
	m.buffered = make(map[string]struct{})

	for token, rec := range m.records {
		for _, ch := range rec.closing {
			ch.HandleClose(reasonReleased)
		}
		rec.closing = nil
		if len(rec.channels) == 0 {
			delete(m.records, token)
			delete(m.active, token)
			continue
		}
		m.active[token] = struct{}{}
		rec.state = recordBuffered
		for _, ch := range slices.Clone(rec.channels) {
			ch.HandleInterrupted()
		}
	}
	m.metrics.SetSubscriptions(len(m.records))
	m.setState(StateDisconnected, cause)
}

func (m *Multiplexer) receive(l *link, data []byte) {
	if m.link != l {
		return
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		m.metrics.DecodeError()
		glog.Warningf("[mux] dropping frame: %v", err)
		return
	}
	m.metrics.FrameReceived(msg.Kind().String())
	if glog.V(2) {
		glog.Infof("[mux] <- %s (%d bytes)", msg.Kind(), len(data))
	}

	switch msg := msg.(type) {
	case protocol.AuthAccept:
		m.authAccepted()
	case protocol.Error:
		m.serverError(msg)
	default:
		if !m.authed {
			m.metrics.Dropped("before_auth")
			glog.Warningf("[mux] dropping %s received before auth", msg.Kind())
			return
		}
		switch msg := msg.(type) {
		case protocol.SubscribeAccept:
			m.subscribeAccepted(msg.Token)
		case protocol.UnsubscribeAccept:
			m.unsubscribeAccepted(msg.Token)
		case protocol.Push:
			m.push(msg)
		}
	}
}

// authAccepted flushes buffered and previously active tokens as one
// Subscribe each.
func (m *Multiplexer) authAccepted() {
	if m.authed {
		return
	}
	m.authed = true
	m.redial.Reset()
	glog.Infof("[mux] authenticated with %s", m.link.conn.RemoteAddr())

	pending := make([]string, 0, len(m.buffered)+len(m.active))
	for token := range m.buffered {
		pending = append(pending, token)
	}
	for token := range m.active {
		if _, ok := m.buffered[token]; !ok {
			pending = append(pending, token)
		}
	}
	slices.Sort(pending)
	m.buffered = make(map[string]struct{})
	m.active = make(map[string]struct{})

	m.setState(StateAuthenticated, nil)
	for _, token := range pending {
		rec := m.records[token]
		if rec == nil || len(rec.channels) == 0 {
			continue
		}
		m.subscribe(rec)
	}
}

func (m *Multiplexer) subscribe(rec *record) {
	rec.state = recordPending
	m.active[rec.token] = struct{}{}
	m.write(protocol.Subscribe{Token: rec.token})
}

func (m *Multiplexer) subscribeAccepted(token string) {
	rec := m.records[token]
	if rec == nil || rec.state != recordPending {
		m.metrics.Dropped("unexpected_subscribe_accept")
		glog.V(1).Infof("[mux] ignoring subscribe accept for %s", token)
		return
	}
	rec.state = recordSubscribed
	for _, ch := range slices.Clone(rec.channels) {
		ch.HandleOpen()
	}
}

func (m *Multiplexer) unsubscribeAccepted(token string) {
	rec := m.records[token]
	if rec == nil || rec.state != recordUnsubscribing {
		m.metrics.Dropped("unexpected_unsubscribe_accept")
		glog.V(1).Infof("[mux] ignoring unsubscribe accept for %s", token)
		return
	}
	closing := rec.closing
	rec.closing = nil
	for _, ch := range closing {
		ch.HandleClose(reasonReleased)
	}
	if len(rec.channels) > 0 {
		// Reopened while the unsubscribe was in flight.
		m.subscribe(rec)
		return
	}
	delete(m.records, token)
	m.metrics.SetSubscriptions(len(m.records))
}

// push fans a payload out to every adapter sharing the token. Pushes for
// tokens without a record are late arrivals after an unsubscribe and are
// dropped.
func (m *Multiplexer) push(msg protocol.Push) {
	rec := m.records[msg.Token]
	if rec == nil {
		m.metrics.Dropped("no_record")
		glog.V(1).Infof("[mux] dropping push for unknown channel %s", msg.Token)
		return
	}
	if rec.state != recordSubscribed {
		m.metrics.Dropped("not_subscribed")
		glog.V(1).Infof("[mux] dropping push for channel %s in state %d", msg.Token, rec.state)
		return
	}
	for _, ch := range slices.Clone(rec.channels) {
		ch.HandleMessage(msg.Payload)
	}
}

func (m *Multiplexer) serverError(msg protocol.Error) {
	switch {
	case msg.Code.IsAuth():
		err := &AuthError{Code: msg.Code, Body: msg.Body}
		glog.Errorf("[mux] %v", err)
		m.authFailed = err
		m.redial.Cancel()
		m.teardown(err)
	case msg.Code.IsChannel():
		token, text := protocol.ParseErrorBody(msg.Body)
		rec := m.records[token]
		if rec == nil {
			m.metrics.Dropped("no_record")
			glog.V(1).Infof("[mux] dropping %s for unknown channel %s", msg.Code, token)
			return
		}
		err := &ChannelError{Token: token, Code: msg.Code, Message: text}
		glog.Warningf("[mux] %v", err)
		delete(m.records, token)
		delete(m.active, token)
		delete(m.buffered, token)
		m.metrics.SetSubscriptions(len(m.records))
		for _, ch := range append(rec.channels, rec.closing...) {
			ch.HandleError(err)
			ch.HandleClose(err.Error())
		}
	default:
		m.metrics.Dropped("unknown_error_code")
		glog.Warningf("[mux] dropping error frame with unknown code %d", uint16(msg.Code))
	}
}

func (m *Multiplexer) attach(ch *channel.Channel) {
	token := ch.Token()
	rec := m.records[token]
	if rec != nil {
		rec.channels = append(rec.channels, ch)
		if rec.state == recordSubscribed {
			ch.HandleOpen()
		}
		return
	}

	rec = &record{token: token, state: recordBuffered, channels: []*channel.Channel{ch}}
	m.records[token] = rec
	m.metrics.SetSubscriptions(len(m.records))
	if m.authed {
		m.subscribe(rec)
		return
	}
	m.buffered[token] = struct{}{}
}

func (m *Multiplexer) detach(ch *channel.Channel) {
	token := ch.Token()
	rec := m.records[token]
	if rec == nil {
		ch.HandleClose(reasonReleased)
		return
	}
	i := slices.Index(rec.channels, ch)
	if i < 0 {
		ch.HandleClose(reasonReleased)
		return
	}
	rec.channels = slices.Delete(rec.channels, i, i+1)
	if len(rec.channels) > 0 {
		ch.HandleClose(reasonReleased)
		return
	}

	switch rec.state {
	case recordUnsubscribing:
		rec.closing = append(rec.closing, ch)
	case recordPending, recordSubscribed:
		if m.authed {
			rec.state = recordUnsubscribing
			rec.closing = append(rec.closing, ch)
			delete(m.active, token)
			m.write(protocol.Unsubscribe{Token: token})
			return
		}
		fallthrough
	default:
		delete(m.records, token)
		delete(m.buffered, token)
		delete(m.active, token)
		m.metrics.SetSubscriptions(len(m.records))
		ch.HandleClose(reasonReleased)
	}
}

func (m *Multiplexer) shutdown() {
	m.closed = true
	m.redial.Stop()
	glog.Infof("[mux] shutting down with %d channels", len(m.records))

	records := m.records
	m.records = make(map[string]*record)
	m.buffered = make(map[string]struct{})
	m.active = make(map[string]struct{})
	for _, rec := range records {
		for _, ch := range append(rec.channels, rec.closing...) {
			ch.HandleClose(reasonShutdown)
		}
	}
	m.metrics.SetSubscriptions(0)

	if l := m.link; l != nil {
		m.link = nil
		close(l.done)
		l.cancel()
		l.conn.Close()
	}
	m.authed = false
	m.cancel()
	m.setState(StateClosed, nil)
}

func (m *Multiplexer) setState(to State, err error) {
	from := m.state
	if from == to && err == nil {
		return
	}
	m.state = to
	m.current.Store(int32(to))
	if from != to {
		m.metrics.SetState(from.String(), to.String())
	}

	m.lmu.Lock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.lmu.Unlock()

	change := StateChange{From: from, To: to, Err: err}
	for _, fn := range listeners {
		fn(change)
	}
}
