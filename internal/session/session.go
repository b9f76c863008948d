// Package session turns channel and connection events into the single
// status a document editor shows: loaded, connected, synced, reconnecting or
// disconnected. It also restores the document from the offline cache before
// the relay answers and snapshots it back on teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/omochice/docmux/internal/cache"
	"github.com/omochice/docmux/internal/channel"
	"github.com/omochice/docmux/internal/mux"
	"github.com/omochice/docmux/internal/reconnect"
)

var (
	ErrClosed         = errors.New("session: closed")
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrDisconnectTimeout is the cause recorded when the connection stays
	// down past the disconnect timeout.
	ErrDisconnectTimeout = errors.New("session: disconnect timeout elapsed")
)

// State is the consumer-facing session status.
type State int

const (
	Initialising State = iota
	Loaded
	Connected
	Synced
	Reconnecting
	Disconnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Initialising:
		return "initialising"
	case Loaded:
		return "loaded"
	case Connected:
		return "connected"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transition is reported to OnStateChange listeners.
type Transition struct {
	From State
	To   State
	Err  error
}

// Document is the local replica. Payloads are opaque to the session.
type Document interface {
	// Restore loads a snapshot taken by Snapshot.
	Restore(data []byte) error
	Snapshot() []byte
	// Apply merges an inbound payload and reports whether the replica is now
	// in sync with the relay.
	Apply(data []byte) (synced bool, err error)
}

// SyncStarter is implemented by documents that open every connection with a
// handshake frame.
type SyncStarter interface {
	SyncStep() []byte
}

// Opener opens channels. *mux.Multiplexer satisfies it.
type Opener interface {
	Open(token string) *channel.Channel
}

type stateNotifier interface {
	OnState(fn func(mux.StateChange)) (cancel func())
}

// Config configures a Session.
type Config struct {
	Token    string
	Opener   Opener
	Cache    cache.Store
	Document Document

	// DisconnectTimeout is how long the connection may stay down before the
	// session reports Disconnected. Defaults to reconnect.DefaultDisconnectTimeout.
	DisconnectTimeout time.Duration
}

// Session tracks one document channel.
type Session struct {
	cfg      Config
	watchdog *reconnect.Watchdog

	mu        sync.Mutex
	state     State
	err       error
	history   []State
	ch        *channel.Channel
	started   bool
	closed    bool
	restored  bool
	cancels   []func()
	listeners map[uint64]func(Transition)
	nextID    uint64

	// notifyMu keeps listener calls in transition order.
	notifyMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New creates a Session in the Initialising state.
func New(cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		watchdog:  reconnect.NewWatchdog(cfg.DisconnectTimeout),
		state:     Initialising,
		history:   []State{Initialising},
		listeners: make(map[uint64]func(Transition)),
	}
}

// Start restores the cached snapshot, opens the channel and arms the
// disconnect watchdog. The session is closed when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.restore()
	s.transition(Loaded, nil, Initialising)

	if n, ok := s.cfg.Opener.(stateNotifier); ok {
		cancel := n.OnState(s.handleConnState)
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
	}

	ch := s.cfg.Opener.Open(s.cfg.Token)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return ErrClosed
	}
	s.ch = ch
	s.mu.Unlock()

	stopListening := ch.On(s.handle)
	stopCtx := context.AfterFunc(ctx, func() { s.Close() })
	s.mu.Lock()
	s.cancels = append(s.cancels, stopListening, func() { stopCtx() })
	s.mu.Unlock()

	// Channels sharing an existing subscription may already be open. Only a
	// session still in Loaded missed the event.
	switch ch.ReadyState() {
	case channel.Open:
		s.opened(Loaded)
	case channel.Closed:
		if s.State() == Loaded {
			s.handle(channel.Event{Type: channel.EventClose, Reason: ch.CloseReason()})
		}
	}
	return nil
}

func (s *Session) restore() {
	if s.cfg.Cache == nil || s.cfg.Document == nil {
		return
	}
	data, ok, err := s.cfg.Cache.Get(s.cfg.Token)
	if err != nil {
		glog.Warningf("[session] %s: cache read failed: %v", s.cfg.Token, err)
		return
	}
	if !ok {
		glog.V(1).Infof("[session] %s: nothing cached", s.cfg.Token)
		return
	}
	if err := s.cfg.Document.Restore(data); err != nil {
		glog.Warningf("[session] %s: restore from cache failed: %v", s.cfg.Token, err)
		return
	}
	s.mu.Lock()
	s.restored = true
	s.mu.Unlock()
	glog.V(1).Infof("[session] %s: restored %d bytes from cache", s.cfg.Token, len(data))
}

// Restored reports whether Start restored the document from the cache.
func (s *Session) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// Send forwards an update to the relay. It fails unless the channel is open.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	ch, closed := s.ch, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ch == nil {
		return channel.ErrNotOpen
	}
	return ch.Send(data)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that caused the last move to Disconnected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// History returns every state entered so far, oldest first.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// OnStateChange registers a listener for transitions. Listeners may run on
// the multiplexer's event loop and must not block.
func (s *Session) OnStateChange(fn func(Transition)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close snapshots the document into the cache and closes the channel. It
// works whether or not the connection is up and is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	s.mu.Lock()
	s.closed = true
	ch, cancels := s.ch, s.cancels
	s.cancels = nil
	s.mu.Unlock()

	s.watchdog.Stop()
	for _, cancel := range cancels {
		cancel()
	}

	var err error
	if s.cfg.Cache != nil && s.cfg.Document != nil {
		if perr := s.cfg.Cache.Put(s.cfg.Token, s.cfg.Document.Snapshot()); perr != nil {
			err = fmt.Errorf("failed to cache %s: %w", s.cfg.Token, perr)
		}
	}
	if ch != nil {
		ch.Close()
	}
	glog.V(1).Infof("[session] %s: closed in state %s", s.cfg.Token, s.State())
	return err
}

func (s *Session) handle(ev channel.Event) {
	switch ev.Type {
	case channel.EventOpen:
		s.opened(Loaded, Reconnecting, Disconnected)
	case channel.EventMessage:
		s.apply(ev.Data)
	case channel.EventInterrupted:
		s.transition(Reconnecting, nil, Connected, Synced)
	case channel.EventError:
		s.mu.Lock()
		s.err = ev.Err
		s.mu.Unlock()
		glog.Warningf("[session] %s: channel error: %v", s.cfg.Token, ev.Err)
	case channel.EventClose:
		s.mu.Lock()
		closing, cause := s.closed, s.err
		s.mu.Unlock()
		if closing {
			return
		}
		if cause == nil {
			cause = fmt.Errorf("channel closed: %s", ev.Reason)
		}
		s.transition(Disconnected, cause, Loaded, Connected, Synced, Reconnecting, Disconnected)
	}
}

func (s *Session) opened(from ...State) {
	if s.transition(Connected, nil, from...) {
		s.startSync()
	}
}

func (s *Session) apply(data []byte) {
	if s.cfg.Document == nil {
		return
	}
	synced, err := s.cfg.Document.Apply(data)
	if err != nil {
		glog.Warningf("[session] %s: failed to apply update: %v", s.cfg.Token, err)
		return
	}
	if synced {
		s.transition(Synced, nil, Connected)
	}
}

func (s *Session) startSync() {
	starter, ok := s.cfg.Document.(SyncStarter)
	if !ok {
		return
	}
	step := starter.SyncStep()
	if len(step) == 0 {
		return
	}
	if err := s.Send(step); err != nil {
		glog.Warningf("[session] %s: failed to send sync step: %v", s.cfg.Token, err)
	}
}

func (s *Session) expire() {
	if s.transition(Disconnected, ErrDisconnectTimeout, Loaded, Reconnecting) {
		glog.Warningf("[session] %s: no connection after %v", s.cfg.Token, s.watchdog.Timeout())
	}
}

func (s *Session) handleConnState(sc mux.StateChange) {
	var authErr *mux.AuthError
	if !errors.As(sc.Err, &authErr) {
		return
	}
	s.transition(Disconnected, authErr, Loaded, Connected, Synced, Reconnecting)
}

// transition moves to next when the current state is one of from.
func (s *Session) transition(next State, cause error, from ...State) bool {
	s.mu.Lock()
	if s.closed || !slices.Contains(from, s.state) {
		s.mu.Unlock()
		return false
	}
	if s.state == next && cause == nil {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = next
	s.history = append(s.history, next)
	if next == Disconnected {
		s.err = cause
	} else {
		s.err = nil
	}
	// The watchdog runs only while Loaded or Reconnecting.
	switch next {
	case Loaded, Reconnecting:
		s.watchdog.Disarm()
		s.watchdog.Arm(s.expire)
	default:
		s.watchdog.Disarm()
	}
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]func(Transition), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	glog.Infof("[session] %s: %s -> %s", s.cfg.Token, prev, next)
	t := Transition{From: prev, To: next, Err: cause}
	for _, fn := range listeners {
		fn(t)
	}
	return true
}
