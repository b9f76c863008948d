// Package relay is a reference docmux relay: it authenticates clients,
// tracks their channel subscriptions and fans Data frames out as Pushes to
// the other subscribers of the same channel.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omochice/docmux/internal/metrics"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/internal/transport/ws"
	"github.com/omochice/docmux/pkg/protocol"
)

const (
	authTimeout   = 10 * time.Second
	outgoingQueue = 64
)

// Config configures a Server.
type Config struct {
	Address string
	Secret  []byte
	// Registry receives the relay metrics and backs /metrics. Defaults to a
	// fresh registry.
	Registry *prometheus.Registry
}

// Server accepts docmux clients over WebSocket.
type Server struct {
	address  string
	verifier *verifier
	hub      *Hub
	registry *prometheus.Registry
	metrics  *metrics.Relay
	router   chi.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay server.
func New(cfg Config) *Server {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.NewRelay(reg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address:  cfg.Address,
		verifier: newVerifier(cfg.Secret),
		hub:      NewHub(m),
		registry: reg,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the subscription hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: authTimeout}

	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	glog.Infof("[relay] listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the server and disconnects every client.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	s.hub.Disconnect()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r)
	if err != nil {
		glog.Warningf("[relay] failed to accept connection from %s: %v", r.RemoteAddr, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(conn)
	}()
}

func (s *Server) serve(conn transport.Conn) {
	defer conn.Close()

	claims, ok := s.authenticate(conn)
	if !ok {
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		Subject:  claims.Subject,
		Conn:     conn,
		Outgoing: make(chan []byte, outgoingQueue),
	}
	s.hub.Register(client)
	glog.Infof("[relay] %s authenticated as %s from %s", client.ID, client.Subject, conn.RemoteAddr())

	s.wg.Add(1)
	go s.writeLoop(client)

	defer func() {
		s.hub.Unregister(client)
		close(client.Outgoing)
		glog.Infof("[relay] %s disconnected", client.ID)
	}()

	s.reply(client, protocol.AuthAccept{})
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			glog.V(1).Infof("[relay] %s: dropping frame: %v", client.ID, err)
			continue
		}
		s.handle(client, claims, msg)
	}
}

// authenticate reads the first frame, which must be a valid Auth.
func (s *Server) authenticate(conn transport.Conn) (*Claims, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, authTimeout)
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		glog.V(1).Infof("[relay] %s: no auth frame: %v", conn.RemoteAddr(), err)
		return nil, false
	}

	msg, err := protocol.DecodeClient(data)
	auth, isAuth := msg.(protocol.Auth)
	if err != nil || !isAuth {
		s.reject(conn, protocol.AuthBadFormat, "expected auth frame")
		return nil, false
	}

	claims, code, err := s.verifier.verify(auth.Token)
	if err != nil {
		glog.Warningf("[relay] %s: rejected credential: %v", conn.RemoteAddr(), err)
		s.reject(conn, code, "")
		return nil, false
	}
	return claims, true
}

func (s *Server) reject(conn transport.Conn, code protocol.ErrorCode, body string) {
	s.metrics.AuthFailed(code.String())
	data, err := protocol.EncodeServer(protocol.Error{Code: code, Body: body})
	if err != nil {
		return
	}
	conn.Write(context.Background(), data)
}

func (s *Server) handle(client *Client, claims *Claims, msg protocol.ClientMessage) {
	switch msg := msg.(type) {
	case protocol.Subscribe:
		if !claims.Allows(msg.Token) {
			glog.Warningf("[relay] %s: %s may not subscribe to %s", client.ID, client.Subject, msg.Token)
			s.reply(client, protocol.Error{
				Code: protocol.ChannelForbidden,
				Body: protocol.ErrorBody(msg.Token, "forbidden"),
			})
			return
		}
		s.hub.Subscribe(client, msg.Token)
		s.reply(client, protocol.SubscribeAccept{Token: msg.Token})
	case protocol.Unsubscribe:
		s.hub.Unsubscribe(client, msg.Token)
		s.reply(client, protocol.UnsubscribeAccept{Token: msg.Token})
	case protocol.Data:
		if !s.hub.Subscribed(client, msg.Token) {
			s.reply(client, protocol.Error{
				Code: protocol.ChannelServerError,
				Body: protocol.ErrorBody(msg.Token, "not subscribed"),
			})
			return
		}
		frame, err := protocol.EncodeServer(protocol.Push{Token: msg.Token, Payload: msg.Payload})
		if err != nil {
			glog.Warningf("[relay] %s: failed to encode push: %v", client.ID, err)
			return
		}
		n := s.hub.Publish(client, msg.Token, frame)
		if glog.V(2) {
			glog.Infof("[relay] %s: %d bytes on %s to %d subscribers", client.ID, len(msg.Payload), msg.Token, n)
		}
	case protocol.Auth:
		glog.V(1).Infof("[relay] %s: ignoring repeated auth", client.ID)
	}
}

// reply queues msg for client. A client that cannot keep up is disconnected.
func (s *Server) reply(client *Client, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		glog.Warningf("[relay] %s: failed to encode %s: %v", client.ID, msg.Kind(), err)
		return
	}
	select {
	case client.Outgoing <- data:
	default:
		glog.Warningf("[relay] %s: outgoing queue full, disconnecting", client.ID)
		client.Conn.Close()
	}
}

func (s *Server) writeLoop(client *Client) {
	defer s.wg.Done()
	for data := range client.Outgoing {
		if err := client.Conn.Write(context.Background(), data); err != nil {
			glog.V(1).Infof("[relay] %s: write failed: %v", client.ID, err)
			client.Conn.Close()
			return
		}
	}
}
