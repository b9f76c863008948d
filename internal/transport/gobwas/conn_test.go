package gobwas_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/docmux/internal/transport/gobwas"
	"github.com/omochice/docmux/internal/transport/ws"
)

func TestDialer_EchoAgainstGorillaServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			c.Write(context.Background(), append([]byte("echo:"), data...))
		}
	}))
	defer server.Close()

	dialer := &gobwas.Dialer{Timeout: time.Second}
	conn, err := dialer.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Write(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "echo:ping" {
		t.Errorf("Read() = %q, want %q", data, "echo:ping")
	}
	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr() returned empty string")
	}
}

func TestConn_CloseDuringBlockedWrite(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r)
		if err != nil {
			return
		}
		defer c.Close()
		// Never read, so the client's socket buffers fill up.
		<-release
	}))
	defer server.Close()
	defer close(release)

	dialer := &gobwas.Dialer{Timeout: time.Second}
	conn, err := dialer.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- conn.Write(context.Background(), make([]byte, 64<<20))
	}()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close() blocked behind a pending Write")
	}

	select {
	case err := <-writeErr:
		if err == nil {
			t.Error("Write() succeeded on a closed connection")
		}
	case <-time.After(time.Second):
		t.Fatal("Write() still blocked after Close")
	}
}

func TestDialer_RefusedConnection(t *testing.T) {
	dialer := &gobwas.Dialer{Timeout: 200 * time.Millisecond}
	if _, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1"); err == nil {
		t.Error("expected error dialing closed port")
	}
}
