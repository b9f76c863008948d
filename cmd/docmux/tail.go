package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/omochice/docmux/internal/cache"
	"github.com/omochice/docmux/internal/config"
	"github.com/omochice/docmux/internal/metrics"
	"github.com/omochice/docmux/internal/mux"
	"github.com/omochice/docmux/internal/reconnect"
	"github.com/omochice/docmux/internal/session"
	"github.com/omochice/docmux/internal/transport"
	"github.com/omochice/docmux/internal/transport/gobwas"
	"github.com/omochice/docmux/internal/transport/ws"
)

var tailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Follow one channel: print inbound payloads and send stdin lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tail(ctx, cfg, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func tail(ctx context.Context, cfg *config.Config, token string, in io.Reader, out io.Writer) error {
	store, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			glog.Warningf("failed to close cache: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	if cfg.MetricsListen != "" {
		addr, stop, err := serveMetrics(cfg.MetricsListen, reg)
		if err != nil {
			return err
		}
		defer stop()
		fmt.Fprintf(out, "# metrics on http://%s/metrics\n", addr)
	}

	m := mux.New(mux.Config{
		URL:     cfg.URL,
		Tokens:  mux.StaticToken(cfg.AuthToken),
		Dialer:  newDialer(cfg.Transport),
		Backoff: &reconnect.LogBackOff{Factor: cfg.BackoffFactor(), Max: cfg.BackoffMax()},
		Metrics: metrics.NewMux(reg),
	})
	defer m.Close()

	doc := &printDocument{out: out}
	sess := session.New(session.Config{
		Token:             token,
		Opener:            m,
		Cache:             store,
		Document:          doc,
		DisconnectTimeout: cfg.DisconnectTimeout(),
	})
	sess.OnStateChange(func(t session.Transition) {
		if t.Err != nil {
			fmt.Fprintf(out, "# %s (%v)\n", t.To, t.Err)
			return
		}
		fmt.Fprintf(out, "# %s\n", t.To)
	})
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()
	m.Connect()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- bytes.Clone(scanner.Bytes())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if err := sess.Send(line); err != nil {
				fmt.Fprintf(out, "# not sent: %v\n", err)
				continue
			}
			doc.set(line)
		}
	}
}

// serveMetrics exposes reg on addr until stop is called.
func serveMetrics(addr string, reg *prometheus.Registry) (string, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: r}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Warningf("metrics server: %v", err)
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-done
	}
	return listener.Addr().String(), stop, nil
}

func newDialer(name string) transport.Dialer {
	if name == "gobwas" {
		return &gobwas.Dialer{}
	}
	return &ws.Dialer{}
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		return cache.DialRedis(ctx, cfg.RedisAddr, "docmux", cfg.CacheCapacity)
	case cfg.CachePath != "":
		return cache.OpenFile(cfg.CachePath, cfg.CacheCapacity)
	default:
		return cache.NewMemory(cfg.CacheCapacity), nil
	}
}

// printDocument keeps the last payload seen in either direction and prints
// inbound ones. The first inbound payload counts as the initial sync.
type printDocument struct {
	out io.Writer

	mu      sync.Mutex
	content []byte
}

func (d *printDocument) Restore(data []byte) error {
	d.set(data)
	fmt.Fprintf(d.out, "(cached) %s\n", data)
	return nil
}

func (d *printDocument) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.content)
}

func (d *printDocument) Apply(data []byte) (bool, error) {
	d.set(data)
	fmt.Fprintf(d.out, "%s\n", data)
	return true, nil
}

func (d *printDocument) set(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = bytes.Clone(data)
}
