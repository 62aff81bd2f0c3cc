package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
)

type serveOptions struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	build   httpserver.BuildInfo
}

type Option func(*serveOptions)

func WithLogger(logger *slog.Logger) Option {
	return func(o *serveOptions) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serveOptions) { o.metrics = m }
}

func WithBuildInfo(build httpserver.BuildInfo) Option {
	return func(o *serveOptions) { o.build = build }
}

// Handle controls a running relay started by Serve.
type Handle struct {
	srv  *Server
	http *httpserver.Server
	ln   net.Listener

	closeOnce sync.Once
	closeErr  error

	served   chan struct{}
	serveErr error
}

// Serve listens on addr and serves relay connections along with the
// operational endpoints. A nil tlsConfig serves plain ws://.
func Serve(keys *keystore.Store, addr string, tlsConfig *tls.Config, cfg config.Config, opts ...Option) (*Handle, error) {
	o := serveOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	scfg := ConfigFrom(cfg, keys)
	scfg.Logger = o.logger
	scfg.Metrics = o.metrics
	srv, err := NewServer(scfg)
	if err != nil {
		return nil, err
	}

	hs := httpserver.New(cfg, o.logger, o.build)
	hs.Mux().Handle("GET /metrics", metrics.PrometheusHandler(o.metrics))
	hs.Mux().Handle("GET /", srv)
	hs.AddReadyCheck(srv.Ready)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		tc := tlsConfig.Clone()
		// WebSocket upgrades need HTTP/1.1.
		tc.NextProtos = []string{"http/1.1"}
		ln = tls.NewListener(ln, tc)
	}

	h := &Handle{srv: srv, http: hs, ln: ln, served: make(chan struct{})}
	go func() {
		defer close(h.served)
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("http server failed", "err", err)
			h.serveErr = err
		}
	}()
	return h, nil
}

func (h *Handle) Addr() net.Addr { return h.ln.Addr() }

func (h *Handle) Server() *Server { return h.srv }

// Done is closed once the HTTP server stops serving, after Close or on a
// listener failure reported by Err.
func (h *Handle) Done() <-chan struct{} { return h.served }

// Err returns the serve error. It is only meaningful after Done is closed.
func (h *Handle) Err() error { return h.serveErr }

// Close stops accepting connections and closes every client with 1001. Use
// WaitClosed to wait for the connections to finish.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.srv.Close()
		h.closeErr = h.http.Close()
	})
	return h.closeErr
}

// WaitClosed blocks until the listener and every client connection have
// finished. It returns the serve error, if any.
func (h *Handle) WaitClosed(ctx context.Context) error {
	select {
	case <-h.served:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := h.srv.Wait(ctx); err != nil {
		return err
	}
	return h.serveErr
}
