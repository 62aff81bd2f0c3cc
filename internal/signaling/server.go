package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

var errShuttingDown = errors.New("signaling: server shutting down")

type Config struct {
	Keys *keystore.Store
	// Subprotocols are offered during the upgrade in preference order.
	Subprotocols   []string
	AllowedOrigins []string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
	// MaxConnections caps concurrent WebSocket connections; 0 disables the
	// cap.
	MaxConnections int
	// InitiatorTakeover lets a new initiator replace a live one.
	InitiatorTakeover bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// ConfigFrom extracts the signaling settings from the process configuration.
func ConfigFrom(cfg config.Config, keys *keystore.Store) Config {
	return Config{
		Keys:                 keys,
		Subprotocols:         cfg.Subprotocols,
		AllowedOrigins:       cfg.AllowedOrigins,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		PingInterval:         cfg.PingInterval,
		IdleTimeout:          cfg.IdleTimeout,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueBytes:       cfg.SendQueueBytes,
		MaxConnections:       cfg.MaxConnections,
		InitiatorTakeover:    cfg.InitiatorTakeover,
	}
}

func (c *Config) applyDefaults() {
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = []string{config.DefaultSubprotocol}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = config.DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultIdleTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = config.DefaultSendQueueBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// Server accepts relay connections. It implements http.Handler; every
// request path is treated as a path key.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	engine   *relay.Engine
	origins  origin.Policy
	upgrader websocket.Upgrader

	active atomic.Int64

	mu      sync.Mutex
	closing bool
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Keys == nil || cfg.Keys.Len() == 0 {
		return nil, errors.New("signaling: no permanent key configured")
	}
	cfg.applyDefaults()

	reg := registry.New()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		registry: reg,
		engine:   relay.NewEngine(reg),
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		clients:  make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     cfg.Subprotocols,
		CheckOrigin:      s.checkOrigin,
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.CheckRequest(r) {
		return true
	}
	s.metrics.Inc(metrics.Drop(metrics.DropReasonOriginRejected))
	s.log.Warn("origin rejected", "origin", r.Header.Get("Origin"), "host", r.Host)
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a websocket upgrade", http.StatusUpgradeRequired)
		return
	}
	if err := s.acquire(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.active.Add(-1)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	s.metrics.Inc(metrics.ConnectionsTotal)

	if ws.Subprotocol() == "" {
		s.log.Info("no common subprotocol", "offered", websocket.Subprotocols(r))
		closeNow(ws, protocol.CloseSubprotocolError, "no supported subprotocol")
		return
	}
	pathKey, path, err := parsePath(r.URL.Path)
	if err != nil {
		s.log.Info("invalid path", "err", err)
		closeNow(ws, protocol.CloseProtocolError, "invalid path")
		return
	}

	c, err := newClient(s, ws, pathKey, path)
	if err != nil {
		s.log.Error("create client", "err", err)
		closeNow(ws, protocol.CloseInternalError, "internal error")
		return
	}
	if !s.track(c) {
		closeNow(ws, protocol.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)
	c.run()
}

func (s *Server) acquire() error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return errShuttingDown
	}
	n := s.active.Add(1)
	if limit := s.cfg.MaxConnections; limit > 0 && n > int64(limit) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.Drop(metrics.DropReasonTooManyConnections))
		s.log.Warn("connection limit reached", "max_connections", limit)
		return errors.New("too many connections")
	}
	return nil
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.wg.Done()
}

// parsePath extracts the path key from a request path of exactly 64 hex
// characters. The returned string is the lowercase registry key.
func parsePath(p string) ([protocol.KeySize]byte, string, error) {
	var key [protocol.KeySize]byte
	s := strings.TrimPrefix(p, "/")
	if len(s) != 2*protocol.KeySize {
		return key, "", fmt.Errorf("path key must be %d hex characters, got %d", 2*protocol.KeySize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, "", fmt.Errorf("path key: %w", err)
	}
	copy(key[:], b)
	return key, hex.EncodeToString(b), nil
}

// evictInitiator decides whether a registering initiator replaces existing.
// It runs under the registry lock.
func (s *Server) evictInitiator(existing registry.Handle) bool {
	if s.cfg.InitiatorTakeover {
		return true
	}
	old, ok := existing.(*client)
	if !ok {
		return false
	}
	return old.closing.Load() || old.stale()
}

// Ready fails once Close has been called.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errShuttingDown
	}
	return nil
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Paths returns the number of paths with at least one registered client.
func (s *Server) Paths() int {
	return s.registry.Len()
}

// Close rejects new connections and closes every client with 1001.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if len(clients) > 0 {
		s.log.Info("closing clients", "count", len(clients))
	}
	for _, c := range clients {
		c.teardown(protocol.CloseGoingAway, "server shutting down", false)
	}
}

// Wait blocks until every client connection has finished. It must only be
// called after Close.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newConnID() string {
	return uuid.NewString()
}
