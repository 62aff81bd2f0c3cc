package signaling_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
)

func serveConfig() config.Config {
	return config.Config{
		ListenAddr:       "127.0.0.1:0",
		Subprotocols:     []string{config.DefaultSubprotocol},
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     config.DefaultPingInterval,
		IdleTimeout:      config.DefaultIdleTimeout,
		MaxMessageBytes:  config.DefaultMaxMessageBytes,
		SendQueueBytes:   config.DefaultSendQueueBytes,
		ShutdownTimeout:  time.Second,
	}
}

func startServe(t *testing.T, tlsConfig *tls.Config, m *metrics.Metrics) (*signaling.Handle, *keystore.Store) {
	t.Helper()
	id := newIdentity(t)
	keys, err := keystore.New(id.secret)
	if err != nil {
		t.Fatal(err)
	}
	h, err := signaling.Serve(keys, "127.0.0.1:0", tlsConfig, serveConfig(),
		signaling.WithLogger(testLogger()),
		signaling.WithMetrics(m),
		signaling.WithBuildInfo(httpserver.BuildInfo{Version: "test"}),
	)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, keys
}

func TestServeEndToEnd(t *testing.T) {
	m := metrics.New()
	h, keys := startServe(t, nil, m)
	base := "http://" + h.Addr().String()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status=%d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	var version struct {
		Version      string   `json:"version"`
		Subprotocols []string `json:"subprotocols"`
	}
	err = json.NewDecoder(resp.Body).Decode(&version)
	_ = resp.Body.Close()
	if err != nil || version.Version != "test" || len(version.Subprotocols) != 1 {
		t.Fatalf("version=%+v err=%v", version, err)
	}

	initiator := newIdentity(t)
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	c, err := client.Connect(ctx, client.Config{
		URL:          "ws://" + h.Addr().String(),
		PathKey:      initiator.public,
		Secret:       initiator.secret,
		ServerKey:    keys.Primary().Public,
		Subprotocols: []string{config.DefaultSubprotocol},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.WebSocket().Close()
	waitForCount(t, m, metrics.HandshakesCompleted, 1)

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `event="`+metrics.HandshakesCompleted+`"} 1`) {
		t.Fatalf("metrics body missing handshake count:\n%s", body)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectClose(t, c.WebSocket(), protocol.CloseGoingAway)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), readTimeout)
	defer waitCancel()
	if err := h.WaitClosed(waitCtx); err != nil {
		t.Fatalf("WaitClosed: %v", err)
	}
}

func TestServeTLS(t *testing.T) {
	// Borrow the test certificate of an httptest TLS server.
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()
	tlsConfig := &tls.Config{Certificates: ts.TLS.Certificates}
	clientTLS := ts.Client().Transport.(*http.Transport).TLSClientConfig

	h, keys := startServe(t, tlsConfig, metrics.New())
	initiator := newIdentity(t)
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	c, err := client.Connect(ctx, client.Config{
		URL:          "wss://" + h.Addr().String(),
		PathKey:      initiator.public,
		Secret:       initiator.secret,
		ServerKey:    keys.Primary().Public,
		Subprotocols: []string{config.DefaultSubprotocol},
		Dialer:       &websocket.Dialer{TLSClientConfig: clientTLS},
	})
	if err != nil {
		t.Fatalf("Connect over TLS: %v", err)
	}
	defer c.WebSocket().Close()
	if c.Session.Slot() != protocol.InitiatorID {
		t.Fatalf("slot=0x%02x", c.Session.Slot())
	}
}

func TestServeRejectsMissingKeys(t *testing.T) {
	if _, err := signaling.Serve(nil, "127.0.0.1:0", nil, serveConfig()); err == nil {
		t.Fatalf("Serve without keys succeeded")
	}
}
