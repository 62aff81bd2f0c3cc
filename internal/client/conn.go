package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

type Config struct {
	// URL is the relay base URL (ws:// or wss://). The path key is appended.
	URL string
	// PathKey is the initiator's permanent public key.
	PathKey [protocol.KeySize]byte
	// Secret is the client's permanent secret key. The client is the
	// initiator when its public key equals PathKey.
	Secret [protocol.KeySize]byte
	// ServerKey is the server permanent key used to verify signed_keys.
	ServerKey [protocol.KeySize]byte

	Subprotocols []string
	Auth         AuthOptions
	// SendHello forces a client-hello for initiators as well.
	SendHello bool

	Dialer *websocket.Dialer
	Header http.Header
}

// Conn is an authenticated client connection.
type Conn struct {
	ws      *websocket.Conn
	Session *Session
	Auth    protocol.ServerAuth
}

// Connect dials the relay and completes the handshake.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	session, err := NewSession(cfg.Secret, rand.Reader)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target := strings.TrimRight(cfg.URL, "/") + "/" + hex.EncodeToString(cfg.PathKey[:])
	ws, resp, err := (&websocket.Dialer{
		Proxy:            dialer.Proxy,
		TLSClientConfig:  dialer.TLSClientConfig,
		HandshakeTimeout: dialer.HandshakeTimeout,
		NetDialContext:   dialer.NetDialContext,
		Subprotocols:     cfg.Subprotocols,
	}).DialContext(ctx, target, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := &Conn{ws: ws, Session: session}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	if err := c.handshake(cfg); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})
	return c, nil
}

func (c *Conn) handshake(cfg Config) error {
	raw, err := c.ReadFrame()
	if err != nil {
		return fmt.Errorf("read server-hello: %w", err)
	}
	if _, err := c.Session.HandleServerHello(raw); err != nil {
		return err
	}

	initiator := c.Session.PublicKey() == cfg.PathKey
	if !initiator || cfg.SendHello {
		hello, err := c.Session.ClientHello(nil)
		if err != nil {
			return err
		}
		if err := c.WriteFrame(hello); err != nil {
			return err
		}
	}
	auth, err := c.Session.ClientAuth(cfg.Auth)
	if err != nil {
		return err
	}
	if err := c.WriteFrame(auth); err != nil {
		return err
	}

	raw, err = c.ReadFrame()
	if err != nil {
		return fmt.Errorf("read server-auth: %w", err)
	}
	c.Auth, err = c.Session.HandleServerAuth(raw, cfg.ServerKey)
	return err
}

// ReadFrame returns the next binary message.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// ReadServerMessage reads and opens the next frame, which must come from the
// server.
func (c *Conn) ReadServerMessage() (protocol.Message, error) {
	raw, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return c.Session.OpenFromServer(raw)
}

func (c *Conn) WriteFrame(frame []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// SendToPeer relays payload to the peer in slot dst.
func (c *Conn) SendToPeer(dst byte, payload []byte) error {
	frame, err := c.Session.PeerFrame(dst, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// SendToServer seals msg for the server.
func (c *Conn) SendToServer(msg protocol.Message) error {
	frame, err := c.Session.SealToServer(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WebSocket exposes the underlying connection.
func (c *Conn) WebSocket() *websocket.Conn { return c.ws }

func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// CloseCode extracts the close code from a read error; 0 if err is not a
// close frame.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
