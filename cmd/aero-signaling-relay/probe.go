package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

type probeOptions struct {
	url         string
	serverKey   string
	path        string
	subprotocol string
	timeout     time.Duration
	insecure    bool
}

// probeCmd performs a full handshake against a running relay with a
// throwaway key. Without --path the probe is the initiator of a fresh path.
func probeCmd() *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Handshake with a relay and report the assigned slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			res, err := runProbe(ctx, o)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "role: %s\nslot: 0x%02x\n", res.role, res.slot)
			if res.role == "initiator" {
				fmt.Fprintf(out, "responders: %d\n", len(res.auth.Responders))
			} else {
				fmt.Fprintf(out, "initiator connected: %t\n", *res.auth.InitiatorConnected)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.url, "url", "ws://"+config.DefaultListenAddr, "relay base URL (ws:// or wss://)")
	fs.StringVar(&o.serverKey, "server-key", "", "expected server permanent public key (64 hex chars)")
	fs.StringVar(&o.path, "path", "", "path key to join as a responder (64 hex chars)")
	fs.StringVar(&o.subprotocol, "subprotocol", config.DefaultSubprotocol, "WebSocket subprotocol to offer")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "overall probe timeout")
	fs.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("server-key")
	return cmd
}

type probeResult struct {
	role string
	slot byte
	auth protocol.ServerAuth
}

func runProbe(ctx context.Context, o probeOptions) (probeResult, error) {
	serverKey, err := parseHexKey(o.serverKey)
	if err != nil {
		return probeResult{}, usageError(fmt.Errorf("--server-key: %w", err))
	}
	k, err := keystore.Generate(rand.Reader)
	if err != nil {
		return probeResult{}, err
	}

	cfg := client.Config{
		URL:          o.url,
		PathKey:      k.Public,
		Secret:       *k.SecretKey(),
		ServerKey:    serverKey,
		Subprotocols: []string{o.subprotocol},
		Dialer:       &websocket.Dialer{HandshakeTimeout: o.timeout},
	}
	if o.insecure {
		cfg.Dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	role := "initiator"
	if o.path != "" {
		if cfg.PathKey, err = parseHexKey(o.path); err != nil {
			return probeResult{}, usageError(fmt.Errorf("--path: %w", err))
		}
		role = "responder"
	}

	c, err := client.Connect(ctx, cfg)
	if err != nil {
		if code := client.CloseCode(err); code != 0 {
			return probeResult{}, fmt.Errorf("relay closed the connection with %d (%s): %w", code, protocol.CloseCodeName(code), err)
		}
		return probeResult{}, err
	}
	defer c.Close()
	return probeResult{role: role, slot: c.Session.Slot(), auth: c.Auth}, nil
}

func parseHexKey(s string) ([protocol.KeySize]byte, error) {
	var key [protocol.KeySize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != protocol.KeySize {
		return key, fmt.Errorf("want %d bytes, got %d", protocol.KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}
