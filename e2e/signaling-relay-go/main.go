package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
)

// Starts a relay with a throwaway permanent key for browser E2E runs and
// prints "READY <port> <server public key>" once it accepts connections.
func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	k, err := keystore.Generate(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	secret := k.SecretKey()

	// Environment overrides (ALLOWED_ORIGINS, PING_INTERVAL, ...) still apply.
	cfg, err := config.Load([]string{
		"--listen-addr", net.JoinHostPort(bindHost, strconv.Itoa(port)),
		"--key", hex.EncodeToString(secret[:]),
		"--insecure-no-tls",
		"--log-level", envOrDefault("LOG_LEVEL", "warn"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	keys, err := cfg.KeyStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keys: %v\n", err)
		os.Exit(1)
	}

	h, err := signaling.Serve(keys, cfg.ListenAddr, nil, cfg, signaling.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actualPort := h.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d %s\n", actualPort, keys.Primary().PublicHex())

	select {
	case <-ctx.Done():
		_ = h.Close()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.WaitClosed(waitCtx)
	case <-h.Done():
		if err := h.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
