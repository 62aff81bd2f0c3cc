package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the relay",
		// Flags, environment and the config file are resolved by config.Load.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			restart := make(chan os.Signal, 1)
			signal.Notify(restart, syscall.SIGHUP)
			defer signal.Stop(restart)
			return runServe(ctx, args, restart, nil)
		},
	}
}

// runServe serves until ctx is done. A value on restart closes the relay,
// reloads configuration and keys and serves again. ready, if set, is called
// with the listen address each time the relay starts.
func runServe(ctx context.Context, args []string, restart <-chan os.Signal, ready func(net.Addr)) error {
	for {
		restarted, err := serveOnce(ctx, args, restart, ready)
		if err != nil || !restarted {
			return err
		}
	}
}

func serveOnce(ctx context.Context, args []string, restart <-chan os.Signal, ready func(net.Addr)) (bool, error) {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, usageError(err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return false, usageError(err)
	}
	slog.SetDefault(logger)

	keys, err := cfg.KeyStore()
	if err != nil {
		return false, usageError(err)
	}
	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return false, usageError(err)
	}

	logger.Info("starting aero-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"tls", cfg.TLSEnabled(),
		"subprotocols", cfg.Subprotocols,
		"permanent_keys", keys.Len(),
		"primary_key", keys.Primary().PublicHex(),
		"handshake_timeout", cfg.HandshakeTimeout,
		"ping_interval", cfg.PingInterval,
		"idle_timeout", cfg.IdleTimeout,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"send_queue_bytes", cfg.SendQueueBytes,
		"max_connections", cfg.MaxConnections,
		"initiator_takeover", cfg.InitiatorTakeover,
	)
	logStartupSecurityWarnings(logger, cfg)

	h, err := signaling.Serve(keys, cfg.ListenAddr, tlsConfig, cfg,
		signaling.WithLogger(logger),
		signaling.WithBuildInfo(resolveBuildInfo(buildVersion, buildCommit, buildTime)),
	)
	if err != nil {
		return false, err
	}
	logger.Info("relay started", "addr", h.Addr().String())
	if ready != nil {
		ready(h.Addr())
	}

	restarted := false
	select {
	case <-h.Done():
		_ = h.Close()
		if err := h.Err(); err != nil {
			return false, fmt.Errorf("http server exited: %w", err)
		}
		return false, nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-restart:
		logger.Info("restart signal received, reloading configuration")
		restarted = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := h.Close(); err != nil {
		logger.Error("http server close failed", "err", err)
	}
	if err := h.WaitClosed(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "err", err)
		return false, err
	}
	logger.Info("shutdown complete")
	return restarted, nil
}

func loadTLSConfig(cfg config.Config) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
