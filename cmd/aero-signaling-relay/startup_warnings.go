package main

import (
	"errors"
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.TLSEnabled() {
		logger.Warn("startup security warning: --insecure-no-tls is set; clients must reach the relay through a TLS-terminating proxy",
			"warning_code", "tls_disabled",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.InitiatorTakeover {
		logger.Warn("startup security warning: INITIATOR_TAKEOVER=true lets any holder of the path key replace a live initiator",
			"warning_code", "initiator_takeover_enabled",
			"mode", cfg.Mode,
		)
	}

	for _, path := range cfg.KeyFiles() {
		if err := keystore.CheckKeyFilePermissions(path); errors.Is(err, keystore.ErrInsecureKeyFile) {
			logger.Warn("startup security warning: permanent key file is readable by group or others",
				"warning_code", "key_file_permissions",
				"key_file", path,
				"err", err,
				"mode", cfg.Mode,
			)
		}
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	// Large messages or queues weaken the per-connection memory bound.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_MESSAGES_PER_SECOND is 0 (per-connection rate limit disabled)",
			"warning_code", "rate_limit_disabled",
			"mode", cfg.Mode,
		)
	}
}
