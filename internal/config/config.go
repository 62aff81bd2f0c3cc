package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
)

const (
	envVarConfig               = "AERO_SIGNALING_RELAY_CONFIG"
	envVarListenAddr           = "AERO_SIGNALING_RELAY_LISTEN_ADDR"
	envVarMode                 = "AERO_SIGNALING_RELAY_MODE"
	envVarLogFormat            = "AERO_SIGNALING_RELAY_LOG_FORMAT"
	envVarLogLevel             = "AERO_SIGNALING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout      = "AERO_SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarKey                  = "AERO_SIGNALING_RELAY_KEY"
	envVarSecondaryKeys        = "AERO_SIGNALING_RELAY_SECONDARY_KEYS"
	envVarTLSCert              = "AERO_SIGNALING_RELAY_TLS_CERT"
	envVarTLSKey               = "AERO_SIGNALING_RELAY_TLS_KEY"
	envVarSubprotocols         = "AERO_SIGNALING_RELAY_SUBPROTOCOLS"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"
	envVarHandshakeTimeout     = "AERO_SIGNALING_RELAY_HANDSHAKE_TIMEOUT"
	envVarPingInterval         = "AERO_SIGNALING_RELAY_PING_INTERVAL"
	envVarIdleTimeout          = "AERO_SIGNALING_RELAY_IDLE_TIMEOUT"
	envVarMaxMessageBytes      = "AERO_SIGNALING_RELAY_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "AERO_SIGNALING_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarSendQueueBytes       = "AERO_SIGNALING_RELAY_SEND_QUEUE_BYTES"
	envVarMaxConnections       = "AERO_SIGNALING_RELAY_MAX_CONNECTIONS"
	envVarInitiatorTakeover    = "AERO_SIGNALING_RELAY_INITIATOR_TAKEOVER"
	envVarInsecureNoTLS        = "AERO_SIGNALING_RELAY_INSECURE_NO_TLS"
)

const (
	flagConfig               = "config"
	flagListenAddr           = "listen-addr"
	flagMode                 = "mode"
	flagLogFormat            = "log-format"
	flagLogLevel             = "log-level"
	flagShutdownTimeout      = "shutdown-timeout"
	flagKey                  = "key"
	flagSecondaryKeys        = "secondary-keys"
	flagTLSCert              = "tls-cert"
	flagTLSKey               = "tls-key"
	flagSubprotocols         = "subprotocols"
	flagAllowedOrigins       = "allowed-origins"
	flagHandshakeTimeout     = "handshake-timeout"
	flagPingInterval         = "ping-interval"
	flagIdleTimeout          = "idle-timeout"
	flagMaxMessageBytes      = "max-message-bytes"
	flagMaxMessagesPerSecond = "max-messages-per-second"
	flagSendQueueBytes       = "send-queue-bytes"
	flagMaxConnections       = "max-connections"
	flagInitiatorTakeover    = "initiator-takeover"
	flagInsecureNoTLS        = "insecure-no-tls"
)

const (
	DefaultListenAddr           = "127.0.0.1:8765"
	DefaultShutdown             = 15 * time.Second
	DefaultMode                 = ModeDev
	DefaultSubprotocol          = "v1.saltyrtc.org"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueBytes       = 1 << 20 // 1MiB
)

// setting binds a flag to its environment variable. The TOML key is the flag
// name with dashes replaced by underscores.
type setting struct {
	flag string
	env  string
}

var settings = []setting{
	{flagListenAddr, envVarListenAddr},
	{flagMode, envVarMode},
	{flagLogFormat, envVarLogFormat},
	{flagLogLevel, envVarLogLevel},
	{flagShutdownTimeout, envVarShutdownTimeout},
	{flagKey, envVarKey},
	{flagSecondaryKeys, envVarSecondaryKeys},
	{flagTLSCert, envVarTLSCert},
	{flagTLSKey, envVarTLSKey},
	{flagSubprotocols, envVarSubprotocols},
	{flagAllowedOrigins, envVarAllowedOrigins},
	{flagHandshakeTimeout, envVarHandshakeTimeout},
	{flagPingInterval, envVarPingInterval},
	{flagIdleTimeout, envVarIdleTimeout},
	{flagMaxMessageBytes, envVarMaxMessageBytes},
	{flagMaxMessagesPerSecond, envVarMaxMessagesPerSecond},
	{flagSendQueueBytes, envVarSendQueueBytes},
	{flagMaxConnections, envVarMaxConnections},
	{flagInitiatorTakeover, envVarInitiatorTakeover},
	{flagInsecureNoTLS, envVarInsecureNoTLS},
}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// PermanentKey and SecondaryKeys are hex-encoded secret keys or paths to
	// key files (see keystore.ParseKey).
	PermanentKey  string
	SecondaryKeys []string

	TLSCertFile string
	TLSKeyFile  string

	// InsecureNoTLS allows serving plain ws:// when no certificate is
	// configured, e.g. behind a TLS-terminating proxy.
	InsecureNoTLS bool

	// Subprotocols are offered in order of preference.
	Subprotocols   []string
	AllowedOrigins []string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
	// MaxConnections caps concurrent WebSocket connections. 0 means unlimited.
	MaxConnections int

	// InitiatorTakeover lets a new initiator replace a live one on the same
	// path. When false, only an initiator that is closing or whose keep-alive
	// is overdue is replaced.
	InitiatorTakeover bool

	// ConfigFile is the TOML file the settings were read from, if any.
	ConfigFile string
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// KeyStore parses the permanent key and all secondary keys.
func (c Config) KeyStore() (*keystore.Store, error) {
	primary, err := keystore.ParseKey(c.PermanentKey)
	if err != nil {
		return nil, fmt.Errorf("permanent key: %w", err)
	}
	secondaries := make([][keystore.KeySize]byte, 0, len(c.SecondaryKeys))
	for i, raw := range c.SecondaryKeys {
		k, err := keystore.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("secondary key %d: %w", i+1, err)
		}
		secondaries = append(secondaries, k)
	}
	return keystore.New(primary, secondaries...)
}

// KeyFiles returns the configured key values that refer to files.
func (c Config) KeyFiles() []string {
	var out []string
	for _, v := range append([]string{c.PermanentKey}, c.SecondaryKeys...) {
		if _, err := os.Stat(v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load resolves every setting from, in increasing precedence: defaults, the
// TOML config file, the environment and command line flags.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var (
		configFile           string
		listenAddr           string
		modeStr              string
		logFormatStr         string
		logLevelStr          string
		shutdownTimeout      time.Duration
		permanentKey         string
		secondaryKeys        []string
		tlsCert              string
		tlsKey               string
		subprotocols         []string
		allowedOrigins       []string
		handshakeTimeout     time.Duration
		pingInterval         time.Duration
		idleTimeout          time.Duration
		maxMessageBytes      int64
		maxMessagesPerSecond int
		sendQueueBytes       int
		maxConnections       int
		initiatorTakeover    bool
		insecureNoTLS        bool
	)

	fs := pflag.NewFlagSet("aero-signaling-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false

	fs.StringVar(&configFile, flagConfig, "", "TOML config file (env "+envVarConfig+")")
	fs.StringVar(&listenAddr, flagListenAddr, DefaultListenAddr, "Listen address (host:port)")
	fs.StringVar(&modeStr, flagMode, string(DefaultMode), "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, flagLogFormat, "", "Log format: text or json (default: text in dev, json in prod)")
	fs.StringVar(&logLevelStr, flagLogLevel, "", "Log level: debug, info, warn, error (default: debug in dev, info in prod)")
	fs.DurationVar(&shutdownTimeout, flagShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&permanentKey, flagKey, "", "Permanent secret key: 64 hex characters or a key file (env "+envVarKey+")")
	fs.StringSliceVar(&secondaryKeys, flagSecondaryKeys, nil, "Comma-separated secondary secret keys or key files, still accepted after rotation")
	fs.StringVar(&tlsCert, flagTLSCert, "", "TLS certificate file (PEM)")
	fs.StringVar(&tlsKey, flagTLSKey, "", "TLS private key file (PEM)")
	fs.StringSliceVar(&subprotocols, flagSubprotocols, []string{DefaultSubprotocol}, "Supported WebSocket subprotocols in order of preference")
	fs.StringSliceVar(&allowedOrigins, flagAllowedOrigins, nil, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&handshakeTimeout, flagHandshakeTimeout, DefaultHandshakeTimeout, "Close connections that have not authenticated after this duration")
	fs.DurationVar(&pingInterval, flagPingInterval, DefaultPingInterval, "WebSocket ping interval")
	fs.DurationVar(&idleTimeout, flagIdleTimeout, DefaultIdleTimeout, "Close connections that sent nothing (including pongs) for this duration")
	fs.Int64Var(&maxMessageBytes, flagMaxMessageBytes, DefaultMaxMessageBytes, "Maximum inbound WebSocket message size in bytes")
	fs.IntVar(&maxMessagesPerSecond, flagMaxMessagesPerSecond, DefaultMaxMessagesPerSecond, "Inbound messages/sec per connection (0 = unlimited)")
	fs.IntVar(&sendQueueBytes, flagSendQueueBytes, DefaultSendQueueBytes, "Max queued outbound bytes per connection before it is dropped")
	fs.IntVar(&maxConnections, flagMaxConnections, 0, "Maximum concurrent connections (0 = unlimited)")
	fs.BoolVar(&initiatorTakeover, flagInitiatorTakeover, false, "Let a new initiator replace a live initiator on the same path")
	fs.BoolVar(&insecureNoTLS, flagInsecureNoTLS, false, "Serve plain ws:// without a TLS certificate (only behind a TLS-terminating proxy)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	set := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = true })

	if !set[flagConfig] {
		if raw, ok := lookup(envVarConfig); ok && strings.TrimSpace(raw) != "" {
			configFile = strings.TrimSpace(raw)
		}
	}
	var fileValues map[string]string
	if configFile != "" {
		values, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		fileValues = values
	}

	for _, s := range settings {
		if set[s.flag] {
			continue
		}
		if raw, ok := lookup(s.env); ok && strings.TrimSpace(raw) != "" {
			if err := fs.Set(s.flag, strings.TrimSpace(raw)); err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", s.env, raw, err)
			}
			set[s.flag] = true
			continue
		}
		if raw, ok := fileValues[s.flag]; ok {
			if err := fs.Set(s.flag, raw); err != nil {
				return Config{}, fmt.Errorf("invalid %s in %s: %w", tomlKey(s.flag), configFile, err)
			}
			set[s.flag] = true
		}
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--%s: %w", envVarMode, flagMode, err)
	}
	if !set[flagLogFormat] {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if !set[flagLogLevel] {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--%s: %w", envVarLogFormat, flagLogFormat, err)
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--%s: %w", envVarLogLevel, flagLogLevel, err)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--%s must not be empty", envVarListenAddr, flagListenAddr)
	}
	if strings.TrimSpace(permanentKey) == "" {
		return Config{}, fmt.Errorf("missing permanent key: set %s or --%s", envVarKey, flagKey)
	}
	if (tlsCert == "") != (tlsKey == "") {
		return Config{}, fmt.Errorf("--%s and --%s must be set together", flagTLSCert, flagTLSKey)
	}
	if tlsCert == "" && !insecureNoTLS {
		return Config{}, fmt.Errorf("missing TLS certificate: set %s/--%s and %s/--%s, or %s/--%s to serve without TLS", envVarTLSCert, flagTLSCert, envVarTLSKey, flagTLSKey, envVarInsecureNoTLS, flagInsecureNoTLS)
	}

	subprotocols = trimAll(subprotocols)
	if len(subprotocols) == 0 {
		return Config{}, fmt.Errorf("%s/--%s must list at least one subprotocol", envVarSubprotocols, flagSubprotocols)
	}
	for _, p := range subprotocols {
		if !isValidWebSocketSubprotocolToken(p) {
			return Config{}, fmt.Errorf("invalid %s/--%s: %q is not a valid WebSocket subprotocol token", envVarSubprotocols, flagSubprotocols, p)
		}
	}

	origins, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--%s: %w", envVarAllowedOrigins, flagAllowedOrigins, err)
	}

	for _, d := range []struct {
		name string
		env  string
		v    time.Duration
	}{
		{flagShutdownTimeout, envVarShutdownTimeout, shutdownTimeout},
		{flagHandshakeTimeout, envVarHandshakeTimeout, handshakeTimeout},
		{flagPingInterval, envVarPingInterval, pingInterval},
		{flagIdleTimeout, envVarIdleTimeout, idleTimeout},
	} {
		if d.v <= 0 {
			return Config{}, fmt.Errorf("%s/--%s must be > 0", d.env, d.name)
		}
	}
	if idleTimeout <= pingInterval {
		return Config{}, fmt.Errorf("%s/--%s (%s) must be greater than %s/--%s (%s)", envVarIdleTimeout, flagIdleTimeout, idleTimeout, envVarPingInterval, flagPingInterval, pingInterval)
	}

	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--%s must be > 0", envVarMaxMessageBytes, flagMaxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--%s must be >= 0", envVarMaxMessagesPerSecond, flagMaxMessagesPerSecond)
	}
	if int64(sendQueueBytes) < maxMessageBytes {
		return Config{}, fmt.Errorf("%s/--%s (%d) must be >= %s/--%s (%d)", envVarSendQueueBytes, flagSendQueueBytes, sendQueueBytes, envVarMaxMessageBytes, flagMaxMessageBytes, maxMessageBytes)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--%s must be >= 0", envVarMaxConnections, flagMaxConnections)
	}

	return Config{
		ListenAddr:           listenAddr,
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             level,
		ShutdownTimeout:      shutdownTimeout,
		PermanentKey:         strings.TrimSpace(permanentKey),
		SecondaryKeys:        trimAll(secondaryKeys),
		TLSCertFile:          tlsCert,
		TLSKeyFile:           tlsKey,
		InsecureNoTLS:        insecureNoTLS,
		Subprotocols:         subprotocols,
		AllowedOrigins:       origins,
		HandshakeTimeout:     handshakeTimeout,
		PingInterval:         pingInterval,
		IdleTimeout:          idleTimeout,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueBytes:       sendQueueBytes,
		MaxConnections:       maxConnections,
		InitiatorTakeover:    initiatorTakeover,
		ConfigFile:           configFile,
	}, nil
}

func tomlKey(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

// readConfigFile decodes a flat TOML document into flag values keyed by flag
// name. Arrays become comma-separated lists.
func readConfigFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	known := make(map[string]bool, len(settings))
	for _, s := range settings {
		known[s.flag] = true
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(raw))
	for _, k := range keys {
		name := strings.ReplaceAll(k, "_", "-")
		if !known[name] {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, k)
		}
		v, err := tomlValueString(raw[k])
		if err != nil {
			return nil, fmt.Errorf("config file %s: %s: %w", path, k, err)
		}
		out[name] = v
	}
	return out, nil
}

func tomlValueString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", errors.New("array values must be strings")
			}
			if strings.Contains(s, ",") {
				return "", fmt.Errorf("array value %q must not contain a comma", s)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(entries []string) ([]string, error) {
	var out []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

// isValidWebSocketSubprotocolToken reports whether raw is a valid WebSocket
// subprotocol token per RFC 6455, which uses the HTTP token grammar (RFC 7230
// tchar).
func isValidWebSocketSubprotocolToken(raw string) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
			continue
		case c >= 'A' && c <= 'Z':
			continue
		case c >= '0' && c <= '9':
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return false
		}
	}
	return true
}
