package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	envListenAddr        = "LISTEN_ADDR"
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
	envICEServersJSON    = "ICE_SERVERS_JSON"
	envSTUNURLs          = "STUN_URLS"
	envICEServersFile    = "ICE_SERVERS_FILE"
	envAllowedOrigins    = "ALLOWED_ORIGINS"
	envMaxMessageBytes   = "MAX_MESSAGE_BYTES"
	envMessagesPerSecond = "MESSAGES_PER_SECOND"
	envRelayURL          = "RELAY_URL"
	envParticipantID     = "PARTICIPANT_ID"
	envDisplayName       = "DISPLAY_NAME"
	envRingTimeout       = "RING_TIMEOUT"
	envGracePeriod       = "GRACE_PERIOD"
	envReconnectAttempts = "RECONNECT_ATTEMPTS"
	envReconnectDelay    = "RECONNECT_DELAY"
)

const (
	DefaultListenAddr        = ":8080"
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultRelayURL          = "ws://localhost:8080/ws"
	DefaultRingTimeout       = 30 * time.Second
	DefaultGracePeriod       = 2 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
)

type Config struct {
	LogLevel  zerolog.Level
	LogFormat string

	// relay
	ListenAddr        string
	ICEServers        []webrtc.ICEServer
	ICEServersFile    string
	AllowedOrigins    []string
	MaxMessageBytes   int64
	MessagesPerSecond int

	// participant
	RelayURL          string
	ParticipantID     string
	DisplayName       string
	RingTimeout       time.Duration
	GracePeriod       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Load reads the environment, then lets command line flags override it.
func Load(name string, args []string) (*Config, error) {
	return load(os.LookupEnv, name, args)
}

func load(lookup func(string) (string, bool), name string, args []string) (*Config, error) {
	maxBytes, err := envIntOrDefault(lookup, envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return nil, err
	}
	perSecond, err := envIntOrDefault(lookup, envMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return nil, err
	}
	attempts, err := envIntOrDefault(lookup, envReconnectAttempts, DefaultReconnectAttempts)
	if err != nil {
		return nil, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envRingTimeout, DefaultRingTimeout)
	if err != nil {
		return nil, err
	}
	grace, err := envDurationOrDefault(lookup, envGracePeriod, DefaultGracePeriod)
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := envDurationOrDefault(lookup, envReconnectDelay, DefaultReconnectDelay)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:        envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		ICEServersFile:    envOrDefault(lookup, envICEServersFile, ""),
		MaxMessageBytes:   int64(maxBytes),
		MessagesPerSecond: perSecond,
		RelayURL:          envOrDefault(lookup, envRelayURL, DefaultRelayURL),
		ParticipantID:     envOrDefault(lookup, envParticipantID, ""),
		DisplayName:       envOrDefault(lookup, envDisplayName, ""),
		RingTimeout:       ringTimeout,
		GracePeriod:       grace,
		ReconnectAttempts: attempts,
		ReconnectDelay:    reconnectDelay,
	}
	logLevel := envOrDefault(lookup, envLogLevel, "info")
	cfg.LogFormat = envOrDefault(lookup, envLogFormat, "console")
	iceJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envSTUNURLs, "")
	origins := envOrDefault(lookup, envAllowedOrigins, "*")

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address (env "+envListenAddr+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	fs.StringVar(&iceJSON, "ice-servers-json", iceJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&cfg.ICEServersFile, "ice-servers-file", cfg.ICEServersFile, "File holding ICE server JSON, reloaded on change")
	fs.StringVar(&origins, "allowed-origins", origins, "Comma-separated list of allowed browser origins")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay WebSocket URL (env "+envRelayURL+")")
	fs.StringVar(&cfg.ParticipantID, "id", cfg.ParticipantID, "Participant id (env "+envParticipantID+")")
	fs.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Display name sent with calls")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "Unanswered call timeout")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time a disturbed link may take to recover")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}

	switch {
	case strings.TrimSpace(iceJSON) != "":
		if cfg.ICEServers, err = ParseICEServersJSON([]byte(iceJSON)); err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
	case stunURLs != "":
		server := webrtc.ICEServer{URLs: splitCommaSeparated(stunURLs)}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envSTUNURLs, err)
		}
		cfg.ICEServers = []webrtc.ICEServer{server}
	default:
		cfg.ICEServers = DefaultICEServers()
	}

	cfg.AllowedOrigins = splitCommaSeparated(origins)
	if cfg.MaxMessageBytes <= 0 {
		return nil, fmt.Errorf("%s must be positive", envMaxMessageBytes)
	}
	if cfg.MessagesPerSecond <= 0 {
		return nil, fmt.Errorf("%s must be positive", envMessagesPerSecond)
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("%s must not be negative", envReconnectAttempts)
	}
	return cfg, nil
}

// NewLogger builds the process logger. Console output goes to w in the
// human readable format, json output is written as is.
func NewLogger(cfg *Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Caller().Logger()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
