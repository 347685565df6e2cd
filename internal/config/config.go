package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversational bridge.
// Values called out as tunable in the bridge design (filler threshold, retry
// counts, timeouts) are fields here; the defaults are starting points, not
// mandated constants.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	AuthRequired  bool
	AuthJWTSecret string

	// Voice service signaling endpoint (wss://) and credential.
	VoiceServiceURL string
	VoiceAPIKey     string
	DefaultPersona  string

	// Relay credential issuing endpoint (GET {url}/relay/credentials).
	CredentialEndpoint    string
	CredentialMargin      float64
	CredentialDefaultTTL  time.Duration
	CredentialMaxAttempts int

	// Tool-invocation server.
	ToolServerURL   string
	ToolCallTimeout time.Duration
	MaxToolSchema   int

	// Conversation persistence.
	TurnStoreMode        string
	DatabaseURL          string
	ConversationStoreURL string
	PersistWorkers       int
	PersistBatchSize     int
	PersistFlushInterval time.Duration
	PersistMaxAttempts   int

	// Media transport.
	JitterBufferTarget   time.Duration
	GatherTimeout        time.Duration
	RenegotiateAttempts  int
	RenegotiateBaseDelay time.Duration

	// Signaling channel.
	SignalingHeartbeat time.Duration
	MaxConfigBytes     int
	EventBufferSize    int

	// Turn state machine.
	FillerDelay              time.Duration
	FillerPhrase             string
	SessionInactivityTimeout time.Duration

	// Server-side voice activity detection forwarded in session.update.
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("BRIDGE_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("BRIDGE_METRICS_NAMESPACE", "voicebridge"),
		AllowAnyOrigin:           false,
		AuthRequired:             true,
		AuthJWTSecret:            stringsTrimSpace("BRIDGE_JWT_SECRET"),
		VoiceServiceURL:          stringsTrimSpace("VOICE_SERVICE_URL"),
		VoiceAPIKey:              stringsTrimSpace("VOICE_SERVICE_API_KEY"),
		DefaultPersona:           envOrDefault("BRIDGE_DEFAULT_PERSONA", "elena"),
		CredentialEndpoint:       stringsTrimSpace("RELAY_CREDENTIAL_ENDPOINT"),
		CredentialMargin:         0.2,
		CredentialDefaultTTL:     60 * time.Second,
		CredentialMaxAttempts:    3,
		ToolServerURL:            stringsTrimSpace("TOOL_SERVER_URL"),
		ToolCallTimeout:          10 * time.Second,
		MaxToolSchema:            128 * 1024,
		TurnStoreMode:            envOrDefault("TURN_STORE_MODE", "auto"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ConversationStoreURL:     stringsTrimSpace("CONVERSATION_STORE_URL"),
		PersistWorkers:           4,
		PersistBatchSize:         16,
		PersistFlushInterval:     2 * time.Second,
		PersistMaxAttempts:       3,
		JitterBufferTarget:       200 * time.Millisecond,
		GatherTimeout:            10 * time.Second,
		RenegotiateAttempts:      3,
		RenegotiateBaseDelay:     500 * time.Millisecond,
		SignalingHeartbeat:       15 * time.Second,
		MaxConfigBytes:           128 * 1024,
		EventBufferSize:          64,
		FillerDelay:              400 * time.Millisecond,
		FillerPhrase:             envOrDefault("BRIDGE_FILLER_PHRASE", "One moment while I check on that."),
		SessionInactivityTimeout: 2 * time.Minute,
		VADThreshold:             0.6,
		VADPrefixPadding:         300 * time.Millisecond,
		VADSilenceDuration:       800 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("BRIDGE_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("BRIDGE_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FillerDelay, err = durationFromEnv("BRIDGE_FILLER_DELAY", cfg.FillerDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolCallTimeout, err = durationFromEnv("TOOL_CALL_TIMEOUT", cfg.ToolCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JitterBufferTarget, err = durationFromEnv("MEDIA_JITTER_BUFFER_TARGET", cfg.JitterBufferTarget)
	if err != nil {
		return Config{}, err
	}
	cfg.GatherTimeout, err = durationFromEnv("MEDIA_GATHER_TIMEOUT", cfg.GatherTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingHeartbeat, err = durationFromEnv("SIGNALING_HEARTBEAT_INTERVAL", cfg.SignalingHeartbeat)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistFlushInterval, err = durationFromEnv("PERSIST_FLUSH_INTERVAL", cfg.PersistFlushInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialDefaultTTL, err = durationFromEnv("RELAY_CREDENTIAL_DEFAULT_TTL", cfg.CredentialDefaultTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RenegotiateBaseDelay, err = durationFromEnv("MEDIA_RENEGOTIATE_BASE_DELAY", cfg.RenegotiateBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPrefixPadding, err = durationFromEnv("VAD_PREFIX_PADDING", cfg.VADPrefixPadding)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}

	cfg.CredentialMaxAttempts, err = intFromEnv("RELAY_CREDENTIAL_MAX_ATTEMPTS", cfg.CredentialMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistWorkers, err = intFromEnv("PERSIST_WORKERS", cfg.PersistWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistBatchSize, err = intFromEnv("PERSIST_BATCH_SIZE", cfg.PersistBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistMaxAttempts, err = intFromEnv("PERSIST_MAX_ATTEMPTS", cfg.PersistMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RenegotiateAttempts, err = intFromEnv("MEDIA_RENEGOTIATE_ATTEMPTS", cfg.RenegotiateAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConfigBytes, err = intFromEnv("SIGNALING_MAX_CONFIG_BYTES", cfg.MaxConfigBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolSchema, err = intFromEnv("TOOL_SCHEMA_MAX_BYTES", cfg.MaxToolSchema)
	if err != nil {
		return Config{}, err
	}
	cfg.EventBufferSize, err = intFromEnv("BRIDGE_EVENT_BUFFER_SIZE", cfg.EventBufferSize)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("BRIDGE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthRequired, err = boolFromEnv("BRIDGE_AUTH_REQUIRED", cfg.AuthRequired)
	if err != nil {
		return Config{}, err
	}

	cfg.CredentialMargin, err = floatFromEnv("RELAY_CREDENTIAL_MARGIN", cfg.CredentialMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("BRIDGE_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.FillerDelay <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_FILLER_DELAY must be positive")
	}
	if cfg.CredentialMargin <= 0 || cfg.CredentialMargin >= 1 {
		return Config{}, fmt.Errorf("RELAY_CREDENTIAL_MARGIN must be in (0, 1)")
	}
	if cfg.CredentialMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("RELAY_CREDENTIAL_MAX_ATTEMPTS must be positive")
	}
	if cfg.PersistWorkers <= 0 {
		return Config{}, fmt.Errorf("PERSIST_WORKERS must be positive")
	}
	if cfg.PersistBatchSize <= 0 {
		return Config{}, fmt.Errorf("PERSIST_BATCH_SIZE must be positive")
	}
	if cfg.MaxConfigBytes <= 0 {
		return Config{}, fmt.Errorf("SIGNALING_MAX_CONFIG_BYTES must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_EVENT_BUFFER_SIZE must be positive")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be in (0, 1]")
	}
	if cfg.AuthRequired && cfg.AuthJWTSecret == "" {
		return Config{}, fmt.Errorf("BRIDGE_JWT_SECRET is required when BRIDGE_AUTH_REQUIRED=true")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TurnStoreMode)) {
	case "auto", "postgres", "http", "memory":
	default:
		return Config{}, fmt.Errorf("invalid TURN_STORE_MODE: %q (expected auto|postgres|http|memory)", cfg.TurnStoreMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
