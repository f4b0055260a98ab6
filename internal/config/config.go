// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Chat backends.
const (
	BackendGemini = "gemini"
	BackendUplink = "uplink"
)

// Offline answer selectors.
const (
	SelectorRoundRobin   = "round-robin"
	selectorSeededPrefix = "seeded:"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	Gemini          GeminiConfig
	Chat            ChatConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// GeminiConfig configures the hosted completion API. APIKey is the startup
// credential; a key pasted into the widget takes precedence.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// ChatConfig configures the session controllers.
type ChatConfig struct {
	Backend             string
	UplinkAddr          string
	Streaming           bool
	FailureThreshold    int
	Cooldown            time.Duration
	OfflineDelay        time.Duration
	IdleTTL             time.Duration
	CredentialPrefix    string
	CredentialMinLength int
	PersonaFile         string
	// OfflineSelector is "round-robin" or "seeded:<n>".
	OfflineSelector string
}

// RateLimitConfig bounds submissions per visitor.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// SSEConfig bounds the streaming endpoint.
type SSEConfig struct {
	MaxBodyBytes int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/agency.db"),
		Gemini: GeminiConfig{
			APIKey: strings.TrimSpace(getEnv("GEMINI_API_KEY", "")),
			Model:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		Chat: ChatConfig{
			Backend:             strings.ToLower(getEnv("CHAT_BACKEND", BackendGemini)),
			UplinkAddr:          getEnv("UPLINK_ADDR", "localhost:50051"),
			Streaming:           getEnvBool("CHAT_STREAMING", true),
			FailureThreshold:    getEnvInt("CHAT_FAILURE_THRESHOLD", 3),
			Cooldown:            getEnvDuration("CHAT_COOLDOWN", 30*time.Second),
			OfflineDelay:        getEnvDuration("CHAT_OFFLINE_DELAY", 800*time.Millisecond),
			IdleTTL:             getEnvDuration("CHAT_IDLE_TTL", 30*time.Minute),
			CredentialPrefix:    getEnv("CREDENTIAL_PREFIX", "AIza"),
			CredentialMinLength: getEnvInt("CREDENTIAL_MIN_LENGTH", 20),
			PersonaFile:         getEnv("PERSONA_FILE", ""),
			OfflineSelector:     getEnv("CHAT_OFFLINE_SELECTOR", SelectorRoundRobin),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxBodyBytes: int64(getEnvInt("SSE_MAX_BODY", 16*1024)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Chat.Backend {
	case BackendGemini:
	case BackendUplink:
		if c.Chat.UplinkAddr == "" {
			return fmt.Errorf("UPLINK_ADDR cannot be empty when CHAT_BACKEND=uplink")
		}
	default:
		return fmt.Errorf("CHAT_BACKEND must be %q or %q, got %q", BackendGemini, BackendUplink, c.Chat.Backend)
	}
	if c.Chat.FailureThreshold <= 0 {
		return fmt.Errorf("CHAT_FAILURE_THRESHOLD must be > 0")
	}
	if c.Chat.Cooldown <= 0 {
		return fmt.Errorf("CHAT_COOLDOWN must be > 0")
	}
	if c.Chat.OfflineDelay < 0 {
		return fmt.Errorf("CHAT_OFFLINE_DELAY cannot be negative")
	}
	if c.Chat.IdleTTL <= 0 {
		return fmt.Errorf("CHAT_IDLE_TTL must be > 0")
	}
	if c.Chat.CredentialPrefix == "" {
		return fmt.Errorf("CREDENTIAL_PREFIX cannot be empty")
	}
	if c.Chat.CredentialMinLength < len(c.Chat.CredentialPrefix) {
		return fmt.Errorf("CREDENTIAL_MIN_LENGTH must be at least the prefix length")
	}
	if _, _, err := c.Chat.OfflineSeed(); err != nil {
		return err
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxBodyBytes <= 0 {
		return fmt.Errorf("SSE_MAX_BODY must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// OfflineSeed parses OfflineSelector. seeded is false for round-robin.
func (c ChatConfig) OfflineSeed() (seed uint64, seeded bool, err error) {
	if c.OfflineSelector == "" || c.OfflineSelector == SelectorRoundRobin {
		return 0, false, nil
	}
	raw, ok := strings.CutPrefix(c.OfflineSelector, selectorSeededPrefix)
	if !ok {
		return 0, false, fmt.Errorf("CHAT_OFFLINE_SELECTOR must be %q or %q<n>, got %q", SelectorRoundRobin, selectorSeededPrefix, c.OfflineSelector)
	}
	seed, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("CHAT_OFFLINE_SELECTOR seed: %w", err)
	}
	return seed, true, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
