package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Unparseable values fall back to defaults.
	for _, key := range []string{
		"CHAT_COOLDOWN", "CHAT_FAILURE_THRESHOLD", "CHAT_OFFLINE_DELAY", "CHAT_IDLE_TTL",
		"CREDENTIAL_MIN_LENGTH", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "SSE_MAX_BODY",
		"GEMINI_API_KEY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/agency.db")
	t.Setenv("CHAT_BACKEND", "gemini")
	t.Setenv("CREDENTIAL_PREFIX", "AIza")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chat.FailureThreshold != 3 {
		t.Fatalf("FailureThreshold = %d, want 3", cfg.Chat.FailureThreshold)
	}
	if cfg.Chat.Cooldown != 30*time.Second {
		t.Fatalf("Cooldown = %v, want 30s", cfg.Chat.Cooldown)
	}
	if cfg.Chat.OfflineDelay != 800*time.Millisecond {
		t.Fatalf("OfflineDelay = %v, want 800ms", cfg.Chat.OfflineDelay)
	}
	if cfg.Chat.CredentialMinLength != 20 {
		t.Fatalf("CredentialMinLength = %d, want 20", cfg.Chat.CredentialMinLength)
	}
	if cfg.Gemini.APIKey != "" {
		t.Fatalf("APIKey = %q, want empty", cfg.Gemini.APIKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_BACKEND", "UPLINK")
	t.Setenv("UPLINK_ADDR", "relay:50051")
	t.Setenv("CHAT_COOLDOWN", "45")
	t.Setenv("CHAT_IDLE_TTL", "5m")
	t.Setenv("CHAT_STREAMING", "off")
	t.Setenv("GEMINI_API_KEY", "  AIzaFromEnvironment0000  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chat.Backend != BackendUplink {
		t.Fatalf("Backend = %q, want %q", cfg.Chat.Backend, BackendUplink)
	}
	if cfg.Chat.Cooldown != 45*time.Second {
		t.Fatalf("Cooldown = %v, want 45s", cfg.Chat.Cooldown)
	}
	if cfg.Chat.IdleTTL != 5*time.Minute {
		t.Fatalf("IdleTTL = %v, want 5m", cfg.Chat.IdleTTL)
	}
	if cfg.Chat.Streaming {
		t.Fatal("Streaming = true, want false")
	}
	if cfg.Gemini.APIKey != "AIzaFromEnvironment0000" {
		t.Fatalf("APIKey = %q, want trimmed key", cfg.Gemini.APIKey)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:   "8080",
			DBPath: "db",
			Chat: ChatConfig{
				Backend:             BackendGemini,
				FailureThreshold:    3,
				Cooldown:            30 * time.Second,
				IdleTTL:             time.Minute,
				CredentialPrefix:    "AIza",
				CredentialMinLength: 20,
			},
			RateLimit:       RateLimitConfig{Requests: 10, Window: time.Minute},
			SSE:             SSEConfig{MaxBodyBytes: 1024},
			ConversationLog: ConversationLogConfig{Dir: "d", GlobalPath: "g", QueueSize: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT"},
		{name: "unknown backend", mutate: func(c *Config) { c.Chat.Backend = "openai" }, wantErr: "CHAT_BACKEND"},
		{name: "uplink without addr", mutate: func(c *Config) { c.Chat.Backend = BackendUplink }, wantErr: "UPLINK_ADDR"},
		{name: "zero threshold", mutate: func(c *Config) { c.Chat.FailureThreshold = 0 }, wantErr: "CHAT_FAILURE_THRESHOLD"},
		{name: "zero cooldown", mutate: func(c *Config) { c.Chat.Cooldown = 0 }, wantErr: "CHAT_COOLDOWN"},
		{name: "negative offline delay", mutate: func(c *Config) { c.Chat.OfflineDelay = -time.Second }, wantErr: "CHAT_OFFLINE_DELAY"},
		{name: "min length below prefix", mutate: func(c *Config) { c.Chat.CredentialMinLength = 2 }, wantErr: "CREDENTIAL_MIN_LENGTH"},
		{name: "seeded selector", mutate: func(c *Config) { c.Chat.OfflineSelector = "seeded:42" }},
		{name: "unknown selector", mutate: func(c *Config) { c.Chat.OfflineSelector = "random" }, wantErr: "CHAT_OFFLINE_SELECTOR"},
		{name: "bad seed", mutate: func(c *Config) { c.Chat.OfflineSelector = "seeded:x" }, wantErr: "CHAT_OFFLINE_SELECTOR"},
		{name: "no rate limit", mutate: func(c *Config) { c.RateLimit.Requests = 0 }, wantErr: "RATE_LIMIT"},
		{name: "no queue", mutate: func(c *Config) { c.ConversationLog.QueueSize = 0 }, wantErr: "CONVERSATION_LOG_QUEUE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	if !(&Config{}).IsDevelopment() {
		t.Fatal("empty FRONTEND_URL should be development")
	}
	if (&Config{FrontendURL: "https://agency.example"}).IsDevelopment() {
		t.Fatal("public FRONTEND_URL should not be development")
	}
}
