package completion

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/config"
)

// Backend is the completion backend chosen by configuration.
type Backend struct {
	Name      string
	Connector chat.Connector
	// Uplink is set for the relay backend so health checks can probe it.
	Uplink *Uplink
}

// Open builds the backend named by cfg.Chat.Backend. The Gemini backend
// needs no connection up front; the uplink backend dials the relay and
// fails if it is not ready.
func Open(cfg *config.Config, systemPrompt string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Chat.Backend {
	case config.BackendGemini:
		return &Backend{
			Name:      config.BackendGemini,
			Connector: NewGemini(cfg.Gemini.Model, systemPrompt, cfg.Chat.Streaming),
		}, nil
	case config.BackendUplink:
		up, err := DialUplink(DefaultUplinkConfig(cfg.Chat.UplinkAddr), logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: config.BackendUplink, Connector: up, Uplink: up}, nil
	default:
		return nil, fmt.Errorf("unknown chat backend %q", cfg.Chat.Backend)
	}
}

// Close releases the backend's connection, if any.
func (b *Backend) Close() {
	if b != nil && b.Uplink != nil {
		b.Uplink.Close()
	}
}
