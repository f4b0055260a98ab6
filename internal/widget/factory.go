// Package widget hosts chat controllers for mounted widgets: it builds
// them, tracks them per visitor tab, reaps idle ones, audits their turns
// and serves them over WebSocket.
package widget

import (
	"log/slog"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/config"
	"github.com/ashureev/agency-uplink/internal/persona"
	"github.com/google/uuid"
)

// Mount identifies one widget instance.
type Mount struct {
	VisitorID string
	SessionID string
	WidgetID  string
	Transport string
}

// Factory builds a controller per widget mount from shared options.
type Factory struct {
	base chat.Options
}

// NewFactory returns a factory. base.ID is ignored. A nil base.Selector
// gives every controller its own round-robin rotation.
func NewFactory(base chat.Options) *Factory {
	base.ID = ""
	return &Factory{base: base}
}

// New builds a controller. An empty widgetID gets a random one.
func (f *Factory) New(widgetID string) *chat.Controller {
	if widgetID == "" {
		widgetID = uuid.NewString()
	}
	opts := f.base
	opts.ID = widgetID
	return chat.New(opts)
}

// OptionsFromConfig builds the shared controller options. connector may be
// nil, which keeps every widget in offline mode. A seeded offline selector
// is shared by all widgets, so the site as a whole replays one sequence.
func OptionsFromConfig(cfg *config.Config, p *persona.Persona, connector chat.Connector, logger *slog.Logger) chat.Options {
	var selector chat.Selector
	if seed, seeded, err := cfg.Chat.OfflineSeed(); err == nil && seeded {
		selector = chat.NewSeededRandom(seed)
	}
	return chat.Options{
		Connector:           connector,
		Selector:            selector,
		Credential:          cfg.Gemini.APIKey,
		Lines:               p.Lines(),
		Logger:              logger,
		Greet:               true,
		Streaming:           cfg.Chat.Streaming,
		FailureThreshold:    cfg.Chat.FailureThreshold,
		CooldownDwell:       cfg.Chat.Cooldown,
		OfflineDelay:        cfg.Chat.OfflineDelay,
		CredentialPrefix:    cfg.Chat.CredentialPrefix,
		CredentialMinLength: cfg.Chat.CredentialMinLength,
	}
}
