// Package persona loads the chat widget's voice: the greeting, canned
// offline lines, failure labels and the model system prompt.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/agency-uplink/internal/chat"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var errNoOfflineLines = errors.New("persona needs at least one offline line")

// Persona is the widget persona as stored in YAML.
type Persona struct {
	Name             string            `yaml:"name"`
	Greeting         string            `yaml:"greeting"`
	SystemPrompt     string            `yaml:"system_prompt"`
	Offline          []string          `yaml:"offline"`
	CredentialStored string            `yaml:"credential_stored"`
	CooldownEntered  string            `yaml:"cooldown_entered"`
	BackOnline       string            `yaml:"back_online"`
	FailureLabels    map[string]string `yaml:"failure_labels"`
}

// Default returns the embedded persona.
func Default() *Persona {
	p, err := Parse(defaultYAML)
	if err != nil {
		panic("persona: embedded default is invalid: " + err.Error())
	}
	return p
}

// Load reads a persona file. Fields missing from the file keep the
// embedded defaults. An empty path returns the default persona.
func Load(path string) (*Persona, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona file %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a persona document.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the persona can drive a controller.
func (p *Persona) Validate() error {
	var lines []string
	for _, l := range p.Offline {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return errNoOfflineLines
	}
	p.Offline = lines
	for key := range p.FailureLabels {
		switch chat.Category(key) {
		case chat.CategoryAuthDenied, chat.CategoryInvalidCredential, chat.CategoryNetworkTimeout,
			chat.CategoryContentBlocked, chat.CategoryUplinkLost:
		default:
			return fmt.Errorf("unknown failure category %q", key)
		}
	}
	return nil
}

// Lines converts the persona into controller transcript lines.
func (p *Persona) Lines() chat.Lines {
	labels := make(map[chat.Category]string, len(p.FailureLabels))
	for k, v := range p.FailureLabels {
		labels[chat.Category(k)] = v
	}
	fallback := labels[chat.CategoryUplinkLost]
	if fallback == "" {
		fallback = chat.DefaultLines().DefaultErrorLabel
	}
	return chat.Lines{
		Greeting:          p.Greeting,
		Offline:           append([]string(nil), p.Offline...),
		CredentialStored:  p.CredentialStored,
		CooldownEntered:   p.CooldownEntered,
		BackOnline:        p.BackOnline,
		FailureLabels:     labels,
		DefaultErrorLabel: fallback,
	}
}
