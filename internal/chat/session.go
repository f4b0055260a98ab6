package chat

import (
	"context"
	"iter"
)

// Connector opens sessions with the external completion service.
type Connector interface {
	// Connect opens a session authorised by credential and seeded with the
	// prior conversation, oldest turn first.
	Connect(ctx context.Context, credential string, history []Turn) (Session, error)
}

// Session is one multi-turn exchange with the completion service.
type Session interface {
	// Send dispatches one user turn and yields the reply as ordered text
	// chunks. A turn-based backend yields the whole reply as one chunk.
	// A non-nil error ends the sequence.
	Send(ctx context.Context, text string) iter.Seq2[string, error]
}

// Closer is implemented by sessions that hold resources beyond a request.
type Closer interface {
	Close() error
}

// CredentialSupplier is implemented by connectors that can authorise a
// turn without a caller credential, such as a relay holding its own key.
// The controller dispatches to them even when it has no credential.
type CredentialSupplier interface {
	SuppliesCredential() bool
}

func suppliesCredential(c Connector) bool {
	s, ok := c.(CredentialSupplier)
	return ok && s.SuppliesCredential()
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, credential string, history []Turn) (Session, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, credential string, history []Turn) (Session, error) {
	return f(ctx, credential, history)
}

// Lines holds the fixed text the controller writes into the transcript.
type Lines struct {
	Greeting          string
	Offline           []string
	CredentialStored  string
	CooldownEntered   string
	BackOnline        string
	FailureLabels     map[Category]string
	DefaultErrorLabel string
}

// DefaultLines is the terminal persona used when no persona file is loaded.
func DefaultLines() Lines {
	return Lines{
		Greeting: "CONNECTION_ESTABLISHED. SYSTEM_READY. ASK_ABOUT_SERVICES.",
		Offline: []string{
			"SYSTEM_ACKNOWLEDGED. SCANNING_CORE_METRICS...",
			"AGENCY_STATUS: ACTIVE. PERFORMANCE_UPLINK_STABLE.",
			"QUERY_RECEIVED. OPTIMIZING_RESPONSE_NODES...",
			"PROTOCOL_7G: ENABLED. WOULD_YOU_LIKE_A_PROPOSAL?",
		},
		CredentialStored: "ACCESS_KEY_ACCEPTED. UPLINK_REINITIALIZED.",
		CooldownEntered:  "ERR: UPLINK_UNSTABLE. ENTERING_COOLDOWN...",
		BackOnline:       "UPLINK_RESTORED. SYSTEM_READY.",
		FailureLabels: map[Category]string{
			CategoryAuthDenied:        "ERR: AUTH_DENIED.",
			CategoryInvalidCredential: "ERR: INVALID_ACCESS_KEY.",
			CategoryNetworkTimeout:    "ERR: NETWORK_TIMEOUT.",
			CategoryContentBlocked:    "ERR: CONTENT_BLOCKED.",
			CategoryUplinkLost:        "ERR: CONNECTION_LOST. PLEASE_RETRY.",
		},
		DefaultErrorLabel: "ERR: CONNECTION_LOST. PLEASE_RETRY.",
	}
}

func (l Lines) failureText(cat Category, desc string) string {
	label, ok := l.FailureLabels[cat]
	if !ok || label == "" {
		label = l.DefaultErrorLabel
	}
	if d := diagnostic(desc); d != "" {
		return label + " [" + d + "]"
	}
	return label
}
