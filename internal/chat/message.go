// Package chat implements the uplink session controller behind the site's
// chat widget.
package chat

import "time"

// Role identifies who authored a transcript entry.
type Role string

const (
	// RoleUser marks visitor input.
	RoleUser Role = "user"
	// RoleAssistant marks everything shown on the widget's side of the transcript.
	RoleAssistant Role = "assistant"
)

// Kind distinguishes model output from controller-generated lines.
type Kind string

const (
	KindUser     Kind = "user"
	KindReply    Kind = "reply"
	KindGreeting Kind = "greeting"
	// KindNotice is a disclosure produced by the controller itself (offline
	// line, error line, cooldown announcements, credential confirmation).
	KindNotice Kind = "notice"
)

// Message is a single transcript entry. Index is its position in the
// transcript and the only ordering key.
type Message struct {
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is a message in the form the completion service consumes.
type Turn struct {
	Role Role
	Text string
}

// conversational reports whether the message belongs in session history.
func (m Message) conversational() bool {
	return m.Kind == KindUser || m.Kind == KindReply
}
