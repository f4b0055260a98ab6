package chat

import "time"

// State is the controller's externally visible state.
type State string

const (
	StateIdle     State = "idle"
	StateSending  State = "sending"
	StateCooldown State = "cooldown"
	StateClosed   State = "closed"
)

// Outcome reports how a submission was resolved.
type Outcome string

const (
	// OutcomeRejected means the submission was a no-op: blank text, a send
	// already pending, cooldown, or a torn-down controller.
	OutcomeRejected         Outcome = "rejected"
	OutcomeCredentialStored Outcome = "credential_stored"
	OutcomeOffline          Outcome = "offline"
	OutcomeReplied          Outcome = "replied"
	OutcomeFailed           Outcome = "failed"
	OutcomeCooldown         Outcome = "cooldown"
	// OutcomeAbandoned means the controller was closed while the turn was in
	// flight; nothing was written to the transcript.
	OutcomeAbandoned Outcome = "abandoned"
)

// EventType names a controller notification.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventMessageUpdated  EventType = "message_updated"
	EventStateChanged    EventType = "state_changed"
	EventTurnResolved    EventType = "turn_resolved"
	EventClosed          EventType = "closed"
)

// Event is delivered to subscribers in the order the controller applied it.
type Event struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message,omitempty"`
	Status  *Status   `json:"status,omitempty"`

	// Set on EventTurnResolved.
	Outcome  Outcome       `json:"outcome,omitempty"`
	Category Category      `json:"category,omitempty"`
	Latency  time.Duration `json:"latency_ns,omitempty"`
}

// Status is the presentation flags a transcript view renders from.
type Status struct {
	State             State         `json:"state"`
	Pending           bool          `json:"pending"`
	Cooldown          bool          `json:"cooldown"`
	CooldownUntil     time.Time     `json:"cooldown_until,omitzero"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns"`
	Failures          int           `json:"consecutive_failures"`
	HasCredential     bool          `json:"has_credential"`
}

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	Status
	Transcript []Message `json:"transcript"`
}
