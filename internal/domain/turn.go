package domain

import (
	"time"
)

// Transports a turn can arrive on.
const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
	TransportCLI       = "cli"
)

// TurnRecord is the audit entry for one resolved submission. It carries the
// outcome only; message text and credentials are never stored.
type TurnRecord struct {
	ID        string        `json:"id"`
	VisitorID string        `json:"visitor_id"`
	SessionID string        `json:"session_id"`
	WidgetID  string        `json:"widget_id"`
	Transport string        `json:"transport"`
	Outcome   string        `json:"outcome"`
	Category  string        `json:"category,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// OutcomeCount aggregates turn records.
type OutcomeCount struct {
	Outcome  string `json:"outcome"`
	Category string `json:"category,omitempty"`
	Count    int64  `json:"count"`
}

// TurnStats is the summary served to operators.
type TurnStats struct {
	Since  time.Time      `json:"since"`
	Total  int64          `json:"total"`
	Counts []OutcomeCount `json:"counts"`
}
