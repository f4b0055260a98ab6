// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agency-uplink/internal/domain"
)

// Repository persists visitors and the turn audit log. Chat controllers
// themselves are never stored.
type Repository interface {
	// GetVisitor retrieves a visitor by ID, or nil if unknown.
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)

	// UpsertVisitor creates or updates a visitor record.
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error

	// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
	UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error

	// RecordTurn appends a turn outcome to the audit log.
	RecordTurn(ctx context.Context, rec *domain.TurnRecord) error

	// TurnStats aggregates outcomes recorded at or after since.
	TurnStats(ctx context.Context, since time.Time) (*domain.TurnStats, error)

	// PurgeTurns removes audit entries older than retention.
	PurgeTurns(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
