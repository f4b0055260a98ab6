package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	maxWriteRetries = 3
	baseRetryDelay  = 100 * time.Millisecond
)

var errVisitorRequired = errors.New("visitor id is required")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitors (
		visitor_id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_turns (
		id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		widget_id TEXT NOT NULL,
		transport TEXT NOT NULL,
		outcome TEXT NOT NULL,
		category TEXT,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_created ON chat_turns(created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_visitor ON chat_turns(visitor_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetVisitor retrieves a visitor by ID.
func (s *SQLiteStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	query := `
		SELECT visitor_id, handle, last_seen_at, created_at, updated_at
		FROM visitors WHERE visitor_id = ?`

	row := s.db.QueryRowContext(ctx, query, visitorID)

	var v domain.Visitor
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&v.VisitorID, &v.Handle, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan visitor row: %w", err)
	}

	v.LastSeenAt = time.Unix(lastSeen, 0)
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// UpsertVisitor creates or updates a visitor record.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	if v.VisitorID == "" {
		return errVisitorRequired
	}
	query := `
	INSERT INTO visitors (visitor_id, handle, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		handle = excluded.handle,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "upsert visitor", func() error {
		_, err := s.db.ExecContext(ctx, query,
			v.VisitorID, v.Handle, v.LastSeenAt.Unix(),
			v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error {
	query := `UPDATE visitors SET last_seen_at = ?, updated_at = ? WHERE visitor_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), visitorID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "visitor_id", visitorID)
	}
	return nil
}

// RecordTurn appends a turn outcome to the audit log. A missing ID or
// timestamp is filled in.
func (s *SQLiteStore) RecordTurn(ctx context.Context, rec *domain.TurnRecord) error {
	if rec.VisitorID == "" {
		return errVisitorRequired
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var category any
	if rec.Category != "" {
		category = rec.Category
	}

	query := `
	INSERT INTO chat_turns (id, visitor_id, session_id, widget_id, transport, outcome, category, latency_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withRetry(ctx, "record turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.VisitorID, rec.SessionID, rec.WidgetID, rec.Transport,
			rec.Outcome, category, rec.Latency.Milliseconds(), rec.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// TurnStats aggregates outcomes recorded at or after since.
func (s *SQLiteStore) TurnStats(ctx context.Context, since time.Time) (*domain.TurnStats, error) {
	query := `
		SELECT outcome, COALESCE(category, ''), COUNT(*)
		FROM chat_turns WHERE created_at >= ?
		GROUP BY outcome, category
		ORDER BY outcome, category`

	rows, err := s.db.QueryContext(ctx, query, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query turn stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn stats rows", "error", closeErr)
		}
	}()

	stats := &domain.TurnStats{Since: since, Counts: []domain.OutcomeCount{}}
	for rows.Next() {
		var c domain.OutcomeCount
		if err := rows.Scan(&c.Outcome, &c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan turn stats row: %w", err)
		}
		stats.Total += c.Count
		stats.Counts = append(stats.Counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn stats: %w", err)
	}
	return stats, nil
}

// PurgeTurns removes audit entries older than retention.
func (s *SQLiteStore) PurgeTurns(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var affected int64
	err := s.withRetry(ctx, "purge turns", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_turns WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries op on SQLite lock conflicts with exponential backoff
// (100ms, 200ms).
func (s *SQLiteStore) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := 0; i < maxWriteRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxWriteRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("sqlite write conflict, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
