package widget

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agency-uplink/internal/store"
)

const (
	defaultReapInterval = time.Minute
	// turnRetention bounds the audit log.
	turnRetention = 30 * 24 * time.Hour
)

// Reaper periodically closes abandoned controllers and trims the audit log.
type Reaper struct {
	registry *Registry
	repo     store.Repository
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewReaper returns a reaper closing controllers idle for ttl. repo may be
// nil.
func NewReaper(registry *Registry, repo store.Repository, ttl time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	interval := defaultReapInterval
	if ttl < interval {
		interval = ttl
	}
	return &Reaper{
		registry: registry,
		repo:     repo,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps until ctx is done. It always returns nil so it can sit in an
// errgroup next to the HTTP server.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("Widget reaper started", "interval", r.interval, "idle_ttl", r.ttl)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			r.logger.Info("Widget reaper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one reaping pass.
func (r *Reaper) Sweep(ctx context.Context) {
	reaped := r.registry.ReapIdle(r.now(), r.ttl)
	for _, m := range reaped {
		r.logger.Info("Widget reaper closed idle controller",
			"visitor_id", m.VisitorID,
			"session_id", m.SessionID,
			"widget_id", m.WidgetID,
		)
	}
	if len(reaped) > 0 {
		r.logger.Info("Widget reaper cleanup completed", "closed", len(reaped), "remaining", r.registry.Len())
	}

	if r.repo == nil {
		return
	}
	if deleted, err := r.repo.PurgeTurns(ctx, turnRetention); err != nil {
		r.logger.Error("Widget reaper failed to purge turn records", "error", err)
	} else if deleted > 0 {
		r.logger.Info("Widget reaper purged turn records", "count", deleted)
	}
}
