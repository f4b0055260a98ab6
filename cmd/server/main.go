// Agency site server with the uplink chat widget.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agency-uplink/internal/api"
	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/chatlog"
	"github.com/ashureev/agency-uplink/internal/completion"
	"github.com/ashureev/agency-uplink/internal/config"
	"github.com/ashureev/agency-uplink/internal/identity"
	"github.com/ashureev/agency-uplink/internal/middleware"
	"github.com/ashureev/agency-uplink/internal/persona"
	"github.com/ashureev/agency-uplink/internal/store"
	"github.com/ashureev/agency-uplink/internal/widget"
	"github.com/ashureev/agency-uplink/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"backend", cfg.Chat.Backend,
		"credential_configured", cfg.Gemini.APIKey != "",
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected")

	p, err := persona.Load(cfg.Chat.PersonaFile)
	if err != nil {
		return err
	}
	slog.Info("Persona loaded", "name", p.Name)

	// A missing relay degrades to offline mode rather than failing startup.
	backend, err := completion.Open(cfg, p.SystemPrompt, logger)
	if err != nil {
		slog.Warn("Completion backend unavailable, widgets will answer offline", "backend", cfg.Chat.Backend, "error", err)
	} else {
		defer backend.Close()
	}

	convo, err := chatlog.New(chatlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := convo.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var connector chat.Connector
	var probe api.BackendProbe
	if backend != nil {
		connector = backend.Connector
		if backend.Uplink != nil {
			probe = backend.Uplink
		}
	}

	auditor := widget.NewAuditor(repo, convo, logger)
	factory := widget.NewFactory(widget.OptionsFromConfig(cfg, p, connector, logger))
	registry := widget.NewRegistry(factory, auditor, logger)
	reaper := widget.NewReaper(registry, repo, cfg.Chat.IdleTTL, logger)
	defer func() {
		registry.CloseAll()
		auditor.Wait()
	}()

	baseHandler := api.NewHandler(repo, registry, cfg)
	chatHandler := api.NewChatHandler(baseHandler, logger)
	defer chatHandler.Close()
	siteHandler := api.NewSiteHandler(baseHandler, p.Name)
	healthHandler := api.NewHealthHandler(baseHandler, probe)
	wsHandler := widget.NewWebSocketHandler(registry, repo, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	siteHandler.RegisterRoutes(r)

	// Widget routes carry the anonymous visitor identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded site (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE responses stream for a whole turn, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
