package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agency-uplink/internal/completion"
	"github.com/ashureev/agency-uplink/internal/persona"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

type relayOptions struct {
	listen      string
	model       string
	key         string
	personaFile string
	streaming   bool
}

func newRelayCmd() *cobra.Command {
	opts := relayOptions{
		listen:      envOr("RELAY_ADDR", ":50051"),
		model:       envOr("GEMINI_MODEL", completion.DefaultGeminiModel),
		key:         os.Getenv("GEMINI_API_KEY"),
		personaFile: os.Getenv("PERSONA_FILE"),
		streaming:   true,
	}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the gRPC completion relay backed by Gemini",
		Long: "Serves agency.uplink.v1.Completion. Each turn is forwarded to Gemini with the " +
			"caller's credential, or with --key when the caller sends none.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, opts, slog.Default())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", opts.listen, "Listen address")
	f.StringVar(&opts.model, "model", opts.model, "Gemini model")
	f.StringVar(&opts.key, "key", opts.key, "Fallback API key (defaults to GEMINI_API_KEY)")
	f.StringVar(&opts.personaFile, "persona", opts.personaFile, "Persona YAML file for the system prompt")
	f.BoolVar(&opts.streaming, "stream", opts.streaming, "Stream Gemini replies")
	return cmd
}

func runRelay(ctx context.Context, opts relayOptions, logger *slog.Logger) error {
	p, err := persona.Load(opts.personaFile)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.listen, err)
	}

	srv := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: false,
		}),
	)
	gemini := completion.NewGemini(opts.model, p.SystemPrompt, opts.streaming)
	completion.RegisterCompletionServer(srv, completion.NewRelay(gemini, opts.key, logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Relay listening", "addr", lis.Addr().String(), "model", opts.model, "fallback_credential", opts.key != "")
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Relay shutting down")
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
