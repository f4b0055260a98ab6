package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/completion"
	"github.com/ashureev/agency-uplink/internal/config"
	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/identity"
	"github.com/ashureev/agency-uplink/internal/persona"
	"github.com/ashureev/agency-uplink/internal/store"
	"github.com/ashureev/agency-uplink/internal/widget"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type theme struct {
	Greeting lipgloss.Style
	Reply    lipgloss.Style
	Prompt   lipgloss.Style
	Notice   lipgloss.Style
	Danger   lipgloss.Style
	Muted    lipgloss.Style
}

func defaultTheme() theme {
	accent := lipgloss.Color("#3CF29B")
	alert := lipgloss.Color("#F2C53C")
	danger := lipgloss.Color("#F2553C")
	muted := lipgloss.Color("#7D7D7D")

	return theme{
		Greeting: lipgloss.NewStyle().Bold(true).Foreground(accent),
		Reply:    lipgloss.NewStyle().Foreground(accent),
		Prompt:   lipgloss.NewStyle().Bold(true).Foreground(accent),
		Notice:   lipgloss.NewStyle().Foreground(alert),
		Danger:   lipgloss.NewStyle().Bold(true).Foreground(danger),
		Muted:    lipgloss.NewStyle().Foreground(muted),
	}
}

func newChatCmd() *cobra.Command {
	cfg, cfgErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}
	var dbPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the uplink controller in the terminal",
		Long: "Runs one chat controller in the terminal. Paste an API key to store it " +
			"for the session. /reset overrides a cooldown, /status prints the flags, /quit exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, dbPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Chat.Backend, "backend", cfg.Chat.Backend, "Completion backend: gemini or uplink")
	f.StringVar(&cfg.Chat.UplinkAddr, "uplink", cfg.Chat.UplinkAddr, "Relay address for the uplink backend")
	f.StringVar(&cfg.Gemini.Model, "model", cfg.Gemini.Model, "Gemini model")
	f.StringVar(&cfg.Gemini.APIKey, "key", cfg.Gemini.APIKey, "Startup API key (defaults to GEMINI_API_KEY)")
	f.BoolVar(&cfg.Chat.Streaming, "stream", cfg.Chat.Streaming, "Stream replies as they arrive")
	f.IntVar(&cfg.Chat.FailureThreshold, "failures", cfg.Chat.FailureThreshold, "Consecutive failures before cooldown")
	f.DurationVar(&cfg.Chat.Cooldown, "cooldown", cfg.Chat.Cooldown, "Cooldown dwell")
	f.DurationVar(&cfg.Chat.OfflineDelay, "offline-delay", cfg.Chat.OfflineDelay, "Delay before an offline answer")
	f.StringVar(&cfg.Chat.PersonaFile, "persona", cfg.Chat.PersonaFile, "Persona YAML file")
	f.StringVar(&cfg.Chat.OfflineSelector, "offline-selector", cfg.Chat.OfflineSelector, "Offline answer order: round-robin or seeded:<n>")
	f.StringVar(&dbPath, "db", "", "Record turn outcomes to this SQLite file")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, dbPath string, in io.Reader, out io.Writer) error {
	logger := slog.Default()

	p, err := persona.Load(cfg.Chat.PersonaFile)
	if err != nil {
		return err
	}

	var connector chat.Connector
	backend, err := completion.Open(cfg, p.SystemPrompt, logger)
	if err != nil {
		logger.Warn("Completion backend unavailable, answering offline", "error", err)
	} else {
		defer backend.Close()
		connector = backend.Connector
	}

	ctrl := widget.NewFactory(widget.OptionsFromConfig(cfg, p, connector, logger)).New("")
	defer ctrl.Close()

	if dbPath != "" {
		detach, closeStore, err := auditTerminal(ctx, dbPath, ctrl, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		defer detach()
	}

	th := defaultTheme()
	printer := newTranscriptPrinter(out, th)
	snap := ctrl.Snapshot()
	for _, m := range snap.Transcript {
		printer.handle(chat.Event{Type: chat.EventMessageAppended, Message: &m})
	}
	unsubscribe := ctrl.Subscribe(printer.handle)
	defer unsubscribe()

	return repl(ctx, in, printer, ctrl)
}

// auditTerminal records the terminal session's turn outcomes like a widget
// mount.
func auditTerminal(ctx context.Context, dbPath string, ctrl *chat.Controller, logger *slog.Logger) (detach, closeStore func(), err error) {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, nil, err
	}
	closeRepo := func() { closeLogged(logger, repo, "repository") }
	visitorID, err := identity.NewVisitorID()
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	if err := identity.EnsureVisitor(ctx, repo, visitorID); err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("register terminal visitor: %w", err)
	}

	auditor := widget.NewAuditor(repo, nil, logger)
	detach = auditor.Attach(ctrl, widget.Mount{
		VisitorID: visitorID,
		SessionID: "terminal",
		WidgetID:  ctrl.ID(),
		Transport: domain.TransportCLI,
	})
	closeStore = func() {
		auditor.Wait()
		closeRepo()
	}
	return detach, closeStore, nil
}

// closeLogged closes c and logs a failure instead of dropping it.
func closeLogged(logger *slog.Logger, c io.Closer, what string) {
	if err := c.Close(); err != nil {
		logger.Warn("Failed to close "+what, "error", err)
	}
}

func repl(ctx context.Context, in io.Reader, printer *transcriptPrinter, ctrl *chat.Controller) error {
	scanner := bufio.NewScanner(in)
	for {
		printer.prompt()
		if !scanner.Scan() {
			printer.line("")
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if !ctrl.ResetCooldown() {
				printer.muted("no active cooldown")
			}
			continue
		case "/status":
			printer.status(ctrl.Status())
			continue
		}

		if outcome := ctrl.Submit(ctx, line); outcome == chat.OutcomeRejected {
			st := ctrl.Status()
			if st.Cooldown {
				printer.muted(fmt.Sprintf("cooling down for %s, /reset to override", st.CooldownRemaining.Round(time.Second)))
			} else {
				printer.muted("input rejected")
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// transcriptPrinter renders controller events as terminal lines. Streamed
// replies are printed incrementally.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	theme   theme
	open    int
	printed int
}

func newTranscriptPrinter(out io.Writer, th theme) *transcriptPrinter {
	return &transcriptPrinter{out: out, theme: th, open: -1}
}

func (p *transcriptPrinter) handle(ev chat.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case chat.EventMessageAppended:
		m := ev.Message
		switch m.Kind {
		case chat.KindUser:
			return
		case chat.KindReply:
			p.closeReplyLocked()
			fmt.Fprint(p.out, p.theme.Prompt.Render("UPLINK> ")+p.theme.Reply.Render(m.Text))
			p.open, p.printed = m.Index, len(m.Text)
		case chat.KindGreeting:
			p.closeReplyLocked()
			fmt.Fprintln(p.out, p.theme.Greeting.Render(m.Text))
		default:
			p.closeReplyLocked()
			fmt.Fprintln(p.out, p.theme.Notice.Render(m.Text))
		}
	case chat.EventMessageUpdated:
		m := ev.Message
		if m.Index != p.open || len(m.Text) <= p.printed {
			return
		}
		fmt.Fprint(p.out, p.theme.Reply.Render(m.Text[p.printed:]))
		p.printed = len(m.Text)
	case chat.EventStateChanged:
		if st := ev.Status; st != nil && st.Cooldown {
			p.closeReplyLocked()
			fmt.Fprintln(p.out, p.theme.Danger.Render(fmt.Sprintf("[cooldown until %s]", st.CooldownUntil.Format(time.TimeOnly))))
		}
	case chat.EventTurnResolved:
		p.closeReplyLocked()
		if ev.Category != "" {
			fmt.Fprintln(p.out, p.theme.Muted.Render(fmt.Sprintf("[%s after %s]", ev.Category, ev.Latency.Round(time.Millisecond))))
		}
	}
}

func (p *transcriptPrinter) closeReplyLocked() {
	if p.open >= 0 {
		fmt.Fprintln(p.out)
		p.open, p.printed = -1, 0
	}
}

func (p *transcriptPrinter) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, p.theme.Prompt.Render("> "))
}

func (p *transcriptPrinter) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *transcriptPrinter) muted(s string) {
	p.line(p.theme.Muted.Render(s))
}

func (p *transcriptPrinter) status(st chat.Status) {
	p.line(p.theme.Muted.Render(fmt.Sprintf(
		"state=%s pending=%t cooldown=%t failures=%d credential=%t",
		st.State, st.Pending, st.Cooldown, st.Failures, st.HasCredential,
	)))
}
