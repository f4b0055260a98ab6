package main

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
)

type scriptedSession struct {
	chunks []string
	err    error
}

func (s scriptedSession) Send(context.Context, string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func newTestController(chunks []string, err error) *chat.Controller {
	return chat.New(chat.Options{
		ID: "term-test",
		Connector: chat.ConnectorFunc(func(context.Context, string, []chat.Turn) (chat.Session, error) {
			return scriptedSession{chunks: chunks, err: err}, nil
		}),
		Credential:       "AIzaSyTestKey0123456789",
		Greet:            true,
		Streaming:        true,
		FailureThreshold: 1,
		CooldownDwell:    time.Hour,
	})
}

func runScript(t *testing.T, ctrl *chat.Controller, input string) string {
	t.Helper()
	var out bytes.Buffer
	printer := newTranscriptPrinter(&out, defaultTheme())
	for _, m := range ctrl.Snapshot().Transcript {
		printer.handle(chat.Event{Type: chat.EventMessageAppended, Message: &m})
	}
	unsubscribe := ctrl.Subscribe(printer.handle)
	defer unsubscribe()

	if err := repl(context.Background(), strings.NewReader(input), printer, ctrl); err != nil {
		t.Fatalf("repl() error = %v", err)
	}
	return out.String()
}

func TestREPLStreamsReply(t *testing.T) {
	ctrl := newTestController([]string{"WE ", "BUILD ", "SITES."}, nil)
	defer ctrl.Close()

	out := runScript(t, ctrl, "what do you do?\n/quit\nnever read\n")

	if !strings.Contains(out, chat.DefaultLines().Greeting) {
		t.Fatalf("greeting missing from output:\n%s", out)
	}
	if !strings.Contains(out, "WE BUILD SITES.") {
		t.Fatalf("streamed reply not printed contiguously:\n%s", out)
	}
	if strings.Contains(out, "what do you do?") {
		t.Fatalf("user input should not be echoed:\n%s", out)
	}
	if n := len(ctrl.Snapshot().Transcript); n != 3 {
		t.Fatalf("transcript length = %d, want 3 (quit should stop reading)", n)
	}
}

func TestREPLCooldownAndReset(t *testing.T) {
	ctrl := newTestController(nil, errors.New("context deadline exceeded"))
	defer ctrl.Close()

	out := runScript(t, ctrl, "hello\nagain\n/status\n/reset\n/reset\n")

	for _, want := range []string{
		chat.DefaultLines().CooldownEntered,
		"[cooldown until",
		"cooling down for",
		"state=cooldown",
		chat.DefaultLines().BackOnline,
		"no active cooldown",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestREPLStoresCredential(t *testing.T) {
	ctrl := newTestController([]string{"ok"}, nil)
	defer ctrl.Close()

	key := "AIzaSyRuntimeKey987654321"
	out := runScript(t, ctrl, key+"\n")

	if !strings.Contains(out, chat.DefaultLines().CredentialStored) {
		t.Fatalf("credential notice missing:\n%s", out)
	}
	if strings.Contains(out, key) {
		t.Fatal("credential printed to the transcript")
	}
}

func TestRunRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runRelay(ctx, relayOptions{listen: "127.0.0.1:0", streaming: true}, slog.Default())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("database is locked") }

func TestCloseLoggedReportsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	closeLogged(logger, failingCloser{}, "repository")

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "Failed to close repository") || !strings.Contains(out, "database is locked") {
		t.Fatalf("log output = %q", out)
	}
}

func TestAuditTerminalFailsOnCancelledContext(t *testing.T) {
	ctrl := newTestController([]string{"ok"}, nil)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if _, _, err := auditTerminal(ctx, filepath.Join(t.TempDir(), "audit.db"), ctrl, logger); err == nil {
		t.Fatal("expected an error registering the terminal visitor")
	}
	if strings.Contains(buf.String(), "Failed to close") {
		t.Fatalf("repository close should succeed: %q", buf.String())
	}
}
