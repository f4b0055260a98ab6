// Package chatlog writes widget conversations as NDJSON, one file per
// visitor session plus an optional global file. Writes happen on a
// background goroutine; a full queue drops events rather than blocking the
// chat.
package chatlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one logged line.
type Event struct {
	Timestamp  string         `json:"ts"`
	VisitorID  string         `json:"visitor_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts conversation events.
type Logger interface {
	Log(Event)
	Close() error
}

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

var (
	ansiPattern       = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	credentialPattern = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{16,}`)
	unsafePathChars   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

type fileLogger struct {
	cfg    Config
	logger *slog.Logger

	queue   chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// Owned by the writer goroutine.
	files map[string]*os.File
}

// New returns a Logger for cfg. A disabled config yields Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log enqueues ev. Credentials are redacted before the event leaves the
// caller's goroutine.
func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	ev.ContentRaw = redact(ev.ContentRaw)
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	} else {
		ev.Content = redact(ev.Content)
	}

	defer func() {
		// Log after Close sends on a closed channel.
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()
	select {
	case l.queue <- ev:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close flushes queued events and closes open files.
func (l *fileLogger) Close() error {
	l.once.Do(func() { close(l.queue) })
	<-l.done
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	defer l.closeFiles()

	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		l.write(l.sessionPath(ev), line)
		if l.cfg.GlobalEnabled {
			l.write(l.cfg.GlobalPath, line)
		}
	}
}

func (l *fileLogger) sessionPath(ev Event) string {
	visitor := safeName(ev.VisitorID, "unknown")
	session := safeName(ev.SessionID, "default")
	return filepath.Join(l.cfg.Dir, visitor, session+".ndjson")
}

func (l *fileLogger) write(path string, line []byte) {
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			l.logger.Warn("failed to create conversation log dir", "path", path, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Warn("failed to open conversation log", "path", path, "error", err)
			return
		}
		l.files[path] = f
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write conversation log", "path", path, "error", err)
	}
}

func (l *fileLogger) closeFiles() {
	for path, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close conversation log", "path", path, "error", err)
		}
	}
}

func safeName(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

func redact(s string) string {
	return credentialPattern.ReplaceAllString(s, "[REDACTED_KEY]")
}

// cleanForReadability strips terminal escapes and collapses whitespace.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(redact(s), "")
	return strings.Join(strings.Fields(s), " ")
}
