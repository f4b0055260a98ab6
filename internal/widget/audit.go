package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/chatlog"
	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/store"
)

const recordTimeout = 5 * time.Second

// Auditor follows controller events. Resolved turns go to the store as
// outcome records; transcript messages go to the conversation log.
type Auditor struct {
	repo   store.Repository
	convo  chatlog.Logger
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewAuditor returns an auditor. repo and convo may be nil.
func NewAuditor(repo store.Repository, convo chatlog.Logger, logger *slog.Logger) *Auditor {
	if convo == nil {
		convo = chatlog.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{repo: repo, convo: convo, logger: logger}
}

// Attach subscribes to ctrl and returns the unsubscribe function.
func (a *Auditor) Attach(ctrl *chat.Controller, m Mount) func() {
	t := &turnTracker{auditor: a, mount: m}
	return ctrl.Subscribe(t.handle)
}

// Wait blocks until pending store writes finish.
func (a *Auditor) Wait() {
	a.wg.Wait()
}

// turnTracker holds back a streaming reply until its turn resolves so the
// log gets the full text once.
type turnTracker struct {
	auditor *Auditor
	mount   Mount

	mu    sync.Mutex
	reply *chat.Message
}

func (t *turnTracker) handle(ev chat.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case chat.EventMessageAppended:
		if ev.Message.Kind == chat.KindReply {
			t.flushReplyLocked()
			msg := *ev.Message
			t.reply = &msg
			return
		}
		t.auditor.logMessage(t.mount, *ev.Message)
	case chat.EventMessageUpdated:
		if t.reply != nil && ev.Message.Index == t.reply.Index {
			t.reply.Text = ev.Message.Text
		}
	case chat.EventTurnResolved:
		t.flushReplyLocked()
		t.auditor.record(t.mount, ev)
	case chat.EventClosed:
		t.flushReplyLocked()
	}
}

func (t *turnTracker) flushReplyLocked() {
	if t.reply == nil {
		return
	}
	t.auditor.logMessage(t.mount, *t.reply)
	t.reply = nil
}

func (a *Auditor) logMessage(m Mount, msg chat.Message) {
	direction := "outbound"
	if msg.Role == chat.RoleUser {
		direction = "inbound"
	}
	a.convo.Log(chatlog.Event{
		Timestamp:  msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		VisitorID:  m.VisitorID,
		SessionID:  m.SessionID,
		Channel:    m.Transport,
		Direction:  direction,
		EventType:  "chat_" + string(msg.Kind),
		ContentRaw: msg.Text,
		Meta: map[string]any{
			"widget_id": m.WidgetID,
			"index":     msg.Index,
		},
	})
}

func (a *Auditor) record(m Mount, ev chat.Event) {
	a.logger.Info("chat turn resolved",
		"visitor_id", m.VisitorID,
		"session_id", m.SessionID,
		"widget_id", m.WidgetID,
		"outcome", ev.Outcome,
		"category", ev.Category,
		"latency", ev.Latency,
	)
	if a.repo == nil || m.VisitorID == "" {
		return
	}

	rec := &domain.TurnRecord{
		VisitorID: m.VisitorID,
		SessionID: m.SessionID,
		WidgetID:  m.WidgetID,
		Transport: m.Transport,
		Outcome:   string(ev.Outcome),
		Category:  string(ev.Category),
		Latency:   ev.Latency,
		CreatedAt: time.Now(),
	}

	// Written off the event path; subscribers must not block the controller.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := a.repo.RecordTurn(ctx, rec); err != nil {
			a.logger.Warn("failed to record chat turn", "error", err, "visitor_id", m.VisitorID)
		}
	}()
}
