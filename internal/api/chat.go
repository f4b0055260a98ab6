package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	// defaultMaxRequestBodySize bounds a chat submission (16KB).
	defaultMaxRequestBodySize = 16 << 10
	// turnTimeout bounds a turn once the request has handed it over. The turn
	// outlives a dropped stream so the transcript stays consistent.
	turnTimeout = 2 * time.Minute
	// settleTimeout bounds the wait for the resolution event after Submit
	// returns.
	settleTimeout = 2 * time.Second
)

// SSE event names.
const (
	sseMessage  = "message"
	sseState    = "state"
	sseResolved = "resolved"
	sseClosed   = "closed"
	sseError    = "error"
)

// ChatRequest is the body of POST /api/chat/messages.
type ChatRequest struct {
	Text string `json:"text"`
}

// SnapshotResponse wraps a controller snapshot with its widget ID and the
// visitor's display handle.
type SnapshotResponse struct {
	WidgetID string `json:"widget_id"`
	Handle   string `json:"handle"`
	chat.Snapshot
}

// ChatHandler serves the HTTP rendition of the chat widget.
type ChatHandler struct {
	*Handler
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewChatHandler creates a chat handler. Call Close to stop the rate
// limiter.
func NewChatHandler(base *Handler, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	requests, window := 20, time.Minute
	if base.cfg != nil {
		requests = base.cfg.RateLimit.Requests
		window = base.cfg.RateLimit.Window
	}
	return &ChatHandler{
		Handler:     base,
		rateLimiter: NewRateLimiter(requests, window),
		logger:      logger,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetChat)
		r.Delete("/", h.DeleteChat)
		r.Delete("/all", h.DeleteAllChats)
		r.Post("/messages", h.PostMessage)
		r.Post("/reset", h.ResetCooldown)
	})
}

// Close releases handler resources.
func (h *ChatHandler) Close() {
	h.rateLimiter.Stop()
}

// GetChat returns the snapshot of the caller's widget, creating the
// controller on first view.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	ctrl, created := h.registry.Acquire(visitorID, sessionID, domain.TransportHTTP)
	if created {
		h.logger.Info("Widget mounted", "visitor_id", visitorID, "session_id", sessionID, "widget_id", ctrl.ID())
	}
	JSON(w, http.StatusOK, SnapshotResponse{
		WidgetID: ctrl.ID(),
		Handle:   identity.HandleFromContext(r.Context()),
		Snapshot: ctrl.Snapshot(),
	})
}

// DeleteChat tears down the caller's widget.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if !h.registry.Remove(visitorID, sessionID) {
		Error(w, http.StatusNotFound, "no active chat")
		return
	}
	h.logger.Info("Widget closed by visitor", "visitor_id", visitorID, "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// DeleteAllChats tears down every widget the visitor has open, across tabs.
func (h *ChatHandler) DeleteAllChats(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	closed := h.registry.CloseVisitor(visitorID)
	h.logger.Info("Widgets closed by visitor", "visitor_id", visitorID, "closed", closed)
	JSON(w, http.StatusOK, map[string]any{"status": "closed", "closed": closed})
}

// ResetCooldown is the manual cooldown override.
func (h *ChatHandler) ResetCooldown(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	ctrl := h.registry.Lookup(visitorID, sessionID)
	if ctrl == nil {
		Error(w, http.StatusNotFound, "no active chat")
		return
	}
	if !ctrl.ResetCooldown() {
		Error(w, http.StatusConflict, "no active cooldown")
		return
	}
	JSON(w, http.StatusOK, ctrl.Status())
}

// PostMessage submits one message and streams the controller's events as
// SSE until the turn resolves.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(visitorID) {
		retry := h.rateLimiter.RetryAfter(visitorID)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxBodyBytes > 0 {
		maxBodySize = h.cfg.SSE.MaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	ctrl, _ := h.registry.Acquire(visitorID, sessionID, domain.TransportHTTP)
	if st := ctrl.Status(); st.State != chat.StateIdle {
		Error(w, http.StatusConflict, "chat is "+string(st.State))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	log := h.logger.With(
		"visitor_id", visitorID,
		"handle", identity.HandleFromContext(r.Context()),
		"session_id", sessionID,
		"widget_id", ctrl.ID(),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	log.Info("Chat submission", "message_length", len(req.Text))

	queue := newEventQueue()
	unsubscribe := ctrl.Subscribe(queue.push)
	defer unsubscribe()

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), turnTimeout)
	outcomeCh := make(chan chat.Outcome, 1)
	go func(done chan<- chat.Outcome) {
		defer cancel()
		done <- ctrl.Submit(turnCtx, req.Text)
	}(outcomeCh)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseStream{w: w, flusher: flusher}
	var outcome chat.Outcome
	var settle <-chan time.Time
	for {
		select {
		case <-r.Context().Done():
			log.Info("Chat stream disconnected before the turn resolved")
			return
		case <-queue.notify:
			if err := stream.writeEvents(queue.drain()); err != nil {
				log.Warn("Failed to write SSE event", "error", err)
				return
			}
		case outcome = <-outcomeCh:
			outcomeCh = nil
			if outcome == chat.OutcomeRejected {
				// Lost a race with another tab; nothing was resolved.
				data := fmt.Sprintf(`{"error":"submission rejected","outcome":%q}`, outcome)
				if err := stream.write(sseError, data); err != nil {
					log.Warn("Failed to write SSE error event", "error", err)
				}
				return
			}
			if err := stream.writeEvents(queue.drain()); err != nil {
				log.Warn("Failed to write SSE event", "error", err)
				return
			}
			// Another goroutine may still be delivering the final events.
			settle = time.After(settleTimeout)
		case <-settle:
			log.Warn("Chat stream ended before the resolution event arrived", "outcome", outcome)
			return
		}
		if outcomeCh == nil && stream.finished {
			log.Info("Chat submission finished", "outcome", outcome)
			return
		}
	}
}

// eventQueue hands controller events to the streaming goroutine without
// ever blocking the controller.
type eventQueue struct {
	mu     sync.Mutex
	events []chat.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev chat.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []chat.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

type sseStream struct {
	w       io.Writer
	flusher http.Flusher
	nextID  int64
	// finished is set once the turn's resolution or the teardown was written.
	finished bool
}

func (s *sseStream) writeEvents(events []chat.Event) error {
	for _, ev := range events {
		name := sseEventName(ev.Type)
		if name == "" {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Type, err)
		}
		if err := s.write(name, string(data)); err != nil {
			return err
		}
		if ev.Type == chat.EventTurnResolved || ev.Type == chat.EventClosed {
			s.finished = true
		}
	}
	return nil
}

func (s *sseStream) write(event, data string) error {
	s.nextID++
	if err := writeSSEWithID(s.w, s.nextID, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func sseEventName(t chat.EventType) string {
	switch t {
	case chat.EventMessageAppended, chat.EventMessageUpdated:
		return sseMessage
	case chat.EventStateChanged:
		return sseState
	case chat.EventTurnResolved:
		return sseResolved
	case chat.EventClosed:
		return sseClosed
	default:
		return ""
	}
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
