package widget

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/identity"
	"github.com/ashureev/agency-uplink/internal/store"
	"github.com/coder/websocket"
)

const (
	outboundQueue = 256
	maxFrameBytes = 16 * 1024
	writeTimeout  = 10 * time.Second
)

// Frame types.
const (
	FrameSubmit   = "submit"
	FrameReset    = "reset"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameSnapshot = "snapshot"
	FrameMessage  = "message"
	FrameState    = "state"
	FrameResolved = "resolved"
	FrameError    = "error"
)

// ClientFrame is a frame sent by the widget.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerFrame is a frame sent to the widget.
type ServerFrame struct {
	Type     string         `json:"type"`
	Event    chat.EventType `json:"event,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
	Status   *chat.Status   `json:"status,omitempty"`
	Snapshot *chat.Snapshot `json:"snapshot,omitempty"`
	Outcome  chat.Outcome   `json:"outcome,omitempty"`
	Category chat.Category  `json:"category,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// WebSocketHandler serves one controller per widget connection.
type WebSocketHandler struct {
	registry      *Registry
	repo          store.Repository
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. repo may be nil.
func NewWebSocketHandler(registry *Registry, repo store.Repository, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		registry:      registry,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "visitor_id", visitorID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "widget closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "visitor_id", visitorID)
		}
	}()
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &widgetConn{ws: ws, out: make(chan []byte, outboundQueue), cancel: cancel, logger: h.logger}
	// The close handshake waits on the peer, so eviction must not block the
	// replacing connection.
	ctrl := h.registry.Mount(visitorID, sessionID, domain.TransportWebSocket, func() {
		go func() { _ = ws.Close(websocket.StatusPolicyViolation, "session replaced") }()
	})
	log := h.logger.With("visitor_id", visitorID, "session_id", sessionID, "widget_id", ctrl.ID())

	snap := ctrl.Snapshot()
	conn.send(ServerFrame{Type: FrameSnapshot, Snapshot: &snap})
	unsubscribe := ctrl.Subscribe(conn.forward)

	var submits sync.WaitGroup
	defer func() {
		unsubscribe()
		h.registry.Release(visitorID, sessionID, ctrl)
		submits.Wait()
		log.Info("Widget session ended")
	}()

	go conn.writeLoop(ctx)
	h.readLoop(ctx, conn, ctrl, &submits, visitorID, log)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *widgetConn, ctrl *chat.Controller, submits *sync.WaitGroup, visitorID string, log *slog.Logger) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				log.Debug("WebSocket closed by client")
			} else {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.send(ServerFrame{Type: FrameError, Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FrameSubmit:
			// Submit blocks for the whole turn; a second submit arriving
			// meanwhile reaches the controller and is rejected there.
			submits.Add(1)
			go func(text string) {
				defer submits.Done()
				if outcome := ctrl.Submit(ctx, text); outcome == chat.OutcomeRejected {
					conn.send(ServerFrame{Type: FrameError, Error: "submission rejected", Outcome: outcome})
				}
			}(frame.Text)
		case FrameReset:
			if !ctrl.ResetCooldown() {
				conn.send(ServerFrame{Type: FrameError, Error: "no active cooldown"})
			}
		case FramePing:
			conn.send(ServerFrame{Type: FramePong})
		default:
			conn.send(ServerFrame{Type: FrameError, Error: "unknown frame type"})
		}

		h.touch(visitorID)
	}
}

// touch updates last seen asynchronously with timeout.
func (h *WebSocketHandler) touch(visitorID string) {
	if h.repo == nil || visitorID == "" {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(updateCtx, visitorID, time.Now()); err != nil {
			h.logger.Warn("Failed to update last seen", "error", err)
		}
	}()
}

// widgetConn queues frames for a single writer goroutine so controller
// events never wait on the network.
type widgetConn struct {
	ws     *websocket.Conn
	out    chan []byte
	cancel context.CancelFunc
	logger *slog.Logger
}

func (c *widgetConn) forward(ev chat.Event) {
	switch ev.Type {
	case chat.EventMessageAppended, chat.EventMessageUpdated:
		c.send(ServerFrame{Type: FrameMessage, Event: ev.Type, Message: ev.Message})
	case chat.EventStateChanged:
		c.send(ServerFrame{Type: FrameState, Status: ev.Status})
	case chat.EventTurnResolved:
		c.send(ServerFrame{Type: FrameResolved, Outcome: ev.Outcome, Category: ev.Category})
	}
}

func (c *widgetConn) send(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("Failed to encode widget frame", "error", err, "type", frame.Type)
		return
	}
	select {
	case c.out <- data:
	default:
		c.logger.Warn("Widget client too slow, dropping connection")
		c.cancel()
	}
}

func (c *widgetConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}
