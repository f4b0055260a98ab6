package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"github.com/ashureev/agency-uplink/internal/identity"
	"github.com/coder/websocket"
)

func startWidgetServer(t *testing.T, reg *Registry) string {
	t.Helper()
	h := NewWebSocketHandler(reg, nil, "*", true, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithVisitor(r.Context(), "vis_test", r.URL.Query().Get("session_id"))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWidget(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f ClientFrame) {
	t.Helper()
	data, _ := json.Marshal(f)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

// readUntil collects frames until one of type want arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want string) []ServerFrame {
	t.Helper()
	var frames []ServerFrame
	for i := 0; i < 50; i++ {
		f := readFrame(t, ws)
		frames = append(frames, f)
		if f.Type == want {
			return frames
		}
	}
	t.Fatalf("no %s frame in %+v", want, frames)
	return nil
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	reg := NewRegistry(newTestFactory(replyConnector("ok")), nil, nil)
	ws := dialWidget(t, startWidgetServer(t, reg)+"?session_id=tab-1")

	f := readFrame(t, ws)
	if f.Type != FrameSnapshot || f.Snapshot == nil {
		t.Fatalf("first frame = %+v, want snapshot", f)
	}
	if len(f.Snapshot.Transcript) != 1 || f.Snapshot.Transcript[0].Kind != chat.KindGreeting {
		t.Fatalf("snapshot transcript = %+v", f.Snapshot.Transcript)
	}
	if f.Snapshot.State != chat.StateIdle {
		t.Fatalf("state = %s, want idle", f.Snapshot.State)
	}
}

func TestWebSocketStreamsReply(t *testing.T) {
	reg := NewRegistry(newTestFactory(replyConnector("AB", "CD", "EF")), nil, nil)
	ws := dialWidget(t, startWidgetServer(t, reg)+"?session_id=tab-1")
	readFrame(t, ws) // snapshot

	writeFrame(t, ws, ClientFrame{Type: FrameSubmit, Text: "hello"})
	frames := readUntil(t, ws, FrameResolved)

	var user, reply string
	updates := 0
	for _, f := range frames {
		if f.Type != FrameMessage {
			continue
		}
		switch f.Message.Kind {
		case chat.KindUser:
			user = f.Message.Text
		case chat.KindReply:
			reply = f.Message.Text
			if f.Event == chat.EventMessageUpdated {
				updates++
			}
		}
	}
	if user != "hello" {
		t.Fatalf("user message = %q", user)
	}
	if reply != "ABCDEF" {
		t.Fatalf("final reply = %q, want ABCDEF", reply)
	}
	if updates != 2 {
		t.Fatalf("reply updates = %d, want 2", updates)
	}
	if last := frames[len(frames)-1]; last.Outcome != chat.OutcomeReplied {
		t.Fatalf("outcome = %s, want replied", last.Outcome)
	}
}

func TestWebSocketPingAndReset(t *testing.T) {
	reg := NewRegistry(newTestFactory(nil), nil, nil)
	ws := dialWidget(t, startWidgetServer(t, reg)+"?session_id=tab-1")
	readFrame(t, ws)

	writeFrame(t, ws, ClientFrame{Type: FramePing})
	if f := readFrame(t, ws); f.Type != FramePong {
		t.Fatalf("frame = %+v, want pong", f)
	}

	writeFrame(t, ws, ClientFrame{Type: FrameReset})
	if f := readFrame(t, ws); f.Type != FrameError {
		t.Fatalf("frame = %+v, want error without cooldown", f)
	}

	writeFrame(t, ws, ClientFrame{Type: "bogus"})
	if f := readFrame(t, ws); f.Type != FrameError {
		t.Fatalf("frame = %+v, want error for unknown type", f)
	}
}

func TestWebSocketBlankSubmitRejected(t *testing.T) {
	reg := NewRegistry(newTestFactory(replyConnector("ok")), nil, nil)
	ws := dialWidget(t, startWidgetServer(t, reg)+"?session_id=tab-1")
	readFrame(t, ws)

	writeFrame(t, ws, ClientFrame{Type: FrameSubmit, Text: "   "})
	f := readFrame(t, ws)
	if f.Type != FrameError || f.Outcome != chat.OutcomeRejected {
		t.Fatalf("frame = %+v, want rejected error", f)
	}
}

func TestWebSocketDisconnectClosesController(t *testing.T) {
	reg := NewRegistry(newTestFactory(nil), nil, nil)
	ws := dialWidget(t, startWidgetServer(t, reg)+"?session_id=tab-1")
	readFrame(t, ws)

	ctrl := reg.Lookup("vis_test", "tab-1")
	if ctrl == nil {
		t.Fatal("controller not registered")
	}
	_ = ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatal("controller still registered after disconnect")
	}
	if ctrl.Status().State != chat.StateClosed {
		t.Fatal("controller not closed after disconnect")
	}
}

func TestWebSocketSecondTabReplacesFirst(t *testing.T) {
	reg := NewRegistry(newTestFactory(nil), nil, nil)
	url := startWidgetServer(t, reg) + "?session_id=tab-1"

	first := dialWidget(t, url)
	readFrame(t, first)
	second := dialWidget(t, url)
	readFrame(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("first connection close = %v, want policy violation", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}
