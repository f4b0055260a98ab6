// Package identity provides anonymous visitor identity for the chat widget.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agency-uplink/internal/domain"
	"github.com/ashureev/agency-uplink/internal/store"
)

const (
	VisitorCookieName     = "agency_visitor_id"
	SessionHeaderName     = "X-Agency-Session-ID"
	DefaultSessionIDValue = "default"
	visitorCookieMaxAge   = 30 * 24 * time.Hour
	cookieRefreshInterval = 24 * time.Hour
)

type contextKey int

const (
	visitorIDKey contextKey = iota
	handleKey
	sessionIDKey
)

var (
	visitorIDPattern = regexp.MustCompile(`^vis_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// VisitorIDFromContext extracts the visitor ID from the request context.
func VisitorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(visitorIDKey).(string); ok {
		return v
	}
	return ""
}

// HandleFromContext extracts the visitor's display handle.
func HandleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(handleKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithVisitor returns ctx carrying the given identity and its derived
// handle.
func WithVisitor(ctx context.Context, visitorID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, visitorIDKey, visitorID)
	ctx = context.WithValue(ctx, handleKey, deriveHandle(visitorID))
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

// NewVisitorID returns a fresh random visitor ID.
func NewVisitorID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate visitor id: %w", err)
	}
	return "vis_" + hex.EncodeToString(buf), nil
}

func isValidVisitorID(id string) bool {
	return visitorIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveHandle(visitorID string) string {
	if len(visitorID) > 12 {
		return "visitor-" + visitorID[len(visitorID)-8:]
	}
	return "visitor"
}

// EnsureVisitor creates the visitor row on first sight and bumps last_seen
// afterwards.
func EnsureVisitor(ctx context.Context, repo store.Repository, visitorID string) error {
	_, err := touchVisitor(ctx, repo, visitorID, time.Now())
	return err
}

// touchVisitor records a visit and returns the previous last_seen, zero for
// a visitor seen for the first time.
func touchVisitor(ctx context.Context, repo store.Repository, visitorID string, now time.Time) (time.Time, error) {
	v, err := repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return time.Time{}, err
	}
	if v != nil {
		return v.LastSeenAt, repo.UpdateLastSeen(ctx, visitorID, now)
	}
	return time.Time{}, repo.UpsertVisitor(ctx, &domain.Visitor{
		VisitorID:  visitorID,
		Handle:     deriveHandle(visitorID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func setVisitorCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(visitorCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// visitorIDFromRequest returns the cookie's visitor ID, or mints one when
// the cookie is missing or malformed.
func visitorIDFromRequest(r *http.Request) (id string, minted bool, err error) {
	if c, err := r.Cookie(VisitorCookieName); err == nil && isValidVisitorID(c.Value) {
		return c.Value, false, nil
	}
	id, err = NewVisitorID()
	return id, true, err
}

// sessionIDFromRequest reads the tab session from the header, or from the
// query string for WebSocket upgrades where browsers cannot set headers.
func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the anonymous visitor identity and per-tab session ID.
// The cookie is reissued for new visitors and, to keep its expiry sliding,
// once a day for returning ones. Streaming requests in between carry no
// Set-Cookie.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitorID, minted, err := visitorIDFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"failed to establish visitor identity"}`, http.StatusInternalServerError)
				return
			}

			now := time.Now()
			lastSeen, err := touchVisitor(r.Context(), repo, visitorID, now)
			if err != nil {
				http.Error(w, `{"error":"failed to initialize visitor"}`, http.StatusInternalServerError)
				return
			}
			if minted || now.Sub(lastSeen) >= cookieRefreshInterval {
				setVisitorCookie(w, visitorID, isDev)
			}

			ctx := WithVisitor(r.Context(), visitorID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
