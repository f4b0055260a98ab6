package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name            string
		allowed         []string
		method          string
		origin          string
		wantStatus      int
		wantOrigin      string
		wantCredentials string
	}{
		{"explicit origin", []string{"https://agency.example/"}, http.MethodGet, "https://agency.example", http.StatusTeapot, "https://agency.example", "true"},
		{"wildcard origin", []string{"*"}, http.MethodGet, "https://other.example", http.StatusTeapot, "https://other.example", ""},
		{"rejected origin", []string{"https://agency.example"}, http.MethodGet, "https://evil.example", http.StatusTeapot, "", ""},
		{"no origin", []string{"*"}, http.MethodGet, "", http.StatusTeapot, "", ""},
		{"preflight", []string{"https://agency.example"}, http.MethodOptions, "https://agency.example", http.StatusOK, "https://agency.example", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Fatalf("Allow-Credentials = %q, want %q", got, tt.wantCredentials)
			}
			if tt.wantOrigin != "" {
				if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Agency-Session-ID") {
					t.Fatalf("Allow-Headers = %q, want session header", got)
				}
				if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodDelete) {
					t.Fatalf("Allow-Methods = %q, want DELETE", got)
				}
			}
		})
	}
}
