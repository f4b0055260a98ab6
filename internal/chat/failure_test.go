package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"gemini bad key", errors.New("Error 400, Message: API key not valid. Please pass a valid API key., Status: INVALID_ARGUMENT"), CategoryInvalidCredential},
		{"key reason code", errors.New("reason: API_KEY_INVALID"), CategoryInvalidCredential},
		{"permission denied", errors.New("Error 403, Message: The caller does not have permission, Status: PERMISSION_DENIED"), CategoryAuthDenied},
		{"grpc unauthenticated", errors.New("rpc error: code = Unauthenticated desc = missing credential"), CategoryAuthDenied},
		{"bare 401", errors.New("Error 401, Message: unauthorized"), CategoryAuthDenied},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), CategoryNetworkTimeout},
		{"grpc deadline", errors.New("rpc error: code = DeadlineExceeded desc = too slow"), CategoryNetworkTimeout},
		{"io timeout", errors.New("dial tcp 1.2.3.4:443: i/o timeout"), CategoryNetworkTimeout},
		{"safety", errors.New("response blocked: finish reason SAFETY"), CategoryContentBlocked},
		{"unknown", errors.New("connection reset by peer"), CategoryUplinkLost},
		{"nil", nil, CategoryUplinkLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Both a credential rule and an auth rule match; the earlier rule wins.
	desc := "Error 403, Message: API key not valid"
	if got := ClassifyDescription(desc, DefaultRules); got != CategoryInvalidCredential {
		t.Fatalf("expected INVALID_CREDENTIAL, got %s", got)
	}

	rules := []ClassificationRule{{"timeout", CategoryContentBlocked}, {"timeout", CategoryNetworkTimeout}}
	if got := ClassifyDescription("read timeout", rules); got != CategoryContentBlocked {
		t.Fatalf("expected first rule to win, got %s", got)
	}
}

func TestDiagnosticTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", 60)
	if got := diagnostic(long); len([]rune(got)) != diagnosticLength {
		t.Fatalf("expected %d runes, got %d", diagnosticLength, len([]rune(got)))
	}
	if got := diagnostic("  short  "); got != "short" {
		t.Fatalf("expected trimmed text, got %q", got)
	}
}

func TestFailureTextFallsBackToDefaultLabel(t *testing.T) {
	lines := Lines{DefaultErrorLabel: "ERR."}
	if got := lines.failureText(CategoryContentBlocked, ""); got != "ERR." {
		t.Fatalf("expected bare default label, got %q", got)
	}
}

type describedError struct{ desc string }

func (e describedError) Error() string       { return "rpc error: code = Unavailable desc = " + e.desc }
func (e describedError) Description() string { return e.desc }

func TestDescribe(t *testing.T) {
	raw := errors.New("Error 400, Message: API key not valid.")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", raw, raw.Error()},
		{"wrapped", fmt.Errorf("connect: %w", fmt.Errorf("create gemini client: %w", raw)), raw.Error()},
		{"describer", fmt.Errorf("uplink stream error: %w", describedError{"quota exhausted"}), "quota exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.err); got != tt.want {
				t.Fatalf("Describe(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
