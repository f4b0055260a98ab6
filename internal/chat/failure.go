package chat

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Category is the user-facing failure class of a send.
type Category string

const (
	CategoryAuthDenied        Category = "AUTH_DENIED"
	CategoryInvalidCredential Category = "INVALID_CREDENTIAL"
	CategoryNetworkTimeout    Category = "NETWORK_TIMEOUT"
	CategoryContentBlocked    Category = "CONTENT_BLOCKED"
	CategoryUplinkLost        Category = "UPLINK_LOST"
)

// diagnosticLength is how much of the raw error description is echoed into
// the transcript after the category label.
const diagnosticLength = 40

// ClassificationRule maps an error description substring to a category.
type ClassificationRule struct {
	Substring string
	Category  Category
}

// DefaultRules is the ordered rule list used by Classify. Rules are matched
// case-insensitively and the first match wins, so the specific credential
// rules must stay ahead of the broader auth and status-code rules.
var DefaultRules = []ClassificationRule{
	{"api key not valid", CategoryInvalidCredential},
	{"api_key_invalid", CategoryInvalidCredential},
	{"invalid api key", CategoryInvalidCredential},
	{"permission_denied", CategoryAuthDenied},
	{"permission denied", CategoryAuthDenied},
	{"unauthenticated", CategoryAuthDenied},
	{"error 401", CategoryAuthDenied},
	{"error 403", CategoryAuthDenied},
	{"deadline exceeded", CategoryNetworkTimeout},
	{"deadlineexceeded", CategoryNetworkTimeout},
	{"timed out", CategoryNetworkTimeout},
	{"timeout", CategoryNetworkTimeout},
	{"safety", CategoryContentBlocked},
	{"blocked", CategoryContentBlocked},
	{"prohibited_content", CategoryContentBlocked},
}

// Classify maps an error to a category using DefaultRules, falling back to
// CategoryUplinkLost.
func Classify(err error) Category {
	if err == nil {
		return CategoryUplinkLost
	}
	return ClassifyDescription(err.Error(), DefaultRules)
}

// ClassifyDescription applies rules to a raw error description.
func ClassifyDescription(desc string, rules []ClassificationRule) Category {
	lower := strings.ToLower(desc)
	for _, rule := range rules {
		if strings.Contains(lower, strings.ToLower(rule.Substring)) {
			return rule.Category
		}
	}
	return CategoryUplinkLost
}

// Describer is implemented by errors that carry the completion service's
// own description apart from transport framing.
type Describer interface {
	Description() string
}

// Describe returns the service's description of err without local wrapping
// prefixes: the first Describer in the chain, otherwise the innermost error.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var d Describer
	if errors.As(err, &d) {
		return d.Description()
	}
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(err) {
		err = inner
	}
	return err.Error()
}

// diagnostic returns at most diagnosticLength runes of desc.
func diagnostic(desc string) string {
	desc = strings.TrimSpace(desc)
	if utf8.RuneCountInString(desc) <= diagnosticLength {
		return desc
	}
	runes := []rune(desc)
	return string(runes[:diagnosticLength])
}
