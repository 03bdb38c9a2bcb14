package policy

import (
	"regexp"
	"strings"
)

// ErrorClass buckets an execution or API failure for retry decisions.
type ErrorClass string

const (
	// ClassTransient failures are expected to succeed on retry.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent failures will never succeed on retry.
	ClassPermanent ErrorClass = "permanent"
	// ClassUnknown failures get a reduced retry budget (half the max).
	ClassUnknown ErrorClass = "unknown"
)

var transientRe = regexp.MustCompile(`(?i)(timeout|timed?\s*out|connection\s*(reset|refused|closed)|econnreset|econnrefused|network|rate.?limit|too many requests|\b429\b|\b502\b|\b503\b|temporar|unavailable|overloaded|try again)`)

var permanentRe = regexp.MustCompile(`(?i)(syntax error|invalid api key|api key not|unauthorized|forbidden|\b401\b|\b403\b|\b404\b|not found|invalid request|bad request|\b400\b|type ?error|reference ?error|is not defined|cannot read propert)`)

// ClassifyError buckets an error message. Transient wins over permanent when
// both match; a "503 not found" is a flaky gateway, not a missing resource.
func ClassifyError(msg string) ErrorClass {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ClassUnknown
	}
	if transientRe.MatchString(msg) {
		return ClassTransient
	}
	if permanentRe.MatchString(msg) {
		return ClassPermanent
	}
	return ClassUnknown
}

// RetryBudget returns how many of maxRetries a failure class may consume.
func RetryBudget(class ErrorClass, maxRetries int) int {
	switch class {
	case ClassTransient:
		return maxRetries
	case ClassPermanent:
		return 0
	default:
		return maxRetries / 2
	}
}
