package relay

import (
	"fmt"
	"strings"
)

// ErrorClass is the RelayEngine's error taxonomy. Only
// ClassSessionInvalid drives a retry.
type ErrorClass string

const (
	ClassTimeout        ErrorClass = "timeout"
	ClassEmptyOutput    ErrorClass = "empty_output"
	ClassSessionInvalid ErrorClass = "session_invalid"
	ClassTransport      ErrorClass = "transport"
)

// ClassifyError pattern-matches an error's string form, case-insensitive,
// into the four-class taxonomy — the same ordered-substring-match shape as
// an LLM-failover classifier's ordered-substring-match approach, but
// with relaycore's own vocabulary and class set instead of
// auth/rate-limit/billing/context-overflow.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransport
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "timed out") {
		return ClassTimeout
	}
	if strings.Contains(msg, "no user-facing text output") {
		return ClassEmptyOutput
	}
	sessionInvalidPhrases := []string{
		"stale session",
		"invalid session",
		"session not found",
		"session … not found",
		"unknown session",
		"expired session",
		"session rejected",
	}
	for _, p := range sessionInvalidPhrases {
		if strings.Contains(msg, p) {
			return ClassSessionInvalid
		}
	}
	// "session ... not found" with an arbitrary id in between.
	if strings.Contains(msg, "session") && strings.Contains(msg, "not found") {
		return ClassSessionInvalid
	}
	return ClassTransport
}

// busyMessage is the user-facing text for a semaphore-full rejection: the
// waiter queue was already at capacity, so the request was refused rather
// than queued.
const busyMessage = "I'm at capacity right now. Please try again in a moment."

// UserMessage renders the user-facing text for a classified failure, per
// the user-facing wording table below.
func UserMessage(class ErrorClass, relayTimeoutSeconds int) string {
	switch class {
	case ClassTimeout:
		return fmt.Sprintf("The model backend did not finish within %ds. Please retry or increase RELAY_TIMEOUT_MS.", relayTimeoutSeconds)
	case ClassEmptyOutput:
		return "I may have completed internal actions without a user-facing summary. Retry if you'd like a summary."
	case ClassSessionInvalid:
		return "Your previous session expired. I started a fresh session; please retry this request."
	default:
		return "I hit a transport/delivery issue while relaying this response. Please retry now."
	}
}
