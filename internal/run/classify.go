package run

import (
	"strings"

	"github.com/lemongate/lemongate/internal/engine"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Error strings the core recognizes on completions. Engines report free
// text; these are the values the gateway itself synthesizes.
const (
	ErrorLockTimeout    = "lock_timeout"
	ErrorEngineLost     = "engine_lost"
	ErrorAssistantEmpty = "assistant_error"

	ReasonUserRequested = "user_requested"
	ReasonUserAbort     = "user-abort"
	ReasonInterrupt     = "interrupt"
	ReasonTimeout       = "timeout"
)

// overflowMarkers are the error substrings engines emit when the session
// context no longer fits. Matching is case-insensitive.
var overflowMarkers = []string{
	"context_overflow",
	"context overflow",
	"prompt is too long",
	"context length exceeded",
	"maximum context length",
	"context window exceeded",
	"input length exceeds",
	"conversation too long",
}

// IsOverflow reports whether an engine error text carries a
// context-overflow marker.
func IsOverflow(errText string) bool {
	if errText == "" {
		return false
	}
	lower := strings.ToLower(errText)
	for _, marker := range overflowMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// nonRetryable are the failure reasons the zero-answer retry never
// re-submits for.
var nonRetryable = map[string]bool{
	ReasonUserRequested: true,
	ReasonUserAbort:     true,
	ReasonInterrupt:     true,
	ReasonTimeout:       true,
}

// Retryable reports whether a completion qualifies for the one-shot
// zero-answer retry: a failed assistant turn that produced nothing.
func Retryable(res engine.Result) bool {
	if res.OK || res.Answer != "" {
		return false
	}
	if IsOverflow(res.Error) || nonRetryable[res.Error] {
		return false
	}
	return strings.Contains(res.Error, ErrorAssistantEmpty)
}

// StateFor maps a terminal result to the run state recorded in the store
// and published on the bus.
func StateFor(res engine.Result) v1.RunState {
	if res.OK {
		return v1.RunStateCompleted
	}
	switch res.Error {
	case ReasonUserRequested, ReasonUserAbort, ReasonInterrupt:
		return v1.RunStateCancelled
	case ReasonTimeout:
		return v1.RunStateKilled
	case ErrorEngineLost:
		return v1.RunStateLost
	}
	return v1.RunStateError
}
