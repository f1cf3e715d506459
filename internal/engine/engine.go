// Package engine defines the execution engine abstraction. An Engine owns
// its subprocess or API session; the Run owns the Handle it gets back and
// consumes engine events through an EventSink.
package engine

import (
	"context"
	"errors"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

var (
	// ErrSteerUnsupported is returned by Steer when the engine cannot
	// inject text into a live session.
	ErrSteerUnsupported = errors.New("engine does not support steering")

	// ErrSteerRejected is returned when the engine supports steering but
	// the live session refused the injection (usually because the turn
	// already ended).
	ErrSteerRejected = errors.New("steer rejected")
)

// StartedInfo announces a booted engine session.
type StartedInfo struct {
	EngineID string
	Title    string
	Resume   *v1.ResumeToken
}

// Result is the terminal outcome of an engine run.
type Result struct {
	OK     bool
	Answer string
	Error  string
	Resume *v1.ResumeToken
	Usage  *v1.Usage
}

// EventSink receives the event stream for one run, in emission order:
// EngineStarted, then any number of Delta/Action, then exactly one
// Completed. Implementations must not block for long; the engine's reader
// loop calls them inline.
type EventSink interface {
	EngineStarted(info StartedInfo)
	Delta(text string)
	Action(action v1.Action, phase v1.ActionPhase, ok *bool)
	Completed(result Result)
}

// Handle controls one live engine run.
type Handle interface {
	// Cancel asks the engine to stop. A Completed event still follows,
	// real or synthesized by the engine.
	Cancel(reason string)

	// Steer injects text into the live session. Returns
	// ErrSteerUnsupported or ErrSteerRejected on failure.
	Steer(text string) error

	// Done is closed when the engine's underlying session or subprocess
	// exits, whether or not a Completed event was delivered. Run actors
	// monitor it to detect engine death without a terminal event.
	Done() <-chan struct{}
}

// Engine is a pluggable execution backend.
type Engine interface {
	ID() string
	SupportsSteer() bool

	// Start launches the job. ctx bounds startup only; a started run is
	// stopped through the Handle.
	Start(ctx context.Context, job *v1.Job, sink EventSink) (Handle, error)

	// FormatResume renders a token as the engine's compact resume line.
	FormatResume(token v1.ResumeToken) string

	// ExtractResume scans text for a resume line this engine understands.
	ExtractResume(text string) (v1.ResumeToken, bool)
}
