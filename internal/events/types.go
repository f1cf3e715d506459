// Package events provides event types and utilities for the gateway event system.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lemongate/lemongate/internal/events/bus"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Event types for runs
const (
	RunStarted      = "run.started"
	RunDelta        = "run.delta"
	RunEngineAction = "run.engine_action"
	EngineStarted   = "run.engine_started"
	EngineCompleted = "run.engine_completed"
	RunCompleted    = "run.completed"
	RunIdleWarning  = "run.idle_warning"
)

// RunTopic returns the bus topic carrying one run's events.
func RunTopic(runID string) string {
	return "run:" + runID
}

// SessionTopic returns the bus topic carrying all events of one session.
func SessionTopic(sessionKey string) string {
	return "session:" + sessionKey
}

// RunStartedPayload is published once when a run begins executing.
type RunStartedPayload struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	EngineID   string `json:"engine_id"`
	Model      string `json:"model,omitempty"`
	Origin     string `json:"origin,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

// DeltaPayload carries one sequenced fragment of streamed answer text.
type DeltaPayload struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	Seq        int64  `json:"seq"`
	Text       string `json:"text"`
}

// EngineStartedPayload is published when the engine reports its session.
type EngineStartedPayload struct {
	RunID      string          `json:"run_id"`
	SessionKey string          `json:"session_key"`
	EngineID   string          `json:"engine_id"`
	Title      string          `json:"title,omitempty"`
	Resume     *v1.ResumeToken `json:"resume,omitempty"`
}

// ActionPayload carries one engine action lifecycle event.
type ActionPayload struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Action     v1.Action      `json:"action"`
	Phase      v1.ActionPhase `json:"phase"`
	OK         *bool          `json:"ok,omitempty"`
}

// IdleWarningPayload is published when a run's idle watchdog fires.
// Channels that support interactive cancel may surface a keepalive
// prompt; without a keep-alive within the confirm window the run is
// force-cancelled.
type IdleWarningPayload struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	IdleMs     int64  `json:"idle_ms"`
	ConfirmMs  int64  `json:"confirm_ms"`
}

// RunCompletedPayload is the terminal event of a run.
type RunCompletedPayload struct {
	RunID       string          `json:"run_id"`
	SessionKey  string          `json:"session_key"`
	State       v1.RunState     `json:"state"`
	OK          bool            `json:"ok"`
	Answer      string          `json:"answer,omitempty"`
	Error       string          `json:"error,omitempty"`
	Resume      *v1.ResumeToken `json:"resume,omitempty"`
	Usage       *v1.Usage       `json:"usage,omitempty"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// Payload converts a typed payload struct into the map form carried by
// bus events.
func Payload(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// Decode unmarshals an event's data map into a typed payload struct.
func Decode(event *bus.Event, out interface{}) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", event.Type, err)
	}
	return nil
}
