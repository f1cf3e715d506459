// Package v1 defines the public types exchanged between the gateway core,
// channel adapters, and the admin API.
package v1

import "time"

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateError     RunState = "error"
	RunStateKilled    RunState = "killed"
	RunStateCancelled RunState = "cancelled"
	RunStateLost      RunState = "lost"
)

// QueueMode controls how a job interacts with the active or queued jobs
// of the same session when it is enqueued
type QueueMode string

const (
	QueueModeCollect      QueueMode = "collect"
	QueueModeFollowup     QueueMode = "followup"
	QueueModeSteer        QueueMode = "steer"
	QueueModeSteerBacklog QueueMode = "steer_backlog"
	QueueModeInterrupt    QueueMode = "interrupt"
)

// Lane separates job classes that must not starve each other
type Lane string

const (
	LaneMain           Lane = "main"
	LaneSubagent       Lane = "subagent"
	LaneBackgroundExec Lane = "background_exec"
)

// ResumeToken is an opaque engine token that lets a later run continue the
// same engine session
type ResumeToken struct {
	EngineID string `json:"engine_id"`
	Value    string `json:"value"`
}

// Usage reports token consumption for a completed run
type Usage struct {
	Tokens        int64 `json:"tokens"`
	ContextWindow int64 `json:"context_window,omitempty"`
}

// Job is a request to run one prompt against an engine
type Job struct {
	RunID      string      `json:"run_id,omitempty"`
	SessionKey string      `json:"session_key"`
	AgentID    string      `json:"agent_id"`
	Prompt     string      `json:"prompt"`
	Origin     string      `json:"origin,omitempty"`
	EngineID   string      `json:"engine_id,omitempty"`
	Model      string      `json:"model,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	Resume     *ResumeToken `json:"resume,omitempty"`
	ToolPolicy *ToolPolicy `json:"tool_policy,omitempty"`
	QueueMode  QueueMode   `json:"queue_mode,omitempty"`
	Lane       Lane        `json:"lane,omitempty"`

	// Meta carries free-form string flags such as progress_msg_id,
	// disable_auto_resume, auto_compacted, task_auto_followup, steer.
	Meta map[string]string `json:"meta,omitempty"`

	// Notify receives the run's completion notice in-process. Never
	// serialized; writes are non-blocking and drops are acceptable.
	Notify chan<- CompletionNotice `json:"-"`
}

// MetaFlag reports whether a meta key is set to a truthy value
func (j *Job) MetaFlag(key string) bool {
	if j.Meta == nil {
		return false
	}
	v := j.Meta[key]
	return v == "1" || v == "true" || v == "yes"
}

// CompletionNotice is delivered to Job.Notify when the run terminates
type CompletionNotice struct {
	RunID      string       `json:"run_id"`
	SessionKey string       `json:"session_key"`
	OK         bool         `json:"ok"`
	Answer     string       `json:"answer,omitempty"`
	Error      string       `json:"error,omitempty"`
	Resume     *ResumeToken `json:"resume,omitempty"`
}

// RunSummary is the durable outcome of one run
type RunSummary struct {
	OK     bool         `json:"ok"`
	Answer string       `json:"answer,omitempty"`
	Error  string       `json:"error,omitempty"`
	Resume *ResumeToken `json:"resume,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`
	Scope  string       `json:"scope,omitempty"`
}

// RunHistoryEntry is one row of the per-session run history view
type RunHistoryEntry struct {
	RunID       string     `json:"run_id"`
	SessionKey  string     `json:"session_key"`
	FinalizedAt time.Time  `json:"finalized_at"`
	Summary     RunSummary `json:"summary"`
}

// Counts exposes scheduler admission metrics
type Counts struct {
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	CompletedToday int `json:"completed_today"`
}
