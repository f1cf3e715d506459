package store

import (
	"time"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// ChatState is the per-session resume state written after a successful run.
// The scheduler attaches it to incoming jobs when auto-resume is enabled.
// Entries expire at ExpiresAt and read as absent afterwards.
type ChatState struct {
	SessionKey string         `json:"session_key"`
	Resume     v1.ResumeToken `json:"resume"`
	Usage      *v1.Usage      `json:"usage,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// RunRecord is the durable view of a run, written at registration and
// updated on state transitions and completion.
type RunRecord struct {
	RunID       string            `json:"run_id"`
	SessionKey  string            `json:"session_key"`
	AgentID     string            `json:"agent_id"`
	State       v1.RunState       `json:"state"`
	Origin      string            `json:"origin"`
	EngineID    string            `json:"engine_id"`
	Model       string            `json:"model,omitempty"`
	QueueMode   v1.QueueMode      `json:"queue_mode"`
	Lane        v1.Lane           `json:"lane"`
	Prompt      string            `json:"prompt"`
	Answer      string            `json:"answer,omitempty"`
	Error       string            `json:"error,omitempty"`
	Resume      *v1.ResumeToken   `json:"resume,omitempty"`
	Usage       v1.Usage          `json:"usage"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// HistoryEntry is an append-only record of a finalized run. DurationMs is
// computed on read from created_at to finalized_at.
type HistoryEntry struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	SessionKey    string    `json:"session_key"`
	OK            bool      `json:"ok"`
	Answer        string    `json:"answer,omitempty"`
	Error         string    `json:"error,omitempty"`
	ResumeValue   string    `json:"resume_value,omitempty"`
	Tokens        int64     `json:"tokens"`
	ContextWindow int64     `json:"context_window"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

// ProgressRef maps a session to the in-flight progress message a channel
// adapter keeps editing, and back to the run that owns it. Abort-by-reply
// resolves the run through FindProgressRunID.
type ProgressRef struct {
	SessionKey string    `json:"session_key"`
	ChannelID  string    `json:"channel_id"`
	MessageID  string    `json:"message_id"`
	RunID      string    `json:"run_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Endpoint is a registered channel endpoint (a channel account binding that
// can deliver outbound payloads).
type Endpoint struct {
	ChannelID string            `json:"channel_id"`
	AccountID string            `json:"account_id"`
	Kind      string            `json:"kind"`
	Meta      map[string]string `json:"meta,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SessionEntry is the sessions_index row, refreshed on every submit and
// completion so listings stay cheap.
type SessionEntry struct {
	SessionKey     string    `json:"session_key"`
	AgentID        string    `json:"agent_id"`
	ChannelID      string    `json:"channel_id,omitempty"`
	AccountID      string    `json:"account_id,omitempty"`
	PeerKind       string    `json:"peer_kind,omitempty"`
	PeerID         string    `json:"peer_id,omitempty"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	RunCount       int64     `json:"run_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// PendingCompaction marks a session whose next prompt should carry a
// context-compaction instruction. AutoCompacted flips once the instruction
// has been prepended so it is not repeated within the marker's lifetime.
type PendingCompaction struct {
	SessionKey    string    `json:"session_key"`
	Reason        string    `json:"reason"`
	AutoCompacted bool      `json:"auto_compacted"`
	MarkedAt      time.Time `json:"marked_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SessionQuery filters ListSessions.
type SessionQuery struct {
	// Search matches session keys by substring.
	Search string
	// AgentID restricts to a single agent when non-empty.
	AgentID string
	// Limit caps the result size; 0 means the default of 100.
	Limit int
}

// DailyCount is one day of finalized runs, newest first in listings.
type DailyCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}
