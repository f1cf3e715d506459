// Package api provides HTTP handlers for the gateway control API.
package api

import (
	"time"

	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// SubmitRunRequest for submitting a control-plane run
type SubmitRunRequest struct {
	SessionKey string            `json:"session_key,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Prompt     string            `json:"prompt" binding:"required"`
	EngineID   string            `json:"engine_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Resume     *v1.ResumeToken   `json:"resume,omitempty"`
	ToolPolicy *v1.ToolPolicy    `json:"tool_policy,omitempty"`
	QueueMode  v1.QueueMode      `json:"queue_mode,omitempty"`
	Lane       v1.Lane           `json:"lane,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// InboundRequest for injecting a channel message
type InboundRequest struct {
	ChannelID string                 `json:"channel_id" binding:"required"`
	AccountID string                 `json:"account_id" binding:"required"`
	Peer      v1.Peer                `json:"peer" binding:"required"`
	Sender    *v1.Sender             `json:"sender,omitempty"`
	Message   v1.MessageBody         `json:"message" binding:"required"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
	Meta      map[string]string      `json:"meta,omitempty"`
}

// SteerRequest for injecting guidance into a running session
type SteerRequest struct {
	Text string `json:"text" binding:"required"`
}

// AbortByReplyRequest resolves a run through the progress message a user
// replied to
type AbortByReplyRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
	Reason    string `json:"reason,omitempty"`
}

// Response types

// RouteResponse reports where a submission landed
type RouteResponse struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
}

// AbortResponse reports whether an abort matched anything
type AbortResponse struct {
	Aborted bool   `json:"aborted"`
	Reason  string `json:"reason,omitempty"`
}

// RunResponse represents a run in API responses
type RunResponse struct {
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
	Usage       v1.Usage          `json:"usage"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// SessionResponse represents a session index entry in API responses
type SessionResponse struct {
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

// HistoryEntryResponse represents one finalized run in a session's history
type HistoryEntryResponse struct {
	RunID         string    `json:"run_id"`
	OK            bool      `json:"ok"`
	Answer        string    `json:"answer,omitempty"`
	Error         string    `json:"error,omitempty"`
	Tokens        int64     `json:"tokens"`
	ContextWindow int64     `json:"context_window"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

// RunsListResponse for listing a session's runs
type RunsListResponse struct {
	Runs  []*RunResponse `json:"runs"`
	Total int            `json:"total"`
}

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// HistoryListResponse for listing session history
type HistoryListResponse struct {
	Entries []*HistoryEntryResponse `json:"entries"`
	Total   int                     `json:"total"`
}

// CountsResponse reports scheduler occupancy
type CountsResponse struct {
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	CompletedToday int `json:"completed_today"`
}

// DailyCountResponse is one day of finalized runs
type DailyCountResponse struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// DailyStatsResponse for the daily completion report
type DailyStatsResponse struct {
	Days  []*DailyCountResponse `json:"days"`
	Total int                   `json:"total"`
}

// EnginesListResponse for listing registered engines
type EnginesListResponse struct {
	Engines []string `json:"engines"`
	Default string   `json:"default"`
	Total   int      `json:"total"`
}

// EndpointResponse is one channel account the gateway has routed traffic for
type EndpointResponse struct {
	ChannelID string            `json:"channel_id"`
	AccountID string            `json:"account_id"`
	Kind      string            `json:"kind,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// EndpointsListResponse for listing known channel endpoints
type EndpointsListResponse struct {
	Endpoints []*EndpointResponse `json:"endpoints"`
	Total     int                 `json:"total"`
}

// HealthResponse for the health endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func runToResponse(rec *store.RunRecord) *RunResponse {
	return &RunResponse{
		RunID:       rec.RunID,
		SessionKey:  rec.SessionKey,
		AgentID:     rec.AgentID,
		State:       rec.State,
		Origin:      rec.Origin,
		EngineID:    rec.EngineID,
		Model:       rec.Model,
		QueueMode:   rec.QueueMode,
		Lane:        rec.Lane,
		Prompt:      rec.Prompt,
		Answer:      rec.Answer,
		Error:       rec.Error,
		Usage:       rec.Usage,
		Meta:        rec.Meta,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		FinalizedAt: rec.FinalizedAt,
	}
}

func sessionToResponse(entry *store.SessionEntry) *SessionResponse {
	return &SessionResponse{
		SessionKey:     entry.SessionKey,
		AgentID:        entry.AgentID,
		ChannelID:      entry.ChannelID,
		AccountID:      entry.AccountID,
		PeerKind:       entry.PeerKind,
		PeerID:         entry.PeerID,
		LastRunID:      entry.LastRunID,
		RunCount:       entry.RunCount,
		LastActivityAt: entry.LastActivityAt,
	}
}

func historyToResponse(entry *store.HistoryEntry) *HistoryEntryResponse {
	return &HistoryEntryResponse{
		RunID:         entry.RunID,
		OK:            entry.OK,
		Answer:        entry.Answer,
		Error:         entry.Error,
		Tokens:        entry.Tokens,
		ContextWindow: entry.ContextWindow,
		DurationMs:    entry.DurationMs,
		CreatedAt:     entry.CreatedAt,
		FinalizedAt:   entry.FinalizedAt,
	}
}
