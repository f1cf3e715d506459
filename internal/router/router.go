// Package router turns normalized inbound messages and control-plane
// requests into scheduler jobs: session-key resolution, agent profiles,
// resume and sticky-engine extraction, model/engine selection, tool-policy
// merging, and pending-compaction handling.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/agents"
	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/run"
	"github.com/lemongate/lemongate/internal/scheduler"
	"github.com/lemongate/lemongate/internal/session"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

var (
	ErrEmptyPrompt = errors.New("empty prompt")
	ErrBadRoute    = errors.New("unroutable message")
)

// prefsBucket holds per-session router preferences (the session-stored
// model) keyed by session key.
const prefsBucket = "session_prefs"

// compactionInstruction is prepended to the first prompt after a run
// ended in context overflow.
const compactionInstruction = "Before anything else, compact this conversation: summarize the " +
	"decisions, open tasks, and key facts so far, then continue with the request below."

// OriginControlPlane marks jobs submitted through HandleControl.
const OriginControlPlane = "control_plane"

// RouteResult reports where a handled message ended up.
type RouteResult struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
}

// ControlRequest is a control-plane submission: an operator or another
// service driving a session directly rather than through a channel. An
// empty SessionKey targets the agent's main session.
type ControlRequest struct {
	SessionKey string            `json:"session_key,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Prompt     string            `json:"prompt"`
	EngineID   string            `json:"engine_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Resume     *v1.ResumeToken   `json:"resume,omitempty"`
	Policy     *v1.ToolPolicy    `json:"tool_policy,omitempty"`
	QueueMode  v1.QueueMode      `json:"queue_mode,omitempty"`
	Lane       v1.Lane           `json:"lane,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// sessionPrefs is the bucket payload behind the session-stored model.
type sessionPrefs struct {
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Router resolves inbound traffic to jobs and submits them.
type Router struct {
	cfg     *config.Config
	sched   *scheduler.Scheduler
	runs    *run.Manager
	engines *engine.Registry
	agents  *agents.Registry
	repo    store.Repository
	logger  *logger.Logger
}

// New creates a router.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	runs *run.Manager,
	engines *engine.Registry,
	profiles *agents.Registry,
	repo store.Repository,
	log *logger.Logger,
) *Router {
	return &Router{
		cfg:     cfg,
		sched:   sched,
		runs:    runs,
		engines: engines,
		agents:  profiles,
		repo:    repo,
		logger:  log.WithFields(zap.String("component", "router")),
	}
}

// HandleInbound routes one normalized channel message to a job and
// submits it. The returned result names the run and the session it was
// queued under.
func (r *Router) HandleInbound(ctx context.Context, msg *v1.InboundMessage) (*RouteResult, error) {
	if msg == nil {
		return nil, ErrEmptyPrompt
	}
	prompt := strings.TrimSpace(msg.Message.Text)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	sessionKey, agentID, err := r.resolveInboundSession(msg)
	if err != nil {
		return nil, err
	}
	profile := r.agents.Resolve(agentID)

	prompt, resume := extractResumeLine(r.engines, prompt)
	sticky := extractStickyEngine(r.engines, prompt)

	explicitEngine := sticky
	if explicitEngine == "" {
		explicitEngine = msg.Meta["engine"]
	}

	prefs := r.loadPrefs(ctx, sessionKey)
	model := selectModel("", msg.Meta["model"], prefs.Model, profile.Model, r.cfg.Agents.DefaultModel)
	engineID, warning := selectEngine(resume, explicitEngine, model, profile.Engine)
	r.rememberModel(ctx, sessionKey, prefs, msg.Meta["model"])

	policy := MergePolicies(
		profile.Policy,
		r.agents.ChannelPolicy(msg.ChannelID),
		sessionPolicyFor(msg.Peer.Kind),
		nil,
	)

	meta := cloneMeta(msg.Meta)
	if warning != "" {
		meta = setMeta(meta, "warning", warning)
		r.logger.Warn("Engine selection conflict",
			zap.String("session_key", sessionKey),
			zap.String("warning", warning))
	}

	job := &v1.Job{
		SessionKey: sessionKey,
		AgentID:    agentID,
		Prompt:     prompt,
		Origin:     "channel:" + msg.ChannelID,
		EngineID:   engineID,
		Model:      model,
		Resume:     resume,
		ToolPolicy: policy,
		QueueMode:  inboundQueueMode(msg.Meta),
		Lane:       v1.LaneMain,
		Meta:       meta,
	}
	r.applyPendingCompaction(ctx, sessionKey, job)

	runID, err := r.sched.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	r.recordEndpoint(ctx, msg, agentID)
	r.logger.Info("Routed inbound message",
		zap.String("run_id", runID),
		zap.String("session_key", sessionKey),
		zap.String("channel_id", msg.ChannelID),
		zap.String("engine_id", engineID),
		zap.String("queue_mode", string(job.QueueMode)))
	return &RouteResult{RunID: runID, SessionKey: sessionKey}, nil
}

// HandleControl routes a control-plane request through the same pipeline
// with origin control_plane and a followup default queue mode.
func (r *Router) HandleControl(ctx context.Context, req *ControlRequest) (*RouteResult, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	sessionKey, agentID, key, err := r.resolveControlSession(req)
	if err != nil {
		return nil, err
	}
	profile := r.agents.Resolve(agentID)

	prompt := strings.TrimSpace(req.Prompt)
	resume := req.Resume
	if resume == nil {
		prompt, resume = extractResumeLine(r.engines, prompt)
	}

	explicitEngine := req.EngineID
	if explicitEngine == "" {
		explicitEngine = extractStickyEngine(r.engines, prompt)
	}
	if explicitEngine == "" {
		explicitEngine = req.Meta["engine"]
	}

	prefs := r.loadPrefs(ctx, sessionKey)
	model := selectModel(req.Model, req.Meta["model"], prefs.Model, profile.Model, r.cfg.Agents.DefaultModel)
	engineID, warning := selectEngine(resume, explicitEngine, model, profile.Engine)
	requestedModel := req.Model
	if requestedModel == "" {
		requestedModel = req.Meta["model"]
	}
	r.rememberModel(ctx, sessionKey, prefs, requestedModel)

	var channelPolicy, sessionPolicy *v1.ToolPolicy
	if key != nil && !key.Main {
		channelPolicy = r.agents.ChannelPolicy(key.ChannelID)
		sessionPolicy = sessionPolicyFor(key.PeerKind)
	}
	policy := MergePolicies(profile.Policy, channelPolicy, sessionPolicy, req.Policy)

	meta := cloneMeta(req.Meta)
	if warning != "" {
		meta = setMeta(meta, "warning", warning)
	}

	mode := req.QueueMode
	if !validQueueMode(mode) {
		mode = v1.QueueModeFollowup
	}
	lane := req.Lane
	if lane == "" {
		lane = v1.LaneMain
	}

	job := &v1.Job{
		SessionKey: sessionKey,
		AgentID:    agentID,
		Prompt:     prompt,
		Origin:     OriginControlPlane,
		EngineID:   engineID,
		Model:      model,
		Cwd:        req.Cwd,
		Resume:     resume,
		ToolPolicy: policy,
		QueueMode:  mode,
		Lane:       lane,
		Meta:       meta,
	}
	r.applyPendingCompaction(ctx, sessionKey, job)

	runID, err := r.sched.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Routed control request",
		zap.String("run_id", runID),
		zap.String("session_key", sessionKey),
		zap.String("queue_mode", string(mode)))
	return &RouteResult{RunID: runID, SessionKey: sessionKey}, nil
}

// AbortRun cancels a live run by id. Unknown or already-finished runs
// are no-ops; the return value reports whether a live run was found.
func (r *Router) AbortRun(runID, reason string) bool {
	if reason == "" {
		reason = run.ReasonUserRequested
	}
	return r.runs.Cancel(runID, reason)
}

// AbortSession cancels whatever run currently holds the session.
func (r *Router) AbortSession(sessionKey, reason string) bool {
	if reason == "" {
		reason = run.ReasonUserRequested
	}
	return r.runs.CancelSession(sessionKey, reason)
}

// AbortByReply resolves the run that owns a progress message and cancels
// it. Channels call this when a user replies to the progress message.
func (r *Router) AbortByReply(ctx context.Context, channelID, messageID, reason string) (bool, error) {
	runID, err := r.repo.FindProgressRunID(ctx, channelID, messageID)
	if err != nil {
		return false, err
	}
	if runID == "" {
		return false, nil
	}
	return r.AbortRun(runID, reason), nil
}

// resolveInboundSession derives the session key and agent id for a
// message: an explicit well-formed key wins, then the channel-peer form
// with the agent taken from meta, endpoint bindings, or the default.
func (r *Router) resolveInboundSession(msg *v1.InboundMessage) (string, string, error) {
	if explicit := msg.Meta["explicit_session_key"]; explicit != "" {
		if key, err := session.Parse(explicit); err == nil {
			return explicit, key.AgentID, nil
		}
		r.logger.Warn("Ignoring malformed explicit session key",
			zap.String("explicit_session_key", explicit))
	}

	if msg.ChannelID == "" || msg.AccountID == "" || !msg.Peer.Kind.Valid() || msg.Peer.ID == "" {
		return "", "", fmt.Errorf("%w: channel, account and peer are required", ErrBadRoute)
	}

	agentID := msg.Meta["agent_id"]
	if agentID == "" {
		agentID = r.agents.AgentForEndpoint(msg.ChannelID, msg.AccountID)
	}
	if agentID == "" {
		agentID = agents.DefaultAgentID
	}
	return session.ForInbound(agentID, msg), agentID, nil
}

// resolveControlSession derives the session key for a control request.
// Explicit keys must be well-formed; without one the request targets the
// agent's main session.
func (r *Router) resolveControlSession(req *ControlRequest) (string, string, *session.Key, error) {
	if req.SessionKey != "" {
		key, err := session.Parse(req.SessionKey)
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrBadRoute, err)
		}
		return req.SessionKey, key.AgentID, key, nil
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = agents.DefaultAgentID
	}
	return session.MainKey(agentID), agentID, nil, nil
}

// applyPendingCompaction prepends the compaction instruction when the
// session carries a fresh, unconsumed pending-compaction marker, and
// marks it consumed. Store failures degrade to skipping the step.
func (r *Router) applyPendingCompaction(ctx context.Context, sessionKey string, job *v1.Job) {
	marker, err := r.repo.GetPendingCompaction(ctx, sessionKey)
	if err != nil {
		r.logger.Warn("Pending-compaction lookup failed",
			zap.String("session_key", sessionKey), zap.Error(err))
		return
	}
	if marker == nil || marker.AutoCompacted {
		return
	}

	job.Prompt = compactionInstruction + "\n\n" + job.Prompt
	job.Meta = setMeta(job.Meta, "auto_compacted", "1")
	if err := r.repo.SetAutoCompacted(ctx, sessionKey); err != nil {
		r.logger.Warn("Marking compaction consumed failed",
			zap.String("session_key", sessionKey), zap.Error(err))
	}
	r.logger.Info("Prepended compaction instruction",
		zap.String("session_key", sessionKey),
		zap.String("reason", marker.Reason))
}

// recordEndpoint refreshes the endpoints row for the account this
// message arrived through, so listings reflect live traffic. Best
// effort; messages routed by explicit session key carry no endpoint.
func (r *Router) recordEndpoint(ctx context.Context, msg *v1.InboundMessage, agentID string) {
	if msg.ChannelID == "" || msg.AccountID == "" {
		return
	}
	kind := msg.Meta["transport"]
	if kind == "" {
		kind = msg.ChannelID
	}
	err := r.repo.PutEndpoint(ctx, &store.Endpoint{
		ChannelID: msg.ChannelID,
		AccountID: msg.AccountID,
		Kind:      kind,
		Meta:      map[string]string{"agent_id": agentID},
	})
	if err != nil {
		r.logger.Warn("Endpoint upsert failed",
			zap.String("channel_id", msg.ChannelID),
			zap.String("account_id", msg.AccountID),
			zap.Error(err))
	}
}

// loadPrefs reads the session's router preferences, degrading to zero
// values when the store is unavailable.
func (r *Router) loadPrefs(ctx context.Context, sessionKey string) sessionPrefs {
	var prefs sessionPrefs
	raw, err := r.repo.GetBucketEntry(ctx, prefsBucket, sessionKey)
	if err != nil || len(raw) == 0 {
		return prefs
	}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		r.logger.Warn("Dropping undecodable session prefs",
			zap.String("session_key", sessionKey), zap.Error(err))
		return sessionPrefs{}
	}
	return prefs
}

// rememberModel persists an explicitly requested model as the session's
// stored model. Best effort; a store failure only logs.
func (r *Router) rememberModel(ctx context.Context, sessionKey string, prefs sessionPrefs, requested string) {
	if requested == "" || requested == prefs.Model {
		return
	}
	prefs.Model = requested
	prefs.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := r.repo.PutBucketEntry(ctx, prefsBucket, sessionKey, raw); err != nil {
		r.logger.Warn("Persisting session prefs failed",
			zap.String("session_key", sessionKey), zap.Error(err))
	}
}

// sessionPolicyFor returns the policy layer a conversation's shape
// imposes: multiuser peers force the shell-adjacent tools to approval.
func sessionPolicyFor(kind v1.PeerKind) *v1.ToolPolicy {
	if !kind.Multiuser() {
		return nil
	}
	return ForceApproval(nil, multiuserApprovalTools...)
}

// inboundQueueMode picks the queue mode for a channel message: steer
// when meta asks for it, any valid meta queue_mode otherwise, collect by
// default.
func inboundQueueMode(meta map[string]string) v1.QueueMode {
	if meta["steer"] == "1" || meta["steer"] == "true" || meta["steer"] == "yes" {
		return v1.QueueModeSteer
	}
	if mode := v1.QueueMode(meta["queue_mode"]); validQueueMode(mode) {
		return mode
	}
	return v1.QueueModeCollect
}

func validQueueMode(mode v1.QueueMode) bool {
	switch mode {
	case v1.QueueModeCollect, v1.QueueModeFollowup, v1.QueueModeSteer,
		v1.QueueModeSteerBacklog, v1.QueueModeInterrupt:
		return true
	}
	return false
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func setMeta(meta map[string]string, key, value string) map[string]string {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[key] = value
	return meta
}
