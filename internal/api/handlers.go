package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/errors"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/output"
	"github.com/lemongate/lemongate/internal/router"
	"github.com/lemongate/lemongate/internal/scheduler"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Handler contains HTTP handlers for the gateway API
type Handler struct {
	router  *router.Router
	sched   *scheduler.Scheduler
	repo    store.Repository
	tracker *output.Tracker
	engines *engine.Registry
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	rt *router.Router,
	sched *scheduler.Scheduler,
	repo store.Repository,
	tracker *output.Tracker,
	engines *engine.Registry,
	log *logger.Logger,
) *Handler {
	return &Handler{
		router:  rt,
		sched:   sched,
		repo:    repo,
		tracker: tracker,
		engines: engines,
		logger:  log,
	}
}

// Run endpoints

// SubmitRun submits a control-plane run
// POST /api/v1/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctrlReq := &router.ControlRequest{
		SessionKey: req.SessionKey,
		AgentID:    req.AgentID,
		Prompt:     req.Prompt,
		EngineID:   req.EngineID,
		Model:      req.Model,
		Cwd:        req.Cwd,
		Resume:     req.Resume,
		Policy:     req.ToolPolicy,
		QueueMode:  req.QueueMode,
		Lane:       req.Lane,
		Meta:       req.Meta,
	}

	result, err := h.router.HandleControl(c.Request.Context(), ctrlReq)
	if err != nil {
		if stderrors.Is(err, router.ErrEmptyPrompt) || stderrors.Is(err, router.ErrBadRoute) {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to submit run", zap.Error(err))
		appErr := errors.InternalError("failed to submit run", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, &RouteResponse{
		RunID:      result.RunID,
		SessionKey: result.SessionKey,
	})
}

// GetRun retrieves a run by ID
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")

	rec, err := h.repo.GetRun(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("failed to load run", zap.String("run_id", runID), zap.Error(err))
		appErr := errors.InternalError("failed to load run", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if rec == nil {
		appErr := errors.NotFound("run", runID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, runToResponse(rec))
}

// AbortRun aborts a run by ID
// DELETE /api/v1/runs/:runId
func (h *Handler) AbortRun(c *gin.Context) {
	runID := c.Param("runId")
	reason := c.Query("reason")

	if !h.router.AbortRun(runID, reason) {
		appErr := errors.NotFound("run", runID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, &AbortResponse{Aborted: true, Reason: reason})
}

// AbortByReply aborts the run behind a progress message
// POST /api/v1/abort-by-reply
func (h *Handler) AbortByReply(c *gin.Context) {
	var req AbortByReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	aborted, err := h.router.AbortByReply(c.Request.Context(), req.ChannelID, req.MessageID, req.Reason)
	if err != nil {
		h.logger.Error("failed to resolve reply target",
			zap.String("channel_id", req.ChannelID),
			zap.String("message_id", req.MessageID),
			zap.Error(err))
		appErr := errors.InternalError("failed to resolve reply target", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !aborted {
		appErr := errors.NotFound("run", req.MessageID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, &AbortResponse{Aborted: true, Reason: req.Reason})
}

// Inbound endpoint

// Inbound injects a normalized channel message
// POST /api/v1/inbound
func (h *Handler) Inbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msg := &v1.InboundMessage{
		ChannelID: req.ChannelID,
		AccountID: req.AccountID,
		Peer:      req.Peer,
		Sender:    req.Sender,
		Message:   req.Message,
		Raw:       req.Raw,
		Meta:      req.Meta,
	}

	result, err := h.router.HandleInbound(c.Request.Context(), msg)
	if err != nil {
		if stderrors.Is(err, router.ErrEmptyPrompt) || stderrors.Is(err, router.ErrBadRoute) {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to route inbound message",
			zap.String("channel_id", req.ChannelID),
			zap.Error(err))
		appErr := errors.InternalError("failed to route inbound message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	// Mirror the session's run events back out through the channel.
	if err := h.tracker.Track(result.SessionKey); err != nil {
		h.logger.Warn("failed to track session output",
			zap.String("session_key", result.SessionKey),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, &RouteResponse{
		RunID:      result.RunID,
		SessionKey: result.SessionKey,
	})
}

// Session endpoints

// ListSessions lists known sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	q := store.SessionQuery{
		Search:  c.Query("search"),
		AgentID: c.Query("agent_id"),
		Limit:   queryInt(c, "limit", 0),
	}

	entries, err := h.repo.ListSessions(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		appErr := errors.InternalError("failed to list sessions", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := &SessionsListResponse{Sessions: make([]*SessionResponse, 0, len(entries))}
	for _, entry := range entries {
		resp.Sessions = append(resp.Sessions, sessionToResponse(entry))
	}
	resp.Total = len(resp.Sessions)

	c.JSON(http.StatusOK, resp)
}

// GetSession retrieves one session index entry
// GET /api/v1/sessions/:key
func (h *Handler) GetSession(c *gin.Context) {
	sessionKey := c.Param("key")

	entry, err := h.repo.GetSession(c.Request.Context(), sessionKey)
	if err != nil {
		h.logger.Error("failed to load session", zap.String("session_key", sessionKey), zap.Error(err))
		appErr := errors.InternalError("failed to load session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if entry == nil {
		appErr := errors.NotFound("session", sessionKey)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(entry))
}

// ListSessionRuns lists the recent runs of a session
// GET /api/v1/sessions/:key/runs
func (h *Handler) ListSessionRuns(c *gin.Context) {
	sessionKey := c.Param("key")
	limit := queryInt(c, "limit", 0)

	records, err := h.repo.ListSessionRuns(c.Request.Context(), sessionKey, limit)
	if err != nil {
		h.logger.Error("failed to list session runs", zap.String("session_key", sessionKey), zap.Error(err))
		appErr := errors.InternalError("failed to list session runs", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := &RunsListResponse{Runs: make([]*RunResponse, 0, len(records))}
	for _, rec := range records {
		resp.Runs = append(resp.Runs, runToResponse(rec))
	}
	resp.Total = len(resp.Runs)

	c.JSON(http.StatusOK, resp)
}

// AbortSessionRuns aborts the active run of a session
// DELETE /api/v1/sessions/:key/runs
func (h *Handler) AbortSessionRuns(c *gin.Context) {
	sessionKey := c.Param("key")
	reason := c.Query("reason")

	if !h.router.AbortSession(sessionKey, reason) {
		appErr := errors.NotFound("active run", sessionKey)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, &AbortResponse{Aborted: true, Reason: reason})
}

// GetSessionHistory lists a session's finalized runs
// GET /api/v1/sessions/:key/history
func (h *Handler) GetSessionHistory(c *gin.Context) {
	sessionKey := c.Param("key")
	limit := queryInt(c, "limit", 0)

	entries, err := h.repo.ListHistory(c.Request.Context(), sessionKey, limit)
	if err != nil {
		h.logger.Error("failed to list history", zap.String("session_key", sessionKey), zap.Error(err))
		appErr := errors.InternalError("failed to list history", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := &HistoryListResponse{Entries: make([]*HistoryEntryResponse, 0, len(entries))}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, historyToResponse(entry))
	}
	resp.Total = len(resp.Entries)

	c.JSON(http.StatusOK, resp)
}

// SteerSession injects guidance into a session's active run
// POST /api/v1/sessions/:key/steer
func (h *Handler) SteerSession(c *gin.Context) {
	sessionKey := c.Param("key")

	var req SteerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.sched.Steer(sessionKey, req.Text); err != nil {
		appErr := errors.Conflict(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"steered": true})
}

// Stats endpoints

// GetCounts reports scheduler occupancy
// GET /api/v1/counts
func (h *Handler) GetCounts(c *gin.Context) {
	counts := h.sched.Counts(c.Request.Context())
	c.JSON(http.StatusOK, &CountsResponse{
		Active:         counts.Active,
		Queued:         counts.Queued,
		CompletedToday: counts.CompletedToday,
	})
}

// GetDailyStats reports finalized runs per day
// GET /api/v1/stats/daily
func (h *Handler) GetDailyStats(c *gin.Context) {
	days := queryInt(c, "days", 7)

	counts, err := h.repo.CompletedByDay(c.Request.Context(), days)
	if err != nil {
		h.logger.Error("failed to load daily stats", zap.Error(err))
		appErr := errors.InternalError("failed to load daily stats", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := &DailyStatsResponse{Days: make([]*DailyCountResponse, 0, len(counts))}
	for _, day := range counts {
		resp.Days = append(resp.Days, &DailyCountResponse{Day: day.Day, Count: day.Count})
	}
	resp.Total = len(resp.Days)

	c.JSON(http.StatusOK, resp)
}

// ListEngines lists registered engines
// GET /api/v1/engines
func (h *Handler) ListEngines(c *gin.Context) {
	ids := h.engines.List()
	c.JSON(http.StatusOK, &EnginesListResponse{
		Engines: ids,
		Default: h.engines.DefaultID(),
		Total:   len(ids),
	})
}

// ListEndpoints lists the channel accounts the gateway has seen traffic from
// GET /api/v1/endpoints
func (h *Handler) ListEndpoints(c *gin.Context) {
	eps, err := h.repo.ListEndpoints(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list endpoints", zap.Error(err))
		appErr := errors.InternalError("failed to list endpoints", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := &EndpointsListResponse{Endpoints: make([]*EndpointResponse, 0, len(eps))}
	for _, ep := range eps {
		resp.Endpoints = append(resp.Endpoints, &EndpointResponse{
			ChannelID: ep.ChannelID,
			AccountID: ep.AccountID,
			Kind:      ep.Kind,
			Meta:      ep.Meta,
			UpdatedAt: ep.UpdatedAt,
		})
	}
	resp.Total = len(resp.Endpoints)

	c.JSON(http.StatusOK, resp)
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
