package api

import (
	"github.com/gin-gonic/gin"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/output"
	"github.com/lemongate/lemongate/internal/router"
	"github.com/lemongate/lemongate/internal/scheduler"
	"github.com/lemongate/lemongate/internal/store"
	"github.com/lemongate/lemongate/internal/streaming"
)

// SetupRoutes configures the gateway API routes
func SetupRoutes(
	rg *gin.RouterGroup,
	rt *router.Router,
	sched *scheduler.Scheduler,
	repo store.Repository,
	tracker *output.Tracker,
	engines *engine.Registry,
	hub *streaming.Hub,
	log *logger.Logger,
) {
	handler := NewHandler(rt, sched, repo, tracker, engines, log)
	ws := NewWSHandler(hub, log)

	// Run routes
	runs := rg.Group("/runs")
	{
		runs.POST("", handler.SubmitRun)
		runs.GET("/:runId", handler.GetRun)
		runs.DELETE("/:runId", handler.AbortRun)
	}

	// Inbound channel messages
	rg.POST("/inbound", handler.Inbound)
	rg.POST("/abort-by-reply", handler.AbortByReply)

	// Session routes
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:key", handler.GetSession)
		sessions.GET("/:key/runs", handler.ListSessionRuns)
		sessions.DELETE("/:key/runs", handler.AbortSessionRuns)
		sessions.GET("/:key/history", handler.GetSessionHistory)
		sessions.POST("/:key/steer", handler.SteerSession)
		sessions.GET("/:key/stream", ws.StreamSession)
	}

	// Stats routes
	rg.GET("/counts", handler.GetCounts)
	rg.GET("/stats/daily", handler.GetDailyStats)
	rg.GET("/engines", handler.ListEngines)
	rg.GET("/endpoints", handler.ListEndpoints)
}
