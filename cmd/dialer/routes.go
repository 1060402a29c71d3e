package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/httpapi"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/rbac"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, m *metrics.Metrics, ready func(context.Context) error) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(503, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	r.POST("/v1/auth/refresh", h.RefreshToken)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			ctx := c.Request.Context()
			uid, _ := auth.UserID(ctx)
			role, _ := auth.Role(ctx)
			c.JSON(200, gin.H{"user_id": uid, "agent_id": auth.AgentID(ctx), "role": role})
		})

		v1.POST("/auth/token", rbac.RequireAnyRole(rbac.RoleSuperAdmin), h.IssueToken)

		supervisor := rbac.RequireAnyRole(rbac.RoleSupervisor)

		campaigns := v1.Group("/campaigns")
		campaigns.Use(supervisor)
		{
			campaigns.POST("/:id/start", h.StartCampaign)
			campaigns.POST("/:id/stop", h.StopCampaign)
			campaigns.POST("/:id/dry-run", h.DryRunCampaign)
			campaigns.GET("/:id/status", h.CampaignStatus)
		}

		events := v1.Group("/events")
		events.Use(supervisor)
		{
			events.POST("/start", h.StartEvents)
			events.POST("/stop", h.StopEvents)
			events.GET("/status", h.EventsStatus)
		}

		v1.GET("/calls/:id", supervisor, h.GetCall)

		agents := v1.Group("/agents")
		agents.Use(rbac.RequireSelfOrRole("id", rbac.RoleSupervisor))
		{
			agents.GET("/:id", h.GetAgent)
			agents.POST("/:id/login", h.AgentLogin)
			agents.POST("/:id/logout", h.AgentLogout)
			agents.POST("/:id/heartbeat", h.AgentHeartbeat)
			agents.PUT("/:id/status", h.AgentStatus)
			agents.POST("/:id/disposition", h.AgentDisposition)
		}
	}
}

// handlers builds the HTTP surface over the wired app. base outlives
// individual requests; loops started over HTTP run under it.
func (a *app) handlers(base context.Context) httpapi.Handlers {
	return httpapi.Handlers{
		Auth:      a.auth,
		Campaigns: a.scheduler,
		Events:    a.consumer,
		Agents:    a.agents,
		Calls:     a.worker,
		Audit:     a.audit,
		Base:      base,
	}
}
