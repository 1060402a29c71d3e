package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/callflow"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/rbac"
	"outbound-dialer/internal/scheduler"
	"outbound-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// CampaignControl is the scheduler surface the API drives.
type CampaignControl interface {
	Start(ctx context.Context, campaignID string) error
	Stop(campaignID string) error
	IsRunning(campaignID string) bool
	Tick(ctx context.Context, campaignID string, dryRun bool) (scheduler.TickResult, error)
	Last(campaignID string) (scheduler.TickResult, bool)
}

type EventControl interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	Connected() bool
}

// CallLookup reads calls the event worker is tracking.
type CallLookup interface {
	Call(id string) (calls.Call, error)
	ActiveCalls() int
}

type AgentControl interface {
	Get(ctx context.Context, id string) (agents.Agent, error)
	Login(ctx context.Context, id, campaignID string) (agents.Agent, error)
	Logout(ctx context.Context, id string) (agents.Agent, error)
	SetStatus(ctx context.Context, id string, status agents.Status) (agents.Agent, error)
	Heartbeat(ctx context.Context, id string) (agents.Agent, error)
	SubmitDisposition(ctx context.Context, id string, req agents.DispositionRequest) (agents.Agent, error)
}

// ControlAuditor records operator actions on campaign loops. Optional.
type ControlAuditor interface {
	LogCampaignControl(ctx context.Context, actor, campaignID, action string) error
}

type Handlers struct {
	Auth      *auth.Manager
	Campaigns CampaignControl
	Events    EventControl
	Agents    AgentControl
	Calls     CallLookup
	Audit     ControlAuditor
	// Base is the context long-lived loops started over HTTP run under.
	Base context.Context
}

func (h Handlers) base() context.Context {
	if h.Base != nil {
		return h.Base
	}
	return context.Background()
}

// --- Auth ---

type tokenRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

// IssueToken issues a JWT token pair.
//
// NOTE: Credentials are checked by the admin side; this endpoint is for super_admin tooling.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnown(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	if req.Role == rbac.RoleAgent && req.AgentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id required for agent tokens"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.AgentID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken exchanges a refresh token for a new pair. Public: the access
// token may already be expired.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

func (h Handlers) StartCampaign(c *gin.Context) {
	id := c.Param("id")
	if err := h.Campaigns.Start(h.base(), id); err != nil {
		h.campaignError(c, err)
		return
	}
	h.audit(c, id, "start")
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "running": true})
}

func (h Handlers) StopCampaign(c *gin.Context) {
	id := c.Param("id")
	if err := h.Campaigns.Stop(id); err != nil {
		h.campaignError(c, err)
		return
	}
	h.audit(c, id, "stop")
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "running": false})
}

// audit is best effort; the loop state already changed.
func (h Handlers) audit(c *gin.Context, campaignID, action string) {
	if h.Audit == nil {
		return
	}
	actor, _ := auth.UserID(c.Request.Context())
	if err := h.Audit.LogCampaignControl(c.Request.Context(), actor, campaignID, action); err != nil {
		logger.FromGin(c).Warn("campaign audit failed", "campaign_id", campaignID, "action", action, "err", err)
	}
}

// DryRunCampaign computes the admission decision without leasing or dialing.
func (h Handlers) DryRunCampaign(c *gin.Context) {
	res, err := h.Campaigns.Tick(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		h.campaignError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) CampaignStatus(c *gin.Context) {
	id := c.Param("id")
	body := gin.H{"campaign_id": id, "running": h.Campaigns.IsRunning(id)}
	if last, ok := h.Campaigns.Last(id); ok {
		body["last_tick"] = last
	}
	c.JSON(http.StatusOK, body)
}

func (h Handlers) campaignError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrCampaignInactive),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNotRunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("campaign request failed", "campaign_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaign request failed"})
	}
}

// --- Event stream ---

func (h Handlers) StartEvents(c *gin.Context) {
	h.Events.Start(h.base())
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (h Handlers) StopEvents(c *gin.Context) {
	h.Events.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (h Handlers) EventsStatus(c *gin.Context) {
	body := gin.H{"running": h.Events.Running(), "connected": h.Events.Connected()}
	if h.Calls != nil {
		body["active_calls"] = h.Calls.ActiveCalls()
	}
	c.JSON(http.StatusOK, body)
}

// --- Calls ---

// GetCall returns a live call, or one that ended within the retention window.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	call, err := h.Calls.Call(c.Param("id"))
	if errors.Is(err, callflow.ErrUnknownCall) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Agents ---

type loginRequest struct {
	CampaignID string `json:"campaign_id"`
}

type statusRequest struct {
	Status agents.Status `json:"status"`
}

func (h Handlers) AgentLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return
	}
	a, err := h.Agents.Login(c.Request.Context(), c.Param("id"), req.CampaignID)
	h.agentReply(c, a, err)
}

func (h Handlers) AgentLogout(c *gin.Context) {
	a, err := h.Agents.Logout(c.Request.Context(), c.Param("id"))
	h.agentReply(c, a, err)
}

func (h Handlers) AgentHeartbeat(c *gin.Context) {
	a, err := h.Agents.Heartbeat(c.Request.Context(), c.Param("id"))
	h.agentReply(c, a, err)
}

func (h Handlers) AgentStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "valid status required"})
		return
	}
	a, err := h.Agents.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	h.agentReply(c, a, err)
}

func (h Handlers) GetAgent(c *gin.Context) {
	a, err := h.Agents.Get(c.Request.Context(), c.Param("id"))
	h.agentReply(c, a, err)
}

func (h Handlers) AgentDisposition(c *gin.Context) {
	var req agents.DispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Disposition == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "disposition required"})
		return
	}
	a, err := h.Agents.SubmitDisposition(c.Request.Context(), c.Param("id"), req)
	h.agentReply(c, a, err)
}

// agentReply maps agent errors. The wrap-up lock is a rejected action, not a failure.
func (h Handlers) agentReply(c *gin.Context, a agents.Agent, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, a)
	case errors.Is(err, agents.ErrDispositionPending):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": agents.ErrDispositionPending.Error()})
	case errors.Is(err, agents.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "invalid status transition"})
	case errors.Is(err, agents.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, agents.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid argument"})
	default:
		logger.FromGin(c).Error("agent request failed", "agent_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "agent request failed"})
	}
}
