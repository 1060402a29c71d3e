package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/httpapi"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/rbac"
	"outbound-dialer/internal/scheduler"
)

type idleCampaigns struct{}

func (idleCampaigns) Start(ctx context.Context, id string) error { return nil }
func (idleCampaigns) Stop(id string) error                       { return scheduler.ErrNotRunning }
func (idleCampaigns) IsRunning(id string) bool                   { return false }
func (idleCampaigns) Tick(ctx context.Context, id string, dryRun bool) (scheduler.TickResult, error) {
	return scheduler.TickResult{}, nil
}
func (idleCampaigns) Last(id string) (scheduler.TickResult, bool) {
	return scheduler.TickResult{}, false
}

// readyErr is what the fixture's readiness check reports.
var readyErr error

type routeFixture struct {
	router *gin.Engine
	mgr    *auth.Manager
}

func newRouteFixture(t *testing.T) *routeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	repo := agents.NewMemoryRepo()
	repo.Put(agents.Agent{ID: "a1", Extension: "PJSIP/1001"})
	repo.Put(agents.Agent{ID: "a2", Extension: "PJSIP/1002"})

	h := httpapi.Handlers{
		Auth:      mgr,
		Campaigns: idleCampaigns{},
		Agents:    agents.NewService(repo, time.Minute, nil, nil),
	}
	r := gin.New()
	registerRoutes(r, auth.RequireAccessToken(mgr), h, metrics.New(), func(context.Context) error { return readyErr })
	return &routeFixture{router: r, mgr: mgr}
}

func (f *routeFixture) get(t *testing.T, path, agentID, role string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if role != "" {
		pair, err := f.mgr.IssuePair(time.Now(), "u1", agentID, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w.Code
}

func TestPublicRoutes(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", "", ""))
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics", "", ""))
	assert.Equal(t, http.StatusOK, f.get(t, "/readyz", "", ""))
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	f := newRouteFixture(t)
	readyErr = errors.New("db ping failed")
	t.Cleanup(func() { readyErr = nil })

	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/readyz", "", ""))
}

func TestV1RequiresToken(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/v1/me", "", ""))
	assert.Equal(t, http.StatusOK, f.get(t, "/v1/me", "", rbac.RoleSupervisor))
}

func TestCampaignRoutesNeedSupervisor(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, http.StatusForbidden, f.get(t, "/v1/campaigns/c1/status", "a1", rbac.RoleAgent))
	assert.Equal(t, http.StatusOK, f.get(t, "/v1/campaigns/c1/status", "", rbac.RoleSupervisor))
	assert.Equal(t, http.StatusOK, f.get(t, "/v1/campaigns/c1/status", "", rbac.RoleSuperAdmin))
}

func TestAgentRoutesAllowSelfOnly(t *testing.T) {
	f := newRouteFixture(t)

	assert.Equal(t, http.StatusOK, f.get(t, "/v1/agents/a1", "a1", rbac.RoleAgent))
	assert.Equal(t, http.StatusForbidden, f.get(t, "/v1/agents/a2", "a1", rbac.RoleAgent))
	assert.Equal(t, http.StatusOK, f.get(t, "/v1/agents/a2", "", rbac.RoleSupervisor))
}
