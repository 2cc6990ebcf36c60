package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/auth"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/ops"
	"github.com/hantei-ai/hantei/internal/ratelimit"
	"github.com/hantei-ai/hantei/internal/server"
	"github.com/hantei-ai/hantei/internal/storage/memory"
)

func newTestServer(t *testing.T) (*server.Server, *auth.JWTManager) {
	t.Helper()

	store := memory.New()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	chainMgr := chain.New(store, chain.Config{})
	require.NoError(t, chainMgr.Init(context.Background()))
	chainMgr.Start(context.Background())
	t.Cleanup(func() { _ = chainMgr.Close(context.Background()) })

	registry := ops.New()

	limiter := ratelimit.New(nil, nil, false)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := server.New(server.ServerConfig{
		Store:      store,
		JWTManager: jwtMgr,
		Registry:   registry,
		ChainMgr:   chainMgr,
		Limiter:    limiter,
		Version:    "test",
		Port:       0,
	})
	return srv, jwtMgr
}

func TestServer_HealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Identity    string `json:"identity"`
		Persistence struct {
			Backend string `json:"backend"`
		} `json:"persistence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hantei", body.Identity)
	assert.Equal(t, "memory", body.Persistence.Backend)
}

func TestServer_ListToolsRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListToolsWithValidTokenSucceeds(t *testing.T) {
	srv, jwtMgr := newTestServer(t)

	token, _, err := jwtMgr.IssueToken(model.Agent{Name: "caller-1", Role: model.RoleCaller})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_InvokeAdminOpRejectsCallerRole(t *testing.T) {
	srv, jwtMgr := newTestServer(t)

	token, _, err := jwtMgr.IssueToken(model.Agent{Name: "caller-1", Role: model.RoleCaller})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tools/chain.reset", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AuthTokenRejectsUnknownAgent(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"agentName":"unknown","apiKey":"whatever"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OpenAPISpecIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SecurityHeadersPresentOnEveryResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_UnknownRouteRejectedByAuthBeforeRouting(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/not/a/real/route", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
