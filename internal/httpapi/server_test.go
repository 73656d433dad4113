package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"pttrouter/internal/presence"
	"pttrouter/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := store.New(store.Config{Host: mr.Host(), Port: mr.Port()}, nil)
	presenceMgr := presence.New(st, time.Minute, nil, nil)
	require.NoError(t, presenceMgr.SetUserOnline(context.Background(), "userA", presence.OnlineOpts{}))

	return NewRouter(presenceMgr, nil)
}

func TestWelcomeEndpoint(t *testing.T) {
	engine := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	engine := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestPresenceStatusEndpoint(t *testing.T) {
	engine := newTestRouter(t)
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"userIds":["userA","ghost"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/presence/status", body)
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)
	require.Contains(t, rec.Body.String(), `"online"`)
}

func TestPresenceStatusEndpointRejectsMalformedBody(t *testing.T) {
	engine := newTestRouter(t)
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"userIds": "not-an-array"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/presence/status", body)
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	engine := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/presence/status", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
