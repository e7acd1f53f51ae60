package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/fliptengine"
	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

func TestAdmin_Stats(t *testing.T) {
	srv := newTestServer(t, newMockEngine(), nil)

	w := do(t, srv, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats fliptengine.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "default", stats.Namespace)
	assert.Equal(t, 2, stats.FlagCount)
	assert.True(t, stats.Ready)
}

func TestAdmin_Refresh(t *testing.T) {
	engine := newMockEngine()
	srv := newTestServer(t, engine, nil)

	w := do(t, srv, http.MethodPost, "/admin/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, engine.RefreshCalls())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "v1", resp["version"])
}

func TestAdmin_RefreshFailure(t *testing.T) {
	engine := newMockEngine()
	engine.refreshErr = domain.NewNetworkError(http.MethodGet, "http://flipt", 503, errors.New("unavailable"))
	srv := newTestServer(t, engine, nil)

	w := do(t, srv, http.MethodPost, "/admin/refresh", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	metrics := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Contains(t, metrics.Body.String(), `fliptengine_refresh_triggers_total{result="error",source="admin"} 1`)
}

func TestAdmin_RefreshRateLimited(t *testing.T) {
	engine := newMockEngine()
	srv := newTestServer(t, engine, func(c *Config) {
		c.RefreshRate = 0.001
		c.RefreshBurst = 2
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, do(t, srv, http.MethodPost, "/admin/refresh", "").Code)
	}

	assert.Equal(t, []int{200, 200, 429, 429}, codes)
	assert.Equal(t, 2, engine.RefreshCalls())
}

func TestAdmin_RefreshMethod(t *testing.T) {
	srv := newTestServer(t, newMockEngine(), nil)

	w := do(t, srv, http.MethodGet, "/admin/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
