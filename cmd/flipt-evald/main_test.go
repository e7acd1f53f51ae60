package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/OrlandoBitencourt/fliptengine"
	"github.com/OrlandoBitencourt/fliptengine/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "flipt-evald", ShutdownTimeout: time.Second},
		Flipt: config.FliptConfig{
			URL:            url,
			Namespace:      "default",
			FetchMode:      "polling",
			UpdateInterval: time.Hour,
			RequestTimeout: time.Second,
			InitialTimeout: time.Second,
			ClientToken:    "token",
			Reference:      "main",
		},
		Server: config.ServerConfig{
			WebhookSecret: "hook",
			RefreshPerSec: 2,
			RefreshBurst:  5,
			MaxBatchSize:  10,
		},
	}
}

func TestServerConfig(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc := serverConfig(testConfig("http://localhost:8080"), log)

	assert.Equal(t, "hook", sc.WebhookSecret)
	assert.Equal(t, rate.Limit(2), sc.RefreshRate)
	assert.Equal(t, 5, sc.RefreshBurst)
	assert.Equal(t, 10, sc.MaxBatchSize)
	assert.Equal(t, 30*time.Second, sc.RefreshTimeout)
	assert.Same(t, log, sc.Logger)
}

func TestEngineOptions_ReachUpstream(t *testing.T) {
	var auth, ref string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ref = r.URL.Query().Get("reference")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"namespace":{"key":"default"},"flags":[]}`)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := fliptengine.New(context.Background(), cfg.Flipt.Namespace, engineOptions(cfg, log)...)
	require.NoError(t, err)
	defer engine.Close()

	assert.True(t, engine.Ready())
	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, "main", ref)
	assert.Equal(t, "polling", engine.Stats().FetchMode)
}
