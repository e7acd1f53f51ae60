package fliptengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestEngine_StartAndClose tests the engine lifecycle
func TestEngine_StartAndClose(t *testing.T) {
	server := NewMockFliptServer(t)

	engine, err := New(context.Background(), "",
		WithURL(server.URL),
		WithUpdateInterval(time.Hour),
	)
	require.NoError(t, err)

	assert.Equal(t, DefaultNamespace, engine.Namespace())
	assert.True(t, engine.Ready(), "initial fetch should complete before New returns")
	assert.NoError(t, engine.WaitReady(context.Background()))

	require.NoError(t, engine.Close())
	assert.NoError(t, engine.Close(), "second Close should be a no-op")

	_, err = engine.EvaluateVariant(context.Background(), matchingRequest("flag1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, engine.Refresh(context.Background()), ErrClosed)
}

// TestNew_InvalidConfig tests that configuration errors fail New eagerly
func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		field string
	}{
		{"unparseable url", []Option{WithURL("http://[::1")}, "url"},
		{"missing host", []Option{WithURL("localhost")}, "url"},
		{"websocket url while polling", []Option{WithURL("ws://localhost:8080")}, "url"},
		{"unknown scheme", []Option{WithURL("ftp://localhost"), WithFetchMode(FetchModeStreaming)}, "url"},
		{"unknown fetch mode", []Option{WithFetchMode("push")}, "fetch_mode"},
		{"zero update interval", []Option{WithUpdateInterval(0)}, "update_interval"},
		{"negative request timeout", []Option{WithRequestTimeout(-time.Second)}, "request_timeout"},
		{"zero initial timeout", []Option{WithInitialTimeout(0)}, "initial_timeout"},
		{"zero circuit threshold", []Option{WithCircuitBreaker(0, time.Second)}, "circuit_breaker"},
		{"inverted stream backoff", []Option{WithStreamBackoff(time.Minute, time.Second)}, "stream_backoff"},
		{"empty client token", []Option{WithClientToken("")}, "authentication"},
		{"basic auth without password", []Option{WithBasicAuth("user", "")}, "authentication"},
		{"empty snapshot dir", []Option{WithSnapshotDir("")}, "snapshot_dir"},
		{"zero program cache", []Option{WithProgramCacheSize(0)}, "program_cache_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := New(context.Background(), "default", tt.opts...)
			require.Error(t, err)
			assert.Nil(t, engine)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.True(t, IsConfigError(err))
		})
	}
}

// TestEngine_EvaluateVariant tests variant evaluation and response metadata
func TestEngine_EvaluateVariant(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	before := time.Now().UTC()
	resp, err := engine.EvaluateVariant(context.Background(), matchingRequest("flag1"))
	require.NoError(t, err)

	assert.True(t, resp.Match)
	assert.Equal(t, "flag1", resp.FlagKey)
	assert.Equal(t, "variant1", resp.VariantKey)
	assert.Equal(t, "MATCH_EVALUATION_REASON", resp.Reason)
	assert.Equal(t, []string{"segment1"}, resp.SegmentKeys)
	assert.JSONEq(t, `{"name":"v1","limit":25}`, resp.VariantAttachment)
	assert.NotEmpty(t, resp.RequestID)
	assert.GreaterOrEqual(t, resp.RequestDurationMillis, 0.0)
	assert.Equal(t, time.UTC, resp.Timestamp.Location())
	assert.False(t, resp.Timestamp.Before(before.Add(-time.Second)))

	assert.Equal(t, "v1", resp.GetString("name", ""))
	assert.Equal(t, 25, resp.GetInt("limit", 0))
	assert.Equal(t, "fallback", resp.GetString("missing", "fallback"))
	assert.Equal(t, 7, resp.GetInt("name", 7), "non-numeric value falls back")
}

// TestEngine_EvaluateVariant_NoMatch tests an entity outside every segment
func TestEngine_EvaluateVariant_NoMatch(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	resp, err := engine.EvaluateVariant(context.Background(),
		NewRequest("flag1", "entity").WithContext("fizz", "fuzz"))
	require.NoError(t, err)

	assert.False(t, resp.Match)
	assert.Equal(t, "NO_MATCH_EVALUATION_REASON", resp.Reason)
	assert.Empty(t, resp.VariantKey)
	assert.NotNil(t, resp.SegmentKeys, "segment keys serialize as an empty list")
}

// TestEngine_EvaluateBoolean tests boolean evaluation
func TestEngine_EvaluateBoolean(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	resp, err := engine.EvaluateBoolean(context.Background(), matchingRequest("flag_boolean"))
	require.NoError(t, err)

	assert.True(t, resp.Enabled)
	assert.Equal(t, "flag_boolean", resp.FlagKey)
	assert.Equal(t, "MATCH_EVALUATION_REASON", resp.Reason)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, time.UTC, resp.Timestamp.Location())
}

// TestEngine_EvaluationErrors tests unknown flags and wrong flag types
func TestEngine_EvaluationErrors(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)
	ctx := context.Background()

	_, err := engine.EvaluateVariant(ctx, matchingRequest("missing"))
	assert.True(t, IsNotFound(err))

	_, err = engine.EvaluateBoolean(ctx, matchingRequest("flag1"))
	var mismatch *TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)

	_, err = engine.EvaluateVariant(ctx, matchingRequest("flag_boolean"))
	assert.ErrorAs(t, err, &mismatch)
}

// TestEngine_EvaluateBatch tests that a batch keeps order and isolates errors
func TestEngine_EvaluateBatch(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	batch, err := engine.EvaluateBatch(context.Background(), []EvaluationRequest{
		matchingRequest("flag1"),
		matchingRequest("notfound"),
		matchingRequest("flag_boolean"),
	})
	require.NoError(t, err)
	require.Len(t, batch.Responses, 3)
	assert.NotEmpty(t, batch.RequestID)

	first := batch.Responses[0]
	assert.Equal(t, ResponseTypeVariant, first.Type)
	require.NotNil(t, first.Variant)
	assert.Equal(t, "variant1", first.Variant.VariantKey)

	second := batch.Responses[1]
	assert.Equal(t, ResponseTypeError, second.Type)
	require.NotNil(t, second.Error)
	assert.Equal(t, "notfound", second.Error.FlagKey)
	assert.Equal(t, "default", second.Error.NamespaceKey)
	assert.Equal(t, "NOT_FOUND_ERROR_EVALUATION_REASON", second.Error.Reason)

	third := batch.Responses[2]
	assert.Equal(t, ResponseTypeBoolean, third.Type)
	require.NotNil(t, third.Boolean)
	assert.True(t, third.Boolean.Enabled)
}

// TestEngine_EvaluateBatch_Empty tests an empty batch
func TestEngine_EvaluateBatch_Empty(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	batch, err := engine.EvaluateBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Responses)
	assert.NotNil(t, batch.Responses)
}

// TestEngine_ListFlags tests listing in snapshot order
func TestEngine_ListFlags(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)

	flags, err := engine.ListFlags(context.Background())
	require.NoError(t, err)
	require.Len(t, flags, 2)

	assert.Equal(t, Flag{
		Key:         "flag1",
		Name:        "Flag One",
		Description: "variant flag",
		Enabled:     true,
		Type:        "VARIANT_FLAG_TYPE",
	}, flags[0])
	assert.Equal(t, "flag_boolean", flags[1].Key)
	assert.Equal(t, "BOOLEAN_FLAG_TYPE", flags[1].Type)
}

// TestEngine_NotReadyUntilFirstSnapshot tests evaluation before any snapshot
// has been fetched
func TestEngine_NotReadyUntilFirstSnapshot(t *testing.T) {
	server := NewMockFliptServer(t)
	server.SetFailing(true)

	engine := newTestEngine(t, server, WithInitialTimeout(500*time.Millisecond))
	ctx := context.Background()

	assert.False(t, engine.Ready())

	_, err := engine.EvaluateVariant(ctx, matchingRequest("flag1"))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsNotReady(err))

	_, err = engine.EvaluateBatch(ctx, []EvaluationRequest{matchingRequest("flag1")})
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = engine.ListFlags(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	stats := engine.Stats()
	assert.False(t, stats.Ready)
	assert.Equal(t, uint64(3), stats.NotReady)

	server.SetFailing(false)
	require.NoError(t, engine.Refresh(ctx))

	flags, err := engine.ListFlags(ctx)
	require.NoError(t, err)
	assert.Len(t, flags, 2)
	assert.True(t, engine.Ready())
}

// TestEngine_NetworkFailureKeepsSnapshot tests that a failed refresh leaves
// the previous snapshot serving
func TestEngine_NetworkFailureKeepsSnapshot(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)
	ctx := context.Background()

	before, err := engine.EvaluateVariant(ctx, matchingRequest("flag1"))
	require.NoError(t, err)

	server.SetFailing(true)
	err = engine.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	after, err := engine.EvaluateVariant(ctx, matchingRequest("flag1"))
	require.NoError(t, err)
	assert.Equal(t, before.VariantKey, after.VariantKey)
	assert.Equal(t, before.Reason, after.Reason)

	stats := engine.Stats()
	assert.True(t, stats.Ready)
	assert.Equal(t, `"v1"`, stats.Version)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.NotEmpty(t, stats.LastError)
	assert.Equal(t, "closed", stats.CircuitState)
}

// TestEngine_RefreshPicksUpChanges tests that a refresh swaps in a new
// snapshot
func TestEngine_RefreshPicksUpChanges(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)
	ctx := context.Background()

	server.SetSnapshot(`"v2"`, `{"namespace":{"key":"default"},"flags":[
		{"key":"flag1","enabled":false,"type":"VARIANT_FLAG_TYPE"}
	]}`)
	require.NoError(t, engine.Refresh(ctx))

	resp, err := engine.EvaluateVariant(ctx, matchingRequest("flag1"))
	require.NoError(t, err)
	assert.Equal(t, "FLAG_DISABLED_EVALUATION_REASON", resp.Reason)

	flags, err := engine.ListFlags(ctx)
	require.NoError(t, err)
	assert.Len(t, flags, 1)
	assert.Equal(t, `"v2"`, engine.Stats().Version)
}

// TestEngine_Deterministic tests that the same request always gets the same
// answer
func TestEngine_Deterministic(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)
	ctx := context.Background()

	enabled := 0
	for i := 0; i < 200; i++ {
		req := NewRequest("flag_boolean", fmt.Sprintf("entity-%d", i))

		first, err := engine.EvaluateBoolean(ctx, req)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			again, err := engine.EvaluateBoolean(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, first.Enabled, again.Enabled)
			assert.Equal(t, first.Reason, again.Reason)
		}
		if first.Enabled {
			enabled++
		}
	}

	// 50% threshold rollout
	assert.InDelta(t, 100, enabled, 40)
}

// TestEngine_ConcurrentEvaluation tests evaluation racing with refreshes
func TestEngine_ConcurrentEvaluation(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				resp, err := engine.EvaluateVariant(ctx, matchingRequest("flag1"))
				if assert.NoError(t, err) {
					assert.Equal(t, "variant1", resp.VariantKey)
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		assert.NoError(t, engine.Refresh(ctx))
	}
	wg.Wait()
}

// TestEngine_Authentication tests that credentials and the reference reach
// the server
func TestEngine_Authentication(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want string
	}{
		{"client token", WithClientToken("secret"), "Bearer secret"},
		{"jwt", WithJWT("token"), "JWT token"},
		{"basic", WithBasicAuth("user", "pass"), "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewMockFliptServer(t)
			newTestEngine(t, server, tt.opt, WithReference("main"))

			header := server.LastHeader()
			assert.Equal(t, tt.want, header.Get("Authorization"))
			assert.Equal(t, "main", header.Get("X-Flipt-Reference"))
		})
	}
}

// TestEngine_SnapshotDir tests serving the persisted snapshot when the
// server is down at startup
func TestEngine_SnapshotDir(t *testing.T) {
	dir := t.TempDir()
	server := NewMockFliptServer(t)

	first := newTestEngine(t, server, WithSnapshotDir(dir))
	require.True(t, first.Ready())
	require.NoError(t, first.Close())

	server.SetFailing(true)
	second := newTestEngine(t, server, WithSnapshotDir(dir))
	require.True(t, second.Ready(), "snapshot should be loaded from disk")

	resp, err := second.EvaluateVariant(context.Background(), matchingRequest("flag1"))
	require.NoError(t, err)
	assert.Equal(t, "variant1", resp.VariantKey)
}

// TestEngine_Streaming tests the NDJSON streaming fetch mode
func TestEngine_Streaming(t *testing.T) {
	server := NewMockFliptServer(t)
	engine := newTestEngine(t, server, WithFetchMode(FetchModeStreaming))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.WaitReady(ctx))

	resp, err := engine.EvaluateBoolean(context.Background(), matchingRequest("flag_boolean"))
	require.NoError(t, err)
	assert.True(t, resp.Enabled)

	stats := engine.Stats()
	assert.Equal(t, "streaming", stats.FetchMode)
	assert.Equal(t, 0, server.Requests(), "streaming should not poll")
}

// TestEngine_Telemetry tests that evaluations are recorded as metrics
func TestEngine_Telemetry(t *testing.T) {
	server := NewMockFliptServer(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	engine := newTestEngine(t, server, WithOpenTelemetry(mp, nil))

	_, err := engine.EvaluateVariant(context.Background(), matchingRequest("flag1"))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["fliptengine.evaluations"])
	assert.True(t, names["fliptengine.refresh"])
}

// TestErrorHelpers tests the error predicates on wrapped errors
func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("evaluate: %w", ErrNotReady)
	assert.True(t, IsNotReady(wrapped))
	assert.False(t, IsNotReady(errors.New("other")))

	assert.True(t, IsNotFound(&NotFoundError{Resource: "flag", Key: "x"}))
	assert.True(t, IsConfigError(fmt.Errorf("new: %w", &ConfigError{Field: "url"})))
	assert.False(t, IsNetworkError(ErrClosed))
}

// regexSnapshot serves one variant flag whose segment holds n distinct
// matches constraints, so every evaluation compiles programs
func regexSnapshot(n int) string {
	var constraints strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			constraints.WriteString(",")
		}
		fmt.Fprintf(&constraints,
			`{"type":"STRING_COMPARISON_TYPE","property":"email","operator":"matches","value":"^user%d@example\\.com$"}`, i)
	}

	return fmt.Sprintf(`{
  "namespace": {"key": "default"},
  "flags": [{
    "key": "regex_flag",
    "enabled": true,
    "type": "VARIANT_FLAG_TYPE",
    "rules": [{
      "id": "r1",
      "rank": 1,
      "segmentOperator": "OR_SEGMENT_OPERATOR",
      "segments": [{"key": "emails", "matchType": "ANY_MATCH_TYPE", "constraints": [%s]}],
      "distributions": [{"rollout": 100, "variant": {"key": "on"}}]
    }]
  }]
}`, constraints.String())
}

func TestEngine_CloseWaitsForEvaluations(t *testing.T) {
	server := NewMockFliptServer(t)
	server.SetSnapshot(`"regex"`, regexSnapshot(200))

	for round := 0; round < 10; round++ {
		engine := newTestEngine(t, server)
		require.True(t, engine.Ready())

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				req := NewRequest("regex_flag", fmt.Sprintf("entity-%d", g)).
					WithContext("email", "nobody@example.com")
				for {
					_, err := engine.EvaluateVariant(context.Background(), req)
					if errors.Is(err, ErrClosed) {
						return
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}(g)
		}

		require.NoError(t, engine.Close())
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
	}
}
