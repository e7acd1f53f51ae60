package fliptengine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

const snapshotPrefix = "/internal/v1/evaluation/snapshot/namespace/"

// testSnapshot holds a variant flag and a boolean flag that both target
// segment1 (fizz == buzz)
const testSnapshot = `{
  "namespace": {"key": "default"},
  "flags": [
    {
      "key": "flag1",
      "name": "Flag One",
      "description": "variant flag",
      "enabled": true,
      "type": "VARIANT_FLAG_TYPE",
      "rules": [
        {
          "id": "rule1",
          "rank": 1,
          "segmentOperator": "OR_SEGMENT_OPERATOR",
          "segments": [
            {
              "key": "segment1",
              "matchType": "ANY_MATCH_TYPE",
              "constraints": [
                {"type": "STRING_COMPARISON_TYPE", "property": "fizz", "operator": "eq", "value": "buzz"}
              ]
            }
          ],
          "distributions": [
            {"rollout": 100, "variant": {"key": "variant1", "attachment": "{\"name\":\"v1\",\"limit\":25}"}}
          ]
        }
      ]
    },
    {
      "key": "flag_boolean",
      "name": "Flag Boolean",
      "enabled": true,
      "type": "BOOLEAN_FLAG_TYPE",
      "rollouts": [
        {
          "type": "SEGMENT_ROLLOUT_TYPE",
          "rank": 1,
          "segment": {
            "value": true,
            "segments": [
              {
                "key": "segment1",
                "matchType": "ANY_MATCH_TYPE",
                "constraints": [
                  {"type": "STRING_COMPARISON_TYPE", "property": "fizz", "operator": "eq", "value": "buzz"}
                ]
              }
            ]
          }
        },
        {"type": "THRESHOLD_ROLLOUT_TYPE", "rank": 2, "threshold": {"percentage": 50, "value": true}}
      ]
    }
  ]
}`

// MockFliptServer is a fake Flipt server for testing. It serves the snapshot
// endpoint with etags and the NDJSON stream endpoint.
type MockFliptServer struct {
	*httptest.Server

	mu       sync.RWMutex
	snapshot string
	etag     string

	failing  atomic.Bool
	requests atomic.Int32
	header   atomic.Value
}

// NewMockFliptServer creates a server serving testSnapshot under etag "v1"
func NewMockFliptServer(t *testing.T) *MockFliptServer {
	t.Helper()

	mock := &MockFliptServer{snapshot: testSnapshot, etag: `"v1"`}
	mock.header.Store(http.Header{})

	mux := http.NewServeMux()

	// GET /internal/v1/evaluation/snapshot/namespace/:ns
	mux.HandleFunc(snapshotPrefix, func(w http.ResponseWriter, r *http.Request) {
		mock.requests.Add(1)
		mock.header.Store(r.Header.Clone())

		if mock.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		ns := strings.TrimPrefix(r.URL.Path, snapshotPrefix)
		if ns != "default" {
			http.Error(w, "namespace not found", http.StatusNotFound)
			return
		}

		mock.mu.RLock()
		defer mock.mu.RUnlock()

		if r.Header.Get("If-None-Match") == mock.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", mock.etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(mock.snapshot))
	})

	// GET /internal/v1/evaluation/snapshots/stream
	mux.HandleFunc("/internal/v1/evaluation/snapshots/stream", func(w http.ResponseWriter, r *http.Request) {
		if mock.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		mock.mu.RLock()
		line := streamLine(t, mock.etag, mock.snapshot)
		mock.mu.RUnlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write(line)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		<-r.Context().Done()
	})

	mock.Server = httptest.NewServer(mux)
	t.Cleanup(mock.Close)

	return mock
}

// SetSnapshot replaces the served snapshot
func (m *MockFliptServer) SetSnapshot(etag, snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etag = etag
	m.snapshot = snapshot
}

// SetFailing makes every request fail with 503
func (m *MockFliptServer) SetFailing(failing bool) {
	m.failing.Store(failing)
}

// Requests returns the number of snapshot requests served
func (m *MockFliptServer) Requests() int {
	return int(m.requests.Load())
}

// LastHeader returns the headers of the latest snapshot request
func (m *MockFliptServer) LastHeader() http.Header {
	return m.header.Load().(http.Header)
}

func streamLine(t *testing.T, version, snapshot string) []byte {
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(snapshot)); err != nil {
		t.Errorf("compact snapshot: %v", err)
		return nil
	}
	return []byte(fmt.Sprintf(`{"type":"snapshot","version":%q,"snapshot":%s}`+"\n", version, compact.String()))
}

// newTestEngine creates an engine against server with fast failure settings
func newTestEngine(t *testing.T, server *MockFliptServer, opts ...Option) *Engine {
	t.Helper()

	base := []Option{
		WithURL(server.URL),
		WithMaxRetries(0),
		WithInitialTimeout(2 * time.Second),
		WithRequestTimeout(time.Second),
		WithUpdateInterval(time.Hour),
	}

	engine, err := New(context.Background(), "default", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return engine
}

func matchingRequest(flagKey string) EvaluationRequest {
	return NewRequest(flagKey, "entity").WithContext("fizz", "buzz")
}
