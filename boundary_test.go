package fliptengine

import (
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage string          `json:"error_message"`
}

func decodeEnvelope(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createHandle(t *testing.T, server *MockFliptServer) Handle {
	t.Helper()

	opts := fmt.Sprintf(`{"url": %q, "update_interval": 3600}`, server.URL)
	h, err := Create("default", []byte(opts))
	require.NoError(t, err)
	require.NotZero(t, h)
	return h
}

// TestBoundary_EvaluateVariantJSON tests the JSON variant round trip
func TestBoundary_EvaluateVariantJSON(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)
	defer Destroy(h)

	out := EvaluateVariantJSON(h, []byte(`{"flag_key":"flag1","entity_id":"entity","context":{"fizz":"buzz"}}`))
	env := decodeEnvelope(t, out)
	require.Equal(t, "success", env.Status, env.ErrorMessage)

	var resp VariantEvaluationResponse
	require.NoError(t, json.Unmarshal(env.Result, &resp))
	assert.True(t, resp.Match)
	assert.Equal(t, "variant1", resp.VariantKey)
	assert.Equal(t, "flag1", resp.FlagKey)
	assert.Equal(t, []string{"segment1"}, resp.SegmentKeys)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(env.Result, &raw))
	for _, key := range []string{"match", "segmentKeys", "reason", "flagKey", "variantKey", "variantAttachment", "requestDurationMillis", "timestamp"} {
		assert.Contains(t, raw, key)
	}
}

// TestBoundary_EvaluateBooleanJSON tests the JSON boolean round trip
func TestBoundary_EvaluateBooleanJSON(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)
	defer Destroy(h)

	out := EvaluateBooleanJSON(h, []byte(`{"flag_key":"flag_boolean","entity_id":"entity","context":{"fizz":"buzz"}}`))
	env := decodeEnvelope(t, out)
	require.Equal(t, "success", env.Status, env.ErrorMessage)

	var resp BooleanEvaluationResponse
	require.NoError(t, json.Unmarshal(env.Result, &resp))
	assert.True(t, resp.Enabled)
	assert.Equal(t, "MATCH_EVALUATION_REASON", resp.Reason)
}

// TestBoundary_EvaluateBatchJSON tests the JSON batch round trip
func TestBoundary_EvaluateBatchJSON(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)
	defer Destroy(h)

	out := EvaluateBatchJSON(h, []byte(`[
		{"flag_key":"flag1","entity_id":"entity","context":{"fizz":"buzz"}},
		{"flag_key":"notfound","entity_id":"entity"},
		{"flag_key":"flag_boolean","entity_id":"entity","context":{"fizz":"buzz"}}
	]`))
	env := decodeEnvelope(t, out)
	require.Equal(t, "success", env.Status, env.ErrorMessage)

	var resp BatchEvaluationResponse
	require.NoError(t, json.Unmarshal(env.Result, &resp))
	require.Len(t, resp.Responses, 3)
	assert.Equal(t, ResponseTypeVariant, resp.Responses[0].Type)
	assert.Equal(t, ResponseTypeError, resp.Responses[1].Type)
	assert.Equal(t, "NOT_FOUND_ERROR_EVALUATION_REASON", resp.Responses[1].Error.Reason)
	assert.Equal(t, ResponseTypeBoolean, resp.Responses[2].Type)
}

// TestBoundary_ListFlagsJSON tests the JSON flag listing
func TestBoundary_ListFlagsJSON(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)
	defer Destroy(h)

	env := decodeEnvelope(t, ListFlagsJSON(h))
	require.Equal(t, "success", env.Status, env.ErrorMessage)

	var flags []Flag
	require.NoError(t, json.Unmarshal(env.Result, &flags))
	require.Len(t, flags, 2)
	assert.Equal(t, "flag1", flags[0].Key)
	assert.Equal(t, "flag_boolean", flags[1].Key)
}

// TestBoundary_Failures tests failure envelopes
func TestBoundary_Failures(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)
	defer Destroy(h)

	tests := []struct {
		name string
		out  []byte
		want string
	}{
		{"invalid request json", EvaluateVariantJSON(h, []byte(`{"flag_key":`)), "invalid request"},
		{"unknown flag", EvaluateVariantJSON(h, []byte(`{"flag_key":"missing","entity_id":"e"}`)), "not found"},
		{"wrong type", EvaluateBooleanJSON(h, []byte(`{"flag_key":"flag1","entity_id":"e"}`)), "flag1"},
		{"batch not an array", EvaluateBatchJSON(h, []byte(`{}`)), "invalid request"},
		{"unknown handle", ListFlagsJSON(Handle(1 << 62)), ErrInvalidHandle.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := decodeEnvelope(t, tt.out)
			assert.Equal(t, "failure", env.Status)
			assert.Contains(t, env.ErrorMessage, tt.want)
			assert.Empty(t, env.Result)
		})
	}
}

// TestBoundary_Destroy tests that a handle is released exactly once
func TestBoundary_Destroy(t *testing.T) {
	server := NewMockFliptServer(t)
	h := createHandle(t, server)

	require.NoError(t, Destroy(h))
	assert.ErrorIs(t, Destroy(h), ErrInvalidHandle)

	env := decodeEnvelope(t, ListFlagsJSON(h))
	assert.Equal(t, "failure", env.Status)
}

// TestBoundary_CreateInvalidOptions tests option errors at creation
func TestBoundary_CreateInvalidOptions(t *testing.T) {
	tests := []struct {
		name    string
		options string
	}{
		{"malformed json", `{"url":`},
		{"two auth strategies", `{"authentication":{"client_token":"a","jwt_token":"b"}}`},
		{"negative interval", `{"update_interval":-1}`},
		{"unknown fetch mode", `{"fetch_mode":"push"}`},
		{"bad url", `{"url":"not a url"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Create("default", []byte(tt.options))
			require.Error(t, err)
			assert.Zero(t, h)
			assert.True(t, IsConfigError(err), err.Error())
		})
	}
}
