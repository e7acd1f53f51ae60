package fliptengine

import (
	"time"

	"github.com/goccy/go-json"
)

// EvaluationRequest identifies the flag and entity to evaluate.
type EvaluationRequest struct {
	// FlagKey is the key of the flag to evaluate
	FlagKey string `json:"flag_key"`

	// EntityID identifies the entity being evaluated and drives bucketing
	// (e.g., user ID, account ID, device ID)
	EntityID string `json:"entity_id"`

	// Context is matched against segment constraints
	// (e.g., country, tier, app version)
	Context map[string]string `json:"context,omitempty"`
}

// NewRequest creates an evaluation request for the given flag and entity.
func NewRequest(flagKey, entityID string) EvaluationRequest {
	return EvaluationRequest{
		FlagKey:  flagKey,
		EntityID: entityID,
		Context:  make(map[string]string),
	}
}

// WithContext adds a context attribute to the request (fluent interface).
func (r EvaluationRequest) WithContext(key, value string) EvaluationRequest {
	if r.Context == nil {
		r.Context = make(map[string]string)
	}
	r.Context[key] = value
	return r
}

// VariantEvaluationResponse is the result of evaluating a variant flag.
type VariantEvaluationResponse struct {
	Match       bool     `json:"match"`
	SegmentKeys []string `json:"segmentKeys"`
	Reason      string   `json:"reason"`
	FlagKey     string   `json:"flagKey"`
	VariantKey  string   `json:"variantKey"`

	// VariantAttachment is the variant's JSON attachment, verbatim
	VariantAttachment string `json:"variantAttachment"`

	RequestID             string    `json:"requestId"`
	RequestDurationMillis float64   `json:"requestDurationMillis"`
	Timestamp             time.Time `json:"timestamp"`
}

// GetString returns a string value from the variant attachment.
func (r *VariantEvaluationResponse) GetString(key string, defaultVal string) string {
	raw, ok := r.attachment()[key]
	if !ok {
		return defaultVal
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return defaultVal
	}

	return v
}

// GetInt returns an integer value from the variant attachment.
func (r *VariantEvaluationResponse) GetInt(key string, defaultVal int) int {
	raw, ok := r.attachment()[key]
	if !ok {
		return defaultVal
	}

	var v int
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}

	// Try float64 (JSON default)
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}

	return defaultVal
}

func (r *VariantEvaluationResponse) attachment() map[string]json.RawMessage {
	if r.VariantAttachment == "" {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(r.VariantAttachment), &m); err != nil {
		return nil
	}
	return m
}

// BooleanEvaluationResponse is the result of evaluating a boolean flag.
type BooleanEvaluationResponse struct {
	Enabled bool   `json:"enabled"`
	FlagKey string `json:"flagKey"`
	Reason  string `json:"reason"`

	RequestID             string    `json:"requestId"`
	RequestDurationMillis float64   `json:"requestDurationMillis"`
	Timestamp             time.Time `json:"timestamp"`
}

// ErrorEvaluationResponse describes one failed item of a batch.
type ErrorEvaluationResponse struct {
	FlagKey      string `json:"flagKey"`
	NamespaceKey string `json:"namespaceKey"`
	Reason       string `json:"reason"`
}

// ResponseType tags which member of an EvaluationResponse is set.
type ResponseType string

const (
	ResponseTypeVariant ResponseType = "VARIANT_EVALUATION_RESPONSE_TYPE"
	ResponseTypeBoolean ResponseType = "BOOLEAN_EVALUATION_RESPONSE_TYPE"
	ResponseTypeError   ResponseType = "ERROR_EVALUATION_RESPONSE_TYPE"
)

// EvaluationResponse is one item of a batch response. Exactly one of the
// pointers is set, according to Type.
type EvaluationResponse struct {
	Type    ResponseType               `json:"type"`
	Variant *VariantEvaluationResponse `json:"variantEvaluationResponse,omitempty"`
	Boolean *BooleanEvaluationResponse `json:"booleanEvaluationResponse,omitempty"`
	Error   *ErrorEvaluationResponse   `json:"errorEvaluationResponse,omitempty"`
}

// BatchEvaluationResponse holds one response per request, in request order.
type BatchEvaluationResponse struct {
	Responses             []EvaluationResponse `json:"responses"`
	RequestID             string               `json:"requestId"`
	RequestDurationMillis float64              `json:"requestDurationMillis"`
}

// Flag is the listing view of a flag.
type Flag struct {
	Key         string `json:"key"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Type        string `json:"type"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Namespace string `json:"namespace"`
	Ready     bool   `json:"ready"`
	FetchMode string `json:"fetch_mode"`

	// Snapshot
	Version    string    `json:"version,omitempty"`
	FlagCount  int       `json:"flag_count"`
	LastCommit time.Time `json:"last_commit,omitempty"`

	// Refresh
	RefreshState        string    `json:"refresh_state"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Refreshes           uint64    `json:"refreshes"`
	Failures            uint64    `json:"failures"`
	StreamConnected     bool      `json:"stream_connected"`
	CircuitState        string    `json:"circuit_state"`

	// Evaluations rejected because no snapshot was loaded
	NotReady uint64 `json:"not_ready"`
}
