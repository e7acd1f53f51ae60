package fliptengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// Handle refers to an Engine created through Create. It is an opaque
// integer so it can cross a language boundary unchanged.
type Handle uint64

// ErrInvalidHandle is returned for a handle that was never created or has
// already been destroyed.
var ErrInvalidHandle = errors.New("invalid engine handle")

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Response is the envelope every JSON boundary function returns.
type Response struct {
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

var engines = struct {
	sync.RWMutex
	next atomic.Uint64
	m    map[Handle]*Engine
}{m: make(map[Handle]*Engine)}

// Create builds an Engine from JSON-encoded ClientOptions and registers it
// under a new handle. Empty options select the defaults.
func Create(namespace string, optionsJSON []byte) (Handle, error) {
	opts, err := ParseClientOptions(optionsJSON)
	if err != nil {
		return 0, err
	}

	engine, err := New(context.Background(), namespace, WithClientOptions(opts))
	if err != nil {
		return 0, err
	}

	h := Handle(engines.next.Add(1))
	engines.Lock()
	engines.m[h] = engine
	engines.Unlock()

	return h, nil
}

// Destroy closes the engine behind h and releases the handle. Destroying a
// handle twice returns ErrInvalidHandle.
func Destroy(h Handle) error {
	engines.Lock()
	engine, ok := engines.m[h]
	delete(engines.m, h)
	engines.Unlock()

	if !ok {
		return ErrInvalidHandle
	}
	return engine.Close()
}

func lookup(h Handle) (*Engine, error) {
	engines.RLock()
	defer engines.RUnlock()

	engine, ok := engines.m[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return engine, nil
}

// EvaluateVariantJSON evaluates a JSON-encoded EvaluationRequest and returns
// the JSON envelope with a VariantEvaluationResponse.
func EvaluateVariantJSON(h Handle, request []byte) []byte {
	return respond(h, func(ctx context.Context, e *Engine) (any, error) {
		var req EvaluationRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		return e.EvaluateVariant(ctx, req)
	})
}

// EvaluateBooleanJSON evaluates a JSON-encoded EvaluationRequest and returns
// the JSON envelope with a BooleanEvaluationResponse.
func EvaluateBooleanJSON(h Handle, request []byte) []byte {
	return respond(h, func(ctx context.Context, e *Engine) (any, error) {
		var req EvaluationRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		return e.EvaluateBoolean(ctx, req)
	})
}

// EvaluateBatchJSON evaluates a JSON array of EvaluationRequest and returns
// the JSON envelope with a BatchEvaluationResponse.
func EvaluateBatchJSON(h Handle, requests []byte) []byte {
	return respond(h, func(ctx context.Context, e *Engine) (any, error) {
		var reqs []EvaluationRequest
		if err := json.Unmarshal(requests, &reqs); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		return e.EvaluateBatch(ctx, reqs)
	})
}

// ListFlagsJSON returns the JSON envelope with the flags of the current
// snapshot.
func ListFlagsJSON(h Handle) []byte {
	return respond(h, func(ctx context.Context, e *Engine) (any, error) {
		return e.ListFlags(ctx)
	})
}

func respond(h Handle, fn func(context.Context, *Engine) (any, error)) []byte {
	var resp Response

	engine, err := lookup(h)
	if err == nil {
		var result any
		result, err = fn(context.Background(), engine)
		resp.Result = result
	}

	if err != nil {
		resp = Response{Status: statusFailure, ErrorMessage: err.Error()}
	} else {
		resp.Status = statusSuccess
	}

	out, err := json.Marshal(resp)
	if err != nil {
		// the envelope of a failure only carries strings
		out, _ = json.Marshal(Response{Status: statusFailure, ErrorMessage: err.Error()})
	}
	return out
}
