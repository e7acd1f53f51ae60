package fliptengine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/OrlandoBitencourt/fliptengine/internal/telemetry"
)

type contextKey string

const (
	contextKeyRequest contextKey = "fliptengine_request"
	contextKeyEngine  contextKey = "fliptengine_engine"
)

const (
	// EntityIDHeader carries the entity id of an incoming request
	EntityIDHeader = "X-Entity-ID"

	// EntityIDCookie is consulted when EntityIDHeader is absent
	EntityIDCookie = "entity_id"
)

// credentialHeaders never reach the evaluation context
var credentialHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
}

// errNoEngine is returned by the context helpers outside Engine.Middleware
var errNoEngine = errors.New("fliptengine: engine not found in context")

// Middleware returns an HTTP middleware that stores the engine and an
// evaluation identity derived from the request in the request context.
// Handlers then evaluate flags with BooleanFromContext and
// VariantFromContext.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := e.telemetry.StartSpan(r.Context(), "fliptengine.Middleware")
		defer span.End()

		req := RequestFromHTTP(r)
		span.SetAttributes(telemetry.Bool("entity.present", req.EntityID != ""))

		ctx = context.WithValue(ctx, contextKeyRequest, req)
		ctx = context.WithValue(ctx, contextKeyEngine, e)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestFromHTTP builds an evaluation request template from r. FlagKey is
// left empty. The context carries the client ip, method, path, user agent
// and every header except credentials as header_<lowercased name>.
func RequestFromHTTP(r *http.Request) EvaluationRequest {
	entityID := r.Header.Get(EntityIDHeader)
	if entityID == "" {
		if cookie, err := r.Cookie(EntityIDCookie); err == nil {
			entityID = cookie.Value
		}
	}

	attrs := map[string]string{
		"ip":         clientIP(r),
		"method":     r.Method,
		"path":       r.URL.Path,
		"user_agent": r.UserAgent(),
	}
	for name, values := range r.Header {
		if credentialHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		if len(values) > 0 {
			attrs["header_"+strings.ToLower(name)] = values[0]
		}
	}

	return EvaluationRequest{EntityID: entityID, Context: attrs}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func fromContext(ctx context.Context, flagKey string) (*Engine, EvaluationRequest, error) {
	engine, ok := ctx.Value(contextKeyEngine).(*Engine)
	if !ok {
		return nil, EvaluationRequest{}, errNoEngine
	}

	req, _ := ctx.Value(contextKeyRequest).(EvaluationRequest)
	req.FlagKey = flagKey
	return engine, req, nil
}

// VariantFromContext evaluates a variant flag for the request stored by
// Engine.Middleware.
func VariantFromContext(ctx context.Context, flagKey string) (*VariantEvaluationResponse, error) {
	engine, req, err := fromContext(ctx, flagKey)
	if err != nil {
		return nil, err
	}
	return engine.EvaluateVariant(ctx, req)
}

// BooleanFromContext evaluates a boolean flag for the request stored by
// Engine.Middleware. Any error yields false.
func BooleanFromContext(ctx context.Context, flagKey string) bool {
	engine, req, err := fromContext(ctx, flagKey)
	if err != nil {
		return false
	}

	resp, err := engine.EvaluateBoolean(ctx, req)
	if err != nil {
		return false
	}
	return resp.Enabled
}
