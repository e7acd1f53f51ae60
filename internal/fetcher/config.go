package fetcher

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	snapshotPath = "/internal/v1/evaluation/snapshot/namespace/"
	streamPath   = "/internal/v1/evaluation/snapshots/stream"

	referenceHeader = "X-Flipt-Reference"
	userAgent       = "fliptengine"
)

// Config holds the settings shared by the poller and the streamer
type Config struct {
	URL       string
	Namespace string
	Reference string
	Auth      Authentication

	// RequestTimeout bounds one polling request. Streams are bounded by
	// their context instead.
	RequestTimeout time.Duration

	// MaxRetries is the number of extra attempts on retryable poll failures
	MaxRetries uint

	// HTTPClient overrides the client used for requests
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:8080",
		Namespace:      "default",
		Auth:           NoAuth{},
		RequestTimeout: 10 * time.Second,
		MaxRetries:     2,
		Logger:         slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Auth == nil {
		c.Auth = def.Auth
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

func (c Config) baseURL() string {
	return strings.TrimRight(c.URL, "/")
}

// withReference adds the reference query parameter when one is configured
func (c Config) withReference(raw string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if c.Reference != "" {
		q.Set("reference", c.Reference)
	}
	if len(q) == 0 {
		return raw
	}
	return raw + "?" + q.Encode()
}

// decorate sets the headers every request carries
func (c Config) decorate(h http.Header) {
	h.Set("User-Agent", userAgent)
	if c.Reference != "" {
		h.Set(referenceHeader, c.Reference)
	}
	c.Auth.Apply(h)
}
