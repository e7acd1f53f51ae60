package fliptengine

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/OrlandoBitencourt/fliptengine/internal/fetcher"
)

// Option configures an Engine.
type Option func(*engineConfig) error

// engineConfig holds internal configuration.
type engineConfig struct {
	url       string
	auth      fetcher.Authentication
	reference string
	fetchMode FetchMode

	updateInterval time.Duration
	requestTimeout time.Duration
	initialTimeout time.Duration
	maxRetries     uint

	circuitThreshold int
	circuitTimeout   time.Duration

	streamInitialBackoff time.Duration
	streamMaxBackoff     time.Duration

	httpClient       *http.Client
	snapshotDir      string
	programCacheSize int64
	logger           *slog.Logger

	telemetryEnabled bool
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		url:                  "http://localhost:8080",
		auth:                 fetcher.NoAuth{},
		fetchMode:            FetchModePolling,
		updateInterval:       120 * time.Second,
		requestTimeout:       10 * time.Second,
		initialTimeout:       10 * time.Second,
		maxRetries:           2,
		circuitThreshold:     3,
		circuitTimeout:       30 * time.Second,
		streamInitialBackoff: time.Second,
		streamMaxBackoff:     time.Minute,
		programCacheSize:     1000,
		logger:               slog.Default(),
	}
}

// validate checks the configuration eagerly so that New fails before any
// network activity.
func (c *engineConfig) validate() error {
	u, err := url.Parse(c.url)
	if err != nil {
		return &ConfigError{Field: "url", Message: err.Error()}
	}
	if u.Host == "" {
		return &ConfigError{Field: "url", Message: fmt.Sprintf("missing host in %q", c.url)}
	}

	switch c.fetchMode {
	case FetchModePolling:
		if u.Scheme != "http" && u.Scheme != "https" {
			return &ConfigError{Field: "url", Message: fmt.Sprintf("unsupported scheme %q for polling", u.Scheme)}
		}
	case FetchModeStreaming:
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return &ConfigError{Field: "url", Message: fmt.Sprintf("unsupported scheme %q for streaming", u.Scheme)}
		}
	default:
		return &ConfigError{Field: "fetch_mode", Message: fmt.Sprintf("must be %q or %q, got %q", FetchModePolling, FetchModeStreaming, c.fetchMode)}
	}

	if c.updateInterval <= 0 {
		return &ConfigError{Field: "update_interval", Message: "must be positive"}
	}
	if c.requestTimeout <= 0 {
		return &ConfigError{Field: "request_timeout", Message: "must be positive"}
	}
	if c.initialTimeout <= 0 {
		return &ConfigError{Field: "initial_timeout", Message: "must be positive"}
	}
	if c.circuitThreshold < 1 {
		return &ConfigError{Field: "circuit_breaker", Message: "threshold must be at least 1"}
	}
	if c.streamMaxBackoff < c.streamInitialBackoff {
		return &ConfigError{Field: "stream_backoff", Message: "max must not be below initial"}
	}
	return nil
}

// pollURL is the HTTP form of the configured URL. Manual refreshes poll even
// when the engine streams over a websocket.
func (c *engineConfig) pollURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

// WithURL sets the Flipt server URL.
// Default: http://localhost:8080
func WithURL(rawURL string) Option {
	return func(c *engineConfig) error {
		if rawURL == "" {
			return &ConfigError{Field: "url", Message: "cannot be empty"}
		}
		c.url = rawURL
		return nil
	}
}

// WithClientToken authenticates with a static client token.
func WithClientToken(token string) Option {
	return func(c *engineConfig) error {
		if token == "" {
			return &ConfigError{Field: "authentication", Message: "client token cannot be empty"}
		}
		c.auth = fetcher.ClientToken{Token: token}
		return nil
	}
}

// WithJWT authenticates with a JSON web token.
func WithJWT(token string) Option {
	return func(c *engineConfig) error {
		if token == "" {
			return &ConfigError{Field: "authentication", Message: "jwt token cannot be empty"}
		}
		c.auth = fetcher.JWT{Token: token}
		return nil
	}
}

// WithBasicAuth authenticates with a username and password.
func WithBasicAuth(username, password string) Option {
	return func(c *engineConfig) error {
		if username == "" || password == "" {
			return &ConfigError{Field: "authentication", Message: "username and password are both required"}
		}
		c.auth = fetcher.Basic{Username: username, Password: password}
		return nil
	}
}

// WithReference evaluates against a named reference such as a branch or tag.
func WithReference(reference string) Option {
	return func(c *engineConfig) error {
		c.reference = reference
		return nil
	}
}

// WithFetchMode chooses between polling and streaming.
// Default: polling
func WithFetchMode(mode FetchMode) Option {
	return func(c *engineConfig) error {
		c.fetchMode = mode
		return nil
	}
}

// WithUpdateInterval sets how often to poll for a new snapshot.
// Default: 120 seconds
//
// Example: fliptengine.WithUpdateInterval(30 * time.Second)
func WithUpdateInterval(interval time.Duration) Option {
	return func(c *engineConfig) error {
		c.updateInterval = interval
		return nil
	}
}

// WithRequestTimeout sets the timeout of one snapshot request.
// Default: 10 seconds
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *engineConfig) error {
		c.requestTimeout = timeout
		return nil
	}
}

// WithInitialTimeout sets how long New waits for the first snapshot.
// Default: 10 seconds
func WithInitialTimeout(timeout time.Duration) Option {
	return func(c *engineConfig) error {
		c.initialTimeout = timeout
		return nil
	}
}

// WithMaxRetries sets how many times a failed poll is retried before the
// refresh counts as failed.
// Default: 2
func WithMaxRetries(n uint) Option {
	return func(c *engineConfig) error {
		c.maxRetries = n
		return nil
	}
}

// WithCircuitBreaker configures the breaker that pauses polling after
// consecutive network failures.
//
// Example: fliptengine.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *engineConfig) error {
		c.circuitThreshold = threshold
		c.circuitTimeout = timeout
		return nil
	}
}

// WithStreamBackoff bounds the reconnect delay of a dropped stream.
// Default: 1 second initial, 60 seconds max
func WithStreamBackoff(initial, maxBackoff time.Duration) Option {
	return func(c *engineConfig) error {
		c.streamInitialBackoff = initial
		c.streamMaxBackoff = maxBackoff
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for fetching and streaming.
func WithHTTPClient(client *http.Client) Option {
	return func(c *engineConfig) error {
		c.httpClient = client
		return nil
	}
}

// WithSnapshotDir persists every committed snapshot under dir and serves the
// persisted one when the initial fetch fails.
func WithSnapshotDir(dir string) Option {
	return func(c *engineConfig) error {
		if dir == "" {
			return &ConfigError{Field: "snapshot_dir", Message: "cannot be empty"}
		}
		c.snapshotDir = dir
		return nil
	}
}

// WithProgramCacheSize bounds how many compiled `matches` expressions are
// kept between evaluations.
// Default: 1000
func WithProgramCacheSize(n int64) Option {
	return func(c *engineConfig) error {
		if n <= 0 {
			return &ConfigError{Field: "program_cache_size", Message: "must be positive"}
		}
		c.programCacheSize = n
		return nil
	}
}

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithOpenTelemetry records metrics and spans with the given providers.
// Nil providers fall back to the global ones.
func WithOpenTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(c *engineConfig) error {
		c.telemetryEnabled = true
		c.meterProvider = mp
		c.tracerProvider = tp
		return nil
	}
}

// WithClientOptions applies a serialized ClientOptions.
// This is an alternative to using individual options.
func WithClientOptions(opts ClientOptions) Option {
	return func(c *engineConfig) error {
		options, err := opts.toOptions()
		if err != nil {
			return err
		}
		for _, opt := range options {
			if err := opt(c); err != nil {
				return err
			}
		}
		return nil
	}
}
