package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
	"github.com/OrlandoBitencourt/fliptengine/internal/fetcher"
)

// Mode selects how the scheduler learns about new snapshots
type Mode int

const (
	ModePolling Mode = iota
	ModeStreaming
)

// String returns string representation of mode
func (m Mode) String() string {
	switch m {
	case ModePolling:
		return "polling"
	case ModeStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config holds scheduler configuration
type Config struct {
	Namespace string
	Mode      Mode

	// Interval between polls. Unused when streaming.
	Interval time.Duration

	// InitialTimeout bounds how long Start waits for the first snapshot
	InitialTimeout time.Duration

	// FetchTimeout bounds each background poll
	FetchTimeout time.Duration

	Breaker circuit.Config
	Logger  *slog.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Namespace:      "default",
		Mode:           ModePolling,
		Interval:       120 * time.Second,
		InitialTimeout: 10 * time.Second,
		FetchTimeout:   30 * time.Second,
		Breaker:        circuit.DefaultConfig(),
		Logger:         slog.Default(),
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Namespace == "" {
		return domain.NewConfigError("namespace", "must not be empty")
	}
	if c.Mode == ModePolling && c.Interval <= 0 {
		return domain.NewConfigError("update_interval", "must be positive")
	}
	if c.InitialTimeout <= 0 {
		return domain.NewConfigError("initial_timeout", "must be positive")
	}
	if c.FetchTimeout <= 0 {
		return domain.NewConfigError("fetch_timeout", "must be positive")
	}
	return nil
}

// Poller fetches a full snapshot, honoring the etag of the current one
type Poller interface {
	Fetch(ctx context.Context, etag string) (*fetcher.PollResult, error)
}

// Streamer pushes snapshot updates to handle until ctx is cancelled
type Streamer interface {
	Run(ctx context.Context, handle fetcher.Handler) error
}

// StreamerFactory builds a Streamer that reports its connection lifecycle
// to the scheduler through hooks
type StreamerFactory func(hooks fetcher.StreamHooks) (Streamer, error)

// Persister keeps the last good snapshot across restarts
type Persister interface {
	Save(ctx context.Context, snap *domain.Snapshot) error
	Load(ctx context.Context, namespace string) (*domain.Snapshot, error)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPoller sets the polling fetcher. Manual refreshes use it in both modes.
func WithPoller(p Poller) Option {
	return func(s *Scheduler) {
		s.poller = p
	}
}

// WithStreamer sets the factory for the streaming fetcher
func WithStreamer(f StreamerFactory) Option {
	return func(s *Scheduler) {
		s.newStreamer = f
	}
}

// WithPersister enables saving every committed snapshot and seeding the store
// from it when the initial fetch fails
func WithPersister(p Persister) Option {
	return func(s *Scheduler) {
		s.disk = p
	}
}

// WithObserver sets the observability collaborator
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}
