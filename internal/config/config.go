// Package config loads the flipt-evald daemon configuration from
// FLIPTENGINE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix prefixes every environment variable
	EnvPrefix = "FLIPTENGINE"

	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"
)

// Config holds the complete daemon configuration.
type Config struct {
	App      AppConfig      `envconfig:"APP"`
	Flipt    FliptConfig    `envconfig:"FLIPT"`
	Server   ServerConfig   `envconfig:"SERVER"`
	Snapshot SnapshotConfig `envconfig:"SNAPSHOT"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"flipt-evald"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s" validate:"gt=0"`
}

// FliptConfig describes the upstream Flipt server.
type FliptConfig struct {
	URL            string        `envconfig:"URL" default:"http://localhost:8080" validate:"required,url"`
	Namespace      string        `envconfig:"NAMESPACE" default:"default" validate:"required"`
	Reference      string        `envconfig:"REFERENCE"`
	FetchMode      string        `envconfig:"FETCH_MODE" default:"polling" validate:"oneof=polling streaming"`
	UpdateInterval time.Duration `envconfig:"UPDATE_INTERVAL" default:"120s" validate:"gt=0"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s" validate:"gt=0"`
	InitialTimeout time.Duration `envconfig:"INITIAL_TIMEOUT" default:"10s" validate:"gt=0"`

	// At most one credential may be set
	ClientToken string `envconfig:"CLIENT_TOKEN"`
	JWTToken    string `envconfig:"JWT_TOKEN"`
	Username    string `envconfig:"USERNAME" validate:"required_with=Password"`
	Password    string `envconfig:"PASSWORD" validate:"required_with=Username"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr          string        `envconfig:"ADDR" default:":8090" validate:"required"`
	ReadTimeout   time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET"`
	RefreshPerSec float64       `envconfig:"REFRESH_PER_SEC" default:"1" validate:"gt=0"`
	RefreshBurst  int           `envconfig:"REFRESH_BURST" default:"3" validate:"gte=1"`
	MaxBatchSize  int           `envconfig:"MAX_BATCH_SIZE" default:"1000" validate:"gte=1"`
}

// SnapshotConfig controls persistence of the last good snapshot.
type SnapshotConfig struct {
	Dir string `envconfig:"DIR"`
}

// Load reads configuration from environment variables with the FLIPTENGINE
// prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration using go-playground/validator.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if err := c.Flipt.Validate(); err != nil {
		return err
	}

	if c.App.Environment == EnvironmentProduction && c.Server.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required in production")
	}

	return nil
}

// Validate checks what struct tags cannot express.
func (f *FliptConfig) Validate() error {
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("flipt url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws", "wss":
		if f.FetchMode != "streaming" {
			return fmt.Errorf("flipt url scheme %q requires streaming fetch mode", u.Scheme)
		}
	default:
		return fmt.Errorf("flipt url has unsupported scheme %q", u.Scheme)
	}

	strategies := 0
	for _, set := range []bool{f.ClientToken != "", f.JWTToken != "", f.Username != ""} {
		if set {
			strategies++
		}
	}
	if strategies > 1 {
		return fmt.Errorf("only one of client token, jwt token or basic auth may be set")
	}

	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("flipt_url", c.Flipt.URL),
		slog.String("namespace", c.Flipt.Namespace),
		slog.String("fetch_mode", c.Flipt.FetchMode),
		slog.Duration("update_interval", c.Flipt.UpdateInterval),
		slog.Bool("authenticated", c.Flipt.ClientToken != "" || c.Flipt.JWTToken != "" || c.Flipt.Username != ""),
		slog.String("addr", c.Server.Addr),
		slog.Bool("webhook_signed", c.Server.WebhookSecret != ""),
		slog.Bool("snapshot_persisted", c.Snapshot.Dir != ""),
	)
}
