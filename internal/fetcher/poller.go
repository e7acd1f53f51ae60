package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// PollResult is the outcome of one conditional fetch
type PollResult struct {
	// NotModified is set when the server answered 304 for the given etag
	NotModified bool
	ETag        string
	Snapshot    *domain.Snapshot
}

// Poller fetches full snapshots with conditional GET requests
type Poller struct {
	cfg        Config
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

// NewPoller creates a new polling fetcher
func NewPoller(cfg Config) *Poller {
	cfg = cfg.withDefaults()

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Poller{
		cfg:        cfg,
		httpClient: client,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// URL returns the snapshot endpoint for the configured namespace
func (p *Poller) URL() string {
	return p.cfg.withReference(p.cfg.baseURL()+snapshotPath+url.PathEscape(p.cfg.Namespace), nil)
}

// Fetch issues a conditional GET. Retryable failures (transport errors, 429
// and 5xx) are retried with exponential backoff; other failures return at once.
func (p *Poller) Fetch(ctx context.Context, etag string) (*PollResult, error) {
	op := func() (*PollResult, error) {
		res, err := p.fetchOnce(ctx, etag)
		if err == nil {
			return res, nil
		}

		var netErr *domain.NetworkError
		if errors.As(err, &netErr) && netErr.Temporary() && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.cfg.Logger.Debug("retrying snapshot fetch", "error", err, "backoff", next)
		}),
	)
}

func (p *Poller) fetchOnce(ctx context.Context, etag string) (*PollResult, error) {
	target := p.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.NewConfigError("url", err.Error())
	}

	p.cfg.decorate(req.Header)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(http.MethodGet, target, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &PollResult{NotModified: true, ETag: etag}, nil
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, domain.NewNetworkError(http.MethodGet, target, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewNetworkError(http.MethodGet, target, resp.StatusCode,
			fmt.Errorf("unexpected response: %s", truncate(body, 256)))
	}

	var wire wireSnapshot
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, domain.NewMalformedSnapshotError(p.cfg.Namespace, "failed to decode snapshot", err)
	}

	newETag := resp.Header.Get("ETag")
	snap, err := snapshotToDomain(p.cfg.Namespace, newETag, &wire)
	if err != nil {
		return nil, err
	}

	return &PollResult{ETag: newETag, Snapshot: snap}, nil
}

// readBody reads the response, decompressing gzip when the server sent it
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
