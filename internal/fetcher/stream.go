package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

const (
	// maxMessageSize caps one stream message, which can carry a full snapshot
	maxMessageSize = 32 << 20

	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
)

// MessageType tells whether a stream message replaces or patches the snapshot
type MessageType int

const (
	MessageSnapshot MessageType = iota
	MessagePatch
)

// Message is a decoded stream update
type Message struct {
	Type     MessageType
	Version  string
	Snapshot *domain.Snapshot
	Patch    *domain.Patch
}

// Handler consumes stream messages. Returning an error drops the connection;
// the server resends a full snapshot on the next one.
type Handler func(Message) error

// StreamHooks observe the connection lifecycle
type StreamHooks struct {
	OnConnect    func()
	OnDisconnect func(err error)
}

// StreamConfig configures the streaming fetcher
type StreamConfig struct {
	Config

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Hooks          StreamHooks
}

// Streamer keeps one long-lived connection open and reconnects with capped,
// jittered exponential backoff when it drops
type Streamer struct {
	cfg        StreamConfig
	httpClient *http.Client
	transport  transport
}

// transport opens one stream session
type transport interface {
	open(ctx context.Context) (messageReader, error)
}

// messageReader yields raw messages until the connection ends
type messageReader interface {
	next(ctx context.Context) ([]byte, error)
	close() error
}

// NewStreamer creates a streaming fetcher. ws:// and wss:// URLs use a
// websocket; http:// and https:// URLs use a newline-delimited JSON response.
func NewStreamer(cfg StreamConfig) (*Streamer, error) {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	client := cfg.HTTPClient
	if client == nil {
		// no overall timeout: the response body stays open for the stream's lifetime
		client = &http.Client{}
	}

	s := &Streamer{cfg: cfg, httpClient: client}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, domain.NewConfigError("url", err.Error())
	}
	switch u.Scheme {
	case "ws", "wss":
		s.transport = &wsTransport{s: s}
	case "http", "https":
		s.transport = &ndjsonTransport{s: s}
	default:
		return nil, domain.NewConfigError("url", fmt.Sprintf("unsupported scheme %q for streaming", u.Scheme))
	}

	return s, nil
}

// URL returns the stream endpoint for the configured namespace
func (s *Streamer) URL() string {
	return s.cfg.withReference(s.cfg.baseURL()+streamPath, url.Values{"namespace": {s.cfg.Namespace}})
}

// Run streams until ctx is cancelled, reconnecting as needed. It returns
// ctx.Err() once the context is done.
func (s *Streamer) Run(ctx context.Context, handle Handler) error {
	b := s.newBackOff()

	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			b.Reset()
		}
		if s.cfg.Hooks.OnDisconnect != nil {
			s.cfg.Hooks.OnDisconnect(err)
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.cfg.MaxBackoff
		}
		s.cfg.Logger.Info("snapshot stream disconnected, reconnecting",
			"namespace", s.cfg.Namespace, "error", err, "backoff", sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// session runs one connection. connected reports whether a message was
// received, which resets the reconnect backoff.
func (s *Streamer) session(ctx context.Context, handle Handler) (connected bool, err error) {
	r, err := s.transport.open(ctx)
	if err != nil {
		return false, err
	}
	defer r.close()

	if s.cfg.Hooks.OnConnect != nil {
		s.cfg.Hooks.OnConnect()
	}

	for {
		data, err := r.next(ctx)
		if err != nil {
			return connected, err
		}

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}

		msg, err := decodeMessage(s.cfg.Namespace, data)
		if err != nil {
			return connected, err
		}
		connected = true

		if err := handle(msg); err != nil {
			return connected, err
		}
	}
}

func (s *Streamer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Reset()
	return b
}

func (s *Streamer) header() http.Header {
	h := http.Header{}
	s.cfg.decorate(h)
	return h
}

func decodeMessage(namespace string, data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, domain.NewMalformedSnapshotError(namespace, "failed to decode stream message", err)
	}

	switch wire.Type {
	case messageTypeSnapshot:
		snap, err := snapshotToDomain(namespace, wire.Version, wire.Snapshot)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageSnapshot, Version: wire.Version, Snapshot: snap}, nil

	case messageTypePatch:
		if wire.Patch == nil {
			return Message{}, domain.NewMalformedSnapshotError(namespace, "patch message without patch", nil)
		}
		patch := patchToDomain(wire.Version, wire.Patch)
		return Message{Type: MessagePatch, Version: wire.Version, Patch: &patch}, nil

	default:
		return Message{}, domain.NewMalformedSnapshotError(namespace,
			fmt.Sprintf("unknown stream message type %q", wire.Type), nil)
	}
}

// -----------------------------
// NDJSON over HTTP
// -----------------------------

type ndjsonTransport struct {
	s *Streamer
}

func (t *ndjsonTransport) open(ctx context.Context) (messageReader, error) {
	target := t.s.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.NewConfigError("url", err.Error())
	}
	req.Header = t.s.header()
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := t.s.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(http.MethodGet, target, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, domain.NewNetworkError(http.MethodGet, target, resp.StatusCode,
			fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	return &ndjsonReader{body: resp.Body, scanner: scanner, url: target}, nil
}

type ndjsonReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	url     string
}

func (r *ndjsonReader) next(ctx context.Context) ([]byte, error) {
	if r.scanner.Scan() {
		return r.scanner.Bytes(), nil
	}
	err := r.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, domain.NewNetworkError("STREAM", r.url, 0, err)
}

func (r *ndjsonReader) close() error {
	return r.body.Close()
}

// -----------------------------
// WebSocket
// -----------------------------

type wsTransport struct {
	s *Streamer
}

func (t *wsTransport) open(ctx context.Context) (messageReader, error) {
	target := t.s.URL()

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: t.s.httpClient,
		HTTPHeader: t.s.header(),
	})
	if err != nil {
		return nil, domain.NewNetworkError("DIAL", target, 0, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsReader{conn: conn, url: target}, nil
}

type wsReader struct {
	conn *websocket.Conn
	url  string
}

func (r *wsReader) next(ctx context.Context) ([]byte, error) {
	_, data, err := r.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = io.EOF
		}
		return nil, domain.NewNetworkError("STREAM", r.url, 0, err)
	}
	return data, nil
}

func (r *wsReader) close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}
