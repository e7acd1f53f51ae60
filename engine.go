// Package fliptengine evaluates Flipt feature flags locally against an
// in-memory snapshot that is kept fresh in the background by polling or
// streaming from a Flipt server.
package fliptengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
	"github.com/OrlandoBitencourt/fliptengine/internal/evaluator"
	"github.com/OrlandoBitencourt/fliptengine/internal/fetcher"
	"github.com/OrlandoBitencourt/fliptengine/internal/refresh"
	"github.com/OrlandoBitencourt/fliptengine/internal/storage"
	"github.com/OrlandoBitencourt/fliptengine/internal/telemetry"
)

// DefaultNamespace is used when New is given an empty namespace.
const DefaultNamespace = "default"

// Engine is the main entry point. It evaluates flags of one namespace
// against the latest snapshot and never blocks on the network to do so.
//
// An Engine is safe for concurrent use.
type Engine struct {
	namespace string
	fetchMode FetchMode
	logger    *slog.Logger

	store     *storage.Store
	evaluator *evaluator.Evaluator
	scheduler *refresh.Scheduler
	disk      *storage.DiskStore
	telemetry telemetry.Provider

	// inflight is read-held by every evaluation so Close can wait for them
	// before releasing the evaluator
	inflight  sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates an engine for namespace and waits, at most the initial
// timeout, for the first snapshot.
//
// Only invalid configuration makes New fail. If the first snapshot cannot
// be fetched the engine is still returned: evaluations report ErrNotReady
// until a later refresh succeeds.
//
// Example:
//
//	engine, err := fliptengine.New(ctx, "production",
//	    fliptengine.WithURL("https://flipt.example.com"),
//	    fliptengine.WithClientToken(os.Getenv("FLIPT_TOKEN")),
//	    fliptengine.WithUpdateInterval(30 * time.Second),
//	)
func New(ctx context.Context, namespace string, opts ...Option) (*Engine, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger.With("namespace", namespace)

	e := &Engine{
		namespace: namespace,
		fetchMode: cfg.fetchMode,
		logger:    logger,
		store:     storage.NewStore(),
		telemetry: telemetry.NewNoOp(),
	}

	if cfg.telemetryEnabled {
		var topts []telemetry.Option
		if cfg.meterProvider != nil {
			topts = append(topts, telemetry.WithMeterProvider(cfg.meterProvider))
		}
		if cfg.tracerProvider != nil {
			topts = append(topts, telemetry.WithTracerProvider(cfg.tracerProvider))
		}
		provider, err := telemetry.NewOTel(topts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.telemetry = provider
	}

	ev, err := evaluator.New(
		evaluator.WithLogger(logger),
		evaluator.WithProgramCacheSize(cfg.programCacheSize),
	)
	if err != nil {
		return nil, err
	}
	e.evaluator = ev

	fetchCfg := fetcher.Config{
		URL:            cfg.pollURL(),
		Namespace:      namespace,
		Reference:      cfg.reference,
		Auth:           cfg.auth,
		RequestTimeout: cfg.requestTimeout,
		MaxRetries:     cfg.maxRetries,
		HTTPClient:     cfg.httpClient,
		Logger:         logger,
	}

	schedOpts := []refresh.Option{
		refresh.WithPoller(fetcher.NewPoller(fetchCfg)),
		refresh.WithObserver(e.telemetry),
	}

	mode := refresh.ModePolling
	if cfg.fetchMode == FetchModeStreaming {
		mode = refresh.ModeStreaming
		streamCfg := fetchCfg
		streamCfg.URL = cfg.url
		schedOpts = append(schedOpts, refresh.WithStreamer(func(hooks fetcher.StreamHooks) (refresh.Streamer, error) {
			s, err := fetcher.NewStreamer(fetcher.StreamConfig{
				Config:         streamCfg,
				InitialBackoff: cfg.streamInitialBackoff,
				MaxBackoff:     cfg.streamMaxBackoff,
				Hooks:          hooks,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		}))
	}

	if cfg.snapshotDir != "" {
		disk, err := storage.NewDiskStore(cfg.snapshotDir)
		if err != nil {
			ev.Close()
			return nil, &ConfigError{Field: "snapshot_dir", Message: err.Error()}
		}
		e.disk = disk
		schedOpts = append(schedOpts, refresh.WithPersister(disk))
	}

	sched, err := refresh.New(e.store, refresh.Config{
		Namespace:      namespace,
		Mode:           mode,
		Interval:       cfg.updateInterval,
		InitialTimeout: cfg.initialTimeout,
		// covers every retry of one poll
		FetchTimeout: cfg.requestTimeout * time.Duration(cfg.maxRetries+2),
		Breaker: circuit.Config{
			MaxFailures: cfg.circuitThreshold,
			Timeout:     cfg.circuitTimeout,
		},
		Logger: logger,
	}, schedOpts...)
	if err != nil {
		e.release()
		return nil, err
	}
	e.scheduler = sched

	if err := sched.Start(ctx); err != nil {
		e.release()
		return nil, err
	}

	logger.Info("engine started",
		"fetch_mode", cfg.fetchMode,
		"ready", e.store.Ready(),
	)

	return e, nil
}

// EvaluateVariant evaluates a variant flag.
//
// Returns ErrNotReady before the first snapshot, a *NotFoundError for an
// unknown flag and a *TypeMismatchError for a boolean flag.
func (e *Engine) EvaluateVariant(ctx context.Context, req EvaluationRequest) (*VariantEvaluationResponse, error) {
	if !e.enter() {
		return nil, ErrClosed
	}
	defer e.inflight.RUnlock()

	start := time.Now()
	ctx, span := e.telemetry.StartSpan(ctx, "fliptengine.EvaluateVariant",
		telemetry.WithAttributes(
			telemetry.String("namespace", e.namespace),
			telemetry.String("flag.key", req.FlagKey),
		))
	defer span.End()

	snap, err := e.snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res, err := e.evaluator.Variant(snap, toDomainRequest(req))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := toVariantResponse(res, start)
	span.SetAttributes(
		telemetry.String("reason", resp.Reason),
		telemetry.String("variant.key", resp.VariantKey),
	)
	e.telemetry.RecordEvaluation(ctx, e.namespace, req.FlagKey, resp.Reason, time.Since(start))

	return resp, nil
}

// EvaluateBoolean evaluates a boolean flag.
//
// Returns ErrNotReady before the first snapshot, a *NotFoundError for an
// unknown flag and a *TypeMismatchError for a variant flag.
func (e *Engine) EvaluateBoolean(ctx context.Context, req EvaluationRequest) (*BooleanEvaluationResponse, error) {
	if !e.enter() {
		return nil, ErrClosed
	}
	defer e.inflight.RUnlock()

	start := time.Now()
	ctx, span := e.telemetry.StartSpan(ctx, "fliptengine.EvaluateBoolean",
		telemetry.WithAttributes(
			telemetry.String("namespace", e.namespace),
			telemetry.String("flag.key", req.FlagKey),
		))
	defer span.End()

	snap, err := e.snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res, err := e.evaluator.Boolean(snap, toDomainRequest(req))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := toBooleanResponse(res, start)
	span.SetAttributes(
		telemetry.String("reason", resp.Reason),
		telemetry.Bool("enabled", resp.Enabled),
	)
	e.telemetry.RecordEvaluation(ctx, e.namespace, req.FlagKey, resp.Reason, time.Since(start))

	return resp, nil
}

// EvaluateBatch evaluates every request against the same snapshot.
//
// Per-request failures such as an unknown flag become error responses in
// place, so the result always has one response per request in request
// order. Only ErrNotReady and ErrClosed fail the whole batch.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []EvaluationRequest) (*BatchEvaluationResponse, error) {
	if !e.enter() {
		return nil, ErrClosed
	}
	defer e.inflight.RUnlock()

	start := time.Now()
	ctx, span := e.telemetry.StartSpan(ctx, "fliptengine.EvaluateBatch",
		telemetry.WithAttributes(
			telemetry.String("namespace", e.namespace),
			telemetry.Int("batch.size", len(reqs)),
		))
	defer span.End()

	snap, err := e.snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	batch := &BatchEvaluationResponse{
		Responses: make([]EvaluationResponse, 0, len(reqs)),
		RequestID: uuid.NewString(),
	}

	for _, req := range reqs {
		itemStart := time.Now()
		res := e.evaluator.Evaluate(snap, toDomainRequest(req))
		item := toEvaluationResponse(res, itemStart)
		batch.Responses = append(batch.Responses, item)

		e.telemetry.RecordEvaluation(ctx, e.namespace, req.FlagKey, item.reason(), time.Since(itemStart))
	}

	elapsed := time.Since(start)
	batch.RequestDurationMillis = millis(elapsed)
	e.telemetry.RecordBatch(ctx, e.namespace, len(reqs), elapsed)

	return batch, nil
}

// ListFlags returns the flags of the current snapshot in snapshot order.
func (e *Engine) ListFlags(ctx context.Context) ([]Flag, error) {
	if !e.enter() {
		return nil, ErrClosed
	}
	defer e.inflight.RUnlock()

	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	flags := snap.Flags()
	out := make([]Flag, len(flags))
	for i, f := range flags {
		out[i] = Flag{
			Key:         f.Key,
			Name:        f.Name,
			Description: f.Description,
			Enabled:     f.Enabled,
			Type:        string(f.Type),
		}
	}
	return out, nil
}

// Ready reports whether a snapshot has been loaded.
func (e *Engine) Ready() bool {
	return e.store.Ready()
}

// WaitReady blocks until a snapshot has been loaded or ctx is done.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.scheduler.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh fetches a new snapshot now. Concurrent calls share one fetch.
// A failed refresh leaves the current snapshot serving.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.scheduler.Refresh(ctx)
}

// Namespace returns the namespace this engine evaluates.
func (e *Engine) Namespace() string {
	return e.namespace
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	store := e.store.Metrics()
	sched := e.scheduler.Stats()

	return Stats{
		Namespace:           e.namespace,
		Ready:               store.HasSnapshot,
		FetchMode:           string(e.fetchMode),
		Version:             store.Version,
		FlagCount:           store.FlagCount,
		LastCommit:          store.LastCommit,
		RefreshState:        sched.State.String(),
		LastSuccess:         sched.LastSuccess,
		LastError:           sched.LastError,
		ConsecutiveFailures: sched.ConsecutiveFailures,
		Refreshes:           sched.Refreshes,
		Failures:            sched.Failures,
		StreamConnected:     sched.StreamConnected,
		CircuitState:        sched.Circuit.State.String(),
		NotReady:            store.NotReady,
	}
}

// Close stops background refresh, waits for running evaluations to finish
// on the snapshot they hold, and releases resources. Evaluations after Close
// return ErrClosed. Calling Close more than once is a no-op.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.scheduler.Stop()

		e.inflight.Lock()
		defer e.inflight.Unlock()
		err = e.release()
		e.logger.Info("engine closed")
	})
	return err
}

// enter registers an evaluation. It reports false once Close has begun;
// otherwise the caller must release the read lock when done.
func (e *Engine) enter() bool {
	e.inflight.RLock()
	if e.closed.Load() {
		e.inflight.RUnlock()
		return false
	}
	return true
}

func (e *Engine) release() error {
	e.evaluator.Close()
	if e.disk != nil {
		if err := e.disk.Close(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.telemetry.Shutdown(ctx)
}

func (e *Engine) snapshot(ctx context.Context) (*domain.Snapshot, error) {
	snap, err := e.store.Get()
	if err != nil {
		e.telemetry.RecordNotReady(ctx, e.namespace)
		return nil, err
	}
	return snap, nil
}
