// Package refresh keeps the snapshot store up to date, either by polling on a
// timer or by applying pushed stream updates.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
	"github.com/OrlandoBitencourt/fliptengine/internal/fetcher"
	"github.com/OrlandoBitencourt/fliptengine/internal/storage"
)

// State is the scheduler's position in its refresh cycle
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateCommitting
	StateBackoff
	StateStopped
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrStopped is returned by operations on a stopped scheduler
var ErrStopped = errors.New("refresh scheduler stopped")

// Scheduler is the only writer of the snapshot store. Evaluation never waits
// on it: a failed or slow refresh leaves the previous snapshot serving.
type Scheduler struct {
	cfg      Config
	store    *storage.Store
	logger   *slog.Logger
	observer Observer

	poller      Poller
	newStreamer StreamerFactory
	streamer    Streamer
	disk        Persister
	breaker     *circuit.Breaker

	group singleflight.Group

	// commitMu serializes read-apply-commit so a patch never applies to a
	// snapshot that is being replaced
	commitMu sync.Mutex

	state     atomic.Int32
	connected atomic.Bool
	started   atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	mu                  sync.Mutex
	etag                string
	lastAttempt         time.Time
	lastSuccess         time.Time
	lastError           error
	consecutiveFailures int
	refreshes           uint64
	failures            uint64

	// runCtx parents every shared fetch so one caller giving up does not
	// cancel the fetch for the others
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	stopOnce sync.Once
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	State               State
	Mode                Mode
	ETag                string
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
	Refreshes           uint64
	Failures            uint64
	StreamConnected     bool
	Circuit             circuit.Stats
}

// New creates a scheduler that commits into store
func New(store *storage.Store, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, domain.NewConfigError("store", "is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		logger:   cfg.Logger.With("component", "refresh", "namespace", cfg.Namespace),
		observer: noopObserver{},
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch cfg.Mode {
	case ModePolling:
		if s.poller == nil {
			return nil, domain.NewConfigError("fetch_mode", "polling requires a poller")
		}
	case ModeStreaming:
		if s.newStreamer == nil {
			return nil, domain.NewConfigError("fetch_mode", "streaming requires a streamer")
		}
		streamer, err := s.newStreamer(fetcher.StreamHooks{
			OnConnect:    s.streamConnected,
			OnDisconnect: s.streamDisconnected,
		})
		if err != nil {
			return nil, err
		}
		s.streamer = streamer
	default:
		return nil, domain.NewConfigError("fetch_mode", fmt.Sprintf("unknown mode %d", cfg.Mode))
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = domain.IsNetworkError
	breakerCfg.OnStateChange = s.circuitChanged
	s.breaker = circuit.New(breakerCfg)

	return s, nil
}

// Start performs the initial fetch, waiting at most InitialTimeout, and then
// launches the background loop.
//
// A failed initial fetch is not an error: the store is seeded from disk when
// a persister is configured, otherwise it stays not ready until a later
// refresh succeeds.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.State() == StateStopped {
		return ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("refresh scheduler already started")
	}

	// the loop outlives the caller's context and ends with Stop
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.runCtx = runCtx
	s.mu.Unlock()
	s.cancel = cancel

	switch s.cfg.Mode {
	case ModeStreaming:
		s.wg.Go(func() { s.runStream(runCtx) })
		s.awaitStream(ctx)

	default:
		loadCtx, cancelLoad := context.WithTimeout(ctx, s.cfg.InitialTimeout)
		err := s.refresh(loadCtx, TriggerInitial)
		cancelLoad()
		if err != nil {
			s.logger.Warn("initial snapshot fetch failed", "error", err)
			s.loadFromDisk(ctx)
		}
		s.wg.Go(func() { s.pollLoop(runCtx) })
	}

	return nil
}

// Refresh fetches a full snapshot now. Concurrent calls, and a background
// poll already in flight, share a single fetch.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if s.State() == StateStopped {
		return ErrStopped
	}
	if s.poller == nil {
		return domain.NewConfigError("fetch_mode", "manual refresh requires a poller")
	}
	return s.refresh(ctx, TriggerManual)
}

// Stop cancels the background loop, closes any open stream and waits for
// them to exit. The store keeps its last snapshot.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		old := State(s.state.Swap(int32(StateStopped)))
		if old != StateStopped {
			s.observer.StateChanged(old, StateStopped)
		}

		// joins a shared fetch still in flight, a no-op otherwise
		s.group.Do("refresh", func() (any, error) { return nil, nil })
		s.logger.Debug("refresh scheduler stopped")
	})
}

// Ready returns a channel closed once the first snapshot is committed
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// State returns the current state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// CircuitState returns the state of the breaker gating polls
func (s *Scheduler) CircuitState() circuit.State {
	return s.breaker.State()
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		State:               s.State(),
		Mode:                s.cfg.Mode,
		ETag:                s.etag,
		LastAttempt:         s.lastAttempt,
		LastSuccess:         s.lastSuccess,
		ConsecutiveFailures: s.consecutiveFailures,
		Refreshes:           s.refreshes,
		Failures:            s.failures,
		StreamConnected:     s.connected.Load(),
		Circuit:             s.breaker.Stats(),
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

//
// ----------------------
// Polling
// ----------------------
//

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.refresh(ctx, TriggerTick)
		}
	}
}

// refresh joins or starts the shared fetch and waits for it until ctx is
// done. The fetch itself runs on the scheduler's context, bounded by
// FetchTimeout, and keeps going for the other callers when ctx ends.
func (s *Scheduler) refresh(ctx context.Context, trigger Trigger) error {
	ch := s.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(s.baseContext(), s.cfg.FetchTimeout)
		defer cancel()
		return nil, s.poll(fetchCtx, trigger)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Scheduler) poll(ctx context.Context, trigger Trigger) error {
	start := time.Now()

	s.mu.Lock()
	etag := s.etag
	s.lastAttempt = start
	s.mu.Unlock()

	// an open circuit skips the fetch and leaves the state in backoff
	var res *fetcher.PollResult
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		s.setState(StateFetching)
		var err error
		res, err = s.poller.Fetch(ctx, etag)
		return err
	})
	if err != nil {
		s.fail(ctx, Event{Trigger: trigger, Duration: time.Since(start), Err: err})
		return err
	}

	if res.NotModified {
		s.succeed(ctx, Event{
			Trigger:  trigger,
			Outcome:  OutcomeNotModified,
			Version:  etag,
			Duration: time.Since(start),
		})
		return nil
	}

	if err := s.commit(ctx, res.Snapshot, res.ETag); err != nil {
		s.fail(ctx, Event{Trigger: trigger, Duration: time.Since(start), Err: err})
		return err
	}

	s.succeed(ctx, Event{
		Trigger:  trigger,
		Outcome:  OutcomeCommitted,
		Version:  res.Snapshot.Version(),
		Flags:    res.Snapshot.Len(),
		Duration: time.Since(start),
	})
	return nil
}

//
// ----------------------
// Streaming
// ----------------------
//

func (s *Scheduler) runStream(ctx context.Context) {
	s.setState(StateFetching)

	err := s.streamer.Run(ctx, func(msg fetcher.Message) error {
		return s.apply(ctx, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("snapshot stream stopped", "error", err)
	}
}

// awaitStream blocks until the stream delivers its first snapshot or the
// initial timeout elapses
func (s *Scheduler) awaitStream(ctx context.Context) {
	timer := time.NewTimer(s.cfg.InitialTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return
	case <-timer.C:
		s.logger.Warn("no snapshot received from stream before initial timeout",
			"timeout", s.cfg.InitialTimeout)
	case <-ctx.Done():
	}
	s.loadFromDisk(ctx)
}

func (s *Scheduler) apply(ctx context.Context, msg fetcher.Message) error {
	start := time.Now()

	s.mu.Lock()
	s.lastAttempt = start
	s.mu.Unlock()

	var next *domain.Snapshot
	switch msg.Type {
	case fetcher.MessageSnapshot:
		next = msg.Snapshot

	case fetcher.MessagePatch:
		s.commitMu.Lock()
		current, err := s.store.Get()
		if err == nil {
			next, err = current.Apply(*msg.Patch)
		}
		s.commitMu.Unlock()

		if err != nil {
			err = fmt.Errorf("apply patch %s: %w", msg.Version, err)
			s.fail(ctx, Event{Trigger: TriggerStream, Version: msg.Version, Duration: time.Since(start), Err: err})
			return err
		}
	}

	if err := s.commit(ctx, next, ""); err != nil {
		s.fail(ctx, Event{Trigger: TriggerStream, Version: msg.Version, Duration: time.Since(start), Err: err})
		return err
	}

	s.succeed(ctx, Event{
		Trigger:  TriggerStream,
		Outcome:  OutcomeCommitted,
		Version:  next.Version(),
		Flags:    next.Len(),
		Duration: time.Since(start),
	})
	return nil
}

func (s *Scheduler) streamConnected() {
	s.connected.Store(true)
	s.setState(StateIdle)
	s.observer.StreamConnected()
}

func (s *Scheduler) streamDisconnected(err error) {
	s.connected.Store(false)
	s.setState(StateBackoff)
	s.observer.StreamDisconnected(err)
}

//
// ----------------------
// Commit & disk
// ----------------------
//

func (s *Scheduler) commit(ctx context.Context, snap *domain.Snapshot, etag string) error {
	if snap == nil {
		return domain.NewMalformedSnapshotError(s.cfg.Namespace, "empty snapshot", nil)
	}
	if snap.Namespace() != s.cfg.Namespace {
		return domain.NewMalformedSnapshotError(s.cfg.Namespace,
			fmt.Sprintf("snapshot belongs to namespace %q", snap.Namespace()), nil)
	}
	if etag == "" {
		etag = snap.Version()
	}

	s.setState(StateCommitting)

	s.commitMu.Lock()
	err := s.store.Commit(snap)
	s.commitMu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.etag = etag
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })

	if s.disk != nil {
		if err := s.disk.Save(ctx, snap); err != nil {
			s.logger.Warn("failed to persist snapshot", "version", snap.Version(), "error", err)
		}
	}
	return nil
}

// loadFromDisk seeds the store with the persisted snapshot. It never
// replaces a snapshot that arrived in the meantime.
func (s *Scheduler) loadFromDisk(ctx context.Context) {
	if s.disk == nil || s.store.Ready() {
		return
	}

	start := time.Now()
	snap, err := s.disk.Load(ctx, s.cfg.Namespace)
	if err != nil {
		if errors.Is(err, storage.ErrNoSnapshot) {
			s.logger.Warn("no persisted snapshot available, engine not ready")
		} else {
			s.logger.Error("failed to load persisted snapshot", "error", err)
		}
		return
	}

	s.commitMu.Lock()
	if s.store.Ready() {
		s.commitMu.Unlock()
		return
	}
	err = s.store.Commit(snap)
	s.commitMu.Unlock()
	if err != nil {
		s.logger.Error("failed to commit persisted snapshot", "error", err)
		return
	}

	s.mu.Lock()
	s.etag = snap.Version()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("serving persisted snapshot", "version", snap.Version(), "flags", snap.Len())
	s.observer.RefreshCompleted(ctx, Event{
		Namespace: s.cfg.Namespace,
		Trigger:   TriggerDisk,
		Outcome:   OutcomeCommitted,
		Version:   snap.Version(),
		Flags:     snap.Len(),
		Duration:  time.Since(start),
	})
}

//
// ----------------------
// Bookkeeping
// ----------------------
//

func (s *Scheduler) succeed(ctx context.Context, ev Event) {
	ev.Namespace = s.cfg.Namespace

	s.mu.Lock()
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.lastError = nil
	s.refreshes++
	s.mu.Unlock()

	s.setState(StateIdle)
	s.logger.Debug("snapshot refreshed",
		"trigger", ev.Trigger, "outcome", ev.Outcome, "version", ev.Version, "flags", ev.Flags)
	s.observer.RefreshCompleted(ctx, ev)
}

func (s *Scheduler) fail(ctx context.Context, ev Event) {
	ev.Namespace = s.cfg.Namespace
	ev.Outcome = OutcomeFailed
	if circuit.IsCircuitOpen(ev.Err) {
		ev.Outcome = OutcomeSkipped
	}

	s.mu.Lock()
	s.lastError = ev.Err
	if ev.Outcome == OutcomeFailed {
		s.consecutiveFailures++
		s.failures++
	}
	failures := s.consecutiveFailures
	s.mu.Unlock()

	s.setState(StateBackoff)

	switch {
	case ev.Outcome == OutcomeSkipped:
		s.logger.Debug("refresh skipped, circuit open", "trigger", ev.Trigger)
	case domain.IsMalformedSnapshot(ev.Err):
		s.logger.Error("rejected malformed snapshot, keeping previous",
			"trigger", ev.Trigger, "error", ev.Err)
	default:
		s.logger.Warn("snapshot refresh failed, keeping previous",
			"trigger", ev.Trigger, "consecutive_failures", failures, "error", ev.Err)
	}
	s.observer.RefreshCompleted(ctx, ev)
}

// setState moves to next unless the scheduler has stopped
func (s *Scheduler) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped || State(cur) == next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.observer.StateChanged(State(cur), next)
			return
		}
	}
}

func (s *Scheduler) circuitChanged(from, to circuit.State) {
	s.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	s.observer.CircuitChanged(from, to)
}
