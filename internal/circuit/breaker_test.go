package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(cfg)
	b.now = clock.Now
	b.lastStateChange = clock.Now()
	return b, clock
}

func fail(context.Context) error { return errUpstream }
func succeed(context.Context) error { return nil }

func TestNew(t *testing.T) {
	breaker := New(Config{})

	assert.NotNil(t, breaker)
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 3, breaker.maxFailures)
	assert.Equal(t, 30*time.Second, breaker.timeout)
}

func TestBreaker_ClosedState(t *testing.T) {
	breaker, _ := newTestBreaker(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.NoError(t, breaker.Call(ctx, succeed))
		assert.Equal(t, StateClosed, breaker.State())
	}

	stats := breaker.Stats()
	assert.Equal(t, int64(10), stats.TotalRequests)
	assert.Equal(t, int64(10), stats.TotalSuccesses)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	breaker, _ := newTestBreaker(DefaultConfig())
	ctx := context.Background()

	// a success in between resets the count
	breaker.Call(ctx, fail)
	breaker.Call(ctx, fail)
	breaker.Call(ctx, succeed)
	breaker.Call(ctx, fail)
	assert.Equal(t, StateClosed, breaker.State())

	breaker.Call(ctx, fail)
	breaker.Call(ctx, fail)
	assert.Equal(t, StateOpen, breaker.State())

	called := false
	err := breaker.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitOpen(err))
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, int64(1), breaker.Stats().TotalRejections)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 2
	cfg.Timeout = time.Minute
	breaker, clock := newTestBreaker(cfg)
	ctx := context.Background()

	breaker.Call(ctx, fail)
	breaker.Call(ctx, fail)
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(59 * time.Second)
	assert.True(t, IsCircuitOpen(breaker.Call(ctx, succeed)))

	clock.Advance(time.Second)

	// only one probe may run while half-open
	require.NoError(t, breaker.Allow())
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.True(t, IsCircuitOpen(breaker.Allow()))

	breaker.Record(nil)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	cfg.Timeout = time.Second
	breaker, clock := newTestBreaker(cfg)
	ctx := context.Background()

	breaker.Call(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, breaker.Call(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, breaker.State())

	// the open period restarts from the failed probe
	clock.Advance(500 * time.Millisecond)
	assert.True(t, IsCircuitOpen(breaker.Call(ctx, succeed)))
}

func TestBreaker_SuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	cfg.SuccessThreshold = 2
	cfg.Timeout = time.Second
	breaker, clock := newTestBreaker(cfg)
	ctx := context.Background()

	breaker.Call(ctx, fail)
	clock.Advance(time.Second)

	require.NoError(t, breaker.Call(ctx, succeed))
	assert.Equal(t, StateHalfOpen, breaker.State())

	require.NoError(t, breaker.Call(ctx, succeed))
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	errMalformed := errors.New("malformed payload")

	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	cfg.IsFailure = func(err error) bool { return errors.Is(err, errUpstream) }
	breaker, _ := newTestBreaker(cfg)
	ctx := context.Background()

	err := breaker.Call(ctx, func(context.Context) error { return errMalformed })
	assert.ErrorIs(t, err, errMalformed)
	assert.Equal(t, StateClosed, breaker.State())

	breaker.Call(ctx, fail)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreaker_CancelledCallDoesNotCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	breaker, _ := newTestBreaker(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := breaker.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, int64(0), breaker.Stats().TotalFailures)
}

func TestBreaker_Reset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 2
	breaker, _ := newTestBreaker(cfg)
	ctx := context.Background()

	breaker.Call(ctx, fail)
	breaker.Call(ctx, fail)
	assert.Equal(t, StateOpen, breaker.State())

	breaker.Reset()

	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 0, breaker.Stats().Failures)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var changes []string

	cfg := DefaultConfig()
	cfg.MaxFailures = 2
	cfg.Timeout = time.Second
	cfg.OnStateChange = func(from, to State) {
		changes = append(changes, from.String()+" -> "+to.String())
	}

	breaker, clock := newTestBreaker(cfg)
	ctx := context.Background()

	breaker.Call(ctx, fail)
	breaker.Call(ctx, fail)
	clock.Advance(time.Second)
	breaker.Call(ctx, succeed)

	assert.Equal(t, []string{
		"closed -> open",
		"open -> half-open",
		"half-open -> closed",
	}, changes)
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 10
	breaker := New(cfg)
	ctx := context.Background()

	concurrency := 100
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			breaker.Call(ctx, func(context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	stats := breaker.Stats()
	assert.Equal(t, int64(concurrency), stats.TotalRequests)
	assert.Equal(t, int64(concurrency), stats.TotalSuccesses)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestCircuitOpenError(t *testing.T) {
	err := &CircuitOpenError{
		State:    StateOpen,
		Failures: 3,
		RetryAt:  time.Now(),
	}

	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, IsCircuitOpen(errors.New("other error")))
}

func BenchmarkBreaker_SuccessfulCall(b *testing.B) {
	breaker := New(DefaultConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		breaker.Call(ctx, succeed)
	}
}
