package guard

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive breaker timers without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(cfg, 0, NewBus(), log.NewStdLogger(os.Stdout))
	cb.now = clock.Now
	return cb, clock
}

var errBoom = errors.New("boom")

func failingOp(counter *atomic.Int32) Operation {
	return func(context.Context) (any, error) {
		counter.Add(1)
		return nil, errBoom
	}
}

func succeedingOp(counter *atomic.Int32) Operation {
	return func(context.Context) (any, error) {
		counter.Add(1)
		return "ok", nil
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Second})

	var calls atomic.Int32
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, "api", failingOp(&calls))
		require.Error(t, err)
		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
	}

	assert.Equal(t, BreakerOpen, cb.State("api"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Second})

	var calls atomic.Int32
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(ctx, "api", failingOp(&calls))
	}

	// Scenario A: the 4th call is rejected without invoking the operation.
	_, err := cb.Execute(ctx, "api", failingOp(&calls))
	require.ErrorIs(t, err, ErrBreakerOpen)
	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "api", openErr.Key)
	assert.Equal(t, int32(3), calls.Load(), "operation must not run while OPEN")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Second})

	var calls atomic.Int32
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(ctx, "api", failingOp(&calls))
	}
	require.Equal(t, BreakerOpen, cb.State("api"))

	// Scenario B: after the reset timeout the next call is the trial and
	// a single success (threshold 1) closes the circuit.
	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State("api"))

	var ok atomic.Int32
	value, err := cb.Execute(ctx, "api", succeedingOp(&ok))
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, BreakerClosed, cb.State("api"))

	stats, found := cb.Stats("api")
	require.True(t, found)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestBreakerSingleTrialWhileHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second})

	ctx := context.Background()
	var calls atomic.Int32
	_, _ = cb.Execute(ctx, "api", failingOp(&calls))
	require.Equal(t, BreakerOpen, cb.State("api"))
	clock.Advance(time.Second)

	// The trial blocks until released; concurrent calls during that
	// window must be rejected like OPEN.
	release := make(chan struct{})
	started := make(chan struct{})
	var invoked atomic.Int32

	done := make(chan error, 1)
	go func() {
		_, err := cb.Execute(ctx, "api", func(context.Context) (any, error) {
			invoked.Add(1)
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()

	<-started
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(ctx, "api", succeedingOp(&invoked))
		require.ErrorIs(t, err, ErrBreakerOpen)
	}
	assert.Equal(t, int32(1), invoked.Load(), "only the trial call may invoke the operation")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerHalfOpen, cb.State("api"), "one success below the threshold keeps HALF_OPEN")

	// Second consecutive trial success closes.
	var ok atomic.Int32
	_, err := cb.Execute(ctx, "api", succeedingOp(&ok))
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, cb.State("api"))
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: time.Second})

	ctx := context.Background()
	var calls atomic.Int32
	_, _ = cb.Execute(ctx, "api", failingOp(&calls))
	clock.Advance(time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State("api"))

	_, err := cb.Execute(ctx, "api", failingOp(&calls))
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State("api"))

	// The reopen restarted the timer: still OPEN before it elapses.
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, BreakerOpen, cb.State("api"))
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, cb.State("api"))
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	blocked := make(chan struct{})
	defer close(blocked)
	_, err := cb.Execute(ctx, "slow", func(ctx context.Context) (any, error) {
		<-blocked
		return "late", nil
	})

	require.Error(t, err)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.True(t, opErr.TimedOut)
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, BreakerOpen, cb.State("slow"))

	stats, _ := cb.Stats("slow")
	assert.Equal(t, uint64(1), stats.TotalFailures, "a timed-out call is counted exactly once")
}

func TestBreakerFallbackOnOpen(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	ctx := context.Background()
	var calls atomic.Int32
	_, _ = cb.Execute(ctx, "api", failingOp(&calls))

	value, err := cb.Execute(ctx, "api", failingOp(&calls), func(_ context.Context, cause error) (any, error) {
		assert.ErrorIs(t, cause, ErrBreakerOpen)
		return "cached", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerResetForcesClosed(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour})

	ctx := context.Background()
	var calls atomic.Int32
	_, _ = cb.Execute(ctx, "api", failingOp(&calls))
	require.Equal(t, BreakerOpen, cb.State("api"))

	cb.Reset("api")
	assert.Equal(t, BreakerClosed, cb.State("api"))

	stats, _ := cb.Stats("api")
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestBreakerConfigurePerKey(t *testing.T) {
	cb, _ := newTestBreaker(DefaultBreakerConfig())
	cb.Configure("fragile", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second})

	ctx := context.Background()
	var calls atomic.Int32
	_, _ = cb.Execute(ctx, "fragile", failingOp(&calls))
	assert.Equal(t, BreakerOpen, cb.State("fragile"))

	// Other keys keep the registry defaults.
	_, _ = cb.Execute(ctx, "sturdy", failingOp(&calls))
	assert.Equal(t, BreakerClosed, cb.State("sturdy"))
}

func TestBreakerPublishesStateChangeEvents(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute}, 0, bus, log.NewStdLogger(os.Stdout))

	var calls atomic.Int32
	_, _ = cb.Execute(context.Background(), "api", failingOp(&calls))

	select {
	case ev := <-events:
		change, ok := ev.(CircuitStateChangeEvent)
		require.True(t, ok)
		assert.Equal(t, "api", change.Key)
		assert.Equal(t, BreakerClosed, change.From)
		assert.Equal(t, BreakerOpen, change.To)
	case <-time.After(time.Second):
		t.Fatal("expected a circuit state change event")
	}
}

func TestBreakerConcurrentClosedCalls(t *testing.T) {
	cb, _ := newTestBreaker(DefaultBreakerConfig())

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cb.Execute(context.Background(), "api", succeedingOp(&calls))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(32), calls.Load())
	stats, _ := cb.Stats("api")
	assert.Equal(t, uint64(32), stats.TotalSuccesses)
}
