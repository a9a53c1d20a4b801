package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int32

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails every call fast until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single trial call probe the dependency.
	BreakerHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// BreakerConfig tunes one breaker key.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive CLOSED failures that
	// open the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HALF_OPEN trial
	// successes that close the circuit again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays OPEN before allowing a
	// trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig mirrors the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c BreakerConfig) sanitize() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	return c
}

// BreakerStats is a point-in-time stats block for one key, surfaced on
// the status API.
type BreakerStats struct {
	Key            string        `json:"key"`
	State          string        `json:"state"`
	FailureCount   int           `json:"failure_count"`
	SuccessCount   int           `json:"success_count"`
	TotalCalls     uint64        `json:"total_calls"`
	TotalSuccesses uint64        `json:"total_successes"`
	TotalFailures  uint64        `json:"total_failures"`
	RejectedCalls  uint64        `json:"rejected_calls"`
	OpenCount      uint64        `json:"open_count"`
	LastFailureAt  time.Time     `json:"last_failure_at"`
	LastSuccessAt  time.Time     `json:"last_success_at"`
	Config         BreakerConfig `json:"-"`
}

// Operation is a protected call. It must honor ctx cancellation on a
// best-effort basis; a late result is discarded, never double-counted.
type Operation func(ctx context.Context) (any, error)

// Fallback is consulted when a call is short-circuited.
type Fallback func(ctx context.Context, err error) (any, error)

// breakerEntry holds the per-key state machine. All fields are guarded
// by mu; the entry mutex is never held while the operation runs.
type breakerEntry struct {
	mu sync.Mutex

	key           string
	state         BreakerState
	failureCount  int
	successCount  int
	openedAt      time.Time
	trialInFlight bool
	cfg           BreakerConfig

	totalCalls     uint64
	totalSuccesses uint64
	totalFailures  uint64
	rejectedCalls  uint64
	openCount      uint64
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
}

// CircuitBreaker is a registry of per-key breaker state machines.
// Entries are created lazily on first use and evicted least-recently-used
// once maxKeys is exceeded, so high-cardinality keys cannot grow memory
// without bound.
type CircuitBreaker struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *breakerEntry]
	defaults BreakerConfig
	bus      *Bus
	logger   *log.Helper
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker registry. maxKeys bounds the
// number of live keys; zero or negative selects 1024.
func NewCircuitBreaker(defaults BreakerConfig, maxKeys int, bus *Bus, logger log.Logger) *CircuitBreaker {
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	helper := log.NewHelper(logger)
	cache, err := lru.NewWithEvict[string, *breakerEntry](maxKeys, func(key string, _ *breakerEntry) {
		helper.Debugw("msg", "evicted idle circuit breaker entry", "key", key)
	})
	if err != nil {
		// lru only errors on a non-positive size, which is guarded above.
		panic(err)
	}
	return &CircuitBreaker{
		entries:  cache,
		defaults: defaults.sanitize(),
		bus:      bus,
		logger:   helper,
		now:      time.Now,
	}
}

// Configure creates or replaces the configuration for key. The state
// machine position of an existing entry is preserved.
func (cb *CircuitBreaker) Configure(key string, cfg BreakerConfig) {
	e := cb.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg.sanitize()
}

// State returns the current state for key, creating the entry if needed.
// An OPEN entry whose reset timeout has elapsed reports HALF_OPEN.
func (cb *CircuitBreaker) State(key string) BreakerState {
	e := cb.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.maybeHalfOpenLocked(e)
	return e.state
}

// Reset is an explicit admin override: it forces key to CLOSED and
// zeroes the consecutive counters regardless of timers.
func (cb *CircuitBreaker) Reset(key string) {
	e := cb.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.transitionLocked(e, BreakerClosed)
	e.failureCount = 0
	e.successCount = 0
	e.trialInFlight = false
}

// Stats returns the stats block for key, or false if the key was never
// seen (or has been evicted).
func (cb *CircuitBreaker) Stats(key string) (BreakerStats, bool) {
	cb.mu.Lock()
	e, ok := cb.entries.Peek(key)
	cb.mu.Unlock()
	if !ok {
		return BreakerStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cb.statsLocked(e), true
}

// Snapshot returns stats for every live key.
func (cb *CircuitBreaker) Snapshot() []BreakerStats {
	cb.mu.Lock()
	keys := cb.entries.Keys()
	out := make([]BreakerStats, 0, len(keys))
	entries := make([]*breakerEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := cb.entries.Peek(k); ok {
			entries = append(entries, e)
		}
	}
	cb.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cb.statsLocked(e))
		e.mu.Unlock()
	}
	return out
}

// Execute runs op under the breaker for key. When the circuit rejects
// the call, the optional fallback is consulted; otherwise a
// BreakerOpenError is returned and op is never invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, key string, op Operation, fallback ...Fallback) (any, error) {
	e := cb.entry(key)

	isTrial, rejectErr := cb.admit(e)
	if rejectErr != nil {
		if len(fallback) > 0 && fallback[0] != nil {
			return fallback[0](ctx, rejectErr)
		}
		return nil, rejectErr
	}

	value, err := cb.run(ctx, key, op)
	if err != nil {
		cb.onFailure(e, isTrial)
		return nil, err
	}
	cb.onSuccess(e, isTrial)
	return value, nil
}

// admit decides whether a call may proceed. The second return is nil
// when admitted; isTrial marks the single HALF_OPEN probe.
func (cb *CircuitBreaker) admit(e *breakerEntry) (isTrial bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalCalls++
	cb.maybeHalfOpenLocked(e)

	switch e.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		e.rejectedCalls++
		return false, &BreakerOpenError{
			Key:        e.key,
			State:      BreakerOpen,
			RetryAfter: cb.retryAfterLocked(e),
		}
	default: // BreakerHalfOpen
		if e.trialInFlight {
			// A trial is already probing the dependency; treat every
			// other call exactly like OPEN to avoid flooding it.
			e.rejectedCalls++
			return false, &BreakerOpenError{
				Key:        e.key,
				State:      BreakerHalfOpen,
				RetryAfter: 0,
			}
		}
		e.trialInFlight = true
		return true, nil
	}
}

// executionResult carries the outcome of the protected goroutine.
type executionResult struct {
	value any
	err   error
}

// run races op against ctx. Whichever settles first determines the
// outcome; the loser's result is discarded, not merged into state a
// second time.
func (cb *CircuitBreaker) run(ctx context.Context, key string, op Operation) (any, error) {
	resultCh := make(chan executionResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- executionResult{err: fmt.Errorf("panic during protected call: %v", r)}
			}
		}()
		value, err := op(ctx)
		resultCh <- executionResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		// Cancellation of the in-flight call is best-effort; a late
		// result lands in the buffered channel and is dropped.
		return nil, &OperationError{Key: key, Err: fmt.Errorf("%w: %v", ErrOperationTimeout, ctx.Err()), TimedOut: true}
	case res := <-resultCh:
		if res.err != nil {
			return nil, &OperationError{Key: key, Err: res.err}
		}
		return res.value, nil
	}
}

func (cb *CircuitBreaker) onSuccess(e *breakerEntry, isTrial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalSuccesses++
	e.lastSuccessAt = cb.now()

	if isTrial {
		e.trialInFlight = false
	}
	switch e.state {
	case BreakerClosed:
		e.failureCount = 0
	case BreakerHalfOpen:
		e.successCount++
		if e.successCount >= e.cfg.SuccessThreshold {
			cb.transitionLocked(e, BreakerClosed)
			e.failureCount = 0
			e.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure(e *breakerEntry, isTrial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalFailures++
	e.lastFailureAt = cb.now()

	if isTrial {
		e.trialInFlight = false
	}
	switch e.state {
	case BreakerClosed:
		e.failureCount++
		if e.failureCount >= e.cfg.FailureThreshold {
			cb.transitionLocked(e, BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed trial reopens the circuit immediately.
		e.successCount = 0
		cb.transitionLocked(e, BreakerOpen)
	}
}

// maybeHalfOpenLocked moves an OPEN entry whose reset timeout elapsed
// into HALF_OPEN. Caller holds e.mu.
func (cb *CircuitBreaker) maybeHalfOpenLocked(e *breakerEntry) {
	if e.state == BreakerOpen && cb.now().Sub(e.openedAt) >= e.cfg.ResetTimeout {
		cb.transitionLocked(e, BreakerHalfOpen)
	}
}

// retryAfterLocked estimates time until the next trial is permitted.
func (cb *CircuitBreaker) retryAfterLocked(e *breakerEntry) time.Duration {
	remaining := e.cfg.ResetTimeout - cb.now().Sub(e.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// transitionLocked performs a state change and its side effects.
// Caller holds e.mu.
func (cb *CircuitBreaker) transitionLocked(e *breakerEntry, to BreakerState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to

	switch to {
	case BreakerOpen:
		e.openedAt = cb.now()
		e.openCount++
		e.trialInFlight = false
	case BreakerHalfOpen:
		e.successCount = 0
		e.trialInFlight = false
	}

	cb.logger.Infow(
		"msg", "circuit breaker state change",
		"key", e.key,
		"from", from.String(),
		"to", to.String(),
		"failure_count", e.failureCount,
	)
	if cb.bus != nil {
		cb.bus.Publish(CircuitStateChangeEvent{
			Key:       e.key,
			From:      from,
			To:        to,
			Timestamp: cb.now(),
		})
	}
}

// entry returns the state machine for key, creating it lazily with the
// registry defaults.
func (cb *CircuitBreaker) entry(key string) *breakerEntry {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if e, ok := cb.entries.Get(key); ok {
		return e
	}
	e := &breakerEntry{key: key, state: BreakerClosed, cfg: cb.defaults}
	cb.entries.Add(key, e)
	return e
}

func (cb *CircuitBreaker) statsLocked(e *breakerEntry) BreakerStats {
	return BreakerStats{
		Key:            e.key,
		State:          e.state.String(),
		FailureCount:   e.failureCount,
		SuccessCount:   e.successCount,
		TotalCalls:     e.totalCalls,
		TotalSuccesses: e.totalSuccesses,
		TotalFailures:  e.totalFailures,
		RejectedCalls:  e.rejectedCalls,
		OpenCount:      e.openCount,
		LastFailureAt:  e.lastFailureAt,
		LastSuccessAt:  e.lastSuccessAt,
		Config:         e.cfg,
	}
}
