package guard

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestMonitor(mc MonitorConfig) *Monitor {
	return NewDefaultMonitor(mc, nil, log.NewStdLogger(os.Stdout))
}

func TestMonitorProtectSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(DefaultMonitorConfig())
	m.Start()
	defer m.Stop()

	var calls atomic.Int32
	value, err := m.Protect(context.Background(), "skill-a", succeedingOp(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		return len(m.Collector().History("skill.skill-a.latency_ms", 0)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorProtectRateLimiterRunsFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Limiter = LimiterConfig{Capacity: 1, RefillRate: 0.001}
	m := newTestMonitor(mc)
	m.Start()
	defer m.Stop()

	ctx := context.Background()
	var calls atomic.Int32
	_, err := m.Protect(ctx, "skill-a", succeedingOp(&calls))
	require.NoError(t, err)

	// The second call is shed before the breaker or the operation see
	// it. No fallback applies to load shedding.
	_, err = m.Protect(ctx, "skill-a", succeedingOp(&calls), func(context.Context, error) (any, error) {
		t.Fatal("fallback must not run for rate limit denials")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, int32(1), calls.Load())

	// A denied call leaves no breaker failure behind.
	assert.Equal(t, BreakerClosed, m.Breaker().State("skill-a"))
}

func TestMonitorProtectBreakerFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Breaker = BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	m := newTestMonitor(mc)
	m.Start()
	defer m.Stop()

	ctx := context.Background()
	var calls atomic.Int32
	_, err := m.Protect(ctx, "skill-a", failingOp(&calls))
	require.Error(t, err)

	value, err := m.Protect(ctx, "skill-a", failingOp(&calls), func(_ context.Context, cause error) (any, error) {
		assert.ErrorIs(t, cause, ErrBreakerOpen)
		return "cached", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitorCircuitOpenRaisesAlertAndHeals(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Breaker = BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	m := newTestMonitor(mc)

	var healed atomic.Int32
	m.RegisterHealer(ActionResetBreaker, func(_ context.Context, targetKey string) error {
		assert.Equal(t, "skill-a", targetKey)
		healed.Add(1)
		return nil
	})
	ch := &captureChannel{name: "capture"}
	m.RegisterAlertChannel(ch)

	m.Start()
	defer m.Stop()

	var calls atomic.Int32
	_, _ = m.Protect(context.Background(), "skill-a", failingOp(&calls))

	require.Eventually(t, func() bool {
		return healed.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, alert := range ch.delivered() {
			if alert.Source == "breaker" && alert.Severity == SeverityCritical {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorWatchdogUnresponsiveHeals(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(DefaultMonitorConfig())

	var healed atomic.Int32
	m.RegisterHealer(ActionRestartTarget, func(_ context.Context, targetKey string) error {
		assert.Equal(t, "worker", targetKey)
		healed.Add(1)
		return nil
	})

	m.Start()
	defer m.Stop()

	m.Watch("worker", WatchdogTargetConfig{Interval: 15 * time.Millisecond, MaxMissed: 2})

	require.Eventually(t, func() bool {
		return healed.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorAnomalyRaisesAlert(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Detector = DetectorConfig{WindowSize: 100, MinSamples: 10, Sensitivity: 2.0, Cooldown: time.Minute}
	m := newTestMonitor(mc)

	ch := &captureChannel{name: "capture"}
	m.RegisterAlertChannel(ch)

	m.Start()
	defer m.Stop()

	pattern := []float64{9, 10, 11}
	for i := 0; i < 30; i++ {
		m.Record("db.latency_ms", pattern[i%len(pattern)])
	}
	m.Record("db.latency_ms", 500)

	require.Eventually(t, func() bool {
		for _, alert := range ch.delivered() {
			if alert.Source == "anomaly" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Breaker = BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	m := newTestMonitor(mc)
	m.Start()
	defer m.Stop()

	status := m.Status()
	assert.Equal(t, 100, status.HealthScore)

	var calls atomic.Int32
	_, _ = m.Protect(context.Background(), "skill-a", failingOp(&calls))

	status = m.Status()
	assert.Equal(t, 80, status.HealthScore)
	require.Len(t, status.Breakers, 1)
	assert.Equal(t, "OPEN", status.Breakers[0].State)
}

func TestMonitorHeartbeatDelegation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(DefaultMonitorConfig())
	m.Start()
	defer m.Stop()

	m.Watch("worker", WatchdogTargetConfig{Interval: time.Hour, MaxMissed: 3})
	m.Heartbeat("worker")

	status, ok := m.Watchdog().Status("worker")
	require.True(t, ok)
	assert.Equal(t, WatchdogHealthy, status)

	m.Unwatch("worker")
	_, ok = m.Watchdog().Status("worker")
	assert.False(t, ok)
}

func TestMonitorProtectOperationFailurePropagates(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(DefaultMonitorConfig())
	m.Start()
	defer m.Stop()

	wantErr := errors.New("backend down")
	_, err := m.Protect(context.Background(), "skill-a", func(context.Context) (any, error) {
		return nil, wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	var opErr *OperationError
	assert.ErrorAs(t, err, &opErr)
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(DefaultMonitorConfig())
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}

// blockingChannel stalls alert delivery until released, signalling when
// the first send arrives.
type blockingChannel struct {
	release chan struct{}
	started chan struct{}
}

func (c *blockingChannel) Name() string { return "slow" }

func (c *blockingChannel) Send(ctx context.Context, _ Alert) error {
	select {
	case c.started <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return nil
}

func TestMonitorDetectorSeesEverySampleUnderSlowAlertChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := DefaultMonitorConfig()
	mc.Breaker = BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	m := newTestMonitor(mc)

	ch := &blockingChannel{release: make(chan struct{}), started: make(chan struct{}, 1)}
	m.RegisterAlertChannel(ch)

	m.Start()
	defer m.Stop()

	// Open a circuit so the event pump is stuck delivering the critical
	// alert to the slow channel.
	var calls atomic.Int32
	_, err := m.Protect(context.Background(), "skill-a", failingOp(&calls))
	require.Error(t, err)
	select {
	case <-ch.started:
	case <-time.After(time.Second):
		t.Fatal("expected the alert channel to receive a send")
	}

	// Samples recorded while the pump is stalled must all reach the
	// detector; its feed does not go through the pump's buffer.
	for i := 0; i < 600; i++ {
		m.Record("queue.depth", 5)
	}
	stats, ok := m.Detector().Stats("queue.depth")
	require.True(t, ok)
	assert.Equal(t, 600, stats.Count)

	close(ch.release)
}
