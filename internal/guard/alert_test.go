package guard

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureChannel records delivered alerts.
type captureChannel struct {
	mu     sync.Mutex
	name   string
	alerts []Alert
	err    error
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureChannel) delivered() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func newTestAlertManager(cfg AlertConfig) (*AlertManager, *fakeClock) {
	clock := newFakeClock()
	am := NewAlertManager(cfg, NewBus(), log.NewStdLogger(os.Stdout))
	am.now = clock.Now
	return am, clock
}

func TestAlertManagerRaisesAndDelivers(t *testing.T) {
	am, _ := newTestAlertManager(DefaultAlertConfig())
	ch := &captureChannel{name: "capture"}
	am.RegisterChannel(ch)

	alert, ok := am.Raise(context.Background(), SeverityCritical, "breaker", "circuit opened", "breaker:api", map[string]string{"key": "api"})
	require.True(t, ok)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, SeverityCritical, alert.Severity)
	assert.Equal(t, "breaker", alert.Source)

	delivered := ch.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, alert.ID, delivered[0].ID)
}

func TestAlertManagerDedupesWithinCooldown(t *testing.T) {
	am, clock := newTestAlertManager(AlertConfig{Cooldown: 300 * time.Second, HistorySize: 10, SendTimeout: time.Second})
	ch := &captureChannel{name: "capture"}
	am.RegisterChannel(ch)

	ctx := context.Background()
	_, ok := am.Raise(ctx, SeverityWarning, "watchdog", "target degraded", "watchdog:worker", nil)
	require.True(t, ok)

	// Same key inside the cooldown: suppressed, nothing delivered.
	clock.Advance(299 * time.Second)
	_, ok = am.Raise(ctx, SeverityWarning, "watchdog", "target degraded", "watchdog:worker", nil)
	assert.False(t, ok)
	assert.Len(t, ch.delivered(), 1)

	// A different key is unaffected.
	_, ok = am.Raise(ctx, SeverityWarning, "watchdog", "target degraded", "watchdog:other", nil)
	assert.True(t, ok)

	// After the cooldown the original key fires again.
	clock.Advance(2 * time.Second)
	_, ok = am.Raise(ctx, SeverityWarning, "watchdog", "target degraded", "watchdog:worker", nil)
	assert.True(t, ok)

	raised, suppressed := am.Counts()
	assert.Equal(t, uint64(3), raised)
	assert.Equal(t, uint64(1), suppressed)
}

func TestAlertManagerFailingChannelDoesNotBlockOthers(t *testing.T) {
	am, _ := newTestAlertManager(DefaultAlertConfig())
	broken := &captureChannel{name: "broken", err: errors.New("connection refused")}
	working := &captureChannel{name: "working"}
	am.RegisterChannel(broken)
	am.RegisterChannel(working)

	_, ok := am.Raise(context.Background(), SeverityInfo, "healer", "restart succeeded", "heal:worker", nil)
	require.True(t, ok)
	assert.Len(t, working.delivered(), 1)
}

func TestAlertManagerHistoryRing(t *testing.T) {
	am, _ := newTestAlertManager(AlertConfig{Cooldown: time.Second, HistorySize: 3, SendTimeout: time.Second})

	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		_, ok := am.Raise(ctx, SeverityInfo, "test", "msg "+k, k, nil)
		require.True(t, ok)
	}

	history := am.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].DedupeKey)
	assert.Equal(t, "d", history[1].DedupeKey)
	assert.Equal(t, "e", history[2].DedupeKey)

	history = am.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, "e", history[0].DedupeKey)
}

func TestAlertManagerDefaultDedupeKey(t *testing.T) {
	am, _ := newTestAlertManager(DefaultAlertConfig())

	ctx := context.Background()
	_, ok := am.Raise(ctx, SeverityInfo, "src", "same message", "", nil)
	require.True(t, ok)
	_, ok = am.Raise(ctx, SeverityInfo, "src", "same message", "", nil)
	assert.False(t, ok, "source plus message must dedupe when no key is given")
}

func TestAlertManagerPurgeExpired(t *testing.T) {
	am, clock := newTestAlertManager(AlertConfig{Cooldown: 10 * time.Second, HistorySize: 10, SendTimeout: time.Second})

	ctx := context.Background()
	am.Raise(ctx, SeverityInfo, "src", "m1", "k1", nil)
	clock.Advance(5 * time.Second)
	am.Raise(ctx, SeverityInfo, "src", "m2", "k2", nil)

	clock.Advance(5 * time.Second)
	// k1 is 10s old and expires; k2 is 5s old and stays.
	assert.Equal(t, 1, am.PurgeExpired())
	assert.Equal(t, 0, am.PurgeExpired())
}

func TestAlertManagerPublishesEvents(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	am := NewAlertManager(DefaultAlertConfig(), bus, log.NewStdLogger(os.Stdout))
	alert, ok := am.Raise(context.Background(), SeverityCritical, "breaker", "circuit opened", "breaker:api", nil)
	require.True(t, ok)

	select {
	case ev := <-events:
		alertEv, isAlert := ev.(AlertEvent)
		require.True(t, isAlert)
		assert.Equal(t, alert.ID, alertEv.Alert.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an alert event")
	}
}
