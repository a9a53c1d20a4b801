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

func newTestCollector(cfg CollectorConfig, provider SystemProvider) *MetricsCollector {
	return NewMetricsCollector(cfg, 0, provider, nil, NewBus(), log.NewStdLogger(os.Stdout))
}

func TestCollectorRecordAndHistory(t *testing.T) {
	mc := newTestCollector(DefaultCollectorConfig(), nil)

	mc.Record("latency_ms", 12)
	mc.Record("latency_ms", 15)
	mc.Record("latency_ms", 9)

	history := mc.History("latency_ms", 0)
	require.Len(t, history, 3)
	assert.Equal(t, 12.0, history[0].Value)
	assert.Equal(t, 15.0, history[1].Value)
	assert.Equal(t, 9.0, history[2].Value)

	// limit keeps the newest points.
	history = mc.History("latency_ms", 2)
	require.Len(t, history, 2)
	assert.Equal(t, 15.0, history[0].Value)
	assert.Equal(t, 9.0, history[1].Value)

	assert.Nil(t, mc.History("never-seen", 0))
}

func TestCollectorRingDropsOldest(t *testing.T) {
	mc := newTestCollector(CollectorConfig{HistorySize: 3, SampleInterval: time.Second}, nil)

	for i := 1; i <= 5; i++ {
		mc.Record("m", float64(i))
	}

	history := mc.History("m", 0)
	require.Len(t, history, 3)
	assert.Equal(t, 3.0, history[0].Value)
	assert.Equal(t, 4.0, history[1].Value)
	assert.Equal(t, 5.0, history[2].Value)
}

func TestCollectorAggregate(t *testing.T) {
	mc := newTestCollector(DefaultCollectorConfig(), nil)

	for _, v := range []float64{10, 20, 30, 40} {
		mc.Record("m", v)
	}

	agg, ok := mc.Aggregate("m")
	require.True(t, ok)
	assert.Equal(t, 4, agg.Count)
	assert.Equal(t, 25.0, agg.Avg)
	assert.Equal(t, 10.0, agg.Min)
	assert.Equal(t, 40.0, agg.Max)
	assert.Equal(t, 40.0, agg.Latest)

	_, ok = mc.Aggregate("never-seen")
	assert.False(t, ok)
}

func TestCollectorAggregateOverFullRing(t *testing.T) {
	mc := newTestCollector(CollectorConfig{HistorySize: 4, SampleInterval: time.Second}, nil)

	// Values 1..10; only 7..10 are retained.
	for i := 1; i <= 10; i++ {
		mc.Record("m", float64(i))
	}

	agg, ok := mc.Aggregate("m")
	require.True(t, ok)
	assert.Equal(t, 4, agg.Count)
	assert.Equal(t, 7.0, agg.Min)
	assert.Equal(t, 10.0, agg.Max)
	assert.Equal(t, 8.5, agg.Avg)
}

func TestCollectorPublishesMetricEvents(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()

	mc := NewMetricsCollector(DefaultCollectorConfig(), 0, nil, nil, bus, log.NewStdLogger(os.Stdout))
	mc.Record("rps", 42)

	select {
	case ev := <-events:
		metric, ok := ev.(MetricEvent)
		require.True(t, ok)
		assert.Equal(t, "rps", metric.Name)
		assert.Equal(t, 42.0, metric.Value)
	case <-time.After(time.Second):
		t.Fatal("expected a metric event")
	}
}

// stubProvider returns fixed gauges and counts polls.
type stubProvider struct {
	polls atomic.Int32
	fail  bool
}

func (p *stubProvider) Sample(context.Context) (map[string]float64, error) {
	p.polls.Add(1)
	if p.fail {
		return nil, errors.New("sensors unavailable")
	}
	return map[string]float64{
		"system.cpu.percent":    12.5,
		"system.memory.percent": 40.0,
	}, nil
}

func TestCollectorSamplingLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := &stubProvider{}
	mc := newTestCollector(CollectorConfig{HistorySize: 100, SampleInterval: 10 * time.Millisecond}, provider)

	mc.Start()
	defer mc.Stop()

	require.Eventually(t, func() bool {
		return len(mc.History("system.cpu.percent", 0)) >= 2
	}, time.Second, 5*time.Millisecond)

	agg, ok := mc.Aggregate("system.memory.percent")
	require.True(t, ok)
	assert.Equal(t, 40.0, agg.Latest)
}

func TestCollectorSamplingSurvivesProviderFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := &stubProvider{fail: true}
	mc := newTestCollector(CollectorConfig{HistorySize: 100, SampleInterval: 10 * time.Millisecond}, provider)

	mc.Start()
	defer mc.Stop()

	require.Eventually(t, func() bool {
		return provider.polls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	// Failed polls record nothing but the loop keeps going.
	assert.Empty(t, mc.Names())
}

func TestCollectorStartWithoutProviderIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := newTestCollector(DefaultCollectorConfig(), nil)
	mc.Start()
	mc.Stop()
}

func TestCollectorFeedsDetectorInline(t *testing.T) {
	// Nothing drains the bus, so its subscriber buffers are irrelevant
	// to the detector feed.
	bus := NewBus()
	detector := NewAnomalyDetector(DefaultDetectorConfig(), 0, log.NewStdLogger(os.Stdout))
	mc := NewMetricsCollector(DefaultCollectorConfig(), 0, nil, detector, bus, log.NewStdLogger(os.Stdout))

	for i := 0; i < 600; i++ {
		mc.Record("queue.depth", 5)
	}

	stats, ok := detector.Stats("queue.depth")
	require.True(t, ok)
	assert.Equal(t, 600, stats.Count)
}
