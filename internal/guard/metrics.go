package guard

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"SkillGuard/pkg/ticker"
)

// MetricPoint is one recorded sample.
type MetricPoint struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricAggregate summarizes the retained window of one series.
type MetricAggregate struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Latest float64 `json:"latest"`
}

// SystemProvider supplies ambient host gauges for the sampling loop.
// Implementations return a flat name-to-value map per poll; a failed
// poll is logged and skipped, never fatal.
type SystemProvider interface {
	Sample(ctx context.Context) (map[string]float64, error)
}

// metricSeries is one bounded history ring. Guarded by mu.
type metricSeries struct {
	mu sync.Mutex

	name   string
	points []MetricPoint
	head   int
	count  int
}

// CollectorConfig tunes the metrics collector.
type CollectorConfig struct {
	// HistorySize bounds retained points per series.
	HistorySize int
	// SampleInterval is the system gauge polling period.
	SampleInterval time.Duration
}

// DefaultCollectorConfig mirrors the documented defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{HistorySize: 1000, SampleInterval: 5 * time.Second}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c CollectorConfig) sanitize() CollectorConfig {
	def := DefaultCollectorConfig()
	if c.HistorySize < 1 {
		c.HistorySize = def.HistorySize
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	return c
}

// MetricsCollector keeps a bounded history ring per metric name and
// announces every recorded sample on the event bus. Samples are fed to
// the attached anomaly detector inline, on the recording goroutine, so
// the detector sees every sample even when bus subscribers lag. With a
// SystemProvider attached it also polls host gauges on a fixed
// interval.
type MetricsCollector struct {
	mu       sync.Mutex
	series   *lru.Cache[string, *metricSeries]
	cfg      CollectorConfig
	provider SystemProvider
	detector *AnomalyDetector
	bus      *Bus
	logger   *log.Helper
	now      func() time.Time

	tk      *ticker.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewMetricsCollector creates a collector. maxSeries bounds the number
// of live series; zero or negative selects 1024. provider may be nil
// when only explicit Record calls are wanted; detector may be nil when
// no anomaly scoring is wanted.
func NewMetricsCollector(cfg CollectorConfig, maxSeries int, provider SystemProvider, detector *AnomalyDetector, bus *Bus, logger log.Logger) *MetricsCollector {
	if maxSeries <= 0 {
		maxSeries = 1024
	}
	helper := log.NewHelper(logger)
	cache, err := lru.NewWithEvict[string, *metricSeries](maxSeries, func(name string, _ *metricSeries) {
		helper.Debugw("msg", "evicted idle metric series", "name", name)
	})
	if err != nil {
		panic(err)
	}
	cfg = cfg.sanitize()
	return &MetricsCollector{
		series:   cache,
		cfg:      cfg,
		provider: provider,
		detector: detector,
		bus:      bus,
		logger:   helper,
		now:      time.Now,
		tk:       ticker.New(cfg.SampleInterval),
	}
}

// Record stores one sample for name and publishes a MetricEvent.
func (mc *MetricsCollector) Record(name string, value float64) {
	ts := mc.now()

	s := mc.seriesFor(name)
	s.mu.Lock()
	if s.count == len(s.points) {
		// Ring full: overwrite the oldest point.
		s.points[s.head] = MetricPoint{Value: value, Timestamp: ts}
		s.head = (s.head + 1) % len(s.points)
	} else {
		idx := (s.head + s.count) % len(s.points)
		s.points[idx] = MetricPoint{Value: value, Timestamp: ts}
		s.count++
	}
	s.mu.Unlock()

	// The detector is fed inline rather than over the bus so a slow bus
	// subscriber can never cost it samples. Only the rare detection
	// travels as an event.
	if mc.detector != nil {
		if anomaly, found := mc.detector.Observe(name, value); found && mc.bus != nil {
			mc.bus.Publish(AnomalyEvent{Anomaly: anomaly})
		}
	}
	if mc.bus != nil {
		mc.bus.Publish(MetricEvent{Name: name, Value: value, Timestamp: ts})
	}
}

// History returns up to limit retained points for name, oldest first.
// limit <= 0 returns the whole retained window. Unknown names return
// nil.
func (mc *MetricsCollector) History(name string, limit int) []MetricPoint {
	mc.mu.Lock()
	s, ok := mc.series.Peek(name)
	mc.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]MetricPoint, 0, n)
	// Walk the newest n points in chronological order.
	start := s.count - n
	for i := start; i < s.count; i++ {
		out = append(out, s.points[(s.head+i)%len(s.points)])
	}
	return out
}

// Aggregate summarizes the retained window for name, or false for
// unknown names.
func (mc *MetricsCollector) Aggregate(name string) (MetricAggregate, bool) {
	mc.mu.Lock()
	s, ok := mc.series.Peek(name)
	mc.mu.Unlock()
	if !ok {
		return MetricAggregate{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return MetricAggregate{Name: name}, true
	}

	agg := MetricAggregate{Name: name, Count: s.count}
	var sum float64
	for i := 0; i < s.count; i++ {
		p := s.points[(s.head+i)%len(s.points)]
		sum += p.Value
		if i == 0 || p.Value < agg.Min {
			agg.Min = p.Value
		}
		if i == 0 || p.Value > agg.Max {
			agg.Max = p.Value
		}
		agg.Latest = p.Value
	}
	agg.Avg = sum / float64(s.count)
	return agg, true
}

// Names lists every live series.
func (mc *MetricsCollector) Names() []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.series.Keys()
}

// Start launches the system gauge sampling loop. It is a no-op without
// a provider or when already started.
func (mc *MetricsCollector) Start() {
	mc.mu.Lock()
	if mc.started || mc.provider == nil {
		mc.mu.Unlock()
		return
	}
	mc.started = true
	mc.stopCh = make(chan struct{})
	mc.mu.Unlock()

	mc.tk.Start()
	mc.wg.Add(1)
	go mc.sampleLoop()
	mc.logger.Infow("msg", "system metrics sampling started", "interval", mc.cfg.SampleInterval)
}

// Stop halts the sampling loop and waits for it to exit. Idempotent.
func (mc *MetricsCollector) Stop() {
	mc.mu.Lock()
	if !mc.started {
		mc.mu.Unlock()
		return
	}
	mc.started = false
	stopCh := mc.stopCh
	mc.mu.Unlock()

	mc.tk.Stop()
	close(stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) sampleLoop() {
	defer mc.wg.Done()
	for {
		select {
		case <-mc.stopCh:
			return
		case <-mc.tk.C:
			mc.sampleOnce()
		}
	}
}

// sampleOnce polls the provider and records each gauge.
func (mc *MetricsCollector) sampleOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), mc.cfg.SampleInterval)
	defer cancel()

	gauges, err := mc.provider.Sample(ctx)
	if err != nil {
		mc.logger.Warnw("msg", "system gauge poll failed", "error", err)
		return
	}
	for name, value := range gauges {
		mc.Record(name, value)
	}
}

// seriesFor returns the ring for name, creating it lazily.
func (mc *MetricsCollector) seriesFor(name string) *metricSeries {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if s, ok := mc.series.Get(name); ok {
		return s
	}
	s := &metricSeries{
		name:   name,
		points: make([]MetricPoint, mc.cfg.HistorySize),
	}
	mc.series.Add(name, s)
	return s
}
