package guard

import (
	"math"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// stddevEpsilon floors the standard deviation so a constant series does
// not divide by zero and a sudden jump on it still scores high.
const stddevEpsilon = 1e-9

// DetectorConfig tunes anomaly detection for all metric series.
type DetectorConfig struct {
	// WindowSize bounds how many recent samples shape the baseline.
	// Older samples are retired from the running statistics as new ones
	// arrive, so the baseline tracks regime changes.
	WindowSize int
	// MinSamples is the cold-start guard: below this many samples no
	// anomaly is ever reported.
	MinSamples int
	// Sensitivity is the z-score above which a sample is anomalous.
	Sensitivity float64
	// Cooldown suppresses repeated anomalies on the same metric.
	Cooldown time.Duration
}

// DefaultDetectorConfig mirrors the documented defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WindowSize:  1000,
		MinSamples:  30,
		Sensitivity: 2.0,
		Cooldown:    60 * time.Second,
	}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c DetectorConfig) sanitize() DetectorConfig {
	def := DefaultDetectorConfig()
	if c.WindowSize < 2 {
		c.WindowSize = def.WindowSize
	}
	if c.MinSamples < 2 {
		c.MinSamples = def.MinSamples
	}
	if c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = def.Sensitivity
	}
	if c.Cooldown < 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// Anomaly describes a sample that deviated from its series baseline.
type Anomaly struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// SeriesStats is the running baseline for one metric series.
type SeriesStats struct {
	Metric  string  `json:"metric"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Primed  bool    `json:"primed"`
	Dropped uint64  `json:"dropped"`
}

// seriesState holds the sliding window and its Welford accumulators.
// Guarded by mu.
type seriesState struct {
	mu sync.Mutex

	metric string
	window []float64
	head   int
	count  int
	mean   float64
	m2     float64

	dropped       uint64
	lastAnomalyAt time.Time
	hasAnomaly    bool
}

// AnomalyDetector keeps per-metric running statistics and flags samples
// that deviate from the baseline by more than Sensitivity standard
// deviations. Mean and variance are maintained incrementally with
// Welford's update, extended with a removal step when the sliding
// window retires its oldest sample, so Observe is O(1) regardless of
// window size.
type AnomalyDetector struct {
	mu     sync.Mutex
	series *lru.Cache[string, *seriesState]
	cfg    DetectorConfig
	logger *log.Helper
	now    func() time.Time
}

// NewAnomalyDetector creates a detector. maxSeries bounds the number of
// tracked metric series; zero or negative selects 1024.
func NewAnomalyDetector(cfg DetectorConfig, maxSeries int, logger log.Logger) *AnomalyDetector {
	if maxSeries <= 0 {
		maxSeries = 1024
	}
	helper := log.NewHelper(logger)
	cache, err := lru.NewWithEvict[string, *seriesState](maxSeries, func(metric string, _ *seriesState) {
		helper.Debugw("msg", "evicted idle anomaly series", "metric", metric)
	})
	if err != nil {
		panic(err)
	}
	return &AnomalyDetector{
		series: cache,
		cfg:    cfg.sanitize(),
		logger: helper,
		now:    time.Now,
	}
}

// Observe feeds one sample into the series for metric and reports
// whether it is anomalous against the baseline formed by the samples
// BEFORE it. The sample always joins the window afterwards, anomalous
// or not, so the baseline keeps adapting.
func (d *AnomalyDetector) Observe(metric string, value float64) (Anomaly, bool) {
	s := d.state(metric)
	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly, found := d.evaluateLocked(s, value)
	d.addLocked(s, value)
	return anomaly, found
}

// Stats returns the baseline for metric, or false if the series was
// never seen (or has been evicted).
func (d *AnomalyDetector) Stats(metric string) (SeriesStats, bool) {
	d.mu.Lock()
	s, ok := d.series.Peek(metric)
	d.mu.Unlock()
	if !ok {
		return SeriesStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.statsLocked(s), true
}

// Snapshot returns baselines for every tracked series.
func (d *AnomalyDetector) Snapshot() []SeriesStats {
	d.mu.Lock()
	keys := d.series.Keys()
	states := make([]*seriesState, 0, len(keys))
	for _, k := range keys {
		if s, ok := d.series.Peek(k); ok {
			states = append(states, s)
		}
	}
	d.mu.Unlock()

	out := make([]SeriesStats, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, d.statsLocked(s))
		s.mu.Unlock()
	}
	return out
}

// evaluateLocked scores value against the current baseline. Caller
// holds s.mu.
func (d *AnomalyDetector) evaluateLocked(s *seriesState, value float64) (Anomaly, bool) {
	if s.count < d.cfg.MinSamples {
		return Anomaly{}, false
	}

	stddev := d.stddevLocked(s)
	if stddev < stddevEpsilon {
		stddev = stddevEpsilon
	}
	score := math.Abs(value-s.mean) / stddev
	if score <= d.cfg.Sensitivity {
		return Anomaly{}, false
	}

	now := d.now()
	if s.hasAnomaly && now.Sub(s.lastAnomalyAt) < d.cfg.Cooldown {
		// Within the cooldown window repeated deviations on the same
		// metric stay silent.
		return Anomaly{}, false
	}
	s.lastAnomalyAt = now
	s.hasAnomaly = true

	a := Anomaly{
		Metric:    s.metric,
		Value:     value,
		Mean:      s.mean,
		StdDev:    stddev,
		Score:     score,
		Timestamp: now,
	}
	d.logger.Warnw("msg", "anomaly detected",
		"metric", a.Metric,
		"value", a.Value,
		"mean", a.Mean,
		"std_dev", a.StdDev,
		"score", a.Score,
	)
	return a, true
}

// addLocked pushes value into the sliding window, retiring the oldest
// sample first when the window is full. Caller holds s.mu.
func (d *AnomalyDetector) addLocked(s *seriesState, value float64) {
	if s.count == len(s.window) {
		d.removeOldestLocked(s)
	}

	s.window[s.head] = value
	s.head = (s.head + 1) % len(s.window)
	s.count++

	// Welford's incremental update.
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)
}

// removeOldestLocked reverses Welford's update for the sample about to
// fall out of the window. Caller holds s.mu.
func (d *AnomalyDetector) removeOldestLocked(s *seriesState) {
	// With the window full, head points at the oldest sample.
	oldest := s.window[s.head]
	n := float64(s.count)

	oldMean := s.mean
	s.mean = (n*s.mean - oldest) / (n - 1)
	s.m2 -= (oldest - oldMean) * (oldest - s.mean)
	if s.m2 < 0 {
		// Floating point drift can push m2 slightly negative.
		s.m2 = 0
	}
	s.count--
	s.dropped++
}

func (d *AnomalyDetector) stddevLocked(s *seriesState) float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

func (d *AnomalyDetector) statsLocked(s *seriesState) SeriesStats {
	return SeriesStats{
		Metric:  s.metric,
		Count:   s.count,
		Mean:    s.mean,
		StdDev:  d.stddevLocked(s),
		Primed:  s.count >= d.cfg.MinSamples,
		Dropped: s.dropped,
	}
}

// state returns the series for metric, creating it lazily.
func (d *AnomalyDetector) state(metric string) *seriesState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.series.Get(metric); ok {
		return s
	}
	s := &seriesState{
		metric: metric,
		window: make([]float64, d.cfg.WindowSize),
	}
	d.series.Add(metric, s)
	return s
}
