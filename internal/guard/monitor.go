package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Healing action types the monitor triggers from protection signals.
// Handlers for them are registered by the embedding application; a
// signal with no handler is simply not acted on.
const (
	// ActionResetBreaker is triggered when a circuit opens.
	ActionResetBreaker = "reset_breaker"
	// ActionRestartTarget is triggered when a watchdog target goes
	// unresponsive.
	ActionRestartTarget = "restart_target"
)

// MonitorConfig aggregates the tuning of every protection component.
type MonitorConfig struct {
	Breaker   BreakerConfig
	Limiter   LimiterConfig
	Detector  DetectorConfig
	Collector CollectorConfig
	Alerts    AlertConfig
	Healer    HealerConfig
	// Watchdog supplies the defaults applied to targets registered
	// with a zero WatchdogTargetConfig.
	Watchdog WatchdogTargetConfig
	// MaxKeys bounds every per-key registry.
	MaxKeys int
}

// DefaultMonitorConfig mirrors the documented defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Breaker:   DefaultBreakerConfig(),
		Limiter:   DefaultLimiterConfig(),
		Detector:  DefaultDetectorConfig(),
		Collector: DefaultCollectorConfig(),
		Alerts:    DefaultAlertConfig(),
		Healer:    DefaultHealerConfig(),
		Watchdog:  DefaultWatchdogTargetConfig(),
		MaxKeys:   1024,
	}
}

// MonitorStatus is the aggregate view surfaced on the status API.
type MonitorStatus struct {
	HealthScore int                   `json:"health_score"`
	Breakers    []BreakerStats        `json:"breakers"`
	Limiters    []LimiterStats        `json:"limiters"`
	Watchdog    []WatchdogTargetStats `json:"watchdog"`
	Series      []SeriesStats         `json:"series"`
	AlertsCount uint64                `json:"alerts_count"`
	Suppressed  uint64                `json:"alerts_suppressed"`
}

// Monitor wires the protection components together: every Protect call
// runs the rate limiter first, then the circuit breaker, then the
// operation, and records the outcome as metrics. A background pump
// consumes protection events and turns them into alerts, healing
// attempts, anomaly observations and prometheus series.
type Monitor struct {
	cfg Config

	limiter   *RateLimiter
	breaker   *CircuitBreaker
	watchdog  *Watchdog
	detector  *AnomalyDetector
	collector *MetricsCollector
	alerts    *AlertManager
	healer    *AutoHealer
	bus       *Bus
	inst      *Instruments
	logger    *log.Helper

	mu      sync.Mutex
	started bool
	cancel  func()
	pumpWG  sync.WaitGroup
	now     func() time.Time
}

// Config is the assembled dependency set for a monitor. Components are
// injected so the HTTP layer and tests can reach them directly.
type Config struct {
	Limiter   *RateLimiter
	Breaker   *CircuitBreaker
	Watchdog  *Watchdog
	Detector  *AnomalyDetector
	Collector *MetricsCollector
	Alerts    *AlertManager
	Healer    *AutoHealer
	Bus       *Bus
	Inst      *Instruments
	// WatchdogDefaults fills in zero fields of target configs passed
	// to Watch.
	WatchdogDefaults WatchdogTargetConfig
}

// NewMonitor assembles a monitor from prebuilt components.
func NewMonitor(cfg Config, logger log.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		limiter:   cfg.Limiter,
		breaker:   cfg.Breaker,
		watchdog:  cfg.Watchdog,
		detector:  cfg.Detector,
		collector: cfg.Collector,
		alerts:    cfg.Alerts,
		healer:    cfg.Healer,
		bus:       cfg.Bus,
		inst:      cfg.Inst,
		logger:    log.NewHelper(logger),
		now:       time.Now,
	}
}

// NewDefaultMonitor builds a monitor and all its components from a
// MonitorConfig. provider may be nil to disable system gauge sampling.
func NewDefaultMonitor(mc MonitorConfig, provider SystemProvider, logger log.Logger) *Monitor {
	bus := NewBus()
	detector := NewAnomalyDetector(mc.Detector, mc.MaxKeys, logger)
	return NewMonitor(Config{
		Limiter:          NewRateLimiter(mc.Limiter, mc.MaxKeys, logger),
		Breaker:          NewCircuitBreaker(mc.Breaker, mc.MaxKeys, bus, logger),
		Watchdog:         NewWatchdog(bus, logger),
		Detector:         detector,
		Collector:        NewMetricsCollector(mc.Collector, mc.MaxKeys, provider, detector, bus, logger),
		Alerts:           NewAlertManager(mc.Alerts, bus, logger),
		Healer:           NewAutoHealer(mc.Healer, bus, logger),
		Bus:              bus,
		Inst:             NewInstruments(),
		WatchdogDefaults: mc.Watchdog.sanitize(),
	}, logger)
}

// Protect runs op for key behind the rate limiter and the circuit
// breaker, in that order, and records latency and outcome metrics. The
// optional fallback is consulted only when the breaker short-circuits
// the call; rate limit denials return directly so callers can
// distinguish load shedding from dependency failure.
func (m *Monitor) Protect(ctx context.Context, key string, op Operation, fallback ...Fallback) (any, error) {
	if err := m.limiter.Acquire(key, 1); err != nil {
		m.inst.RateLimited.WithLabelValues(key).Inc()
		m.inst.ProtectCalls.WithLabelValues(key, "rate_limited").Inc()
		m.collector.Record("guard.rate_limited."+key, 1)
		return nil, err
	}

	start := m.now()
	value, err := m.breaker.Execute(ctx, key, op, fallback...)
	elapsed := m.now().Sub(start)

	switch {
	case err == nil:
		m.inst.ProtectCalls.WithLabelValues(key, "success").Inc()
	case errors.Is(err, ErrBreakerOpen):
		m.inst.ProtectCalls.WithLabelValues(key, "rejected").Inc()
		return nil, err
	default:
		m.inst.ProtectCalls.WithLabelValues(key, "failure").Inc()
	}

	// Latency is recorded only for admitted calls; the metric series
	// feeds the anomaly detector through the event pump.
	m.inst.ProtectLatency.WithLabelValues(key).Observe(elapsed.Seconds())
	m.collector.Record("skill."+key+".latency_ms", float64(elapsed.Milliseconds()))
	return value, err
}

// Heartbeat forwards a liveness beat to the watchdog.
func (m *Monitor) Heartbeat(name string) { m.watchdog.Heartbeat(name) }

// Watch registers a watchdog target. Zero fields in cfg fall back to
// the monitor-wide watchdog defaults.
func (m *Monitor) Watch(name string, cfg WatchdogTargetConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = m.cfg.WatchdogDefaults.Interval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = m.cfg.WatchdogDefaults.MaxMissed
	}
	m.watchdog.Register(name, cfg)
}

// Unwatch removes a watchdog target.
func (m *Monitor) Unwatch(name string) { m.watchdog.Unregister(name) }

// ConfigureBreaker overrides breaker tuning for one key.
func (m *Monitor) ConfigureBreaker(key string, cfg BreakerConfig) { m.breaker.Configure(key, cfg) }

// ConfigureLimiter overrides limiter tuning for one key.
func (m *Monitor) ConfigureLimiter(key string, cfg LimiterConfig) { m.limiter.Configure(key, cfg) }

// ResetBreaker forces a breaker back to CLOSED.
func (m *Monitor) ResetBreaker(key string) { m.breaker.Reset(key) }

// RegisterHealer attaches a healing handler.
func (m *Monitor) RegisterHealer(actionType string, handler HealHandler) {
	m.healer.RegisterHandler(actionType, handler)
}

// RegisterAlertChannel attaches an alert delivery channel.
func (m *Monitor) RegisterAlertChannel(ch AlertChannel) { m.alerts.RegisterChannel(ch) }

// Record stores an application metric sample.
func (m *Monitor) Record(name string, value float64) { m.collector.Record(name, value) }

// Breaker exposes the breaker registry for the status API.
func (m *Monitor) Breaker() *CircuitBreaker { return m.breaker }

// Limiter exposes the limiter registry for the status API.
func (m *Monitor) Limiter() *RateLimiter { return m.limiter }

// Watchdog exposes the watchdog for the status API.
func (m *Monitor) Watchdog() *Watchdog { return m.watchdog }

// Collector exposes the metrics collector for the status API.
func (m *Monitor) Collector() *MetricsCollector { return m.collector }

// Detector exposes the anomaly detector for the status API.
func (m *Monitor) Detector() *AnomalyDetector { return m.detector }

// Alerts exposes the alert manager for the status API.
func (m *Monitor) Alerts() *AlertManager { return m.alerts }

// Healer exposes the auto-healer for the status API.
func (m *Monitor) Healer() *AutoHealer { return m.healer }

// Instruments exposes the prometheus registry owner.
func (m *Monitor) Instruments() *Instruments { return m.inst }

// Bus exposes the event bus so external fan-out can subscribe.
func (m *Monitor) Bus() *Bus { return m.bus }

// Start launches the event pump and the system metrics sampling loop.
// Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.collector.Start()

	events, unsubscribe := m.bus.Subscribe()
	m.pumpWG.Add(1)
	go func() {
		defer m.pumpWG.Done()
		defer unsubscribe()
		m.pump(ctx, events)
	}()

	m.logger.Infow("msg", "monitor started")
}

// Stop halts the pump, the sampling loop and every watchdog check loop,
// then waits for them. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.pumpWG.Wait()
	m.collector.Stop()
	m.watchdog.Stop()
	m.logger.Infow("msg", "monitor stopped")
}

// Status assembles the aggregate view.
func (m *Monitor) Status() MonitorStatus {
	breakers := m.breaker.Snapshot()
	watchdog := m.watchdog.Snapshot()
	raised, suppressed := m.alerts.Counts()

	return MonitorStatus{
		HealthScore: healthScore(breakers, watchdog),
		Breakers:    breakers,
		Limiters:    m.limiter.Snapshot(),
		Watchdog:    watchdog,
		Series:      m.detector.Snapshot(),
		AlertsCount: raised,
		Suppressed:  suppressed,
	}
}

// healthScore condenses protection state into a 0-100 number. Open
// circuits and unresponsive targets weigh heaviest.
func healthScore(breakers []BreakerStats, watchdog []WatchdogTargetStats) int {
	score := 100
	for _, b := range breakers {
		switch b.State {
		case BreakerOpen.String():
			score -= 20
		case BreakerHalfOpen.String():
			score -= 10
		}
	}
	for _, t := range watchdog {
		switch t.Status {
		case WatchdogUnresponsiveState.String():
			score -= 15
		case WatchdogDegraded.String():
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// pump turns protection events into alerts, healing attempts and
// prometheus series. Anomaly scoring itself happens inline on the
// recording path; only its findings arrive here.
func (m *Monitor) pump(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case AnomalyEvent:
		m.onAnomaly(ctx, e)
	case CircuitStateChangeEvent:
		m.onCircuitChange(ctx, e)
	case WatchdogAlertEvent:
		m.onWatchdogAlert(ctx, e)
	case AlertEvent:
		m.inst.AlertsTotal.WithLabelValues(e.Alert.Severity.String()).Inc()
	case HealEvent:
		m.inst.HealsTotal.WithLabelValues(e.Action.ActionType, e.Action.Result).Inc()
	}
}

// onAnomaly raises a warning alert for a baseline deviation found by
// the detector.
func (m *Monitor) onAnomaly(ctx context.Context, e AnomalyEvent) {
	anomaly := e.Anomaly
	m.inst.Anomalies.WithLabelValues(anomaly.Metric).Inc()
	m.alerts.Raise(ctx, SeverityWarning, "anomaly",
		fmt.Sprintf("metric %s deviated from baseline: value=%.2f mean=%.2f score=%.1f",
			anomaly.Metric, anomaly.Value, anomaly.Mean, anomaly.Score),
		"anomaly:"+anomaly.Metric,
		map[string]string{"metric": anomaly.Metric},
	)
}

func (m *Monitor) onCircuitChange(ctx context.Context, e CircuitStateChangeEvent) {
	m.inst.BreakerState.WithLabelValues(e.Key).Set(float64(e.To))

	switch e.To {
	case BreakerOpen:
		m.alerts.Raise(ctx, SeverityCritical, "breaker",
			fmt.Sprintf("circuit %q opened", e.Key),
			"breaker:"+e.Key,
			map[string]string{"key": e.Key, "from": e.From.String()},
		)
		m.tryHeal(ctx, ActionResetBreaker, e.Key, "circuit opened")
	case BreakerClosed:
		if e.From != BreakerClosed {
			m.alerts.Raise(ctx, SeverityInfo, "breaker",
				fmt.Sprintf("circuit %q closed", e.Key),
				"breaker-recovered:"+e.Key,
				map[string]string{"key": e.Key},
			)
		}
	}
}

func (m *Monitor) onWatchdogAlert(ctx context.Context, e WatchdogAlertEvent) {
	switch e.Kind {
	case WatchdogUnresponsive:
		m.alerts.Raise(ctx, SeverityCritical, "watchdog",
			fmt.Sprintf("target %q unresponsive after %d missed heartbeats", e.Target, e.Missed),
			"watchdog:"+e.Target,
			map[string]string{"target": e.Target},
		)
		m.tryHeal(ctx, ActionRestartTarget, e.Target, "watchdog unresponsive")
	case WatchdogRecovered:
		m.alerts.Raise(ctx, SeverityInfo, "watchdog",
			fmt.Sprintf("target %q recovered", e.Target),
			"watchdog-recovered:"+e.Target,
			map[string]string{"target": e.Target},
		)
	}
}

// tryHeal attempts a healing action when a handler exists for it. The
// healer's own cooldown and error accounting apply; failures are
// already logged there.
func (m *Monitor) tryHeal(ctx context.Context, actionType, targetKey, reason string) {
	if !m.healer.HasHandler(actionType) {
		return
	}
	_, _ = m.healer.Heal(ctx, actionType, targetKey, reason)
}
