package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"SkillGuard/pkg/ticker"
)

// WatchdogStatus is the health classification of one watched target.
type WatchdogStatus int

const (
	// WatchdogHealthy means the target beat within its interval.
	WatchdogHealthy WatchdogStatus = iota
	// WatchdogDegraded means at least one heartbeat was missed but the
	// unresponsive threshold has not been crossed.
	WatchdogDegraded
	// WatchdogUnresponsiveState means the target crossed its missed
	// threshold and has not beaten since.
	WatchdogUnresponsiveState
)

// String implements fmt.Stringer.
func (s WatchdogStatus) String() string {
	switch s {
	case WatchdogHealthy:
		return "healthy"
	case WatchdogDegraded:
		return "degraded"
	case WatchdogUnresponsiveState:
		return "unresponsive"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// WatchdogTargetConfig tunes one watched target.
type WatchdogTargetConfig struct {
	// Interval is the expected heartbeat period. The check loop ticks at
	// this rate and counts every beat-free tick as a miss.
	Interval time.Duration
	// MaxMissed is how many consecutive misses mark the target
	// unresponsive.
	MaxMissed int
}

// DefaultWatchdogTargetConfig mirrors the documented defaults.
func DefaultWatchdogTargetConfig() WatchdogTargetConfig {
	return WatchdogTargetConfig{Interval: 10 * time.Second, MaxMissed: 3}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c WatchdogTargetConfig) sanitize() WatchdogTargetConfig {
	def := DefaultWatchdogTargetConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxMissed < 1 {
		c.MaxMissed = def.MaxMissed
	}
	return c
}

// WatchdogTargetStats is a point-in-time view of one target, surfaced
// on the status API.
type WatchdogTargetStats struct {
	Name          string        `json:"name"`
	Status        string        `json:"status"`
	Missed        int           `json:"missed"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Interval      time.Duration `json:"interval"`
	MaxMissed     int           `json:"max_missed"`
}

// watchTarget is one registered target and its check loop.
type watchTarget struct {
	mu sync.Mutex

	name     string
	cfg      WatchdogTargetConfig
	lastBeat time.Time
	missed   int
	status   WatchdogStatus
	// alerted latches after the unresponsive event fires so the crossing
	// is announced exactly once until the target recovers.
	alerted bool

	tk   *ticker.Ticker
	done chan struct{}
}

// Watchdog tracks heartbeats from registered targets. Each target runs
// its own check loop at its own interval; a tick without a heartbeat is
// a miss, and crossing MaxMissed marks the target unresponsive.
type Watchdog struct {
	mu      sync.Mutex
	targets map[string]*watchTarget
	bus     *Bus
	logger  *log.Helper
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewWatchdog creates an empty watchdog.
func NewWatchdog(bus *Bus, logger log.Logger) *Watchdog {
	return &Watchdog{
		targets: make(map[string]*watchTarget),
		bus:     bus,
		logger:  log.NewHelper(logger),
		now:     time.Now,
	}
}

// Register starts watching name. Re-registering an existing target
// replaces its configuration and resets its miss count; the old check
// loop is stopped first.
func (w *Watchdog) Register(name string, cfg WatchdogTargetConfig) {
	cfg = cfg.sanitize()

	t := &watchTarget{
		name:     name,
		cfg:      cfg,
		lastBeat: w.now(),
		status:   WatchdogHealthy,
		tk:       ticker.New(cfg.Interval),
		done:     make(chan struct{}),
	}

	// Swap the replacement in while still holding the lock so exactly
	// one caller observes, and stops, any previous loop for this name.
	w.mu.Lock()
	old := w.targets[name]
	w.targets[name] = t
	w.mu.Unlock()

	if old != nil {
		w.stopTarget(old)
	}

	t.tk.Start()
	w.wg.Add(1)
	go w.watch(t)

	w.logger.Infow("msg", "watchdog target registered",
		"target", name,
		"interval", cfg.Interval,
		"max_missed", cfg.MaxMissed,
	)
}

// Heartbeat records a beat for name. A beat for an unresponsive target
// announces recovery. Beats for unknown targets are dropped with a
// warning instead of failing the caller.
func (w *Watchdog) Heartbeat(name string) {
	w.mu.Lock()
	t, ok := w.targets[name]
	w.mu.Unlock()
	if !ok {
		w.logger.Warnw("msg", "heartbeat for unregistered target", "target", name)
		return
	}

	t.mu.Lock()
	was := t.status
	t.lastBeat = w.now()
	t.missed = 0
	t.status = WatchdogHealthy
	t.alerted = false
	t.mu.Unlock()

	if was == WatchdogUnresponsiveState {
		w.logger.Infow("msg", "watchdog target recovered", "target", name)
		w.publish(t, WatchdogRecovered, WatchdogHealthy, 0)
	}
}

// Unregister stops watching name. Unknown names are a no-op.
func (w *Watchdog) Unregister(name string) {
	w.mu.Lock()
	t, ok := w.targets[name]
	if ok {
		delete(w.targets, name)
	}
	w.mu.Unlock()
	if ok {
		w.stopTarget(t)
		w.logger.Infow("msg", "watchdog target unregistered", "target", name)
	}
}

// Status returns the classification for name, or false for unknown
// targets.
func (w *Watchdog) Status(name string) (WatchdogStatus, bool) {
	w.mu.Lock()
	t, ok := w.targets[name]
	w.mu.Unlock()
	if !ok {
		return WatchdogHealthy, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, true
}

// Snapshot returns stats for every registered target.
func (w *Watchdog) Snapshot() []WatchdogTargetStats {
	w.mu.Lock()
	targets := make([]*watchTarget, 0, len(w.targets))
	for _, t := range w.targets {
		targets = append(targets, t)
	}
	w.mu.Unlock()

	out := make([]WatchdogTargetStats, 0, len(targets))
	for _, t := range targets {
		t.mu.Lock()
		out = append(out, WatchdogTargetStats{
			Name:          t.name,
			Status:        t.status.String(),
			Missed:        t.missed,
			LastHeartbeat: t.lastBeat,
			Interval:      t.cfg.Interval,
			MaxMissed:     t.cfg.MaxMissed,
		})
		t.mu.Unlock()
	}
	return out
}

// Stop tears down every check loop and waits for them to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	targets := make([]*watchTarget, 0, len(w.targets))
	for name, t := range w.targets {
		targets = append(targets, t)
		delete(w.targets, name)
	}
	w.mu.Unlock()

	for _, t := range targets {
		w.stopTarget(t)
	}
	w.wg.Wait()
}

// watch is one target's check loop. It exits when the target is
// unregistered or the watchdog stops.
func (w *Watchdog) watch(t *watchTarget) {
	defer w.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.tk.C:
			w.check(t)
		}
	}
}

// check classifies the target on one tick.
func (w *Watchdog) check(t *watchTarget) {
	t.mu.Lock()

	if w.now().Sub(t.lastBeat) < t.cfg.Interval {
		t.mu.Unlock()
		return
	}

	t.missed++
	missed := t.missed

	if missed >= t.cfg.MaxMissed && !t.alerted {
		// First crossing of the threshold: announce unresponsive exactly
		// once. Further beat-free ticks stay silent until recovery.
		t.status = WatchdogUnresponsiveState
		t.alerted = true
		t.mu.Unlock()

		w.logger.Errorw("msg", "watchdog target unresponsive",
			"target", t.name,
			"missed", missed,
			"max_missed", t.cfg.MaxMissed,
		)
		w.publish(t, WatchdogUnresponsive, WatchdogUnresponsiveState, missed)
		return
	}
	if t.alerted {
		t.mu.Unlock()
		return
	}

	t.status = WatchdogDegraded
	t.mu.Unlock()

	w.logger.Warnw("msg", "watchdog heartbeat missed",
		"target", t.name,
		"missed", missed,
		"max_missed", t.cfg.MaxMissed,
	)
	w.publish(t, WatchdogHeartbeatMissed, WatchdogDegraded, missed)
}

func (w *Watchdog) publish(t *watchTarget, kind WatchdogEventKind, status WatchdogStatus, missed int) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(WatchdogAlertEvent{
		Target:    t.name,
		Kind:      kind,
		Status:    status,
		Missed:    missed,
		Timestamp: w.now(),
	})
}

func (w *Watchdog) stopTarget(t *watchTarget) {
	t.tk.Stop()
	close(t.done)
}
