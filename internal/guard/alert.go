package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// AlertSeverity grades an alert.
type AlertSeverity int

const (
	// SeverityInfo is informational, no action needed.
	SeverityInfo AlertSeverity = iota
	// SeverityWarning needs attention but the system still works.
	SeverityWarning
	// SeverityCritical means protection is actively degraded.
	SeverityCritical
)

// String implements fmt.Stringer.
func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Alert is one deduplicated notification.
type Alert struct {
	ID        string            `json:"id"`
	Severity  AlertSeverity     `json:"severity"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	DedupeKey string            `json:"dedupe_key"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertChannel delivers alerts to one destination. Send failures are
// logged and never propagate to the code that raised the alert.
type AlertChannel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// AlertConfig tunes the alert manager.
type AlertConfig struct {
	// Cooldown suppresses re-raising the same dedupe key.
	Cooldown time.Duration
	// HistorySize bounds retained alerts.
	HistorySize int
	// SendTimeout bounds one channel delivery.
	SendTimeout time.Duration
}

// DefaultAlertConfig mirrors the documented defaults.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Cooldown:    300 * time.Second,
		HistorySize: 500,
		SendTimeout: 5 * time.Second,
	}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c AlertConfig) sanitize() AlertConfig {
	def := DefaultAlertConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HistorySize < 1 {
		c.HistorySize = def.HistorySize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	return c
}

// AlertManager deduplicates alerts by key and fans accepted ones out to
// every registered channel. A key raised again inside the cooldown
// window is counted as suppressed and goes nowhere.
type AlertManager struct {
	mu       sync.Mutex
	cfg      AlertConfig
	channels []AlertChannel
	lastSent map[string]time.Time
	history  []Alert
	head     int
	count    int

	raised     uint64
	suppressed uint64

	bus    *Bus
	logger *log.Helper
	now    func() time.Time
}

// NewAlertManager creates an alert manager with no channels attached.
func NewAlertManager(cfg AlertConfig, bus *Bus, logger log.Logger) *AlertManager {
	cfg = cfg.sanitize()
	return &AlertManager{
		cfg:      cfg,
		lastSent: make(map[string]time.Time),
		history:  make([]Alert, cfg.HistorySize),
		bus:      bus,
		logger:   log.NewHelper(logger),
		now:      time.Now,
	}
}

// RegisterChannel attaches a delivery channel.
func (am *AlertManager) RegisterChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Infow("msg", "alert channel registered", "channel", ch.Name())
}

// Raise creates an alert unless its dedupe key fired within the
// cooldown window. The returned bool reports whether the alert was
// accepted. Delivery happens synchronously per channel under
// SendTimeout; a failing channel is logged and skipped.
func (am *AlertManager) Raise(ctx context.Context, severity AlertSeverity, source, message, dedupeKey string, details map[string]string) (Alert, bool) {
	if dedupeKey == "" {
		dedupeKey = source + ":" + message
	}

	am.mu.Lock()
	now := am.now()
	if last, ok := am.lastSent[dedupeKey]; ok && now.Sub(last) < am.cfg.Cooldown {
		am.suppressed++
		am.mu.Unlock()
		return Alert{}, false
	}
	am.lastSent[dedupeKey] = now
	am.raised++

	alert := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Source:    source,
		Message:   message,
		DedupeKey: dedupeKey,
		Details:   details,
		Timestamp: now,
	}
	am.appendLocked(alert)
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.Unlock()

	am.logger.Warnw("msg", "alert raised",
		"id", alert.ID,
		"severity", severity.String(),
		"source", source,
		"alert", message,
	)
	if am.bus != nil {
		am.bus.Publish(AlertEvent{Alert: alert})
	}

	for _, ch := range channels {
		sendCtx, cancel := context.WithTimeout(ctx, am.cfg.SendTimeout)
		if err := ch.Send(sendCtx, alert); err != nil {
			am.logger.Errorw("msg", "alert delivery failed",
				"channel", ch.Name(),
				"id", alert.ID,
				"error", err,
			)
		}
		cancel()
	}
	return alert, true
}

// History returns up to limit retained alerts, oldest first. limit <= 0
// returns the whole retained window.
func (am *AlertManager) History(limit int) []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	n := am.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	start := am.count - n
	for i := start; i < am.count; i++ {
		out = append(out, am.history[(am.head+i)%len(am.history)])
	}
	return out
}

// Counts reports lifetime raised and suppressed totals.
func (am *AlertManager) Counts() (raised, suppressed uint64) {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.raised, am.suppressed
}

// PurgeExpired drops dedupe entries older than the cooldown so the map
// does not grow with key cardinality. Returns how many were removed;
// meant to be driven by a cron job.
func (am *AlertManager) PurgeExpired() int {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	purged := 0
	for key, last := range am.lastSent {
		if now.Sub(last) >= am.cfg.Cooldown {
			delete(am.lastSent, key)
			purged++
		}
	}
	return purged
}

// appendLocked pushes alert into the history ring. Caller holds am.mu.
func (am *AlertManager) appendLocked(alert Alert) {
	if am.count == len(am.history) {
		am.history[am.head] = alert
		am.head = (am.head + 1) % len(am.history)
		return
	}
	am.history[(am.head+am.count)%len(am.history)] = alert
	am.count++
}
