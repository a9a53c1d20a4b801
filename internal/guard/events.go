package guard

import (
	"sync"
	"time"
)

// Event is the tagged union of everything the protection core announces
// to the outside world. Consumers type-switch on the concrete types
// below instead of matching on a string field.
type Event interface {
	OccurredAt() time.Time
	isEvent()
}

// MetricEvent is published for every sample recorded into a series.
type MetricEvent struct {
	Name      string
	Value     float64
	Timestamp time.Time
}

// CircuitStateChangeEvent is published on every breaker transition.
type CircuitStateChangeEvent struct {
	Key       string
	From      BreakerState
	To        BreakerState
	Timestamp time.Time
}

// WatchdogEventKind discriminates watchdog alerts.
type WatchdogEventKind int

const (
	// WatchdogHeartbeatMissed fires on every tick without a heartbeat.
	WatchdogHeartbeatMissed WatchdogEventKind = iota
	// WatchdogUnresponsive fires exactly once, on the tick where the
	// missed count first crosses the target's threshold.
	WatchdogUnresponsive
	// WatchdogRecovered fires when a heartbeat arrives for a target that
	// was previously unresponsive.
	WatchdogRecovered
)

// WatchdogAlertEvent is published when a watchdog target misses
// heartbeats, crosses its unresponsive threshold or recovers.
type WatchdogAlertEvent struct {
	Target    string
	Kind      WatchdogEventKind
	Status    WatchdogStatus
	Missed    int
	Timestamp time.Time
}

// AnomalyEvent is published when a recorded sample deviates from its
// series baseline.
type AnomalyEvent struct {
	Anomaly Anomaly
}

// HealEvent is published after every attempted healing action,
// including those skipped by cooldown.
type HealEvent struct {
	Action HealingAction
}

// AlertEvent is published for every alert that passes deduplication.
type AlertEvent struct {
	Alert Alert
}

func (e MetricEvent) OccurredAt() time.Time             { return e.Timestamp }
func (e CircuitStateChangeEvent) OccurredAt() time.Time { return e.Timestamp }
func (e WatchdogAlertEvent) OccurredAt() time.Time      { return e.Timestamp }
func (e AnomalyEvent) OccurredAt() time.Time            { return e.Anomaly.Timestamp }
func (e HealEvent) OccurredAt() time.Time               { return e.Action.TriggeredAt }
func (e AlertEvent) OccurredAt() time.Time              { return e.Alert.Timestamp }

func (MetricEvent) isEvent()             {}
func (CircuitStateChangeEvent) isEvent() {}
func (WatchdogAlertEvent) isEvent()      {}
func (AnomalyEvent) isEvent()            {}
func (HealEvent) isEvent()               {}
func (AlertEvent) isEvent()              {}

// subscriberBuffer bounds each subscriber channel. Slow consumers drop
// events instead of stalling the publisher.
const subscriberBuffer = 256

// Bus is an in-process fan-out of protection events. Publish never
// blocks; each subscriber owns a buffered channel and loses events it
// cannot keep up with.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the subscription; the channel is closed afterwards.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every live subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close tears down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
