package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"SkillGuard/internal/guard"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// eventEnvelope is the wire shape for mirrored protection events.
type eventEnvelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// EventPublisher mirrors protection events from the in-process bus to a
// Redis pub/sub channel so external consumers can observe the system.
// Publish failures are logged and dropped; the protection core never
// waits on Redis.
type EventPublisher struct {
	rdb     *redis.Client
	bus     *guard.Bus
	channel string
	logger  *log.Helper

	mu      sync.Mutex
	started bool
	cancel  func()
	wg      sync.WaitGroup
}

// NewEventPublisher creates a publisher. rdb may be nil, which makes
// Start a no-op.
func NewEventPublisher(rdb *redis.Client, bus *guard.Bus, channel string, logger log.Logger) *EventPublisher {
	return &EventPublisher{
		rdb:     rdb,
		bus:     bus,
		channel: channel,
		logger:  log.NewHelper(logger),
	}
}

// Start launches the mirroring loop. Idempotent.
func (p *EventPublisher) Start() {
	p.mu.Lock()
	if p.started || p.rdb == nil {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	events, unsubscribe := p.bus.Subscribe()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()
		p.loop(ctx, events)
	}()

	p.logger.Infow("msg", "event publisher started", "channel", p.channel)
}

// Stop halts the mirroring loop and waits for it. Idempotent.
func (p *EventPublisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *EventPublisher) loop(ctx context.Context, events <-chan guard.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.publish(ctx, ev)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev guard.Event) {
	envelope := eventEnvelope{
		Timestamp: ev.OccurredAt(),
		Payload:   ev,
	}
	switch ev.(type) {
	case guard.MetricEvent:
		envelope.Type = "metric"
	case guard.CircuitStateChangeEvent:
		envelope.Type = "circuit_state_change"
	case guard.WatchdogAlertEvent:
		envelope.Type = "watchdog"
	case guard.AnomalyEvent:
		envelope.Type = "anomaly"
	case guard.HealEvent:
		envelope.Type = "heal"
	case guard.AlertEvent:
		envelope.Type = "alert"
	default:
		envelope.Type = "unknown"
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Errorw("msg", "failed to marshal event", "type", envelope.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.rdb.Publish(pubCtx, p.channel, payload).Err(); err != nil {
		p.logger.Warnw("msg", "failed to mirror event to redis", "type", envelope.Type, "error", err)
	}
}
