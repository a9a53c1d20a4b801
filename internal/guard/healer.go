package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// HealResult classifies one healing attempt.
type HealResult int

const (
	// HealSucceeded means the handler ran and returned nil.
	HealSucceeded HealResult = iota
	// HealFailed means the handler ran and returned an error.
	HealFailed
	// HealSkipped means the attempt was suppressed by the per-target
	// cooldown and the handler never ran.
	HealSkipped
)

// String implements fmt.Stringer.
func (r HealResult) String() string {
	switch r {
	case HealSucceeded:
		return "succeeded"
	case HealFailed:
		return "failed"
	case HealSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// HealHandler performs one kind of corrective action against a target.
type HealHandler func(ctx context.Context, targetKey string) error

// HealingAction is the record of one attempt, successful or not.
type HealingAction struct {
	ID          string        `json:"id"`
	ActionType  string        `json:"action_type"`
	TargetKey   string        `json:"target_key"`
	Reason      string        `json:"reason"`
	Result      string        `json:"result"`
	Error       string        `json:"error,omitempty"`
	TriggeredAt time.Time     `json:"triggered_at"`
	Duration    time.Duration `json:"duration"`
}

// HealerConfig tunes the auto-healer.
type HealerConfig struct {
	// Cooldown suppresses repeat attempts of the same action against
	// the same target. A flapping dependency otherwise triggers a
	// restart storm.
	Cooldown time.Duration
	// HistorySize bounds retained action records.
	HistorySize int
	// ActionTimeout bounds one handler invocation.
	ActionTimeout time.Duration
}

// DefaultHealerConfig mirrors the documented defaults.
func DefaultHealerConfig() HealerConfig {
	return HealerConfig{
		Cooldown:      60 * time.Second,
		HistorySize:   500,
		ActionTimeout: 30 * time.Second,
	}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c HealerConfig) sanitize() HealerConfig {
	def := DefaultHealerConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HistorySize < 1 {
		c.HistorySize = def.HistorySize
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = def.ActionTimeout
	}
	return c
}

// AutoHealer runs registered corrective handlers in response to
// protection signals, rate limited per (action, target) pair by a
// cooldown.
type AutoHealer struct {
	mu       sync.Mutex
	cfg      HealerConfig
	handlers map[string]HealHandler
	lastRun  map[string]time.Time
	history  []HealingAction
	head     int
	count    int

	bus    *Bus
	logger *log.Helper
	now    func() time.Time
}

// NewAutoHealer creates a healer with no handlers attached.
func NewAutoHealer(cfg HealerConfig, bus *Bus, logger log.Logger) *AutoHealer {
	cfg = cfg.sanitize()
	return &AutoHealer{
		cfg:      cfg,
		handlers: make(map[string]HealHandler),
		lastRun:  make(map[string]time.Time),
		history:  make([]HealingAction, cfg.HistorySize),
		bus:      bus,
		logger:   log.NewHelper(logger),
		now:      time.Now,
	}
}

// RegisterHandler attaches the handler for actionType, replacing any
// previous one.
func (ah *AutoHealer) RegisterHandler(actionType string, handler HealHandler) {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	ah.handlers[actionType] = handler
	ah.logger.Infow("msg", "healing handler registered", "action_type", actionType)
}

// HasHandler reports whether a handler is registered for actionType.
func (ah *AutoHealer) HasHandler(actionType string) bool {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	_, ok := ah.handlers[actionType]
	return ok
}

// Heal attempts actionType against targetKey. Every attempt, including
// a cooldown skip, is recorded in history and announced on the bus. The
// error is non-nil for unknown action types and for handler failures;
// a cooldown skip is not an error.
func (ah *AutoHealer) Heal(ctx context.Context, actionType, targetKey, reason string) (HealingAction, error) {
	ah.mu.Lock()
	handler, ok := ah.handlers[actionType]
	if !ok {
		ah.mu.Unlock()
		return HealingAction{}, fmt.Errorf("no healing handler registered for action type %q", actionType)
	}

	now := ah.now()
	cooldownKey := actionType + "|" + targetKey
	if last, seen := ah.lastRun[cooldownKey]; seen && now.Sub(last) < ah.cfg.Cooldown {
		action := HealingAction{
			ID:          uuid.NewString(),
			ActionType:  actionType,
			TargetKey:   targetKey,
			Reason:      reason,
			Result:      HealSkipped.String(),
			TriggeredAt: now,
		}
		ah.appendLocked(action)
		ah.mu.Unlock()

		ah.logger.Infow("msg", "healing skipped by cooldown",
			"action_type", actionType,
			"target", targetKey,
		)
		ah.publish(action)
		return action, nil
	}
	ah.lastRun[cooldownKey] = now
	ah.mu.Unlock()

	ah.logger.Infow("msg", "healing action triggered",
		"action_type", actionType,
		"target", targetKey,
		"reason", reason,
	)

	runCtx, cancel := context.WithTimeout(ctx, ah.cfg.ActionTimeout)
	err := handler(runCtx, targetKey)
	cancel()
	duration := ah.now().Sub(now)

	action := HealingAction{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		TargetKey:   targetKey,
		Reason:      reason,
		TriggeredAt: now,
		Duration:    duration,
	}
	if err != nil {
		action.Result = HealFailed.String()
		action.Error = err.Error()
	} else {
		action.Result = HealSucceeded.String()
	}

	ah.mu.Lock()
	ah.appendLocked(action)
	ah.mu.Unlock()
	ah.publish(action)

	if err != nil {
		ah.logger.Errorw("msg", "healing action failed",
			"action_type", actionType,
			"target", targetKey,
			"error", err,
		)
		return action, &HealingFailedError{ActionType: actionType, TargetKey: targetKey, Err: err}
	}

	ah.logger.Infow("msg", "healing action succeeded",
		"action_type", actionType,
		"target", targetKey,
		"duration", duration,
	)
	return action, nil
}

// History returns up to limit retained actions, oldest first. limit <= 0
// returns the whole retained window.
func (ah *AutoHealer) History(limit int) []HealingAction {
	ah.mu.Lock()
	defer ah.mu.Unlock()

	n := ah.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HealingAction, 0, n)
	start := ah.count - n
	for i := start; i < ah.count; i++ {
		out = append(out, ah.history[(ah.head+i)%len(ah.history)])
	}
	return out
}

// PurgeExpired drops cooldown entries older than the cooldown window.
// Returns how many were removed; meant to be driven by a cron job.
func (ah *AutoHealer) PurgeExpired() int {
	ah.mu.Lock()
	defer ah.mu.Unlock()

	now := ah.now()
	purged := 0
	for key, last := range ah.lastRun {
		if now.Sub(last) >= ah.cfg.Cooldown {
			delete(ah.lastRun, key)
			purged++
		}
	}
	return purged
}

func (ah *AutoHealer) publish(action HealingAction) {
	if ah.bus != nil {
		ah.bus.Publish(HealEvent{Action: action})
	}
}

// appendLocked pushes action into the history ring. Caller holds ah.mu.
func (ah *AutoHealer) appendLocked(action HealingAction) {
	if ah.count == len(ah.history) {
		ah.history[ah.head] = action
		ah.head = (ah.head + 1) % len(ah.history)
		return
	}
	ah.history[(ah.head+ah.count)%len(ah.history)] = action
	ah.count++
}
