// Package ticker provides a cancellable periodic tick source.
// Unlike a bare time.Ticker, it can be stopped and restarted, never
// blocks on a slow receiver, and leaks no goroutine after Stop.
package ticker

import (
	"sync"
	"time"
)

// Ticker delivers the current time on C every interval while running.
// Ticks that arrive while the receiver is busy are dropped rather than
// queued, so a stalled consumer cannot back up the producer.
type Ticker struct {
	// C receives a tick per interval while the ticker is running.
	C chan time.Time

	interval time.Duration
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
}

// New creates a stopped Ticker with the given interval.
// It panics if interval is not positive.
func New(interval time.Duration) *Ticker {
	if interval <= 0 {
		panic("ticker: interval must be positive")
	}
	return &Ticker{
		C:        make(chan time.Time, 1),
		interval: interval,
	}
}

// Start begins delivering ticks on C. Calling Start on a running
// ticker is a no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	go t.loop(t.stopCh)
}

// Stop halts tick delivery and releases the ticking goroutine.
// It is safe to call Stop on a stopped ticker, and to Start again after.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
}

// Running reports whether the ticker is currently delivering ticks.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Ticker) loop(stopCh chan struct{}) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case now := <-tk.C:
			select {
			case t.C <- now:
			default:
			}
		case <-stopCh:
			return
		}
	}
}
