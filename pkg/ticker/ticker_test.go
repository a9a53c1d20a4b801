package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTickerDeliversTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	tk := New(10 * time.Millisecond)
	tk.Start()
	defer tk.Stop()

	select {
	case <-tk.C:
	case <-time.After(time.Second):
		t.Fatal("expected a tick within one second")
	}
	assert.True(t, tk.Running())
}

func TestTickerStopReleasesGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	tk := New(5 * time.Millisecond)
	tk.Start()
	time.Sleep(20 * time.Millisecond)
	tk.Stop()
	assert.False(t, tk.Running())

	// Stop is idempotent.
	tk.Stop()
}

func TestTickerRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	tk := New(5 * time.Millisecond)
	tk.Start()
	tk.Stop()

	tk.Start()
	defer tk.Stop()
	select {
	case <-tk.C:
	case <-time.After(time.Second):
		t.Fatal("expected a tick after restart")
	}
}

func TestTickerRejectsNonPositiveInterval(t *testing.T) {
	require.Panics(t, func() { New(0) })
}
