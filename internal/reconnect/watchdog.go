package reconnect

import (
	"sync"
	"time"
)

// Watchdog reports an outage that outlasts its timeout. It runs
// independently of the Redialer so background retries stay invisible until
// the timeout elapses.
type Watchdog struct {
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewWatchdog creates a Watchdog. A non-positive timeout means DefaultDisconnectTimeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultDisconnectTimeout
	}
	return &Watchdog{timeout: timeout}
}

// Timeout returns the configured timeout.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Arm starts the countdown unless one is already running. onExpire runs on
// its own goroutine.
func (w *Watchdog) Arm(onExpire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || w.timer != nil {
		return
	}
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		live := !w.stopped && w.seq == seq
		if live {
			w.timer = nil
		}
		w.mu.Unlock()
		if live {
			onExpire()
		}
	})
}

// Armed reports whether a countdown is running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Disarm cancels a running countdown.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop disarms the watchdog permanently.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.Disarm()
}
