package reconnect

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Redialer arms at most one pending redial at a time. Once stopped, a timer
// that already fired is still discarded before it reaches the callback.
type Redialer struct {
	mu      sync.Mutex
	policy  backoff.BackOff
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewRedialer creates a Redialer. A nil policy means NewLogBackOff().
func NewRedialer(policy backoff.BackOff) *Redialer {
	if policy == nil {
		policy = NewLogBackOff()
	}
	return &Redialer{policy: policy}
}

// Schedule arms fn after the policy's next delay, replacing any pending
// redial. It returns the delay, or backoff.Stop when nothing was scheduled.
func (r *Redialer) Schedule(fn func()) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return backoff.Stop
	}
	delay := r.policy.NextBackOff()
	if delay == backoff.Stop {
		return backoff.Stop
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.seq++
	seq := r.seq
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		live := !r.stopped && r.seq == seq
		if live {
			r.timer = nil
		}
		r.mu.Unlock()
		if live {
			fn()
		}
	})
	return delay
}

// Pending reports whether a redial is armed.
func (r *Redialer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Reset restarts the delay curve. Call it once a connection authenticates.
func (r *Redialer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy.Reset()
}

// Cancel drops a pending redial without stopping the Redialer.
func (r *Redialer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stop cancels any pending redial and refuses further scheduling.
func (r *Redialer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.seq++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
