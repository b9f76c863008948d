// Package reconnect schedules redials of the physical connection and
// decides when a prolonged outage becomes visible to consumers.
package reconnect

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultFactor scales the logarithmic delay curve.
	DefaultFactor = time.Second

	// DefaultDisconnectTimeout is how long a session may stay reconnecting
	// before it is reported disconnected.
	DefaultDisconnectTimeout = 30 * time.Second
)

// Delay returns the wait before redial attempt number attempt (0-based):
// ln(attempt+1) * factor, clamped to ceiling when ceiling > 0. The first attempt is
// immediate and the curve never decreases.
func Delay(attempt int, factor, ceiling time.Duration) time.Duration {
	if attempt <= 0 || factor <= 0 {
		return 0
	}
	d := math.Log(float64(attempt)+1) * float64(factor)
	if ceiling > 0 && d >= float64(ceiling) {
		return ceiling
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// LogBackOff is a backoff.BackOff following Delay. It never gives up.
type LogBackOff struct {
	Factor time.Duration
	Max    time.Duration

	attempt int
}

var _ backoff.BackOff = (*LogBackOff)(nil)

// NewLogBackOff returns a LogBackOff with DefaultFactor and no cap.
func NewLogBackOff() *LogBackOff {
	return &LogBackOff{Factor: DefaultFactor}
}

// NextBackOff implements backoff.BackOff.
func (b *LogBackOff) NextBackOff() time.Duration {
	d := Delay(b.attempt, b.Factor, b.Max)
	b.attempt++
	return d
}

// Reset implements backoff.BackOff.
func (b *LogBackOff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *LogBackOff) Attempt() int {
	return b.attempt
}
