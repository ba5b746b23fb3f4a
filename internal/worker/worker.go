// Package worker holds the connection-lifecycle state machine and
// reconnect backoff used by a devqueue Manager's single worker
// goroutine. It owns no queue state itself — the Manager's mutex still
// guards everything shared — it only tracks "where is the connection
// right now" and "how long before the next reconnect attempt."
//
// Grounded on internal/queue/runner.go's ioLoop: pin a goroutine, loop
// until ctx.Done(), and on an I/O error retry with backoff rather than
// exiting. The teacher's retry loop is a hand-rolled doubling counter;
// this generalizes it onto github.com/cenkalti/backoff/v4, the pack's
// own reconnect-backoff dependency (see SPEC_FULL.md section 10).
package worker

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnState is the worker goroutine's view of the device connection,
// independent of any individual command's state.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Disconnected
	ShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Reconnector wraps an exponential backoff clamped to a maximum
// interval, reset on every successful connect. A zero MaxInterval
// means never clamp.
type Reconnector struct {
	b *backoff.ExponentialBackOff
}

// NewReconnector builds a Reconnector with the given initial and
// maximum retry intervals. MaxElapsedTime is disabled: a device worker
// retries forever until the Manager is closed, it never gives up on
// its own.
func NewReconnector(initial, max time.Duration) *Reconnector {
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &Reconnector{b: b}
}

// Next returns how long to wait before the next reconnect attempt,
// advancing the backoff's internal state.
func (r *Reconnector) Next() time.Duration {
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		// MaxElapsedTime is disabled so this should not happen; fall
		// back to the clamp rather than propagate backoff.Stop.
		return r.b.MaxInterval
	}
	// The library randomizes after clamping, so a value can exceed
	// MaxInterval by up to the randomization factor; clamp it again.
	if d > r.b.MaxInterval {
		d = r.b.MaxInterval
	}
	return d
}

// Reset clears accumulated backoff state, called after every
// successful Connect so the next disconnect starts from
// InitialInterval again.
func (r *Reconnector) Reset() {
	r.b.Reset()
}
