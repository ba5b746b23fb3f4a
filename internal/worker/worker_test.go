package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		Connecting:    "connecting",
		Connected:     "connected",
		Disconnected:  "disconnected",
		ShuttingDown:  "shutting_down",
		ConnState(99): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestReconnectorClampsToMaxInterval(t *testing.T) {
	r := NewReconnector(10*time.Millisecond, 50*time.Millisecond)
	var last time.Duration
	for i := 0; i < 20; i++ {
		d := r.Next()
		require.LessOrEqualf(t, d, 50*time.Millisecond, "iteration %d exceeded max interval", i)
		last = d
	}
	require.Positive(t, last)
}

func TestReconnectorResetRestartsFromInitial(t *testing.T) {
	r := NewReconnector(5*time.Millisecond, time.Second)
	for i := 0; i < 10; i++ {
		r.Next()
	}
	r.Reset()
	d := r.Next()
	assert.LessOrEqualf(t, d, 20*time.Millisecond, "backoff after Reset should be close to initial 5ms (randomization factor included)")
}
