package reconnect

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := Policy{
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0, // deterministic for the test
		MaxAttempts:     0,
	}
	schedule := policy.NewBackOff()

	first := schedule.NextBackOff()
	second := schedule.NextBackOff()
	third := schedule.NextBackOff()
	fourth := schedule.NextBackOff()

	assert.Equal(t, time.Second, first)
	assert.Equal(t, 2*time.Second, second)
	assert.Equal(t, 4*time.Second, third)
	// Capped at MaxInterval from here on.
	assert.Equal(t, 4*time.Second, fourth)
}

func TestBackoffStopsAfterMaxAttempts(t *testing.T) {
	policy := DefaultPolicy()
	policy.JitterFactor = 0
	policy.MaxAttempts = 2
	schedule := policy.NewBackOff()

	assert.NotEqual(t, backoff.Stop, schedule.NextBackOff())
	assert.NotEqual(t, backoff.Stop, schedule.NextBackOff())
	assert.Equal(t, backoff.Stop, schedule.NextBackOff())
}

func TestBackoffNeverExceedsJitterBounds(t *testing.T) {
	policy := DefaultPolicy()
	schedule := policy.NewBackOff()

	for i := 0; i < 10; i++ {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		assert.GreaterOrEqual(t, delay, time.Duration(float64(policy.InitialInterval)*(1-policy.JitterFactor)))
		assert.LessOrEqual(t, delay, time.Duration(float64(policy.MaxInterval)*(1+policy.JitterFactor)))
	}
}

func TestResetRestartsSchedule(t *testing.T) {
	policy := Policy{
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0,
	}
	schedule := policy.NewBackOff()

	schedule.NextBackOff()
	schedule.NextBackOff()
	schedule.Reset()

	assert.Equal(t, time.Second, schedule.NextBackOff())
}
