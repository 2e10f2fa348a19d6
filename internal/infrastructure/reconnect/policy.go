package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the single reconnection strategy shared by every channel binding:
// capped exponential backoff with jitter and a bounded attempt count.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
	MaxAttempts     uint64
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.25,
		MaxAttempts:     5,
	}
}

// NewBackOff materializes the policy. Each binding owns its own schedule and
// resets it on a successful connect.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.JitterFactor
	b.MaxElapsedTime = 0
	b.Reset()

	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, p.MaxAttempts)
	}
	return b
}
