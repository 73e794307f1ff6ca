package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines connect retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// NextDelay returns the delay before retry attempt n (1-based): InitialDelay
// for the first retry, growing by Multiplier and capped at MaxDelay, with
// jitter spreading the result over [50%, 150%].
func (cfg BackoffConfig) NextDelay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}

	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if limit := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && d > limit {
		d = limit
	}
	if cfg.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
