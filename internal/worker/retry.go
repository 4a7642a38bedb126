package worker

import (
	"math"
	"time"
)

// BackoffConfig describes how long a job waits after a failed attempt.
type BackoffConfig struct {
	Multiplier float64
	// FirstBackoffs are used verbatim for the first attempts; later attempts
	// grow the last entry by Multiplier.
	FirstBackoffs []time.Duration
	MaxBackoff    time.Duration
}

// RetryConfig bounds the attempts of a job. MaxAttempts 0 means unlimited.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// Delay returns the wait before the job becomes eligible again after the
// given attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if len(c.FirstBackoffs) == 0 {
		return c.MaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= len(c.FirstBackoffs) {
		return min(c.FirstBackoffs[attempt-1], c.MaxBackoff)
	}

	last := float64(c.FirstBackoffs[len(c.FirstBackoffs)-1])
	d := last * math.Pow(c.Multiplier, float64(attempt-len(c.FirstBackoffs)))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// IsLastAttempt reports whether the attempt following attempts is the final
// one allowed.
func (c RetryConfig) IsLastAttempt(attempts int) bool {
	if c.MaxAttempts <= 0 {
		return false
	}
	return attempts+1 >= c.MaxAttempts
}
