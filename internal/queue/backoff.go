package queue

import (
	"math"
	"math/rand"
	"time"
)

// backoffConfig parameterizes the retry-with-backoff schedule: base delay,
// multiplicative factor per attempt, symmetric jitter fraction, and a cap on
// attempts.
type backoffConfig struct {
	Base       time.Duration
	Factor     float64
	Jitter     float64
	MaxRetries int
}

var defaultBackoff = backoffConfig{
	Base:       10 * time.Millisecond,
	Factor:     2,
	Jitter:     0.25,
	MaxRetries: 5,
}

// delay returns the backoff delay before the given attempt (1-indexed),
// with jitter applied symmetrically around the computed base.
func (c backoffConfig) delay(attempt int, rnd *rand.Rand) time.Duration {
	raw := float64(c.Base) * math.Pow(c.Factor, float64(attempt-1))
	jitterSpan := raw * c.Jitter
	jittered := raw - jitterSpan + rnd.Float64()*2*jitterSpan
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}
