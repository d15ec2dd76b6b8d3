package dispatch

import (
	"golang.org/x/time/rate"
)

// Limiter throttles how fast workers dispatch executions to remote servers.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter builds a dispatch limiter. A non-positive rate disables
// throttling entirely.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether a dispatch may proceed right now.
func (l *Limiter) Allow() bool {
	if l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
