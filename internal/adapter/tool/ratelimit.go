package tool

import (
	"golang.org/x/time/rate"
)

// RateLimit is a token-bucket limit applied to every call of one tool.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// limiters holds one token bucket per limited tool. It is built once and
// only read afterwards.
type limiters map[string]*rate.Limiter

func newLimiters(limits map[string]RateLimit) limiters {
	if len(limits) == 0 {
		return nil
	}
	l := make(limiters, len(limits))
	for name, lim := range limits {
		burst := lim.Burst
		if burst <= 0 {
			burst = 1
		}
		l[name] = rate.NewLimiter(rate.Limit(lim.PerSecond), burst)
	}
	return l
}

// allow reports whether a call to the named tool may run now.
func (l limiters) allow(name string) bool {
	lim, ok := l[name]
	if !ok {
		return true
	}
	return lim.Allow()
}
