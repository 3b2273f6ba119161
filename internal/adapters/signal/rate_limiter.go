package signal

import (
	"golang.org/x/time/rate"
)

// newLimiter returns the per-connection message budget; a zero rate
// disables limiting.
func newLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}
