package upstream

import (
	"time"

	"golang.org/x/time/rate"
)

// WeightedLimiter is a token-bucket rate limiter keyed by request weight,
// grounded on the reader packages' use of golang.org/x/time/rate for
// per-source request pacing.
type WeightedLimiter struct {
	limiter *rate.Limiter
	weight  int
}

// NewWeightedLimiter builds a limiter admitting maxWeightPerMinute tokens
// per minute, refilled continuously, with a burst large enough for one
// full-weight request.
func NewWeightedLimiter(maxWeightPerMinute int, requestWeight int) *WeightedLimiter {
	if maxWeightPerMinute <= 0 {
		maxWeightPerMinute = 600
	}
	if requestWeight <= 0 {
		requestWeight = 1
	}
	perSecond := float64(maxWeightPerMinute) / 60.0
	return &WeightedLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), requestWeight),
		weight:  requestWeight,
	}
}

// Allow reports whether a call weighing this client's configured request
// weight may proceed right now. It never blocks: a denied call surfaces
// UpstreamRateLimited so the caller can retry-next-tick or propagate.
func (w *WeightedLimiter) Allow() bool {
	return w.limiter.AllowN(time.Now(), w.weight)
}
