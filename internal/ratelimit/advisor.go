package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"sourceflow/models"
)

// Advisor throttles outgoing requests against each provider's published
// rate-limit hint. It is advisory: the hint is requests per minute from the
// catalog, not a guarantee the provider enforces, so a disabled advisor is a
// no-op rather than an error.
type Advisor struct {
	enabled bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAdvisor creates an advisor. When enabled is false every Wait returns
// immediately.
func NewAdvisor(enabled bool) *Advisor {
	return &Advisor{
		enabled:  enabled,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the provider's limiter grants a slot or the context is
// done. Providers without a hint are never throttled.
func (a *Advisor) Wait(ctx context.Context, res *models.Resource) error {
	if !a.enabled || res.RateLimitHint <= 0 {
		return nil
	}
	return a.limiter(res).Wait(ctx)
}

func (a *Advisor) limiter(res *models.Resource) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limiters[res.ID]
	if !ok {
		// Hint is per minute. Burst of one minute's allowance lets a
		// cold start catch up without hammering.
		perSecond := rate.Limit(float64(res.RateLimitHint) / 60.0)
		lim = rate.NewLimiter(perSecond, res.RateLimitHint)
		a.limiters[res.ID] = lim
	}
	return lim
}
