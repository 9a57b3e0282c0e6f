package politeness

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out consecutive requests to the portal. One pacer is shared by every
// component that talks to the network so listing pages, detail pages, documents and
// retries all count against the same budget.
type Pacer struct {
	delay   time.Duration
	limiter *rate.Limiter
}

// NewPacer allows one request per delay. A zero delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{delay: delay, limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// Delay returns the configured spacing.
func (p *Pacer) Delay() time.Duration {
	if p == nil {
		return 0
	}
	return p.delay
}
