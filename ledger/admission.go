package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/errors"
	"golang.org/x/time/rate"
)

// Limiter is a per-subject token bucket. Each subject may start burst
// requests at once and then one per interval.
type Limiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// pruneThreshold is the bucket count above which idle buckets are dropped.
const pruneThreshold = 4096

// NewLimiter returns a Limiter. A non-positive interval disables limiting.
func NewLimiter(interval time.Duration, burst int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limit: limit, burst: burst, clock: clk, buckets: make(map[string]*bucket)}
}

// Allow consumes a token for subject if one is available.
func (l *Limiter) Allow(subject string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[subject]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[subject] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// pruneLocked drops buckets idle long enough to have refilled completely.
func (l *Limiter) pruneLocked(now time.Time) {
	full := time.Duration(0)
	if l.limit != rate.Inf {
		full = time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
	}
	for subject, b := range l.buckets {
		if now.Sub(b.lastSeen) >= full {
			delete(l.buckets, subject)
		}
	}
}

// Gate admits a request: it applies the rate limit and then reserves the
// request's cost, so a rate-limited request never touches the balance.
type Gate struct {
	Limiter *Limiter
	Ledger  *Ledger
	Cost    int64
}

func (g *Gate) Admit(ctx context.Context, subject string) (*Reservation, error) {
	if g.Limiter != nil && !g.Limiter.Allow(subject) {
		return nil, errors.E(errors.RateLimited, "Too many requests, slow down")
	}
	cost := g.Cost
	if cost <= 0 {
		cost = 1
	}
	return g.Ledger.Reserve(ctx, subject, cost)
}
