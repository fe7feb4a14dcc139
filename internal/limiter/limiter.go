// Package limiter paces calls per key: outbound requests per mint and inbound RPCs per caller.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/and161185/nutkeeper/internal/errs"
)

// Limiter controls the request rate for a key.
type Limiter interface {
	// Wait blocks until a request for key is allowed or ctx is done.
	Wait(ctx context.Context, key string) error
	// Allow reports whether a request for key may run now, and otherwise how long to wait.
	Allow(key string) (bool, time.Duration)
}

// Keyed is a token-bucket Limiter with one bucket per key.
type Keyed struct {
	limit rate.Limit
	burst int
	max   int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

var _ Limiter = (*Keyed)(nil)

// New constructs a Keyed limiter allowing perSecond requests with burst per key.
// perSecond <= 0 disables limiting.
func New(perSecond float64, burst int) *Keyed {
	lim := rate.Limit(perSecond)
	if perSecond <= 0 {
		lim = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Keyed{limit: lim, burst: burst, max: 10000, buckets: map[string]*bucket{}}
}

// Wait blocks until key has a token. A cancelled wait reports ErrRateLimited.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	if err := k.get(key).Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRateLimited, err)
	}
	return nil
}

// Allow takes a token for key if one is available.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	r := k.get(key).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Cleanup drops buckets idle for longer than idle.
func (k *Keyed) Cleanup(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, b := range k.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(k.buckets, key)
		}
	}
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.buckets[key]
	if !ok {
		if len(k.buckets) >= k.max {
			k.buckets = map[string]*bucket{}
		}
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b.lim
}
