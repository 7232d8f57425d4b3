package auth

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"golang.org/x/time/rate"
)

// ErrTooManyRequests is rendered when a client exceeds the login budget.
var ErrTooManyRequests = goerrors.New("too many requests", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyRequests).
	WithCode(router.StatusTooManyRequests)

// LoginThrottle is a token bucket per client address.
type LoginThrottle struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   Clock

	mu      sync.Mutex
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLoginThrottle allows perMinute attempts per client with the given burst.
// A non positive rate disables throttling.
func NewLoginThrottle(perMinute float64, burst int) *LoginThrottle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &LoginThrottle{
		limit:   limit,
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*throttleBucket),
	}
}

// WithClock overrides the clock used for refill and idle tracking.
func (t *LoginThrottle) WithClock(clock Clock) *LoginThrottle {
	if clock != nil {
		t.now = clock
	}
	return t
}

// Allow reports whether key may attempt a login now.
func (t *LoginThrottle) Allow(key string) bool {
	if t == nil || t.limit == rate.Inf {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	now := t.now()
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &throttleBucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	t.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Prune drops buckets idle for longer than the ttl and returns how many.
func (t *LoginThrottle) Prune() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, b := range t.buckets {
		if now.Sub(b.seen) > t.ttl {
			delete(t.buckets, k)
			n++
		}
	}
	return n
}

// Middleware rejects over budget clients with 429.
func (t *LoginThrottle) Middleware() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			if !t.Allow(c.IP()) {
				return RenderError(c, ErrTooManyRequests)
			}
			return c.Next()
		}
	}
}

// NewThrottlePruneTask periodically drops idle throttle buckets.
func NewThrottlePruneTask(t *LoginThrottle, interval time.Duration) PeriodicTask {
	return PeriodicTask{
		Name:     "throttle_prune",
		Interval: interval,
		Run: func(context.Context) (int, error) {
			return t.Prune(), nil
		},
	}
}
