package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RateLimiter decides whether an identity may issue another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// InProcessLimiter counts requests per subject and tier in fixed one
// minute windows. Windows live in a TTL cache so idle callers are dropped.
type InProcessLimiter struct {
	tiers      map[string]int
	defaultRPM int

	mu      sync.Mutex
	windows *ttlcache.Cache[string, *window]
}

type window struct {
	count int
}

// NewInProcessLimiter creates a limiter. tiers maps a service tier to its
// requests per minute; other tiers get defaultRPM. Zero disables limiting.
func NewInProcessLimiter(tiers map[string]int, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		windows: ttlcache.New[string, *window](
			ttlcache.WithTTL[string, *window](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *window](),
		),
	}
}

// Allow implements RateLimiter.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}
	rpm := l.defaultRPM
	if n, ok := l.tiers[tier]; ok {
		rpm = n
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.windows.Get(key)
	if item == nil {
		l.windows.Set(key, &window{count: 1}, ttlcache.DefaultTTL)
		return nil
	}
	w := item.Value()
	w.count++
	if w.count > rpm {
		return ErrTooManyRequests
	}
	return nil
}

// Len returns the number of open windows.
func (l *InProcessLimiter) Len() int {
	l.windows.DeleteExpired()
	return l.windows.Len()
}
