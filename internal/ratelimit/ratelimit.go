// Package ratelimit implements fixed-window request limits on top of a
// counter store. A nil store disables limiting.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Store is the counter backend. RedisStore implements it in production.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type Limiter struct {
	store  Store
	prefix string
	rate   int
	window time.Duration
}

// New returns a limiter allowing rate requests per window for each key.
// A nil store or a non-positive rate yields a limiter that always allows.
func New(store Store, prefix string, rate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, prefix: prefix, rate: rate, window: window}
}

// Enabled reports whether the limiter can ever reject.
func (l *Limiter) Enabled() bool {
	return l != nil && l.store != nil && l.rate > 0
}

// Allow counts one request for key. When the limit is exceeded it returns
// false and the number of seconds until the window resets. Store errors fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int) {
	if !l.Enabled() {
		return true, 0
	}
	k := fmt.Sprintf("rl:%s:%s", l.prefix, key)
	count, err := l.store.Incr(ctx, k)
	if err != nil {
		return true, 0
	}
	if count == 1 {
		_ = l.store.Expire(ctx, k, l.window)
	}
	if count <= int64(l.rate) {
		return true, 0
	}
	retry := int(l.window.Seconds())
	if ttl, err := l.store.TTL(ctx, k); err == nil && ttl > 0 {
		retry = int((ttl + time.Second - 1) / time.Second)
	}
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// ClientIP returns the caller address. It expects chi's RealIP middleware
// to have already folded proxy headers into RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
