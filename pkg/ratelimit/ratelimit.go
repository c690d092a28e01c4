// Package ratelimit provides the fixed-window request limiter applied to
// link-guest access and sends, keyed by source IP.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one more request under key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// allowScript increments the window counter, stamping the TTL only on the
// first hit so the window does not slide.
var allowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return n <= tonumber(ARGV[1]) and 1 or 0
`)

// RedisLimiter is the production Limiter.
type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := allowScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, l.limit, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return ok == 1, nil
}

// MemoryLimiter mirrors the fixed-window semantics in process memory for
// dev mode and tests.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string]*window
	limit  int
	window time.Duration
	now    func() time.Time
}

type window struct {
	count int
	reset time.Time
}

func NewMemoryLimiter(limit int, win time.Duration) *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string]*window), limit: limit, window: win, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.hits[key]
	if !ok || l.now().After(w.reset) {
		w = &window{reset: l.now().Add(l.window)}
		l.hits[key] = w
	}
	w.count++
	return w.count <= l.limit, nil
}
