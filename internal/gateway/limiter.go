package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/idea-eval/internal/resilience"
)

// Limiter is the token bucket and bounded wait queue for one configuration
// revision.
type Limiter struct {
	key     string
	bucket  *rate.Limiter // nil means unlimited
	depth   int32
	waiters atomic.Int32
}

// Acquire takes a token, waiting in the queue when the bucket is empty. It
// fails with RateLimitExceeded when depth callers are already waiting and
// with ErrCanceled when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.bucket == nil || l.bucket.Allow() {
		return nil
	}

	for {
		n := l.waiters.Load()
		if n >= l.depth {
			return &resilience.RateLimitExceeded{Key: l.key, QueueDepth: int(l.depth)}
		}
		if l.waiters.CompareAndSwap(n, n+1) {
			break
		}
	}
	defer l.waiters.Add(-1)

	if err := l.bucket.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(resilience.ErrCanceled, "gateway: rate limit wait")
		}
		// Wait refuses up front when the deadline is shorter than the delay.
		return &resilience.RateLimitExceeded{Key: l.key, QueueDepth: int(l.depth)}
	}
	return nil
}

// Waiting returns the number of callers queued on the bucket.
func (l *Limiter) Waiting() int {
	return int(l.waiters.Load())
}

// Limiters is the registry of per-configuration limiters.
type Limiters struct {
	mu sync.Mutex
	m  map[string]*Limiter
}

// NewLimiters creates an empty registry.
func NewLimiters() *Limiters {
	return &Limiters{m: make(map[string]*Limiter)}
}

// Get returns the limiter for key, creating it from rpm and depth on first
// use. Later calls with the same key reuse the existing bucket; a settings
// edit bumps the version and so gets a fresh key.
func (ls *Limiters) Get(key string, rpm, depth int) *Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if l, ok := ls.m[key]; ok {
		return l
	}
	l := &Limiter{key: key, depth: int32(depth)}
	if rpm > 0 {
		l.bucket = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	ls.m[key] = l
	return l
}
