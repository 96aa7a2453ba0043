package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

// Limiter keeps one TokenBucket per key. Keys are provider names for
// outbound traffic and "key:<id>" for inbound admission.
type Limiter struct {
	opts   []ratelimit.Option
	bucket sync.Map
}

func New(opts ...ratelimit.Option) *Limiter {
	return &Limiter{opts: opts}
}

func (l *Limiter) Close() error { return nil }

// Bucket returns the bucket for key, creating it from p on first use. Later
// calls return the same bucket regardless of p.
func (l *Limiter) Bucket(key string, p ratelimit.Policy) *ratelimit.TokenBucket {
	if v, ok := l.bucket.Load(key); ok {
		return v.(*ratelimit.TokenBucket)
	}
	v, _ := l.bucket.LoadOrStore(key, ratelimit.NewTokenBucket(key, p, l.opts...))
	return v.(*ratelimit.TokenBucket)
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.RPM <= 0 || p.Burst <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: 60, Remaining: 60, ResetUnixSec: 0}, nil
	}
	return l.Bucket(key, p).Allow(now), nil
}

// Stats snapshots every bucket, ordered by key.
func (l *Limiter) Stats() []ratelimit.Stats {
	var out []ratelimit.Stats
	l.bucket.Range(func(_, v any) bool {
		out = append(out, v.(*ratelimit.TokenBucket).Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
