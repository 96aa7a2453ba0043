package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TokenBucket grants permits at Policy.RPM per minute with bursts of up to
// Policy.Burst. It is safe for concurrent use and may be shared by several
// schedulers talking to the same provider.
type TokenBucket struct {
	provider     string
	policy       Policy
	capacity     float64
	refillPerSec float64

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(provider string, d time.Duration)
	log    zerolog.Logger

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	stats      Stats
}

// NewTokenBucket builds a full bucket for provider. Positive fields of
// override replace the provider defaults.
func NewTokenBucket(provider string, override Policy, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	p := o.policies.Resolve(provider, override)
	name := normalize(provider)

	b := &TokenBucket{
		provider:     name,
		policy:       p,
		capacity:     float64(p.Burst),
		refillPerSec: float64(p.RPM) / 60,
		now:          o.now,
		sleep:        o.sleep,
		onWait:       o.onWait,
		log:          o.logger.With().Str("component", "token_bucket").Str("provider", name).Logger(),
		tokens:       float64(p.Burst),
		lastRefill:   o.now(),
	}
	b.stats.Provider = name
	b.stats.Policy = p
	return b
}

func (b *TokenBucket) Provider() string { return b.provider }
func (b *TokenBucket) Policy() Policy   { return b.policy }

// Acquire blocks until a token is available and consumes it. It returns
// ctx.Err() if the context ends while waiting; no token is consumed then.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.TotalRequests++
	b.mu.Unlock()

	waited := false
	for {
		b.mu.Lock()
		b.refillLocked(b.now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := b.waitLocked()
		if !waited {
			b.stats.WaitedRequests++
			waited = true
		}
		b.stats.TotalWait += wait
		if wait > b.stats.MaxWait {
			b.stats.MaxWait = wait
		}
		b.mu.Unlock()

		b.log.Debug().Dur("wait", wait).Msg("waiting for token")
		if b.onWait != nil {
			b.onWait(b.provider, wait)
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow is the non-blocking variant: it refills, takes a token if one is
// available and reports the bucket state either way.
func (b *TokenBucket) Allow(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	b.stats.TotalRequests++

	allow := b.tokens >= 1.0
	if allow {
		b.tokens -= 1.0
	}

	// estimate reset time (to full)
	var resetSec int64
	if b.tokens >= b.capacity {
		resetSec = now.Unix()
	} else {
		need := b.capacity - b.tokens
		sec := need / b.refillPerSec
		resetSec = now.Add(time.Duration(sec * float64(time.Second))).Unix()
	}

	return Decision{
		Allowed:      allow,
		Limit:        b.policy.RPM,
		Remaining:    int(b.tokens),
		ResetUnixSec: resetSec,
	}
}

func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Tokens reports the current token count after a refill at the bucket's clock.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.lastRefill = now
}

// waitLocked is the time until one whole token has accrued, rounded up to the ms.
func (b *TokenBucket) waitLocked() time.Duration {
	ms := math.Ceil((1 - b.tokens) / b.refillPerSec * 1000)
	return time.Duration(ms) * time.Millisecond
}
