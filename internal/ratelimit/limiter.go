package ratelimit

import (
	"context"
	"strings"
	"time"
)

type Policy struct {
	RPM   int // requests per minute
	Burst int // bucket capacity
}

// merge returns p with every positive field of o applied on top.
func (p Policy) merge(o Policy) Policy {
	if o.RPM > 0 {
		p.RPM = o.RPM
	}
	if o.Burst > 0 {
		p.Burst = o.Burst
	}
	return p
}

func (p Policy) valid() bool { return p.RPM > 0 && p.Burst > 0 }

// FallbackPolicy returns the limits for providers missing from the policy
// table.
func FallbackPolicy() Policy { return Policy{RPM: 20, Burst: 2} }

// Policies maps a lower-cased provider name to its limits.
type Policies map[string]Policy

// DefaultPolicies returns a fresh copy of the built-in provider table.
func DefaultPolicies() Policies {
	return Policies{
		"openai":      {RPM: 60, Burst: 5},
		"claude":      {RPM: 45, Burst: 3},
		"mistral":     {RPM: 40, Burst: 3},
		"ollama":      {RPM: 120, Burst: 10},
		"groq":        {RPM: 50, Burst: 4},
		"perplexity":  {RPM: 30, Burst: 2},
		"huggingface": {RPM: 20, Burst: 2},
	}
}

func (ps Policies) Lookup(provider string) Policy {
	if p, ok := ps[normalize(provider)]; ok && p.valid() {
		return p
	}
	return FallbackPolicy()
}

// Set stores p for provider. Zero fields keep the current entry, or the
// fallback for a new provider.
func (ps Policies) Set(provider string, p Policy) {
	ps[normalize(provider)] = ps.Lookup(provider).merge(p)
}

// Resolve looks up provider and applies the positive fields of override.
func (ps Policies) Resolve(provider string, override Policy) Policy {
	return ps.Lookup(provider).merge(override)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

type Decision struct {
	Allowed      bool
	Limit        int   // limit per minute
	Remaining    int   // tokens after this request (min 0)
	ResetUnixSec int64 // when tokens would be full if no more traffic
}

// Limiter is the non-blocking, keyed admission check used at the HTTP edge.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Stats is a snapshot of a TokenBucket's cumulative counters.
type Stats struct {
	Provider       string
	Policy         Policy
	TotalRequests  int64
	WaitedRequests int64
	TotalWait      time.Duration
	MaxWait        time.Duration
}

func (s Stats) WaitRatio() float64 {
	return float64(s.WaitedRequests) / float64(max(1, s.TotalRequests))
}

func (s Stats) AvgWait() time.Duration {
	return s.TotalWait / time.Duration(max(1, s.WaitedRequests))
}
