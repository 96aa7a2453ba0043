package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	policies Policies
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	onWait   func(provider string, d time.Duration)
	logger   zerolog.Logger
}

type Option func(*options)

// WithPolicies replaces the built-in provider table for one limiter.
func WithPolicies(ps Policies) Option {
	return func(o *options) { o.policies = ps }
}

// WithClock swaps the time source and the sleep used while waiting. Tests use
// it to step a fake clock instead of sleeping.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithWaitObserver is called every time a caller is about to sleep for a token.
func WithWaitObserver(fn func(provider string, d time.Duration)) Option {
	return func(o *options) { o.onWait = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		policies: DefaultPolicies(),
		now:      time.Now,
		sleep:    Sleep,
		logger:   zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
