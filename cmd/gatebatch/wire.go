package main

import (
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/GateBatch/internal/batch"
	"github.com/AlexKimmel/GateBatch/internal/config"
	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/executor/httpexec"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

func providerPolicies(cfg *config.Root) ratelimit.Policies {
	ps := ratelimit.DefaultPolicies()
	for name, p := range cfg.Limits.Providers {
		ps.Set(name, ratelimit.Policy{RPM: p.RequestsPerMinute, Burst: p.Burst})
	}
	return ps
}

// newExecutor builds the upstream executor, behind the interval queue when
// it is enabled.
func newExecutor(cfg *config.Root, logger zerolog.Logger) (executor.Executor, error) {
	hx, err := httpexec.New(cfg.Executor.Provider, cfg.Executor.URL, cfg.Executor.Timeout(), nil)
	if err != nil {
		return nil, err
	}
	var exec executor.Executor = hx
	if cfg.Interval.Enabled {
		q := ratelimit.NewIntervalQueue(cfg.Interval.RequestsPerMinute, ratelimit.WithLogger(logger))
		exec = executor.NewQueued(exec, q)
	}
	return exec, nil
}

func batchOptions(cfg *config.Root, logger zerolog.Logger) batch.Options {
	opts := batch.DefaultOptions()
	opts.Provider = cfg.Executor.Provider
	opts.Concurrency = cfg.Batch.Concurrency
	opts.RequestsPerMinute = cfg.Batch.RequestsPerMinute
	opts.MaxRetries = cfg.Batch.Retries()
	opts.RetryDelay = cfg.Batch.RetryDelay()
	opts.AbortOnError = cfg.Batch.AbortOnError
	if cfg.Batch.UnsupportedFatal {
		opts.Classify = executor.ClassifyStrict
	}
	opts.Logger = logger
	return opts
}

func outboundPolicy(cfg *config.Root) ratelimit.Policy {
	return ratelimit.Policy{RPM: cfg.Batch.RequestsPerMinute}
}
