package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/AlexKimmel/GateBatch/internal/config"
	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/obs"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit/memory"
)

// runCall sends one request outside the scheduler. The call still takes a
// token from the provider bucket, but is not retried.
func runCall(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("call", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "config.yaml", "path to config file")
	request := fs.StringP("request", "r", "", "request as JSON, read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitError
	}
	logger := obs.NewLogger(stderr, cfg.Observability.LogLevel)

	var src io.Reader = stdin
	if *request != "" {
		src = strings.NewReader(*request)
	}
	var d executor.Descriptor
	if err := json.NewDecoder(src).Decode(&d); err != nil {
		fmt.Fprintf(stderr, "read request: %v\n", err)
		return exitError
	}
	if err := d.Validate(); err != nil {
		fmt.Fprintf(stderr, "read request: %v\n", err)
		return exitError
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "executor: %v\n", err)
		return exitError
	}
	lim := memory.New(ratelimit.WithPolicies(providerPolicies(cfg)), ratelimit.WithLogger(logger))
	limited := executor.NewLimited(exec, lim.Bucket(cfg.Executor.Provider, outboundPolicy(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := executor.Dispatch(ctx, limited, d)
	if err != nil {
		fmt.Fprintf(stderr, "call: %v\n", err)
		return exitError
	}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		fmt.Fprintf(stderr, "write output: %v\n", err)
		return exitError
	}

	ls := limited.Stats()
	logger.Debug().
		Str("provider", cfg.Executor.Provider).
		Int64("total_requests", ls.TotalRequests).
		Dur("limiter_avg_wait", ls.AvgWait()).
		Msg("call done")
	return exitOK
}
