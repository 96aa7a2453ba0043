package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/AlexKimmel/GateBatch/internal/auth"
	"github.com/AlexKimmel/GateBatch/internal/config"
	"github.com/AlexKimmel/GateBatch/internal/gateway"
	"github.com/AlexKimmel/GateBatch/internal/obs"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit/memory"
)

func runServe(args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "config.yaml", "path to config file")
	addr := fs.String("addr", "", "override server.addr")
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
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	handler, err := newServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("setup failed")
		return exitError
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("provider", cfg.Executor.Provider).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return exitError
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
	return exitOK
}

// newServer wires the mux and middleware chain. Split from runServe so it can
// be exercised with httptest.
func newServer(cfg *config.Root, logger zerolog.Logger) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return nil, err
	}

	outbound := memory.New(
		ratelimit.WithPolicies(providerPolicies(cfg)),
		ratelimit.WithWaitObserver(metrics.ObserveLimiterWait),
		ratelimit.WithLogger(logger),
	)
	opts := batchOptions(cfg, logger)
	opts.Observer = metrics

	bh := gateway.NewBatchHandler(exec, outbound, gateway.BatchConfig{
		Provider: cfg.Executor.Provider,
		Policy:   outboundPolicy(cfg),
		Options:  opts,
		MaxItems: cfg.Server.MaxBatchItems,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle("GET "+cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	bh.Register(mux)

	keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys = append(keys, auth.Key{ID: k.ID, Secret: k.Secret})
	}
	authStore := auth.NewStatic(cfg.Auth.Header, keys)
	if authStore.Len() == 0 {
		logger.Warn().Msg("no api keys configured; batch endpoint is open")
	}

	overrides := make(map[string]ratelimit.Policy, len(cfg.Limits.Keys))
	for id, p := range cfg.Limits.Keys {
		overrides[id] = ratelimit.Policy{RPM: p.RequestsPerMinute, Burst: p.Burst}
	}
	admission := ratelimit.Policy{
		RPM:   cfg.Limits.Default.RequestsPerMinute,
		Burst: cfg.Limits.Default.Burst,
	}

	skip := map[string]struct{}{
		"/health":                         {},
		"/version":                        {},
		cfg.Observability.PrometheusPath: {},
	}

	return gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RateLimit(memory.New(), admission, overrides, skip, metrics.OnLimited, metrics.OnLimiterError),
		// innermost: the mux records r.Pattern on this request value
		metrics.Middleware(skip),
	), nil
}
