package main

import (
	"bufio"
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

	"github.com/AlexKimmel/GateBatch/internal/batch"
	"github.com/AlexKimmel/GateBatch/internal/config"
	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/obs"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit/memory"
)

const maxLineBytes = 4 << 20

func runBatch(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "config.yaml", "path to config file")
	inPath := fs.StringP("in", "i", "-", "JSONL file of requests, - for stdin")
	outPath := fs.StringP("out", "o", "-", "JSONL file for results, - for stdout")
	concurrency := fs.Int("concurrency", 0, "override batch.concurrency")
	abortOnError := fs.Bool("abort-on-error", false, "stop scheduling after the first terminal failure")
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
	if *concurrency > 0 {
		cfg.Batch.Concurrency = *concurrency
	}
	if fs.Changed("abort-on-error") {
		cfg.Batch.AbortOnError = *abortOnError
	}

	logger := obs.NewLogger(stderr, cfg.Observability.LogLevel)

	in, closeIn, err := openInput(*inPath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "open input: %v\n", err)
		return exitError
	}
	defer closeIn()
	descs, err := readDescriptors(in)
	if err != nil {
		fmt.Fprintf(stderr, "read input: %v\n", err)
		return exitError
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "executor: %v\n", err)
		return exitError
	}

	lim := memory.New(ratelimit.WithPolicies(providerPolicies(cfg)), ratelimit.WithLogger(logger))
	opts := batchOptions(cfg, logger)
	opts.Limiter = lim.Bucket(cfg.Executor.Provider, outboundPolicy(cfg))
	opts.OnProgress = obs.ProgressLogger(logger, cfg.Observability.ProgressEvery)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := batch.New(exec, opts)
	results, err := s.ProcessBatch(ctx, descs)
	if err != nil {
		fmt.Fprintf(stderr, "process batch: %v\n", err)
		return exitError
	}

	out, closeOut, err := openOutput(*outPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "open output: %v\n", err)
		return exitError
	}
	if err := writeResults(out, results); err != nil {
		closeOut()
		fmt.Fprintf(stderr, "write results: %v\n", err)
		return exitError
	}
	if err := closeOut(); err != nil {
		fmt.Fprintf(stderr, "write results: %v\n", err)
		return exitError
	}

	st := s.Stats()
	ls := opts.Limiter.Stats()
	logger.Info().
		Int("total", st.Total).
		Int("completed", st.Completed).
		Int("failed", st.Failed).
		Int("aborted", st.Aborted).
		Int("retried", st.Retried).
		Dur("duration", st.Duration).
		Float64("rps", st.RequestsPerSecond).
		Float64("success_rate", st.SuccessRate).
		Float64("limiter_wait_ratio", ls.WaitRatio()).
		Dur("limiter_avg_wait", ls.AvgWait()).
		Msg("batch stats")

	if st.Failed > 0 || st.Aborted > 0 {
		return exitError
	}
	return exitOK
}

// readDescriptors parses one request per line. Blank lines and lines
// starting with # are skipped.
func readDescriptors(r io.Reader) ([]executor.Descriptor, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var out []executor.Descriptor
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var d executor.Descriptor
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeResults(w io.Writer, results []batch.Result) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
