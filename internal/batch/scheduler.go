// Package batch runs many executor calls under a concurrency cap and a
// token-bucket rate limit, retrying failures with exponential backoff.
//
// Every descriptor handed to ProcessBatch ends in exactly one terminal
// state (succeeded, failed or aborted) and its Result is stored at the
// descriptor's index. A task only runs after it holds both a concurrency
// slot and a token; slots are granted in FIFO order, so admission order
// breaks ties between tasks that become eligible together.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

type task struct {
	index      int
	desc       executor.Descriptor
	state      State
	attempts   int
	retryCount int
}

type counters struct {
	total, completed, failed, retried, aborted int
	start, end                                 time.Time
}

type Scheduler struct {
	exec    executor.Executor
	limiter *ratelimit.TokenBucket
	slots   *semaphore.Weighted
	opts    Options
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	abortCtx context.Context
	abort    context.CancelFunc

	// serializes progress callbacks so Completed never goes backwards
	progressMu sync.Mutex

	mu       sync.Mutex
	aborted  bool
	active   int
	pending  int
	inflight int
	stats    counters
}

// New binds a Scheduler to exec. A nil exec is accepted; ProcessBatch then
// returns ErrNotInitialized.
func New(exec executor.Executor, opts Options) *Scheduler {
	opts = opts.withDefaults()

	lim := opts.Limiter
	if lim == nil {
		lim = ratelimit.NewTokenBucket(opts.Provider,
			ratelimit.Policy{RPM: opts.RequestsPerMinute},
			ratelimit.WithLogger(opts.Logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		exec:     exec,
		limiter:  lim,
		slots:    semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:     opts,
		log:      opts.Logger.With().Str("component", "batch").Str("provider", lim.Provider()).Logger(),
		now:      time.Now,
		sleep:    ratelimit.Sleep,
		abortCtx: ctx,
		abort:    cancel,
	}
}

func (s *Scheduler) Limiter() *ratelimit.TokenBucket { return s.limiter }

// ProcessBatch runs every descriptor and returns their results in input
// order. Per-task failures are reported inside the results; the returned
// error is only ErrNotInitialized. Cancelling ctx aborts the tasks of this
// call that have not started yet.
func (s *Scheduler) ProcessBatch(ctx context.Context, descs []executor.Descriptor) ([]Result, error) {
	if s.exec == nil {
		return nil, ErrNotInitialized
	}
	log := s.log.With().Str("batch_id", uuid.NewString()).Int("size", len(descs)).Logger()

	s.mu.Lock()
	s.stats.total += len(descs)
	s.pending += len(descs)
	s.inflight++
	if s.stats.start.IsZero() {
		s.stats.start = s.now()
	}
	s.mu.Unlock()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(s.abortCtx, stop)()

	log.Debug().Msg("batch started")
	results := make([]Result, len(descs))
	var wg conc.WaitGroup
	for i, d := range descs {
		t := &task{index: i, desc: d}
		if err := d.Validate(); err != nil {
			results[i] = s.settle(log, t, StateFailed, executor.Output{}, err)
			continue
		}
		t.state = StateWaitingForSlot
		if runCtx.Err() != nil || s.gate(runCtx) != nil {
			results[i] = s.settle(log, t, StateAborted, executor.Output{}, s.abortErr(ctx))
			continue
		}
		wg.Go(func() { results[i] = s.run(ctx, runCtx, log, t) })
	}
	wg.Wait()

	s.mu.Lock()
	s.inflight--
	s.stats.end = s.now()
	s.mu.Unlock()

	var ok, failed, aborted int
	for _, r := range results {
		switch r.State {
		case StateSucceeded:
			ok++
		case StateFailed:
			failed++
		case StateAborted:
			aborted++
		}
	}
	log.Info().Int("succeeded", ok).Int("failed", failed).Int("aborted", aborted).Msg("batch finished")
	return results, nil
}

// gate blocks until the caller holds a concurrency slot and a rate limit
// token. On error neither is held.
func (s *Scheduler) gate(ctx context.Context) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		s.slots.Release(1)
		return err
	}
	return nil
}

// run drives one task that already holds a slot and a token.
func (s *Scheduler) run(ctx, runCtx context.Context, log zerolog.Logger, t *task) Result {
	backoff := retry.WithMaxRetries(uint64(s.opts.MaxRetries), retry.NewExponential(s.opts.RetryDelay))
	for {
		if !s.begin(runCtx, t) {
			s.slots.Release(1)
			return s.settle(log, t, StateAborted, executor.Output{}, s.abortErr(ctx))
		}

		t.attempts++
		log.Debug().Int("index", t.index).Str("kind", string(t.desc.Kind)).Int("attempt", t.attempts).Msg("attempt")
		out, err := s.attempt(ctx, t)

		if err == nil {
			s.finish(t, false, false)
			s.slots.Release(1)
			return s.settle(log, t, StateSucceeded, out, nil)
		}
		if s.opts.Classify(err) == executor.Fatal {
			s.finish(t, false, false)
			s.slots.Release(1)
			return s.settle(log, t, StateFailed, executor.Output{}, err)
		}

		delay, exhausted := backoff.Next()
		s.finish(t, true, !exhausted)
		if exhausted {
			s.slots.Release(1)
			return s.settle(log, t, StateFailed, executor.Output{}, &ExhaustedRetriesError{Attempts: t.attempts, Last: err})
		}

		log.Warn().Err(err).Int("index", t.index).Int("attempt", t.attempts).Dur("backoff", delay).Msg("retrying")
		s.opts.Observer.RetryScheduled(t.desc.Kind, delay)
		_ = s.sleep(runCtx, delay)
		t.retryCount++
		s.slots.Release(1)

		t.state = StateWaitingForSlot
		if runCtx.Err() != nil || s.gate(runCtx) != nil {
			return s.settle(log, t, StateAborted, executor.Output{}, s.abortErr(ctx))
		}
	}
}

// begin moves t to RUNNING unless the scheduler or this batch was aborted.
func (s *Scheduler) begin(runCtx context.Context, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || runCtx.Err() != nil {
		return false
	}
	t.state = StateRunning
	s.active++
	s.pending--
	return true
}

// finish records the end of an attempt. Every retryable failure counts as a
// retry, including the one that exhausts the budget.
func (s *Scheduler) finish(t *task, failed, retrying bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if failed {
		s.stats.retried++
	}
	if retrying {
		t.state = StateRetryScheduled
		s.pending++
	}
}

func (s *Scheduler) attempt(ctx context.Context, t *task) (out executor.Output, err error) {
	kind := t.desc.Kind
	s.opts.Observer.AttemptStarted(kind)
	start := s.now()

	var pc panics.Catcher
	pc.Try(func() { out, err = executor.Dispatch(ctx, s.exec, t.desc) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	s.opts.Observer.AttemptFinished(kind, s.now().Sub(start), err)
	return out, err
}

func (s *Scheduler) settle(log zerolog.Logger, t *task, state State, out executor.Output, err error) Result {
	res := Result{Index: t.index, State: state, Output: out, Attempts: t.attempts, Err: err}

	s.progressMu.Lock()
	s.mu.Lock()
	if t.state != StateRunning {
		s.pending--
	}
	switch state {
	case StateSucceeded:
		s.stats.completed++
	case StateFailed:
		s.stats.failed++
	case StateAborted:
		s.stats.aborted++
	}
	ev := Progress{Completed: s.stats.completed, Total: s.stats.total, Index: t.index, Result: res}
	s.mu.Unlock()
	t.state = state
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(ev)
	}
	s.progressMu.Unlock()

	s.opts.Observer.TaskSettled(t.desc.Kind, state)
	switch state {
	case StateSucceeded:
		log.Debug().Int("index", t.index).Int("attempts", t.attempts).Msg("task succeeded")
	case StateFailed:
		log.Error().Err(err).Int("index", t.index).Int("attempts", t.attempts).Msg("task failed")
		if s.opts.AbortOnError {
			s.Abort()
		}
	case StateAborted:
		log.Debug().Int("index", t.index).Msg("task aborted")
	}
	return res
}

func (s *Scheduler) abortErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !s.Aborted() {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return ErrAborted
}

// Abort stops every task that has not started running. Running calls are
// left to finish and their outcomes are recorded. Abort is permanent.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	first := !s.aborted
	s.aborted = true
	s.mu.Unlock()

	s.abort()
	if first {
		s.log.Warn().Msg("batch aborted")
	}
}

func (s *Scheduler) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := s.stats.start
	if start.IsZero() {
		start = now
	}
	end := s.stats.end
	if end.IsZero() || s.inflight > 0 {
		end = now
	}
	d := end.Sub(start)

	var rps float64
	if d > 0 {
		rps = float64(s.stats.completed) / d.Seconds()
	}
	return Stats{
		Total:             s.stats.total,
		Completed:         s.stats.completed,
		Failed:            s.stats.failed,
		Retried:           s.stats.retried,
		Aborted:           s.stats.aborted,
		Active:            s.active,
		Pending:           s.pending,
		Duration:          d,
		RequestsPerSecond: rps,
		SuccessRate:       float64(s.stats.completed) / float64(max(1, s.stats.total)),
	}
}
