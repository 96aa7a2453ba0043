package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

// funcExec routes every call to fn with the prompt, first message or first
// input as payload.
type funcExec struct {
	fn    func(ctx context.Context, kind executor.Kind, payload string) (string, error)
	calls atomic.Int64
}

func (e *funcExec) Chat(ctx context.Context, messages []executor.Message, _ executor.Options) (string, error) {
	e.calls.Add(1)
	return e.fn(ctx, executor.KindChat, messages[0].Content)
}

func (e *funcExec) Complete(ctx context.Context, prompt string, _ executor.Options) (string, error) {
	e.calls.Add(1)
	return e.fn(ctx, executor.KindComplete, prompt)
}

func (e *funcExec) Embedding(ctx context.Context, input []string, _ executor.Options) ([][]float64, error) {
	e.calls.Add(1)
	if _, err := e.fn(ctx, executor.KindEmbedding, input[0]); err != nil {
		return nil, err
	}
	return [][]float64{{float64(len(input[0]))}}, nil
}

func echo(_ context.Context, _ executor.Kind, payload string) (string, error) {
	return "ok:" + payload, nil
}

func prompts(n int) []executor.Descriptor {
	out := make([]executor.Descriptor, n)
	for i := range out {
		out[i] = executor.Descriptor{Kind: executor.KindComplete, Prompt: fmt.Sprint(i)}
	}
	return out
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Provider = "test"
	opts.Limiter = ratelimit.NewTokenBucket("test", ratelimit.Policy{RPM: 600000, Burst: 1000})
	opts.RetryDelay = time.Millisecond
	return opts
}

func process(t *testing.T, s *Scheduler, ctx context.Context, descs []executor.Descriptor) []Result {
	t.Helper()
	var (
		results []Result
		err     error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, err = s.ProcessBatch(ctx, descs)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("ProcessBatch timed out")
	}
	require.NoError(t, err)
	require.Len(t, results, len(descs))
	return results
}

func TestProcessBatchKeepsInputOrder(t *testing.T) {
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		var i int
		_, _ = fmt.Sscan(p, &i)
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		return echo(ctx, k, p)
	}}
	opts := fastOptions()
	opts.Concurrency = 5
	s := New(exec, opts)

	results := process(t, s, context.Background(), prompts(10))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, StateSucceeded, r.State)
		assert.Equal(t, fmt.Sprintf("ok:%d", i), r.Output.Text)
		assert.Equal(t, 1, r.Attempts)
		assert.NoError(t, r.Err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var active, peak atomic.Int64
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return echo(ctx, k, p)
	}}
	opts := fastOptions()
	opts.Concurrency = 2
	s := New(exec, opts)

	results := process(t, s, context.Background(), prompts(12))
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(12), exec.calls.Load())
}

func TestRetryThenSucceed(t *testing.T) {
	var attempts atomic.Int64
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		if attempts.Add(1) <= 2 {
			return "", errors.New("transient")
		}
		return echo(ctx, k, p)
	}}
	opts := fastOptions()
	opts.MaxRetries = 2
	s := New(exec, opts)

	results := process(t, s, context.Background(), prompts(1))
	r := results[0]
	assert.Equal(t, StateSucceeded, r.State)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, "ok:0", r.Output.Text)

	st := s.Stats()
	assert.Equal(t, 2, st.Retried)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 0, st.Failed)
}

func TestRetriesExhausted(t *testing.T) {
	boom := errors.New("upstream down")
	exec := &funcExec{fn: func(context.Context, executor.Kind, string) (string, error) { return "", boom }}
	opts := fastOptions()
	opts.MaxRetries = 2
	s := New(exec, opts)

	results := process(t, s, context.Background(), prompts(1))
	r := results[0]
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, 3, r.Attempts)

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, r.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, r.Err, boom)

	st := s.Stats()
	assert.Equal(t, 3, st.Retried)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, int64(3), exec.calls.Load())
}

func TestZeroRetriesMeansOneAttempt(t *testing.T) {
	exec := &funcExec{fn: func(context.Context, executor.Kind, string) (string, error) { return "", errors.New("no") }}
	opts := fastOptions()
	opts.MaxRetries = 0
	s := New(exec, opts)

	results := process(t, s, context.Background(), prompts(1))
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, StateFailed, results[0].State)
}

func TestBackoffDoubles(t *testing.T) {
	exec := &funcExec{fn: func(context.Context, executor.Kind, string) (string, error) { return "", errors.New("no") }}
	opts := fastOptions()
	opts.RetryDelay = 10 * time.Millisecond
	s := New(exec, opts)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	results := process(t, s, context.Background(), prompts(1))
	assert.Equal(t, 4, results[0].Attempts)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	unsupported := &executor.APIError{Provider: "test", Code: 501, Kind: executor.ErrUnsupported}
	exec := &funcExec{fn: func(context.Context, executor.Kind, string) (string, error) { return "", unsupported }}

	opts := fastOptions()
	opts.Classify = executor.ClassifyStrict
	s := New(exec, opts)
	results := process(t, s, context.Background(), prompts(1))
	assert.Equal(t, StateFailed, results[0].State)
	assert.Equal(t, 1, results[0].Attempts)
	assert.ErrorIs(t, results[0].Err, executor.ErrUnsupported)
	assert.Zero(t, s.Stats().Retried)

	// the default classifier retries the same error
	s = New(exec, fastOptions())
	results = process(t, s, context.Background(), prompts(1))
	assert.Equal(t, 4, results[0].Attempts)
}

func TestUnknownKindFailsWithoutCalling(t *testing.T) {
	exec := &funcExec{fn: echo}
	opts := fastOptions()
	s := New(exec, opts)

	descs := []executor.Descriptor{
		{Kind: executor.KindComplete, Prompt: "a"},
		{Kind: "summarize", Prompt: "b"},
		{Kind: executor.KindEmbedding, Text: "abc"},
	}
	results := process(t, s, context.Background(), descs)

	assert.True(t, results[0].OK())
	assert.Equal(t, StateFailed, results[1].State)
	assert.Zero(t, results[1].Attempts)
	assert.ErrorIs(t, results[1].Err, executor.ErrUnknownKind)
	assert.True(t, results[2].OK())
	assert.Equal(t, [][]float64{{3}}, results[2].Output.Vectors)

	assert.Equal(t, int64(2), exec.calls.Load())
	assert.Equal(t, int64(2), opts.Limiter.Stats().TotalRequests)
	assert.Zero(t, s.Stats().Retried)
}

func TestNilExecutor(t *testing.T) {
	s := New(nil, fastOptions())
	_, err := s.ProcessBatch(context.Background(), prompts(2))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestEmptyBatch(t *testing.T) {
	s := New(&funcExec{fn: echo}, fastOptions())
	results := process(t, s, context.Background(), nil)
	assert.Empty(t, results)
	assert.Zero(t, s.Stats().Total)
}

func TestAbortLeavesRunningCallsAlone(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		if first.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return echo(ctx, k, p)
	}}
	opts := fastOptions()
	opts.Concurrency = 1
	s := New(exec, opts)

	go func() {
		<-started
		s.Abort()
		s.Abort()
		close(release)
	}()
	results := process(t, s, context.Background(), prompts(5))

	assert.Equal(t, StateSucceeded, results[0].State)
	for _, r := range results[1:] {
		assert.Equal(t, StateAborted, r.State)
		assert.ErrorIs(t, r.Err, ErrAborted)
	}
	assert.True(t, s.Aborted())
	assert.Equal(t, int64(1), exec.calls.Load())

	st := s.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 4, st.Aborted)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Active)

	// abort is permanent
	results = process(t, s, context.Background(), prompts(2))
	for _, r := range results {
		assert.Equal(t, StateAborted, r.State)
	}
	assert.Equal(t, int64(1), exec.calls.Load())
}

func TestAbortOnError(t *testing.T) {
	exec := &funcExec{fn: echo}
	opts := fastOptions()
	opts.Concurrency = 1
	opts.AbortOnError = true
	s := New(exec, opts)

	descs := append([]executor.Descriptor{{Kind: "bogus"}}, prompts(3)...)
	results := process(t, s, context.Background(), descs)

	assert.Equal(t, StateFailed, results[0].State)
	for _, r := range results[1:] {
		assert.Equal(t, StateAborted, r.State)
	}
	assert.Zero(t, exec.calls.Load())
	assert.True(t, s.Aborted())
}

func TestCallerCancellationAbortsBatchOnly(t *testing.T) {
	exec := &funcExec{fn: echo}
	s := New(exec, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := process(t, s, ctx, prompts(3))
	for _, r := range results {
		assert.Equal(t, StateAborted, r.State)
		assert.ErrorIs(t, r.Err, ErrAborted)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.False(t, s.Aborted())

	// the scheduler itself is still usable
	results = process(t, s, context.Background(), prompts(2))
	for _, r := range results {
		assert.True(t, r.OK())
	}
}

func TestPanicsAreRetried(t *testing.T) {
	var n atomic.Int64
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		if n.Add(1) == 1 {
			panic("executor bug")
		}
		return echo(ctx, k, p)
	}}
	s := New(exec, fastOptions())

	results := process(t, s, context.Background(), prompts(1))
	assert.Equal(t, StateSucceeded, results[0].State)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestProgressIsMonotonic(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Progress
	)
	opts := fastOptions()
	opts.Concurrency = 4
	opts.OnProgress = func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}
	descs := append(prompts(6), executor.Descriptor{Kind: "bogus"})
	s := New(&funcExec{fn: echo}, opts)
	process(t, s, context.Background(), descs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 7)
	seen := map[int]bool{}
	for i, ev := range events {
		assert.Equal(t, 7, ev.Total)
		assert.Equal(t, ev.Index, ev.Result.Index)
		assert.True(t, ev.Result.State.Terminal())
		seen[ev.Index] = true
		if i > 0 {
			assert.GreaterOrEqual(t, ev.Completed, events[i-1].Completed)
		}
	}
	assert.Len(t, seen, 7)
	assert.Equal(t, 6, events[len(events)-1].Completed)
}

func TestStats(t *testing.T) {
	s := New(&funcExec{fn: echo}, fastOptions())

	st := s.Stats()
	assert.Zero(t, st.Duration)
	assert.Zero(t, st.RequestsPerSecond)
	assert.Zero(t, st.SuccessRate)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	s.now = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * 100 * time.Millisecond)
	}

	process(t, s, context.Background(), prompts(4))
	st = s.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 4, st.Completed)
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Pending)
	assert.InDelta(t, 1.0, st.SuccessRate, 1e-9)
	require.Positive(t, st.Duration)
	assert.InDelta(t, 4/st.Duration.Seconds(), st.RequestsPerSecond, 1e-9)

	// duration is frozen once no batch is in flight
	assert.Equal(t, st.Duration, s.Stats().Duration)
}

func TestSchedulersShareLimiter(t *testing.T) {
	shared := ratelimit.NewTokenBucket("shared", ratelimit.Policy{RPM: 600000, Burst: 1000})
	opts := fastOptions()
	opts.Limiter = shared

	a := New(&funcExec{fn: echo}, opts)
	b := New(&funcExec{fn: echo}, opts)
	assert.Same(t, a.Limiter(), b.Limiter())

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ProcessBatch(context.Background(), prompts(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), shared.Stats().TotalRequests)
}

func TestDefaultLimiterUsesRequestsPerMinute(t *testing.T) {
	opts := DefaultOptions()
	opts.Provider = "claude"
	s := New(&funcExec{fn: echo}, opts)
	assert.Equal(t, ratelimit.Policy{RPM: 40, Burst: 3}, s.Limiter().Policy())
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished int
	retries  int
	settled  map[State]int
}

func (o *recordingObserver) AttemptStarted(executor.Kind) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) AttemptFinished(executor.Kind, time.Duration, error) {
	o.mu.Lock()
	o.finished++
	o.mu.Unlock()
}

func (o *recordingObserver) RetryScheduled(executor.Kind, time.Duration) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *recordingObserver) TaskSettled(_ executor.Kind, s State) {
	o.mu.Lock()
	o.settled[s]++
	o.mu.Unlock()
}

func TestObserverSeesLifecycle(t *testing.T) {
	var n atomic.Int64
	exec := &funcExec{fn: func(ctx context.Context, k executor.Kind, p string) (string, error) {
		if p == "0" && n.Add(1) == 1 {
			return "", errors.New("once")
		}
		return echo(ctx, k, p)
	}}
	obs := &recordingObserver{settled: map[State]int{}}
	opts := fastOptions()
	opts.Observer = obs
	s := New(exec, opts)

	descs := append(prompts(3), executor.Descriptor{Kind: "bogus"})
	process(t, s, context.Background(), descs)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 4, obs.started)
	assert.Equal(t, 4, obs.finished)
	assert.Equal(t, 1, obs.retries)
	assert.Equal(t, map[State]int{StateSucceeded: 3, StateFailed: 1}, obs.settled)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "waiting_for_slot", StateWaitingForSlot.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.False(t, StateRetryScheduled.Terminal())
	assert.True(t, StateFailed.Terminal())
}
