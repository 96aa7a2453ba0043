package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalQueueSpacesDispatches(t *testing.T) {
	clock := newFakeClock()
	q := NewIntervalQueue(60, clock.Option())
	require.Equal(t, time.Second, q.Interval())

	var (
		mu     sync.Mutex
		starts []time.Time
		order  []int
	)
	chans := make([]<-chan error, 0, 3)
	for i := 0; i < 3; i++ {
		chans = append(chans, q.Enqueue(context.Background(), func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, clock.Now())
			order = append(order, i)
			return nil
		}))
	}

	runWithTimeout(t, 2*time.Second, func() {
		for _, ch := range chans {
			assert.NoError(t, <-ch)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), time.Second)
	}
	assert.Zero(t, q.Len())
}

func TestIntervalQueueDefaultRate(t *testing.T) {
	assert.Equal(t, time.Second, NewIntervalQueue(0).Interval())
	assert.Equal(t, 500*time.Millisecond, NewIntervalQueue(120).Interval())
}

func TestIntervalQueuePropagatesErrors(t *testing.T) {
	q := NewIntervalQueue(60000)
	boom := errors.New("boom")

	runWithTimeout(t, 2*time.Second, func() {
		err := q.Do(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)

		err = q.Do(context.Background(), func(context.Context) error { panic("kaput") })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaput")

		// the queue keeps draining after a panic
		assert.NoError(t, q.Do(context.Background(), func(context.Context) error { return nil }))
	})
}

func TestIntervalQueueSkipsCanceledHeads(t *testing.T) {
	q := NewIntervalQueue(60000)

	release := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	skipped := q.Enqueue(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	last := q.Enqueue(context.Background(), func(context.Context) error { return nil })

	runWithTimeout(t, 2*time.Second, func() {
		<-started
		cancel()
		close(release)

		assert.NoError(t, <-first)
		assert.ErrorIs(t, <-skipped, context.Canceled)
		assert.NoError(t, <-last)
	})
	assert.False(t, ran)
}

func TestIntervalQueueDoReturnsOnCancel(t *testing.T) {
	q := NewIntervalQueue(60000)
	release := make(chan struct{})
	defer close(release)

	blocker := q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	_ = blocker

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	runWithTimeout(t, 2*time.Second, func() {
		err := q.Do(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIntervalQueueSingleDrainUnderConcurrentEnqueue(t *testing.T) {
	q := NewIntervalQueue(600000)

	const callers = 200
	var (
		mu      sync.Mutex
		running int
		peak    int
		ran     int
	)
	op := func(context.Context) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		ran++
		mu.Unlock()

		time.Sleep(10 * time.Microsecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	runWithTimeout(t, 10*time.Second, func() {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				assert.NoError(t, q.Do(context.Background(), op))
			}()
		}
		close(start)
		wg.Wait()
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, callers, ran)
	assert.Equal(t, 1, peak)
	assert.Zero(t, q.Len())
}
