package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Operation is one unit of work run by an IntervalQueue.
type Operation func(ctx context.Context) error

type queuedOp struct {
	ctx  context.Context
	op   Operation
	done chan error
}

// IntervalQueue runs operations one at a time in FIFO order, starting each
// at least one interval after the previous one started.
type IntervalQueue struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger

	mu           sync.Mutex
	queue        []*queuedOp
	draining     bool
	lastDispatch time.Time
}

// NewIntervalQueue spaces dispatches 60s/rpm apart. rpm <= 0 means 60.
func NewIntervalQueue(rpm int, opts ...Option) *IntervalQueue {
	if rpm <= 0 {
		rpm = 60
	}
	o := buildOptions(opts)
	return &IntervalQueue{
		interval: time.Minute / time.Duration(rpm),
		now:      o.now,
		sleep:    o.sleep,
		log:      o.logger.With().Str("component", "interval_queue").Logger(),
	}
}

func (q *IntervalQueue) Interval() time.Duration { return q.interval }

func (q *IntervalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Enqueue appends op and returns a channel that receives its outcome exactly
// once. If ctx is done before op reaches the head, op is skipped and the
// channel receives ctx.Err().
func (q *IntervalQueue) Enqueue(ctx context.Context, op Operation) <-chan error {
	item := &queuedOp{ctx: ctx, op: op, done: make(chan error, 1)}

	q.mu.Lock()
	q.queue = append(q.queue, item)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return item.done
}

// Do enqueues op and waits for its outcome.
func (q *IntervalQueue) Do(ctx context.Context, op Operation) error {
	select {
	case err := <-q.Enqueue(ctx, op):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *IntervalQueue) drain() {
	for {
		q.mu.Lock()
		q.dropCanceledLocked()
		if len(q.queue) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		var wait time.Duration
		if !q.lastDispatch.IsZero() {
			wait = q.interval - q.now().Sub(q.lastDispatch)
		}
		q.mu.Unlock()

		if wait > 0 {
			_ = q.sleep(context.Background(), wait)
		}

		q.mu.Lock()
		q.dropCanceledLocked()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			continue
		}
		item := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.lastDispatch = q.now()
		pending := len(q.queue)
		q.mu.Unlock()

		q.log.Debug().Int("pending", pending).Msg("dispatch")
		err := q.run(item)
		if err != nil {
			q.log.Debug().Err(err).Msg("operation failed")
		}
		item.done <- err
	}
}

// dropCanceledLocked settles queued heads whose context already ended.
func (q *IntervalQueue) dropCanceledLocked() {
	for len(q.queue) > 0 {
		head := q.queue[0]
		if head.ctx.Err() == nil {
			return
		}
		head.done <- head.ctx.Err()
		q.queue[0] = nil
		q.queue = q.queue[1:]
	}
}

func (q *IntervalQueue) run(item *queuedOp) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = item.op(item.ctx) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	return err
}
