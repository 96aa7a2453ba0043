package executor

import (
	"context"

	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

// Limited takes a token from a shared bucket before every call.
type Limited struct {
	next   Executor
	bucket *ratelimit.TokenBucket
}

func NewLimited(next Executor, bucket *ratelimit.TokenBucket) *Limited {
	return &Limited{next: next, bucket: bucket}
}

func (l *Limited) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := l.bucket.Acquire(ctx); err != nil {
		return "", err
	}
	return l.next.Chat(ctx, messages, opts)
}

func (l *Limited) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := l.bucket.Acquire(ctx); err != nil {
		return "", err
	}
	return l.next.Complete(ctx, prompt, opts)
}

func (l *Limited) Embedding(ctx context.Context, input []string, opts Options) ([][]float64, error) {
	if err := l.bucket.Acquire(ctx); err != nil {
		return nil, err
	}
	return l.next.Embedding(ctx, input, opts)
}

func (l *Limited) Stream(ctx context.Context, messages []Message, onChunk func(string) error, opts Options) error {
	s, ok := l.next.(Streamer)
	if !ok {
		return ErrUnsupported
	}
	if err := l.bucket.Acquire(ctx); err != nil {
		return err
	}
	return s.Stream(ctx, messages, onChunk, opts)
}

func (l *Limited) Stats() ratelimit.Stats { return l.bucket.Stats() }

// Outcome is the settled result of a queued descriptor.
type Outcome struct {
	Output Output
	Err    error
}

// Queued pushes every call through an IntervalQueue so calls to next run one
// at a time, in arrival order, at a fixed minimum spacing.
type Queued struct {
	next  Executor
	queue *ratelimit.IntervalQueue
}

func NewQueued(next Executor, queue *ratelimit.IntervalQueue) *Queued {
	return &Queued{next: next, queue: queue}
}

// Submit queues d and returns a channel that receives its outcome once.
// Invalid descriptors settle immediately without taking a queue slot.
func (q *Queued) Submit(ctx context.Context, d Descriptor) <-chan Outcome {
	out := make(chan Outcome, 1)
	if err := d.Validate(); err != nil {
		out <- Outcome{Err: err}
		return out
	}

	var res Output
	done := q.queue.Enqueue(ctx, func(ctx context.Context) error {
		var err error
		res, err = Dispatch(ctx, q.next, d)
		return err
	})
	go func() {
		err := <-done
		out <- Outcome{Output: res, Err: err}
	}()
	return out
}

func (q *Queued) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	o := <-q.Submit(ctx, Descriptor{Kind: KindChat, Messages: messages, Options: opts})
	return o.Output.Text, o.Err
}

func (q *Queued) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	o := <-q.Submit(ctx, Descriptor{Kind: KindComplete, Prompt: prompt, Options: opts})
	return o.Output.Text, o.Err
}

func (q *Queued) Embedding(ctx context.Context, input []string, opts Options) ([][]float64, error) {
	o := <-q.Submit(ctx, Descriptor{Kind: KindEmbedding, Input: input, Options: opts})
	return o.Output.Vectors, o.Err
}

func (q *Queued) Stream(ctx context.Context, messages []Message, onChunk func(string) error, opts Options) error {
	s, ok := q.next.(Streamer)
	if !ok {
		return ErrUnsupported
	}
	return <-q.queue.Enqueue(ctx, func(ctx context.Context) error {
		return s.Stream(ctx, messages, onChunk, opts)
	})
}

var (
	_ Executor = (*Limited)(nil)
	_ Streamer = (*Limited)(nil)
	_ Executor = (*Queued)(nil)
	_ Streamer = (*Queued)(nil)
)
