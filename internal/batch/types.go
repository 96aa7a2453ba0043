package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

var (
	ErrNotInitialized = errors.New("batch: scheduler has no executor")
	ErrAborted        = errors.New("batch: processing aborted")
)

// ExhaustedRetriesError is the terminal error of a task that failed on every
// attempt. Last is the error from the final attempt.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("batch: giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

type State int

const (
	StatePending State = iota
	StateWaitingForSlot
	StateRunning
	StateRetryScheduled
	StateSucceeded
	StateFailed
	StateAborted
)

var stateNames = [...]string{
	StatePending:        "pending",
	StateWaitingForSlot: "waiting_for_slot",
	StateRunning:        "running",
	StateRetryScheduled: "retry_scheduled",
	StateSucceeded:      "succeeded",
	StateFailed:         "failed",
	StateAborted:        "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// Result is the outcome of the descriptor at Index.
type Result struct {
	Index    int
	State    State
	Output   executor.Output
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.State == StateSucceeded }

type resultJSON struct {
	Index    int              `json:"index"`
	State    string           `json:"state"`
	Output   *executor.Output `json:"output,omitempty"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Index: r.Index, State: r.State.String(), Attempts: r.Attempts}
	if r.OK() {
		out.Output = &r.Output
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Progress is delivered once per task when it reaches a terminal state.
type Progress struct {
	Completed int
	Total     int
	Index     int
	Result    Result
}

// Observer receives task lifecycle events, typically for metrics.
type Observer interface {
	AttemptStarted(kind executor.Kind)
	AttemptFinished(kind executor.Kind, elapsed time.Duration, err error)
	RetryScheduled(kind executor.Kind, delay time.Duration)
	TaskSettled(kind executor.Kind, state State)
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(executor.Kind)                        {}
func (nopObserver) AttemptFinished(executor.Kind, time.Duration, error) {}
func (nopObserver) RetryScheduled(executor.Kind, time.Duration)         {}
func (nopObserver) TaskSettled(executor.Kind, State)                    {}

type Options struct {
	// Provider selects the default rate policy when Limiter is nil.
	Provider          string
	Concurrency       int
	RequestsPerMinute int
	MaxRetries        int
	RetryDelay        time.Duration
	AbortOnError      bool
	OnProgress        func(Progress)

	// Limiter is shared with other schedulers for the same provider. When nil
	// a bucket is built from Provider and RequestsPerMinute.
	Limiter  *ratelimit.TokenBucket
	Classify executor.Classifier
	Observer Observer
	Logger   zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Concurrency:       3,
		RequestsPerMinute: 40,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		Classify:          executor.Classify,
		Logger:            zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = d.RequestsPerMinute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Classify == nil {
		o.Classify = d.Classify
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Stats aggregates every ProcessBatch call made on a Scheduler.
type Stats struct {
	Total             int           `json:"total"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Retried           int           `json:"retried"`
	Aborted           int           `json:"aborted"`
	Active            int           `json:"active"`
	Pending           int           `json:"pending"`
	Duration          time.Duration `json:"duration"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	SuccessRate       float64       `json:"success_rate"`
}
