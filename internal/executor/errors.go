package executor

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("executor: unknown request kind")
	ErrUnsupported = errors.New("executor: operation not supported")
	ErrRateLimited = errors.New("executor: rate limit exceeded")
)

// TransportError is a failure to reach the provider or a 5xx from it.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("executor: %s: upstream status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("executor: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is an error reported by the provider itself. Kind, when set, is
// one of the sentinel errors above and is what errors.Is matches.
type APIError struct {
	Provider string
	Code     int
	Message  string
	Kind     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("executor: %s api error %d: %s", e.Provider, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classifier decides whether a failed call may be retried.
type Classifier func(err error) Class

// Classify treats everything except an unknown request kind as retryable,
// including ErrUnsupported.
func Classify(err error) Class {
	if errors.Is(err, ErrUnknownKind) {
		return Fatal
	}
	return Retryable
}

// ClassifyStrict additionally treats ErrUnsupported as fatal.
func ClassifyStrict(err error) Class {
	if errors.Is(err, ErrUnsupported) {
		return Fatal
	}
	return Classify(err)
}
