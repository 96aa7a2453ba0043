// Package executor defines the remote model calls the batch scheduler drives
// and the request descriptors that select between them.
package executor

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are passed through to the provider untouched.
type Options struct {
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Executor is one provider's set of calls. Implementations must be safe for
// concurrent use; every call may fail independently.
type Executor interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	Embedding(ctx context.Context, input []string, opts Options) ([][]float64, error)
}

// Streamer is implemented by executors that can stream chat responses.
type Streamer interface {
	Stream(ctx context.Context, messages []Message, onChunk func(chunk string) error, opts Options) error
}

type Kind string

const (
	KindChat      Kind = "chat"
	KindComplete  Kind = "complete"
	KindEmbedding Kind = "embedding"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindComplete, KindEmbedding:
		return true
	}
	return false
}

// Descriptor is one request in a batch.
type Descriptor struct {
	Kind     Kind      `json:"kind"`
	Messages []Message `json:"messages,omitempty"`
	Prompt   string    `json:"prompt,omitempty"`
	Input    []string  `json:"input,omitempty"`
	Text     string    `json:"text,omitempty"` // single embedding input, used when Input is empty
	Options  Options   `json:"options,omitempty"`
}

func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}
	return nil
}

func (d Descriptor) embeddingInput() []string {
	if len(d.Input) > 0 {
		return d.Input
	}
	return []string{d.Text}
}

// Output holds whichever payload the call kind produces.
type Output struct {
	Text    string      `json:"text,omitempty"`
	Vectors [][]float64 `json:"vectors,omitempty"`
}

// Dispatch routes d to the matching Executor call.
func Dispatch(ctx context.Context, exec Executor, d Descriptor) (Output, error) {
	switch d.Kind {
	case KindChat:
		text, err := exec.Chat(ctx, d.Messages, d.Options)
		return Output{Text: text}, err
	case KindComplete:
		text, err := exec.Complete(ctx, d.Prompt, d.Options)
		return Output{Text: text}, err
	case KindEmbedding:
		vecs, err := exec.Embedding(ctx, d.embeddingInput(), d.Options)
		return Output{Vectors: vecs}, err
	default:
		return Output{}, d.Validate()
	}
}
